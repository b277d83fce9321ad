/*
Copyright 2025 DSA-110 Continuum Imaging.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package stage

import "context"

// Mode classifies a Stage by execution mode (spec.md §4.4): Direct stages
// run in-process; Isolated stages are spawned external helpers reporting
// progress via observer callbacks and returning a structured output
// record rather than having their stdout scraped.
type Mode string

const (
	Direct   Mode = "direct"
	Isolated Mode = "isolated"
)

// Stage is the capability set every workflow node implements (spec.md
// §4.4). validate must be a pure check with no side effects; execute may
// perform long I/O and must return a Context that supersets its input's
// inputs with produced outputs, without mutating the input Context;
// cleanup is an idempotent, best-effort post-run finaliser.
type Stage interface {
	// Name is unique within a workflow.
	Name() string
	// Mode reports whether this stage runs in-process or as an isolated
	// external helper.
	Mode() Mode
	// Validate performs a pure prerequisite check; it must not have side
	// effects. A false result carries a human-readable reason.
	Validate(ctx context.Context, c Context) (ok bool, reason string)
	// Execute may block on I/O and must respect ctx cancellation at its
	// suspension points (spec.md §5). It returns a Context superset of c's
	// inputs with this stage's produced outputs merged in.
	Execute(ctx context.Context, c Context) (Context, error)
	// Cleanup is invoked after Execute regardless of outcome, including on
	// cancellation; it must be idempotent and best-effort.
	Cleanup(ctx context.Context, c Context)
}

// Func adapts three plain functions into a Direct Stage, for simple stages
// that need no dedicated type (grounded on the functional-adapter idiom
// used throughout the teacher's controller test fixtures).
type Func struct {
	StageName string
	Validator func(ctx context.Context, c Context) (bool, string)
	Executor  func(ctx context.Context, c Context) (Context, error)
	Cleaner   func(ctx context.Context, c Context)
}

var _ Stage = Func{}

func (f Func) Name() string { return f.StageName }
func (f Func) Mode() Mode   { return Direct }

func (f Func) Validate(ctx context.Context, c Context) (bool, string) {
	if f.Validator == nil {
		return true, ""
	}
	return f.Validator(ctx, c)
}

func (f Func) Execute(ctx context.Context, c Context) (Context, error) {
	return f.Executor(ctx, c)
}

func (f Func) Cleanup(ctx context.Context, c Context) {
	if f.Cleaner != nil {
		f.Cleaner(ctx, c)
	}
}
