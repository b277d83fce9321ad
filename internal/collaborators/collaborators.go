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

// Package collaborators declares the narrow, interfaces-only contracts of
// spec.md §6.4 for the external routines a workflow stage invokes:
// conversion, calibration solving, calibration application, and imaging.
// None of these are part of the core; the core only depends on the
// interfaces so a stage can be tested against a fake.
package collaborators

import (
	"context"
	"time"

	"github.com/dsa110/dsa110-contimg-sub012/internal/model"
)

// ConvertParams carries the conversion routine's inputs (spec.md §6.4).
type ConvertParams struct {
	InputDir  string
	OutputDir string
	Start     time.Time
	End       time.Time
	Writer    string
	Workers   int
}

// Converter turns raw visibility files in InputDir into a single
// measurement set under OutputDir.
type Converter interface {
	Convert(ctx context.Context, p ConvertParams) (msPath string, err error)
}

// SolveParams carries the calibration solver's inputs (spec.md §6.4).
type SolveParams struct {
	MSPath string
	Kind   model.CaltableKind
	Params map[string]string
}

// Solver derives one calibration table from a measurement set.
type Solver interface {
	Solve(ctx context.Context, p SolveParams) (model.CaltableRef, error)
}

// Applier annotates a measurement set with an ordered set of calibration
// tables, per spec.md §4.2's active_applylist order.
type Applier interface {
	// Apply may annotate msPath in place and return the same path, or
	// produce a new path; callers must use the returned path.
	Apply(ctx context.Context, msPath string, ordered []model.CaltableRef) (string, error)
}

// ImageParams carries the imager's inputs (spec.md §6.4).
type ImageParams struct {
	MSPath string
	Params map[string]string
}

// Imager produces an image artifact from a calibrated measurement set.
type Imager interface {
	Image(ctx context.Context, p ImageParams) (imagePath string, err error)
}
