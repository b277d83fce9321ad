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

// Package orchestrator implements the declarative stage orchestrator of
// spec.md §4.5: DAG construction and topological execution, the retry
// loop, circuit breakers, and DLQ routing.
package orchestrator

import (
	"fmt"
	"sort"
	"time"

	"github.com/dsa110/dsa110-contimg-sub012/internal/config"
	ctlerrors "github.com/dsa110/dsa110-contimg-sub012/internal/errors"
	"github.com/dsa110/dsa110-contimg-sub012/internal/stage"
)

// StageDef is one node of a Workflow's DAG (spec.md §4.5).
type StageDef struct {
	Stage       stage.Stage
	DependsOn   []string
	RetryPolicy *config.RetryPolicy // nil means a single attempt with no retry
	Timeout     time.Duration       // zero means no per-stage timeout
	BreakerName string              // empty disables the circuit breaker for this stage
}

// Workflow is a DAG of stages plus the policy the orchestrator runs it
// under (spec.md §4.5).
type Workflow struct {
	Name     string
	Stages   map[string]StageDef
	Policy   config.WorkflowPolicy
	Parallel bool
}

// NewWorkflow builds an empty, named Workflow.
func NewWorkflow(name string, policy config.WorkflowPolicy) *Workflow {
	return &Workflow{Name: name, Stages: map[string]StageDef{}, Policy: policy}
}

// AddStage registers a stage definition.
func (w *Workflow) AddStage(def StageDef) {
	w.Stages[def.Stage.Name()] = def
}

// topologicalOrder builds the DAG from DependsOn edges and linearises it
// deterministically (spec.md §4.5 steps 1-2): a depth-first walk over the
// stages in name order, visiting each stage's dependencies in name order and
// emitting a stage once all its dependencies are emitted. The result is a
// valid topological order but not, in general, the lexicographically
// smallest one: a dependency is emitted just before the first stage that
// needs it, even when another ready stage has a smaller name. It rejects
// cycles and unknown dependencies with WorkflowInvalid.
func (w *Workflow) topologicalOrder() ([]string, error) {
	for name, def := range w.Stages {
		for _, dep := range def.DependsOn {
			if dep == name {
				return nil, ctlerrors.FailedTo(fmt.Sprintf("build workflow %q", w.Name), ctlerrors.ErrWorkflowInvalid)
			}
			if _, ok := w.Stages[dep]; !ok {
				return nil, ctlerrors.FailedTo(fmt.Sprintf("build workflow %q: unknown dependency %q of %q", w.Name, dep, name), ctlerrors.ErrWorkflowInvalid)
			}
		}
	}

	names := make([]string, 0, len(w.Stages))
	for name := range w.Stages {
		names = append(names, name)
	}
	sort.Strings(names)

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := map[string]int{}
	var order []string

	var visit func(name string) error
	visit = func(name string) error {
		switch color[name] {
		case black:
			return nil
		case gray:
			return ctlerrors.FailedTo(fmt.Sprintf("build workflow %q: dependency cycle at %q", w.Name, name), ctlerrors.ErrWorkflowInvalid)
		}
		color[name] = gray
		deps := append([]string(nil), w.Stages[name].DependsOn...)
		sort.Strings(deps)
		for _, dep := range deps {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[name] = black
		order = append(order, name)
		return nil
	}

	for _, name := range names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// waves groups stages into dependency levels: every stage in a level
// depends only on stages in earlier levels, so a level's stages can run
// concurrently (spec.md §4.5, "parallel_stages lets independent stages in
// the same dependency level execute at once"). Levels are themselves in
// dependency order, and each level's stages are sorted by name.
func (w *Workflow) waves() ([][]string, error) {
	order, err := w.topologicalOrder()
	if err != nil {
		return nil, err
	}

	level := make(map[string]int, len(order))
	maxLevel := 0
	for _, name := range order {
		lv := 0
		for _, dep := range w.Stages[name].DependsOn {
			if level[dep]+1 > lv {
				lv = level[dep] + 1
			}
		}
		level[name] = lv
		if lv > maxLevel {
			maxLevel = lv
		}
	}

	waves := make([][]string, maxLevel+1)
	for _, name := range order {
		waves[level[name]] = append(waves[level[name]], name)
	}
	for _, wave := range waves {
		sort.Strings(wave)
	}
	return waves, nil
}
