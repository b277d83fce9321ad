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

// Package pipeline assembles the sample five-stage workflow
// (convert -> {solve_delay, solve_bandpass} -> apply -> image) out of the
// Stage contract of internal/stage and the external collaborators of
// internal/collaborators, demonstrating how the calibration registry of
// internal/registry feeds the apply stage's active_applylist lookup
// (spec.md §4.2, §4.4, §6.4). This is a concrete wiring, not a new core
// module.
package pipeline

import (
	"context"
	"fmt"

	"github.com/dsa110/dsa110-contimg-sub012/internal/collaborators"
	"github.com/dsa110/dsa110-contimg-sub012/internal/config"
	ctlerrors "github.com/dsa110/dsa110-contimg-sub012/internal/errors"
	"github.com/dsa110/dsa110-contimg-sub012/internal/model"
	"github.com/dsa110/dsa110-contimg-sub012/internal/orchestrator"
	"github.com/dsa110/dsa110-contimg-sub012/internal/registry"
	"github.com/dsa110/dsa110-contimg-sub012/internal/stage"
)

// DefaultWorkflowName is the workflow name used by the sample five-stage
// pipeline.
const DefaultWorkflowName = "contimg_default"

func mjdInput(c stage.Context, key string) (float64, error) {
	v, ok := c.MergedInputsOutputs()[key]
	if !ok {
		return 0, ctlerrors.FailedTo(fmt.Sprintf("read input %q", key), ctlerrors.ErrStagePrerequisiteNotMet)
	}
	f, ok := v.AsFloat()
	if !ok {
		return 0, ctlerrors.FailedTo(fmt.Sprintf("read input %q", key), ctlerrors.ErrStagePrerequisiteNotMet)
	}
	return f, nil
}

func stringInput(c stage.Context, key string) (string, error) {
	v, ok := c.MergedInputsOutputs()[key]
	if !ok {
		return "", ctlerrors.FailedTo(fmt.Sprintf("read input %q", key), ctlerrors.ErrStagePrerequisiteNotMet)
	}
	s, ok := v.AsString()
	if !ok {
		return "", ctlerrors.FailedTo(fmt.Sprintf("read input %q", key), ctlerrors.ErrStagePrerequisiteNotMet)
	}
	return s, nil
}

// convertStage builds the "convert" stage: raw visibility files under the
// configured input directory become one measurement set (spec.md §6.4
// Conversion routine).
func convertStage(cfg *config.Config, conv collaborators.Converter) stage.Stage {
	return stage.Func{
		StageName: "convert",
		Executor: func(ctx context.Context, c stage.Context) (stage.Context, error) {
			startMJD, err := mjdInput(c, "start_mjd")
			if err != nil {
				return c, err
			}
			endMJD, err := mjdInput(c, "end_mjd")
			if err != nil {
				return c, err
			}

			msPath, err := conv.Convert(ctx, collaborators.ConvertParams{
				InputDir:  cfg.Paths.InputDir,
				OutputDir: cfg.Paths.OutputDir,
				Start:     model.TimeFromMJD(startMJD),
				End:       model.TimeFromMJD(endMJD),
				Workers:   cfg.Resources.MaxWorkerStages,
			})
			if err != nil {
				return c, ctlerrors.FailedTo("convert visibility files", err)
			}
			return c.WithOutput("ms_path", model.Path(msPath)), nil
		},
	}
}

// solveStage builds a calibration-solving stage for kind, registering the
// resulting table into reg as an active entry covering [start_mjd,
// end_mjd) (spec.md §4.2, §6.4 Calibration solver).
func solveStage(name string, kind model.CaltableKind, solver collaborators.Solver, reg *registry.Registry, applyOrder int) stage.Stage {
	return stage.Func{
		StageName: name,
		Executor: func(ctx context.Context, c stage.Context) (stage.Context, error) {
			msPath, err := stringInput(c, "ms_path")
			if err != nil {
				return c, err
			}
			startMJD, err := mjdInput(c, "start_mjd")
			if err != nil {
				return c, err
			}
			endMJD, err := mjdInput(c, "end_mjd")
			if err != nil {
				return c, err
			}

			ref, err := solver.Solve(ctx, collaborators.SolveParams{MSPath: msPath, Kind: kind})
			if err != nil {
				return c, ctlerrors.FailedTo(fmt.Sprintf("solve %s", kind), err)
			}
			ref.ApplyOrder = applyOrder

			if err := reg.RegisterCaltable(ctx, model.Caltable{
				CaltableID:   ref.CaltableID,
				Kind:         ref.Kind,
				Path:         ref.Path,
				ValidFromMJD: startMJD,
				ValidToMJD:   endMJD,
				Status:       model.CaltableActive,
				ApplyOrder:   applyOrder,
			}); err != nil {
				return c, ctlerrors.FailedTo(fmt.Sprintf("register %s caltable", kind), err)
			}

			return c.WithOutput(name+"_caltable_id", model.String(ref.CaltableID)), nil
		},
	}
}

// applyStage builds the "apply" stage: it resolves the active calibration
// tables covering mid_mjd via the registry's active_applylist and hands
// them to the applier in the fixed kind order (spec.md §4.2).
func applyStage(applier collaborators.Applier, reg *registry.Registry) stage.Stage {
	return stage.Func{
		StageName: "apply",
		Executor: func(ctx context.Context, c stage.Context) (stage.Context, error) {
			msPath, err := stringInput(c, "ms_path")
			if err != nil {
				return c, err
			}
			midMJD, err := mjdInput(c, "mid_mjd")
			if err != nil {
				return c, err
			}

			applylist, err := reg.ActiveApplylist(ctx, midMJD)
			if err != nil {
				return c, ctlerrors.FailedTo("resolve active applylist", err)
			}

			calibrated, err := applier.Apply(ctx, msPath, applylist)
			if err != nil {
				return c, ctlerrors.FailedTo("apply calibration", err)
			}
			return c.WithOutput("calibrated_ms_path", model.Path(calibrated)), nil
		},
	}
}

// imageStage builds the terminal "image" stage (spec.md §6.4 Imager).
func imageStage(imager collaborators.Imager) stage.Stage {
	return stage.Func{
		StageName: "image",
		Executor: func(ctx context.Context, c stage.Context) (stage.Context, error) {
			msPath, err := stringInput(c, "calibrated_ms_path")
			if err != nil {
				return c, err
			}
			imagePath, err := imager.Image(ctx, collaborators.ImageParams{MSPath: msPath})
			if err != nil {
				return c, ctlerrors.FailedTo("image calibrated measurement set", err)
			}
			return c.WithOutput("image_path", model.Path(imagePath)), nil
		},
	}
}

// NewDefaultWorkflow builds the sample five-stage workflow
// convert -> {solve_delay, solve_bandpass} -> apply -> image: both solve
// stages depend only on convert, and apply depends on both of them.
func NewDefaultWorkflow(cfg *config.Config, conv collaborators.Converter, solver collaborators.Solver, applier collaborators.Applier, imager collaborators.Imager, reg *registry.Registry) *orchestrator.Workflow {
	wf := orchestrator.NewWorkflow(DefaultWorkflowName, cfg.Orchestrator.WorkflowPolicy)
	wf.Parallel = cfg.Orchestrator.ParallelStages

	wf.AddStage(orchestrator.StageDef{
		Stage:       convertStage(cfg, conv),
		RetryPolicy: &cfg.Orchestrator.DefaultRetry,
	})
	wf.AddStage(orchestrator.StageDef{
		Stage:       solveStage("solve_delay", model.KindDelay, solver, reg, 0),
		DependsOn:   []string{"convert"},
		RetryPolicy: &cfg.Orchestrator.DefaultRetry,
	})
	wf.AddStage(orchestrator.StageDef{
		Stage:       solveStage("solve_bandpass", model.KindBandpassAmp, solver, reg, 0),
		DependsOn:   []string{"convert"},
		RetryPolicy: &cfg.Orchestrator.DefaultRetry,
	})
	wf.AddStage(orchestrator.StageDef{
		Stage:       applyStage(applier, reg),
		DependsOn:   []string{"solve_delay", "solve_bandpass"},
		RetryPolicy: &cfg.Orchestrator.DefaultRetry,
	})
	wf.AddStage(orchestrator.StageDef{
		Stage:       imageStage(imager),
		DependsOn:   []string{"apply"},
		RetryPolicy: &cfg.Orchestrator.DefaultRetry,
	})

	return wf
}
