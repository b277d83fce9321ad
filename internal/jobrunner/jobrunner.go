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

// Package jobrunner implements the minimal job runner of spec.md §4.7: it
// accepts a workflow-invocation request, allocates a job id, constructs a
// Context, hands it to the orchestrator, and persists the outcome.
package jobrunner

import (
	"context"
	"errors"
	"time"

	"github.com/go-logr/logr"

	"github.com/dsa110/dsa110-contimg-sub012/internal/config"
	ctlerrors "github.com/dsa110/dsa110-contimg-sub012/internal/errors"
	"github.com/dsa110/dsa110-contimg-sub012/internal/model"
	"github.com/dsa110/dsa110-contimg-sub012/internal/orchestrator"
	"github.com/dsa110/dsa110-contimg-sub012/internal/stage"
	"github.com/dsa110/dsa110-contimg-sub012/internal/store"
)

// JobStore is the subset of *store.JobsStore the runner needs beyond the
// orchestrator.ExecutionRecorder it also satisfies.
type JobStore interface {
	orchestrator.ExecutionRecorder
	CreateJob(ctx context.Context, workflowName string, inputs model.ValueMap) (int64, error)
	UpdateJob(ctx context.Context, jobID int64, u store.JobUpdate) error
}

// ClaimSource supplies the next group ready to run. *store.QueueStore is
// adapted to this via a caller-supplied wrapper that also resolves a
// group's assembled files into workflow inputs.
type ClaimSource interface {
	ClaimNext(ctx context.Context) (groupID string, inputs model.ValueMap, err error)
	MarkDone(ctx context.Context, groupID string, failed bool) error
}

// Runner drives workflow invocations end to end (spec.md §4.7).
type Runner struct {
	Config       *config.Config
	Jobs         JobStore
	Orchestrator *orchestrator.Orchestrator
	Workflow     *orchestrator.Workflow
	Logger       logr.Logger
}

// New builds a Runner.
func New(cfg *config.Config, jobs JobStore, orc *orchestrator.Orchestrator, wf *orchestrator.Workflow, logger logr.Logger) *Runner {
	return &Runner{Config: cfg, Jobs: jobs, Orchestrator: orc, Workflow: wf, Logger: logger.WithName("jobrunner")}
}

// RunOnce allocates a job for a single workflow invocation, drives it to
// completion, and persists the terminal status and outputs (spec.md
// §4.7).
func (r *Runner) RunOnce(ctx context.Context, inputs model.ValueMap) (orchestrator.WorkflowStatus, error) {
	jobID, err := r.Jobs.CreateJob(ctx, r.Workflow.Name, inputs)
	if err != nil {
		return "", ctlerrors.FailedTo("create job", err)
	}

	now := time.Now().UTC()
	running := model.JobRunning
	if err := r.Jobs.UpdateJob(ctx, jobID, store.JobUpdate{Status: &running, StartedAt: &now}); err != nil {
		r.Logger.Error(err, "mark job running", "job_id", jobID)
	}

	root := stage.NewContext(r.Config, r.Logger.WithValues("job_id", jobID), inputs).WithJobID(jobID)

	status, final, results, err := r.Orchestrator.Run(ctx, jobID, r.Workflow, root)
	finishedAt := time.Now().UTC()
	if err != nil {
		msg := err.Error()
		failed := model.JobFailed
		_ = r.Jobs.UpdateJob(ctx, jobID, store.JobUpdate{Status: &failed, FinishedAt: &finishedAt, ErrorMessage: &msg})
		return "", err
	}

	jobStatus := model.JobDone
	var errMsg string
	if status == orchestrator.WorkflowFailed {
		jobStatus = model.JobFailed
		errMsg = firstFailureMessage(results)
	}

	update := store.JobUpdate{Status: &jobStatus, Outputs: final.Outputs, FinishedAt: &finishedAt}
	if errMsg != "" {
		update.ErrorMessage = &errMsg
	}
	if err := r.Jobs.UpdateJob(ctx, jobID, update); err != nil {
		r.Logger.Error(err, "persist job outcome", "job_id", jobID)
	}

	return status, nil
}

func firstFailureMessage(results map[string]orchestrator.Result) string {
	for _, res := range results {
		if res.Status == model.StageFailed && res.Err != nil {
			return res.Err.Error()
		}
	}
	return ""
}

// RunLoop repeatedly claims the next ready group from src and drives it
// through RunOnce until ctx is cancelled, the minimal drain loop of
// spec.md §4.7 over a pending-group queue.
func (r *Runner) RunLoop(ctx context.Context, src ClaimSource, pollInterval time.Duration) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			groupID, inputs, err := src.ClaimNext(ctx)
			if err != nil {
				if !errors.Is(err, ctlerrors.ErrNotFound) {
					r.Logger.Error(err, "claim next group")
				}
				continue
			}

			status, runErr := r.RunOnce(ctx, inputs)
			failed := runErr != nil || status == orchestrator.WorkflowFailed
			if err := src.MarkDone(ctx, groupID, failed); err != nil {
				r.Logger.Error(err, "mark group done", "group_id", groupID)
			}
		}
	}
}
