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

package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dsa110/dsa110-contimg-sub012/internal/config"
	ctlerrors "github.com/dsa110/dsa110-contimg-sub012/internal/errors"
	"github.com/dsa110/dsa110-contimg-sub012/internal/model"
	"github.com/dsa110/dsa110-contimg-sub012/internal/stage"
)

// WorkflowStatus is the terminal outcome of a Run (spec.md §4.5 step 4).
type WorkflowStatus string

const (
	WorkflowCompleted          WorkflowStatus = "completed"
	WorkflowPartiallyCompleted WorkflowStatus = "partially_completed"
	WorkflowFailed             WorkflowStatus = "failed"
)

// ExecutionRecorder persists one stage's outcome. *store.JobsStore
// satisfies this.
type ExecutionRecorder interface {
	RecordStageExecution(ctx context.Context, e model.StageExecution) error
}

// DeadLetterQueue records a terminal stage failure. *store.DLQStore
// satisfies this.
type DeadLetterQueue interface {
	Enqueue(ctx context.Context, item model.DLQItem) (string, error)
}

// Observer receives the four lifecycle hooks of spec.md §4.5 step 3f. All
// methods are optional; embed NoopObserver to implement a subset.
type Observer interface {
	StageStarted(jobID int64, stageName string, attempt int)
	StageCompleted(jobID int64, stageName string, exec model.StageExecution)
	StageFailed(jobID int64, stageName string, attempt int, err error, willRetry bool)
	StageSkipped(jobID int64, stageName string, reason string)
}

// NoopObserver is the zero-value Observer; embed it to pick only the hooks
// a caller cares about.
type NoopObserver struct{}

func (NoopObserver) StageStarted(int64, string, int)                    {}
func (NoopObserver) StageCompleted(int64, string, model.StageExecution) {}
func (NoopObserver) StageFailed(int64, string, int, error, bool)        {}
func (NoopObserver) StageSkipped(int64, string, string)                 {}

// Orchestrator drives one Workflow's DAG to completion (spec.md §4.5).
type Orchestrator struct {
	Breakers *BreakerRegistry
	Recorder ExecutionRecorder
	DLQ      DeadLetterQueue
	Observer Observer
}

// New builds an Orchestrator. observer may be nil, in which case hooks are
// no-ops.
func New(breakers *BreakerRegistry, recorder ExecutionRecorder, dlq DeadLetterQueue, observer Observer) *Orchestrator {
	if observer == nil {
		observer = NoopObserver{}
	}
	return &Orchestrator{Breakers: breakers, Recorder: recorder, DLQ: dlq, Observer: observer}
}

// Result is one stage's final record within a Run.
type Result struct {
	Status     model.StageStatus
	SkipReason string
	Err        error
}

// Run executes wf's DAG against root, persisting a stage_execution row per
// attempted stage and a DLQ entry per terminal failure, and returns the
// overall WorkflowStatus plus the final Context (spec.md §4.5). Stages run
// one at a time in topological order unless wf.Parallel is set, in which
// case independent stages within the same dependency level run
// concurrently (§4.5, §5 "parallel_stages").
func (o *Orchestrator) Run(ctx context.Context, jobID int64, wf *Workflow, root stage.Context) (WorkflowStatus, stage.Context, map[string]Result, error) {
	if wf.Parallel {
		return o.runParallel(ctx, jobID, wf, root)
	}

	order, err := wf.topologicalOrder()
	if err != nil {
		return WorkflowFailed, root, nil, err
	}

	results := make(map[string]Result, len(order))
	var resultsMu sync.Mutex
	current := root
	stopped := false

	for _, name := range order {
		def := wf.Stages[name]

		if stopped {
			results[name] = Result{Status: model.StageSkipped, SkipReason: "workflow_stopped"}
			o.Observer.StageSkipped(jobID, name, "workflow_stopped")
			continue
		}

		res, next := o.runOneStage(ctx, jobID, name, def, current, results, &resultsMu)
		results[name] = res
		if res.Status == model.StageCompleted {
			current = next
		} else if wf.Policy == config.PolicyStopOnFirstFailure {
			stopped = true
		}
	}

	return computeStatus(order, results), current, results, nil
}

// runParallel drives wf's DAG one dependency level at a time, running every
// stage within a level concurrently via an errgroup bounded by
// root.Config.Resources.MaxWorkerStages (spec.md §5, §4.5).
func (o *Orchestrator) runParallel(ctx context.Context, jobID int64, wf *Workflow, root stage.Context) (WorkflowStatus, stage.Context, map[string]Result, error) {
	waves, err := wf.waves()
	if err != nil {
		return WorkflowFailed, root, nil, err
	}

	var order []string
	for _, wave := range waves {
		order = append(order, wave...)
	}

	results := make(map[string]Result, len(order))
	var resultsMu sync.Mutex
	current := root
	stopped := false

	for _, wave := range waves {
		if stopped {
			for _, name := range wave {
				results[name] = Result{Status: model.StageSkipped, SkipReason: "workflow_stopped"}
				o.Observer.StageSkipped(jobID, name, "workflow_stopped")
			}
			continue
		}

		g, gctx := errgroup.WithContext(ctx)
		if limit := root.Config.Resources.MaxWorkerStages; limit > 0 {
			g.SetLimit(limit)
		}

		snapshot := current
		var outputsMu sync.Mutex
		merged := current.Outputs.Clone()
		anyFailed := false

		for _, name := range wave {
			name, def := name, wf.Stages[name]
			g.Go(func() error {
				res, next := o.runOneStage(gctx, jobID, name, def, snapshot, results, &resultsMu)

				resultsMu.Lock()
				results[name] = res
				resultsMu.Unlock()

				outputsMu.Lock()
				if res.Status == model.StageCompleted {
					for k, v := range next.Outputs {
						merged[k] = v
					}
				} else {
					anyFailed = true
				}
				outputsMu.Unlock()
				return nil
			})
		}
		_ = g.Wait()

		current = current.WithOutputs(merged)
		if anyFailed && wf.Policy == config.PolicyStopOnFirstFailure {
			stopped = true
		}
	}

	return computeStatus(order, results), current, results, nil
}

// runOneStage applies the dependency, circuit-breaker, and validation gates
// to a single stage and, if none trip, executes it with retry. results is
// read under resultsMu since, within a parallel wave, sibling stages write
// to it concurrently; the returned Context is only meaningful when the
// Result status is StageCompleted.
func (o *Orchestrator) runOneStage(ctx context.Context, jobID int64, name string, def StageDef, current stage.Context, results map[string]Result, resultsMu *sync.Mutex) (Result, stage.Context) {
	resultsMu.Lock()
	reason, blocked := unmetDependency(def, results)
	resultsMu.Unlock()
	if blocked {
		o.Observer.StageSkipped(jobID, name, reason)
		return Result{Status: model.StageSkipped, SkipReason: reason}, stage.Context{}
	}

	if def.BreakerName != "" && o.Breakers != nil && !o.Breakers.Allow(def.BreakerName) {
		o.Observer.StageSkipped(jobID, name, "breaker_open")
		return Result{Status: model.StageSkipped, SkipReason: "breaker_open"}, stage.Context{}
	}

	if ok, reason := def.Stage.Validate(ctx, current); !ok {
		o.Observer.StageSkipped(jobID, name, "validation_failed:"+reason)
		return Result{Status: model.StageSkipped, SkipReason: "validation_failed:" + reason}, stage.Context{}
	}

	next, res := o.runStageWithRetry(ctx, jobID, name, def, current)
	if res.Status == model.StageCompleted {
		def.Stage.Cleanup(ctx, next)
		return res, next
	}
	def.Stage.Cleanup(ctx, current)
	return res, stage.Context{}
}

// unmetDependency reports the first not-yet-completed dependency of def, if
// any (spec.md §4.5 step 3a, "prerequisite_not_met:<stage>").
func unmetDependency(def StageDef, results map[string]Result) (string, bool) {
	for _, dep := range def.DependsOn {
		if results[dep].Status != model.StageCompleted {
			return "prerequisite_not_met:" + dep, true
		}
	}
	return "", false
}

// runStageWithRetry runs def's stage to completion or terminal failure,
// applying its retry policy's backoff between attempts (spec.md §4.5 steps
// 3c-3e).
func (o *Orchestrator) runStageWithRetry(ctx context.Context, jobID int64, name string, def StageDef, current stage.Context) (stage.Context, Result) {
	policy := config.RetryPolicy{MaxAttempts: 1, Strategy: config.RetryNone}
	if def.RetryPolicy != nil {
		policy = *def.RetryPolicy
	}

	var lastErr error
retryLoop:
	for attempt := 1; attempt <= max(policy.MaxAttempts, 1); attempt++ {
		o.Observer.StageStarted(jobID, name, attempt)

		stageCtx := ctx
		var cancel context.CancelFunc
		if def.Timeout > 0 {
			stageCtx, cancel = context.WithTimeout(ctx, def.Timeout)
		}

		startedAt := time.Now().UTC()
		result, err := def.Stage.Execute(stageCtx, current)
		finishedAt := time.Now().UTC()
		if cancel != nil {
			cancel()
		}
		if stageCtx.Err() == context.DeadlineExceeded && err == nil {
			err = ctlerrors.FailedTo(fmt.Sprintf("execute stage %q", name), ctlerrors.ErrStageTimeout)
		}

		if err == nil {
			exec := model.StageExecution{
				JobID: jobID, StageName: name, Status: model.StageCompleted,
				StartedAt: startedAt, FinishedAt: finishedAt,
				Inputs: current.MergedInputsOutputs(), Outputs: result.Outputs,
				RetryCount: attempt - 1,
			}
			o.record(ctx, exec)
			if def.BreakerName != "" && o.Breakers != nil {
				o.Breakers.RecordSuccess(def.BreakerName)
			}
			o.Observer.StageCompleted(jobID, name, exec)
			return result, Result{Status: model.StageCompleted}
		}

		lastErr = err
		retryable := ctlerrors.Retryable(err) && attempt < policy.MaxAttempts
		o.Observer.StageFailed(jobID, name, attempt, err, retryable)

		if !retryable {
			break
		}
		select {
		case <-time.After(delay(policy, attempt)):
		case <-ctx.Done():
			lastErr = ctx.Err()
			break retryLoop
		}
	}

	exec := model.StageExecution{
		JobID: jobID, StageName: name, Status: model.StageFailed,
		StartedAt: time.Now().UTC(), FinishedAt: time.Now().UTC(),
		Inputs: current.MergedInputsOutputs(), ErrorMessage: lastErr.Error(),
		RetryCount: policy.MaxAttempts - 1,
	}
	o.record(ctx, exec)
	if def.BreakerName != "" && o.Breakers != nil {
		o.Breakers.RecordFailure(def.BreakerName)
	}
	o.enqueueDLQ(ctx, jobID, name, lastErr.Error(), classifyErrorType(lastErr), current)
	return current, Result{Status: model.StageFailed, Err: lastErr}
}

func (o *Orchestrator) record(ctx context.Context, exec model.StageExecution) {
	if o.Recorder == nil {
		return
	}
	_ = o.Recorder.RecordStageExecution(ctx, exec)
}

func (o *Orchestrator) enqueueDLQ(ctx context.Context, jobID int64, stageName, message, errType string, snapshot stage.Context) {
	if o.DLQ == nil {
		return
	}
	_, _ = o.DLQ.Enqueue(ctx, model.DLQItem{
		Component:    stageName,
		Operation:    fmt.Sprintf("execute stage %q (job %d)", stageName, jobID),
		ErrorType:    errType,
		ErrorMessage: message,
		Context:      redactedContextSnapshot(snapshot),
	})
}

// secretKeyLike matches input/output/metadata keys that look like they
// carry a credential, so redactedContextSnapshot can mask them before the
// context reaches the DLQ (spec.md §4.5, §7 "redacting secrets").
var secretKeyLike = regexp.MustCompile(`(?i)(password|secret|token|credential|api_key|dsn)`)

// redactedContextSnapshot serialises c with every credential-looking key
// in its Inputs/Outputs/Metadata masked, satisfying the DLQ's "redacted
// context snapshot" requirement (spec.md §4.5) while still round-tripping
// under Context.Equal for every other field (spec.md §8 property 6).
func redactedContextSnapshot(c stage.Context) string {
	redacted := c
	redacted.Inputs = redactValues(c.Inputs)
	redacted.Outputs = redactValues(c.Outputs)
	redacted.Metadata = redactValues(c.Metadata)

	data, err := json.Marshal(redacted)
	if err != nil {
		return ""
	}
	return string(data)
}

func redactValues(m model.ValueMap) model.ValueMap {
	if m == nil {
		return nil
	}
	out := make(model.ValueMap, len(m))
	for k, v := range m {
		if secretKeyLike.MatchString(k) {
			out[k] = model.String("***redacted***")
			continue
		}
		out[k] = v
	}
	return out
}

func classifyErrorType(err error) string {
	switch {
	case ctlerrors.Retryable(err):
		return ctlerrors.ErrStageTransient.Error()
	default:
		return ctlerrors.ErrStageFatal.Error()
	}
}

// delay computes the backoff before the next attempt per policy.Strategy
// (spec.md §4.5).
func delay(policy config.RetryPolicy, attempt int) time.Duration {
	switch policy.Strategy {
	case config.RetryImmediate, config.RetryNone:
		return 0
	case config.RetryFixed:
		return capDelay(policy.InitialDelay(), policy.MaxDelay())
	case config.RetryExponential:
		factor := math.Pow(2, float64(attempt-1))
		d := time.Duration(float64(policy.InitialDelay()) * factor)
		return capDelay(d, policy.MaxDelay())
	default:
		return capDelay(policy.InitialDelay(), policy.MaxDelay())
	}
}

func capDelay(d, max time.Duration) time.Duration {
	if max > 0 && d > max {
		return max
	}
	return d
}

// computeStatus derives the overall WorkflowStatus from each stage's final
// Result (spec.md §4.5 step 4).
func computeStatus(order []string, results map[string]Result) WorkflowStatus {
	anyFailed := false
	anySkipped := false
	allCompleted := true
	for _, name := range order {
		switch results[name].Status {
		case model.StageCompleted:
		case model.StageFailed:
			anyFailed = true
			allCompleted = false
		default:
			anySkipped = true
			allCompleted = false
		}
	}
	switch {
	case allCompleted:
		return WorkflowCompleted
	case anyFailed && !anySkipped:
		return WorkflowFailed
	case anyFailed:
		return WorkflowPartiallyCompleted
	default:
		return WorkflowPartiallyCompleted
	}
}
