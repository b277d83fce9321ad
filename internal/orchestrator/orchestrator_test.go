package orchestrator

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/dsa110/dsa110-contimg-sub012/internal/config"
	ctlerrors "github.com/dsa110/dsa110-contimg-sub012/internal/errors"
	"github.com/dsa110/dsa110-contimg-sub012/internal/model"
	"github.com/dsa110/dsa110-contimg-sub012/internal/stage"
)

type fakeRecorder struct {
	mu    sync.Mutex
	execs []model.StageExecution
}

func (r *fakeRecorder) RecordStageExecution(_ context.Context, e model.StageExecution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.execs = append(r.execs, e)
	return nil
}

type fakeDLQ struct {
	mu    sync.Mutex
	items []model.DLQItem
}

func (d *fakeDLQ) Enqueue(_ context.Context, item model.DLQItem) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.items = append(d.items, item)
	return "dlq-1", nil
}

func rootContext() stage.Context {
	return stage.NewContext(config.Default(), logr.Discard(), model.ValueMap{"group_id": model.String("g1")})
}

func okStage(name string, deps ...string) StageDef {
	return StageDef{
		Stage: stage.Func{
			StageName: name,
			Executor: func(_ context.Context, c stage.Context) (stage.Context, error) {
				return c.WithOutput(name, model.Bool(true)), nil
			},
		},
		DependsOn: deps,
	}
}

// TestRunHappyPath covers spec.md §8 scenario S1: a three-stage workflow
// where every stage succeeds on its first attempt completes end to end.
func TestRunHappyPath(t *testing.T) {
	wf := NewWorkflow("ingest", config.PolicyStopOnFirstFailure)
	wf.AddStage(okStage("convert"))
	wf.AddStage(okStage("solve", "convert"))
	wf.AddStage(okStage("apply", "solve"))

	rec := &fakeRecorder{}
	dlq := &fakeDLQ{}
	o := New(NewBreakerRegistry(3, time.Minute), rec, dlq, nil)

	status, final, results, err := o.Run(context.Background(), 1, wf, rootContext())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if status != WorkflowCompleted {
		t.Fatalf("status = %v, want Completed", status)
	}
	for _, name := range []string{"convert", "solve", "apply"} {
		if results[name].Status != model.StageCompleted {
			t.Fatalf("stage %s status = %v, want Completed", name, results[name].Status)
		}
		if _, ok := final.Outputs[name]; !ok {
			t.Fatalf("final context missing output for %s", name)
		}
	}
	if len(rec.execs) != 3 {
		t.Fatalf("expected 3 recorded executions, got %d", len(rec.execs))
	}
	if len(dlq.items) != 0 {
		t.Fatalf("expected no DLQ items, got %d", len(dlq.items))
	}
}

// TestRunTransientFailureRecovers covers spec.md §8 scenario S2: a stage
// that fails transiently once then succeeds on retry completes the
// workflow without reaching the DLQ.
func TestRunTransientFailureRecovers(t *testing.T) {
	attempts := 0
	flaky := StageDef{
		Stage: stage.Func{
			StageName: "solve",
			Executor: func(_ context.Context, c stage.Context) (stage.Context, error) {
				attempts++
				if attempts == 1 {
					return c, ctlerrors.FailedTo("solve", ctlerrors.ErrStageTransient)
				}
				return c.WithOutput("solve", model.Bool(true)), nil
			},
		},
		RetryPolicy: &config.RetryPolicy{MaxAttempts: 2, Strategy: config.RetryImmediate},
	}
	wf := NewWorkflow("ingest", config.PolicyStopOnFirstFailure)
	wf.AddStage(flaky)

	rec := &fakeRecorder{}
	dlq := &fakeDLQ{}
	o := New(NewBreakerRegistry(3, time.Minute), rec, dlq, nil)

	status, _, results, err := o.Run(context.Background(), 2, wf, rootContext())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if status != WorkflowCompleted {
		t.Fatalf("status = %v, want Completed", status)
	}
	if results["solve"].Status != model.StageCompleted {
		t.Fatalf("solve status = %v, want Completed", results["solve"].Status)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
	if len(dlq.items) != 0 {
		t.Fatalf("expected no DLQ items on eventual success, got %d", len(dlq.items))
	}
}

// TestRunTerminalFailureRoutesToDLQ covers spec.md §8 scenario S3: a stage
// that fails fatally on every attempt reaches max_attempts and is routed
// to the DLQ, and the workflow is reported Failed.
func TestRunTerminalFailureRoutesToDLQ(t *testing.T) {
	wf := NewWorkflow("ingest", config.PolicyStopOnFirstFailure)
	wf.AddStage(StageDef{
		Stage: stage.Func{
			StageName: "solve",
			Executor: func(_ context.Context, c stage.Context) (stage.Context, error) {
				return c, ctlerrors.FailedTo("solve", ctlerrors.ErrStageFatal)
			},
		},
		RetryPolicy: &config.RetryPolicy{MaxAttempts: 1, Strategy: config.RetryNone},
	})

	rec := &fakeRecorder{}
	dlq := &fakeDLQ{}
	o := New(NewBreakerRegistry(3, time.Minute), rec, dlq, nil)

	status, _, results, err := o.Run(context.Background(), 3, wf, rootContext())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if status != WorkflowFailed {
		t.Fatalf("status = %v, want Failed", status)
	}
	if results["solve"].Status != model.StageFailed {
		t.Fatalf("solve status = %v, want Failed", results["solve"].Status)
	}
	if len(dlq.items) != 1 {
		t.Fatalf("expected 1 DLQ item, got %d", len(dlq.items))
	}
	if dlq.items[0].Component != "solve" {
		t.Fatalf("DLQ item component = %q, want %q", dlq.items[0].Component, "solve")
	}
}

// TestRunSkipsOnDependencyFailure covers spec.md §8 scenario S4: a stage
// depending on a failed stage is skipped with a prerequisite_not_met
// reason rather than attempted.
func TestRunSkipsOnDependencyFailure(t *testing.T) {
	wf := NewWorkflow("ingest", config.PolicyContinue)
	wf.AddStage(StageDef{
		Stage: stage.Func{
			StageName: "convert",
			Executor: func(_ context.Context, c stage.Context) (stage.Context, error) {
				return c, ctlerrors.FailedTo("convert", ctlerrors.ErrStageFatal)
			},
		},
		RetryPolicy: &config.RetryPolicy{MaxAttempts: 1, Strategy: config.RetryNone},
	})
	wf.AddStage(okStage("solve", "convert"))

	rec := &fakeRecorder{}
	dlq := &fakeDLQ{}
	o := New(NewBreakerRegistry(3, time.Minute), rec, dlq, nil)

	status, _, results, err := o.Run(context.Background(), 4, wf, rootContext())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if status != WorkflowPartiallyCompleted {
		t.Fatalf("status = %v, want PartiallyCompleted", status)
	}
	if results["convert"].Status != model.StageFailed {
		t.Fatalf("convert status = %v, want Failed", results["convert"].Status)
	}
	if results["solve"].Status != model.StageSkipped {
		t.Fatalf("solve status = %v, want Skipped", results["solve"].Status)
	}
	if results["solve"].SkipReason != "prerequisite_not_met:convert" {
		t.Fatalf("solve skip reason = %q, want prerequisite_not_met:convert", results["solve"].SkipReason)
	}
}

// TestRunEmptyWorkflowCompletesImmediately covers the boundary case of
// spec.md §8: a workflow with no stages reports Completed with no work
// done.
func TestRunEmptyWorkflowCompletesImmediately(t *testing.T) {
	wf := NewWorkflow("empty", config.PolicyStopOnFirstFailure)
	rec := &fakeRecorder{}
	dlq := &fakeDLQ{}
	o := New(nil, rec, dlq, nil)

	status, _, results, err := o.Run(context.Background(), 5, wf, rootContext())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if status != WorkflowCompleted {
		t.Fatalf("status = %v, want Completed", status)
	}
	if len(results) != 0 {
		t.Fatalf("expected no stage results, got %d", len(results))
	}
}

// TestRunSkipsStageWithOpenBreaker covers spec.md §4.5 step 3b: a stage
// whose breaker is open is skipped with reason "breaker_open" rather than
// attempted, recorded as a failure, or routed to the DLQ.
func TestRunSkipsStageWithOpenBreaker(t *testing.T) {
	breakers := NewBreakerRegistry(1, time.Minute)
	breakers.RecordFailure("solve")

	calls := 0
	wf := NewWorkflow("ingest", config.PolicyContinue)
	wf.AddStage(StageDef{
		Stage: stage.Func{
			StageName: "solve",
			Executor: func(_ context.Context, c stage.Context) (stage.Context, error) {
				calls++
				return c.WithOutput("solve", model.Bool(true)), nil
			},
		},
		BreakerName: "solve",
	})

	rec := &fakeRecorder{}
	dlq := &fakeDLQ{}
	o := New(breakers, rec, dlq, nil)

	status, _, results, err := o.Run(context.Background(), 9, wf, rootContext())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if status != WorkflowPartiallyCompleted {
		t.Fatalf("status = %v, want PartiallyCompleted", status)
	}
	if calls != 0 {
		t.Fatalf("expected the stage to never be called, got %d calls", calls)
	}
	if results["solve"].Status != model.StageSkipped {
		t.Fatalf("solve status = %v, want Skipped", results["solve"].Status)
	}
	if results["solve"].SkipReason != "breaker_open" {
		t.Fatalf("solve skip reason = %q, want breaker_open", results["solve"].SkipReason)
	}
	if len(rec.execs) != 0 {
		t.Fatalf("expected no stage_execution rows recorded, got %d", len(rec.execs))
	}
	if len(dlq.items) != 0 {
		t.Fatalf("expected no DLQ items for a breaker skip, got %d", len(dlq.items))
	}
}

// TestRunTerminalFailureDLQItemCarriesRedactedContext covers spec.md §4.5's
// DLQ item requirement: the context snapshot is present and secret-looking
// inputs are masked rather than carried verbatim.
func TestRunTerminalFailureDLQItemCarriesRedactedContext(t *testing.T) {
	wf := NewWorkflow("ingest", config.PolicyStopOnFirstFailure)
	wf.AddStage(StageDef{
		Stage: stage.Func{
			StageName: "solve",
			Executor: func(_ context.Context, c stage.Context) (stage.Context, error) {
				return c, ctlerrors.FailedTo("solve", ctlerrors.ErrStageFatal)
			},
		},
		RetryPolicy: &config.RetryPolicy{MaxAttempts: 1, Strategy: config.RetryNone},
	})

	dlq := &fakeDLQ{}
	o := New(NewBreakerRegistry(3, time.Minute), &fakeRecorder{}, dlq, nil)

	root := stage.NewContext(config.Default(), logr.Discard(), model.ValueMap{
		"group_id":  model.String("g1"),
		"api_token": model.String("super-secret-value"),
	})

	if _, _, _, err := o.Run(context.Background(), 10, wf, root); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(dlq.items) != 1 {
		t.Fatalf("expected 1 DLQ item, got %d", len(dlq.items))
	}
	snapshot := dlq.items[0].Context
	if snapshot == "" {
		t.Fatal("expected a non-empty context snapshot on the DLQ item")
	}
	if strings.Contains(snapshot, "super-secret-value") {
		t.Fatalf("context snapshot leaked a secret: %s", snapshot)
	}
	if !strings.Contains(snapshot, "group_id") {
		t.Fatalf("context snapshot missing non-secret input: %s", snapshot)
	}
}

// TestRunParallelRunsIndependentStagesConcurrently covers the
// parallel_stages mode: two stages that depend only on a shared upstream
// stage run within the same wave, and their independent outputs both reach
// the downstream stage that depends on either of them.
func TestRunParallelRunsIndependentStagesConcurrently(t *testing.T) {
	var mu sync.Mutex
	inFlight, maxInFlight := 0, 0
	track := func(name string) stage.Stage {
		return stage.Func{
			StageName: name,
			Executor: func(_ context.Context, c stage.Context) (stage.Context, error) {
				mu.Lock()
				inFlight++
				if inFlight > maxInFlight {
					maxInFlight = inFlight
				}
				mu.Unlock()

				time.Sleep(10 * time.Millisecond)

				mu.Lock()
				inFlight--
				mu.Unlock()
				return c.WithOutput(name, model.Bool(true)), nil
			},
		}
	}

	wf := NewWorkflow("ingest", config.PolicyStopOnFirstFailure)
	wf.Parallel = true
	wf.AddStage(StageDef{Stage: track("convert")})
	wf.AddStage(StageDef{Stage: track("solve_delay"), DependsOn: []string{"convert"}})
	wf.AddStage(StageDef{Stage: track("solve_bandpass"), DependsOn: []string{"convert"}})
	wf.AddStage(StageDef{Stage: track("apply"), DependsOn: []string{"solve_delay", "solve_bandpass"}})

	o := New(NewBreakerRegistry(3, time.Minute), &fakeRecorder{}, &fakeDLQ{}, nil)
	root := rootContext()
	root.Config.Resources.MaxWorkerStages = 4

	status, final, results, err := o.Run(context.Background(), 7, wf, root)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if status != WorkflowCompleted {
		t.Fatalf("status = %v, want Completed", status)
	}
	for _, name := range []string{"convert", "solve_delay", "solve_bandpass", "apply"} {
		if results[name].Status != model.StageCompleted {
			t.Fatalf("stage %s status = %v, want Completed", name, results[name].Status)
		}
		if _, ok := final.Outputs[name]; !ok {
			t.Fatalf("final context missing output for %s", name)
		}
	}
	if maxInFlight < 2 {
		t.Fatalf("expected solve_delay and solve_bandpass to overlap, max in flight = %d", maxInFlight)
	}
}

// TestRunParallelSkipsStageWithFailedPeerDependency covers the mixed case
// where a wave contains a stage that fails and a sibling stage whose own
// dependency is unaffected: the failure only blocks stages that actually
// depend on it.
func TestRunParallelSkipsStageWithFailedPeerDependency(t *testing.T) {
	wf := NewWorkflow("ingest", config.PolicyContinue)
	wf.Parallel = true
	wf.AddStage(okStage("convert"))
	wf.AddStage(StageDef{
		Stage: stage.Func{
			StageName: "solve_delay",
			Executor: func(_ context.Context, c stage.Context) (stage.Context, error) {
				return c, ctlerrors.FailedTo("solve_delay", ctlerrors.ErrStageFatal)
			},
		},
		DependsOn:   []string{"convert"},
		RetryPolicy: &config.RetryPolicy{MaxAttempts: 1, Strategy: config.RetryNone},
	})
	wf.AddStage(okStage("solve_bandpass", "convert"))
	wf.AddStage(okStage("apply", "solve_delay", "solve_bandpass"))

	o := New(NewBreakerRegistry(3, time.Minute), &fakeRecorder{}, &fakeDLQ{}, nil)
	status, _, results, err := o.Run(context.Background(), 8, wf, rootContext())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if status != WorkflowPartiallyCompleted {
		t.Fatalf("status = %v, want PartiallyCompleted", status)
	}
	if results["solve_bandpass"].Status != model.StageCompleted {
		t.Fatalf("solve_bandpass status = %v, want Completed", results["solve_bandpass"].Status)
	}
	if results["apply"].Status != model.StageSkipped {
		t.Fatalf("apply status = %v, want Skipped", results["apply"].Status)
	}
	if results["apply"].SkipReason != "prerequisite_not_met:solve_delay" {
		t.Fatalf("apply skip reason = %q, want prerequisite_not_met:solve_delay", results["apply"].SkipReason)
	}
}

// TestRunMaxAttemptsOneNeverRetries is the boundary case where
// max_attempts=1 means a failing stage is never retried.
func TestRunMaxAttemptsOneNeverRetries(t *testing.T) {
	calls := 0
	wf := NewWorkflow("ingest", config.PolicyStopOnFirstFailure)
	wf.AddStage(StageDef{
		Stage: stage.Func{
			StageName: "solve",
			Executor: func(_ context.Context, c stage.Context) (stage.Context, error) {
				calls++
				return c, ctlerrors.FailedTo("solve", ctlerrors.ErrStageTransient)
			},
		},
		RetryPolicy: &config.RetryPolicy{MaxAttempts: 1, Strategy: config.RetryNone},
	})

	o := New(NewBreakerRegistry(3, time.Minute), &fakeRecorder{}, &fakeDLQ{}, nil)
	_, _, results, err := o.Run(context.Background(), 6, wf, rootContext())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 call, got %d", calls)
	}
	if results["solve"].Status != model.StageFailed {
		t.Fatalf("solve status = %v, want Failed", results["solve"].Status)
	}
}
