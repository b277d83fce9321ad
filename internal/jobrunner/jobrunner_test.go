package jobrunner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/dsa110/dsa110-contimg-sub012/internal/config"
	ctlerrors "github.com/dsa110/dsa110-contimg-sub012/internal/errors"
	"github.com/dsa110/dsa110-contimg-sub012/internal/model"
	"github.com/dsa110/dsa110-contimg-sub012/internal/orchestrator"
	"github.com/dsa110/dsa110-contimg-sub012/internal/stage"
	"github.com/dsa110/dsa110-contimg-sub012/internal/store"
)

type fakeJobStore struct {
	mu        sync.Mutex
	nextID    int64
	execs     []model.StageExecution
	updates   []store.JobUpdate
	createErr error
}

func (f *fakeJobStore) RecordStageExecution(_ context.Context, e model.StageExecution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, e)
	return nil
}

func (f *fakeJobStore) CreateJob(_ context.Context, _ string, _ model.ValueMap) (int64, error) {
	if f.createErr != nil {
		return 0, f.createErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return f.nextID, nil
}

func (f *fakeJobStore) UpdateJob(_ context.Context, _ int64, u store.JobUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, u)
	return nil
}

func okWorkflow() *orchestrator.Workflow {
	wf := orchestrator.NewWorkflow("sample", config.PolicyStopOnFirstFailure)
	wf.AddStage(orchestrator.StageDef{
		Stage: stage.Func{
			StageName: "convert",
			Executor: func(_ context.Context, c stage.Context) (stage.Context, error) {
				return c.WithOutput("ms_path", model.Path("/out/a.ms")), nil
			},
		},
	})
	return wf
}

func TestRunOnceCompletesAndPersistsOutputs(t *testing.T) {
	jobs := &fakeJobStore{}
	orc := orchestrator.New(orchestrator.NewBreakerRegistry(3, time.Minute), jobs, nil, nil)
	wf := okWorkflow()
	r := New(config.Default(), jobs, orc, wf, logr.Discard())

	status, err := r.RunOnce(context.Background(), model.ValueMap{"group_id": model.String("g1")})
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if status != orchestrator.WorkflowCompleted {
		t.Fatalf("status = %v, want Completed", status)
	}
	if len(jobs.execs) != 1 {
		t.Fatalf("expected 1 stage execution recorded, got %d", len(jobs.execs))
	}

	last := jobs.updates[len(jobs.updates)-1]
	if last.Status == nil || *last.Status != model.JobDone {
		t.Fatalf("expected final job status done, got %+v", last.Status)
	}
	if _, ok := last.Outputs["ms_path"]; !ok {
		t.Fatalf("expected job outputs to carry ms_path, got %+v", last.Outputs)
	}
}

type fakeClaimSource struct {
	groups  []string
	idx     int
	done    []string
	failed  []bool
}

func (f *fakeClaimSource) ClaimNext(_ context.Context) (string, model.ValueMap, error) {
	if f.idx >= len(f.groups) {
		return "", nil, ctlerrors.FailedTo("claim next pending group", ctlerrors.ErrNotFound)
	}
	g := f.groups[f.idx]
	f.idx++
	return g, model.ValueMap{"group_id": model.String(g)}, nil
}

func (f *fakeClaimSource) MarkDone(_ context.Context, groupID string, failed bool) error {
	f.done = append(f.done, groupID)
	f.failed = append(f.failed, failed)
	return nil
}

func TestRunLoopDrainsUntilCancelled(t *testing.T) {
	jobs := &fakeJobStore{}
	orc := orchestrator.New(orchestrator.NewBreakerRegistry(3, time.Minute), jobs, nil, nil)
	wf := okWorkflow()
	r := New(config.Default(), jobs, orc, wf, logr.Discard())

	src := &fakeClaimSource{groups: []string{"g1", "g2"}}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- r.RunLoop(ctx, src, 5*time.Millisecond) }()

	deadline := time.After(2 * time.Second)
	for {
		if len(src.done) >= 2 {
			break
		}
		select {
		case <-deadline:
			cancel()
			t.Fatal("timed out waiting for both groups to drain")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("RunLoop: %v", err)
	}

	if len(src.done) < 2 || src.done[0] != "g1" || src.done[1] != "g2" {
		t.Fatalf("expected both groups drained in order, got %v", src.done)
	}
	if src.failed[0] || src.failed[1] {
		t.Fatalf("expected no failures, got %v", src.failed)
	}
}
