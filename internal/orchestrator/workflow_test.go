package orchestrator

import (
	"context"
	"errors"
	"testing"

	ctlerrors "github.com/dsa110/dsa110-contimg-sub012/internal/errors"
	"github.com/dsa110/dsa110-contimg-sub012/internal/stage"
)

func fakeStage(name string, deps ...string) StageDef {
	return StageDef{
		Stage: stage.Func{
			StageName: name,
			Executor: func(_ context.Context, c stage.Context) (stage.Context, error) {
				return c, nil
			},
		},
		DependsOn: deps,
	}
}

func TestTopologicalOrderDeterministicTieBreak(t *testing.T) {
	wf := NewWorkflow("wf", "")
	wf.AddStage(fakeStage("c", "a"))
	wf.AddStage(fakeStage("b", "a"))
	wf.AddStage(fakeStage("a"))

	order, err := wf.topologicalOrder()
	if err != nil {
		t.Fatalf("topologicalOrder: %v", err)
	}
	want := []string{"a", "b", "c"}
	if len(order) != len(want) {
		t.Fatalf("got %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got %v, want %v", order, want)
		}
	}
}

func TestTopologicalOrderEmptyWorkflow(t *testing.T) {
	wf := NewWorkflow("empty", "")
	order, err := wf.topologicalOrder()
	if err != nil {
		t.Fatalf("topologicalOrder: %v", err)
	}
	if len(order) != 0 {
		t.Fatalf("expected empty order, got %v", order)
	}
}

func TestTopologicalOrderSelfDependency(t *testing.T) {
	wf := NewWorkflow("wf", "")
	wf.AddStage(fakeStage("a", "a"))

	_, err := wf.topologicalOrder()
	if !errors.Is(err, ctlerrors.ErrWorkflowInvalid) {
		t.Fatalf("expected ErrWorkflowInvalid, got %v", err)
	}
}

func TestTopologicalOrderUnknownDependency(t *testing.T) {
	wf := NewWorkflow("wf", "")
	wf.AddStage(fakeStage("a", "ghost"))

	_, err := wf.topologicalOrder()
	if !errors.Is(err, ctlerrors.ErrWorkflowInvalid) {
		t.Fatalf("expected ErrWorkflowInvalid, got %v", err)
	}
}

func TestTopologicalOrderCycle(t *testing.T) {
	wf := NewWorkflow("wf", "")
	wf.AddStage(fakeStage("a", "b"))
	wf.AddStage(fakeStage("b", "a"))

	_, err := wf.topologicalOrder()
	if !errors.Is(err, ctlerrors.ErrWorkflowInvalid) {
		t.Fatalf("expected ErrWorkflowInvalid, got %v", err)
	}
}
