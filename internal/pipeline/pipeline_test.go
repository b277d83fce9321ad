package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/dsa110/dsa110-contimg-sub012/internal/collaborators"
	"github.com/dsa110/dsa110-contimg-sub012/internal/config"
	"github.com/dsa110/dsa110-contimg-sub012/internal/model"
	"github.com/dsa110/dsa110-contimg-sub012/internal/orchestrator"
	"github.com/dsa110/dsa110-contimg-sub012/internal/registry"
	"github.com/dsa110/dsa110-contimg-sub012/internal/stage"
)

type fakeRegistryStore struct {
	active []model.Caltable
}

func (f *fakeRegistryStore) ActiveCaltables(_ context.Context, mjd float64) ([]model.Caltable, error) {
	var out []model.Caltable
	for _, c := range f.active {
		if c.Covers(mjd) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeRegistryStore) RegisterCaltable(_ context.Context, c model.Caltable) error {
	f.active = append(f.active, c)
	return nil
}

func (f *fakeRegistryStore) RetireCaltable(_ context.Context, id string, successor *model.Caltable) error {
	return nil
}

// TestDefaultWorkflowRunsEndToEnd exercises the full sample workflow against
// fake collaborators, asserting the apply stage resolves exactly the two
// caltables solved upstream via the real active_applylist algorithm.
func TestDefaultWorkflowRunsEndToEnd(t *testing.T) {
	cfg := config.Default()
	cfg.Orchestrator.WorkflowPolicy = config.PolicyStopOnFirstFailure

	fakeCollab := &collaborators.Fake{}
	reg := registry.New(&fakeRegistryStore{})

	wf := NewDefaultWorkflow(cfg, fakeCollab, fakeCollab, fakeCollab, fakeCollab, reg)

	root := stage.NewContext(cfg, logr.Discard(), model.ValueMap{
		"start_mjd": model.Float(60000.0),
		"mid_mjd":   model.Float(60000.5),
		"end_mjd":   model.Float(60001.0),
	})

	o := orchestrator.New(orchestrator.NewBreakerRegistry(3, time.Minute), nil, nil, nil)
	status, final, results, err := o.Run(context.Background(), 1, wf, root)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if status != orchestrator.WorkflowCompleted {
		t.Fatalf("status = %v, want Completed (results=%+v)", status, results)
	}

	imagePath, ok := final.Outputs["image_path"]
	if !ok {
		t.Fatal("expected final context to carry image_path")
	}
	if s, _ := imagePath.AsString(); s == "" {
		t.Fatal("expected a non-empty image path")
	}

	if len(fakeCollab.ApplyCalls) != 1 {
		t.Fatalf("expected 1 apply call, got %d", len(fakeCollab.ApplyCalls))
	}
	ordered := fakeCollab.ApplyCalls[0]
	if len(ordered) != 2 {
		t.Fatalf("expected 2 active caltables at apply time, got %d: %+v", len(ordered), ordered)
	}
	if ordered[0].Kind != model.KindDelay || ordered[1].Kind != model.KindBandpassAmp {
		t.Fatalf("expected [Delay, BandpassAmp] order, got %+v", ordered)
	}
}
