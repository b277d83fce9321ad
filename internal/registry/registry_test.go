package registry

import (
	"context"
	"testing"

	"github.com/dsa110/dsa110-contimg-sub012/internal/model"
)

type fakeStore struct {
	active []model.Caltable
}

func (f *fakeStore) ActiveCaltables(ctx context.Context, mjd float64) ([]model.Caltable, error) {
	var out []model.Caltable
	for _, c := range f.active {
		if c.Covers(mjd) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeStore) RegisterCaltable(ctx context.Context, c model.Caltable) error { return nil }
func (f *fakeStore) RetireCaltable(ctx context.Context, id string, successor *model.Caltable) error {
	return nil
}

// TestActiveApplylistOrdering is S6 of spec.md §8: active caltables
// covering mjd=60000.0 for BandpassAmp, BandpassPhase, and Delay (all
// apply_order=0) must resolve to [Delay, BandpassAmp, BandpassPhase].
func TestActiveApplylistOrdering(t *testing.T) {
	fs := &fakeStore{active: []model.Caltable{
		{CaltableID: "bp-amp-1", Kind: model.KindBandpassAmp, Status: model.CaltableActive, ValidFromMJD: 59999, ValidToMJD: 60001, ApplyOrder: 0},
		{CaltableID: "bp-phase-1", Kind: model.KindBandpassPhase, Status: model.CaltableActive, ValidFromMJD: 59999, ValidToMJD: 60001, ApplyOrder: 0},
		{CaltableID: "delay-1", Kind: model.KindDelay, Status: model.CaltableActive, ValidFromMJD: 59999, ValidToMJD: 60001, ApplyOrder: 0},
	}}
	reg := New(fs)

	got, err := reg.ActiveApplylist(context.Background(), 60000.0)
	if err != nil {
		t.Fatalf("ActiveApplylist: %v", err)
	}

	want := []model.CaltableKind{model.KindDelay, model.KindBandpassAmp, model.KindBandpassPhase}
	if len(got) != len(want) {
		t.Fatalf("got %d entries, want %d", len(got), len(want))
	}
	for i, k := range want {
		if got[i].Kind != k {
			t.Errorf("entry %d kind = %s, want %s", i, got[i].Kind, k)
		}
	}
}

func TestActiveApplylistExcludesOutOfWindow(t *testing.T) {
	fs := &fakeStore{active: []model.Caltable{
		{CaltableID: "delay-old", Kind: model.KindDelay, Status: model.CaltableActive, ValidFromMJD: 59000, ValidToMJD: 59500, ApplyOrder: 0},
	}}
	reg := New(fs)

	got, err := reg.ActiveApplylist(context.Background(), 60000.0)
	if err != nil {
		t.Fatalf("ActiveApplylist: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no entries outside validity window, got %v", got)
	}
}

func TestActiveApplylistReturnsSingleEntryOfKind(t *testing.T) {
	fs := &fakeStore{active: []model.Caltable{
		{CaltableID: "gp-2", Kind: model.KindGainPhase, Status: model.CaltableActive, ValidFromMJD: 59999, ValidToMJD: 60001, ApplyOrder: 2},
	}}
	reg := New(fs)
	got, err := reg.ActiveApplylist(context.Background(), 60000.0)
	if err != nil {
		t.Fatalf("ActiveApplylist: %v", err)
	}
	if len(got) != 1 || got[0].CaltableID != "gp-2" {
		t.Fatalf("unexpected result: %v", got)
	}
}
