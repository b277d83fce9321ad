package orchestrator

import (
	"testing"
	"time"

	"github.com/dsa110/dsa110-contimg-sub012/internal/model"
)

func TestBreakerRegistryOpensAfterThreshold(t *testing.T) {
	r := NewBreakerRegistry(2, time.Minute)

	if !r.Allow("solve") {
		t.Fatal("fresh breaker should allow calls")
	}
	r.RecordFailure("solve")
	if !r.Allow("solve") {
		t.Fatal("breaker should still be closed after one failure of a two-failure threshold")
	}
	r.RecordFailure("solve")
	if r.Allow("solve") {
		t.Fatal("breaker should be open after reaching the failure threshold")
	}
}

func TestBreakerRegistrySuccessResetsFailureCount(t *testing.T) {
	r := NewBreakerRegistry(2, time.Minute)
	r.RecordFailure("apply")
	r.RecordSuccess("apply")

	snap := r.Snapshot("apply")
	if snap.State != model.BreakerClosed {
		t.Fatalf("state = %v, want closed", snap.State)
	}
	if snap.FailureCount != 0 {
		t.Fatalf("failure count = %d, want 0 after a success", snap.FailureCount)
	}
}

func TestBreakerRegistrySnapshotName(t *testing.T) {
	r := NewBreakerRegistry(1, time.Minute)
	snap := r.Snapshot("convert")
	if snap.Name != "convert" {
		t.Fatalf("name = %q, want convert", snap.Name)
	}
	if snap.RecoveryTimeoutSec != 60 {
		t.Fatalf("recovery timeout = %d, want 60", snap.RecoveryTimeoutSec)
	}
}
