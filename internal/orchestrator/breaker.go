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
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/dsa110/dsa110-contimg-sub012/internal/model"
)

// breakerStateOf maps gobreaker's state onto the abstract BreakerState of
// spec.md §3.
func breakerStateOf(s gobreaker.State) model.BreakerState {
	switch s {
	case gobreaker.StateOpen:
		return model.BreakerOpen
	case gobreaker.StateHalfOpen:
		return model.BreakerHalfOpen
	default:
		return model.BreakerClosed
	}
}

// BreakerRegistry holds one gobreaker.CircuitBreaker per stage breaker
// name, lazily created with the configured recovery timeout (spec.md §3,
// §4.5 step 3b, glossary "circuit breaker").
type BreakerRegistry struct {
	recoveryTimeout time.Duration
	failureThresh   int

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerRegistry builds a registry whose breakers open after
// failureThreshold consecutive failures and attempt recovery after
// recoveryTimeout, matching spec.md §3's failure_count/recovery_timeout_sec
// model layered over gobreaker's consecutive-failure counters.
func NewBreakerRegistry(failureThreshold int, recoveryTimeout time.Duration) *BreakerRegistry {
	return &BreakerRegistry{
		recoveryTimeout: recoveryTimeout,
		failureThresh:   failureThreshold,
		breakers:        map[string]*gobreaker.CircuitBreaker{},
	}
}

func (r *BreakerRegistry) get(name string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: r.recoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return int(counts.ConsecutiveFailures) >= r.failureThresh
		},
	})
	r.breakers[name] = cb
	return cb
}

// Allow reports whether a call through the named breaker is currently
// permitted, i.e. the breaker is not open with its cooldown still pending
// (spec.md §4.5 step 3b).
func (r *BreakerRegistry) Allow(name string) bool {
	return breakerStateOf(r.get(name).State()) != model.BreakerOpen
}

// RecordSuccess and RecordFailure feed the breaker's internal counters
// directly, used when the orchestrator has already executed the call
// outside gobreaker.Execute (so retries can be attempted first).
func (r *BreakerRegistry) RecordSuccess(name string) {
	cb := r.get(name)
	_, _ = cb.Execute(func() (any, error) { return nil, nil })
}

func (r *BreakerRegistry) RecordFailure(name string) {
	cb := r.get(name)
	_, _ = cb.Execute(func() (any, error) { return nil, errBreakerRecordedFailure })
}

var errBreakerRecordedFailure = breakerRecordedFailure{}

type breakerRecordedFailure struct{}

func (breakerRecordedFailure) Error() string { return "stage failed (recorded against circuit breaker)" }

// Snapshot returns the durable snapshot of the named breaker for
// persistence (spec.md §3, §6.2).
func (r *BreakerRegistry) Snapshot(name string) model.CircuitBreakerState {
	cb := r.get(name)
	counts := cb.Counts()
	st := model.CircuitBreakerState{
		Name:               name,
		State:              breakerStateOf(cb.State()),
		FailureCount:       int(counts.ConsecutiveFailures),
		RecoveryTimeoutSec: int(r.recoveryTimeout / time.Second),
	}
	return st
}
