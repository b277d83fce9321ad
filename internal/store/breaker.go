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

package store

import (
	"context"
	"sync"

	"github.com/dsa110/dsa110-contimg-sub012/internal/model"
)

// BreakerStore persists circuit breaker snapshots (spec.md §3, §6.2). The
// orchestrator's BreakerRegistry is in-memory only: nothing in this
// repository saves its state here or restores it from here at startup, so
// breakers start closed after a process restart.
type BreakerStore struct {
	db *DB
	mu sync.Mutex
}

// NewBreakerStore builds a BreakerStore over db.
func NewBreakerStore(db *DB) *BreakerStore {
	return &BreakerStore{db: db}
}

// Save upserts a circuit breaker's current snapshot.
func (s *BreakerStore) Save(ctx context.Context, st model.CircuitBreakerState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO circuit_breakers (name, state, failure_count, last_failure_time, recovery_timeout_sec)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (name) DO UPDATE SET
			state=EXCLUDED.state, failure_count=EXCLUDED.failure_count,
			last_failure_time=EXCLUDED.last_failure_time, recovery_timeout_sec=EXCLUDED.recovery_timeout_sec
	`, st.Name, st.State, st.FailureCount, st.LastFailureTime, st.RecoveryTimeoutSec)
	if err != nil {
		return classify("save circuit breaker state", err)
	}
	return nil
}

// Load reads a circuit breaker's last saved snapshot, or ErrNotFound if it
// has never been saved.
func (s *BreakerStore) Load(ctx context.Context, name string) (*model.CircuitBreakerState, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	var st model.CircuitBreakerState
	st.Name = name
	err := s.db.QueryRowContext(ctx, `
		SELECT state, failure_count, last_failure_time, recovery_timeout_sec FROM circuit_breakers WHERE name = $1
	`, name).Scan(&st.State, &st.FailureCount, &st.LastFailureTime, &st.RecoveryTimeoutSec)
	if err != nil {
		return nil, classify("load circuit breaker state", err)
	}
	return &st, nil
}
