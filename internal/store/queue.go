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
	"database/sql"
	"sync"
	"time"

	ctlerrors "github.com/dsa110/dsa110-contimg-sub012/internal/errors"
	"github.com/dsa110/dsa110-contimg-sub012/internal/model"
)

// QueueStore implements the ingest queue repository of spec.md §4.1:
// upsert_group, record_file_arrival, claim_next_pending, mark_group,
// list_groups. Writers are serialised through mu; readers are unbounded.
type QueueStore struct {
	db *DB
	mu sync.Mutex
}

// NewQueueStore builds a QueueStore over db.
func NewQueueStore(db *DB) *QueueStore {
	return &QueueStore{db: db}
}

// GroupFilter narrows list_groups results.
type GroupFilter struct {
	State *model.GroupState
}

// UpsertGroup creates the group row on first sight, setting expected_count
// from configuration (spec.md §4.6 step 2). It is a no-op for a group that
// already exists with the same expected_count.
func (s *QueueStore) UpsertGroup(ctx context.Context, groupID string, expectedCount int, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO groups (group_id, expected_count, state, attempt_count, created_at, updated_at)
		VALUES ($1, $2, $3, 0, $4, $4)
		ON CONFLICT (group_id) DO NOTHING
	`, groupID, expectedCount, model.GroupCollecting, now)
	if err != nil {
		return classify("upsert group", err)
	}

	if created, _ := res.RowsAffected(); created == 1 && expectedCount == 0 {
		return s.markLocked(ctx, groupID, model.GroupPending, now)
	}
	return nil
}

// RecordFileArrival records a sub-band file arrival transactionally with
// the group-state transitions of spec.md §4.6: first file moves the group
// to collecting; reaching expected_count moves it to pending; duplicate
// subband_index arrivals overwrite the path without advancing any counter
// or state (spec.md §4.6 step 2-3, §8 idempotence law).
func (s *QueueStore) RecordFileArrival(ctx context.Context, groupID string, subbandIndex int, path string, arrivedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return classify("begin record file arrival", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO files (group_id, subband_index, path, arrived_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (group_id, subband_index) DO UPDATE SET path = EXCLUDED.path
	`, groupID, subbandIndex, path, arrivedAt)
	if err != nil {
		return classify("record file arrival", err)
	}
	inserted, _ := res.RowsAffected()

	var fileCount, expectedCount int
	var state model.GroupState
	if err := tx.QueryRowContext(ctx, `
		SELECT expected_count, state, (SELECT count(*) FROM files WHERE group_id = $1)
		FROM groups WHERE group_id = $1
	`, groupID).Scan(&expectedCount, &state, &fileCount); err != nil {
		return classify("read group for file arrival", err)
	}

	// ON CONFLICT DO UPDATE always reports 1 row affected in Postgres even
	// when it rewrote an existing row, so duplicate re-arrivals are
	// distinguished by fileCount staying put rather than by inserted.
	_ = inserted

	if state == model.GroupCollecting && fileCount == 1 {
		if err := execMarkGroupTx(ctx, tx, groupID, model.GroupCollecting, arrivedAt); err != nil {
			return err
		}
	}
	if fileCount == expectedCount && state == model.GroupCollecting {
		if err := execMarkGroupTx(ctx, tx, groupID, model.GroupPending, arrivedAt); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return classify("commit record file arrival", err)
	}
	return nil
}

// execer is satisfied by both the pooled *DB and an in-flight *sqlx.Tx, so
// the mark-group statement can run either standalone or inside a larger
// transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func execMarkGroupTx(ctx context.Context, tx execer, groupID string, state model.GroupState, now time.Time) error {
	_, err := tx.ExecContext(ctx, `UPDATE groups SET state = $2, updated_at = $3 WHERE group_id = $1`, groupID, state, now)
	if err != nil {
		return classify("mark group", err)
	}
	return nil
}

// ClaimNextPending atomically picks the oldest pending group and transitions
// it to in_progress, stamping attempt_count (spec.md §4.1, §4.6 "claim is
// strictly pending -> in_progress").
func (s *QueueStore) ClaimNextPending(ctx context.Context, now time.Time) (*model.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, classify("begin claim next pending", err)
	}
	defer tx.Rollback()

	var groupID string
	err = tx.QueryRowContext(ctx, `
		SELECT group_id FROM groups
		WHERE state = $1
		ORDER BY created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, model.GroupPending).Scan(&groupID)
	if err == sql.ErrNoRows {
		return nil, ctlerrors.FailedTo("claim next pending group", ctlerrors.ErrNotFound)
	}
	if err != nil {
		return nil, classify("claim next pending group", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE groups SET state = $2, attempt_count = attempt_count + 1, updated_at = $3
		WHERE group_id = $1
	`, groupID, model.GroupInProgress, now); err != nil {
		return nil, classify("claim next pending group", err)
	}

	g, err := loadGroupTx(ctx, tx, groupID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, classify("commit claim next pending", err)
	}
	return g, nil
}

// MarkGroup transitions a group to state, recording updated_at. The caller
// is responsible for respecting the FSM's total order (spec.md §4.6); this
// operation does not validate the transition.
func (s *QueueStore) MarkGroup(ctx context.Context, groupID string, state model.GroupState, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	return s.markLocked(ctx, groupID, state, now)
}

func (s *QueueStore) markLocked(ctx context.Context, groupID string, state model.GroupState, now time.Time) error {
	return execMarkGroupTx(ctx, s.db, groupID, state, now)
}

// RequeueInProgress returns a group from in_progress to pending, unless its
// attempt_count has reached maxAttempts, in which case it transitions to
// failed (spec.md §4.6 "in_progress with no heartbeat"). attempt_count is
// not changed here; ClaimNextPending bumps it on each claim.
func (s *QueueStore) RequeueInProgress(ctx context.Context, groupID string, maxAttempts int, now time.Time) (model.GroupState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	var attemptCount int
	if err := s.db.QueryRowContext(ctx, `SELECT attempt_count FROM groups WHERE group_id = $1`, groupID).Scan(&attemptCount); err != nil {
		return "", classify("read group for requeue", err)
	}

	next := model.GroupPending
	if attemptCount >= maxAttempts {
		next = model.GroupFailed
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE groups SET state = $2, updated_at = $3 WHERE group_id = $1`, groupID, next, now); err != nil {
		return "", classify("requeue in-progress group", err)
	}
	return next, nil
}

// ListGroups returns groups matching filter.
func (s *QueueStore) ListGroups(ctx context.Context, filter GroupFilter) ([]*model.Group, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	query := `SELECT group_id FROM groups`
	var args []any
	if filter.State != nil {
		query += ` WHERE state = $1`
		args = append(args, *filter.State)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, classify("list groups", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, classify("list groups", err)
		}
		ids = append(ids, id)
	}

	groups := make([]*model.Group, 0, len(ids))
	for _, id := range ids {
		g, err := loadGroupTx(ctx, s.db, id)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, nil
}

// loadGroupTx loads a group row plus its files from any queryer (either the
// pooled *DB or an in-flight *sqlx.Tx).
func loadGroupTx(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}, groupID string) (*model.Group, error) {
	g := &model.Group{GroupID: groupID, Files: map[int]model.File{}}
	if err := q.QueryRowContext(ctx, `
		SELECT expected_count, state, attempt_count, created_at, updated_at
		FROM groups WHERE group_id = $1
	`, groupID).Scan(&g.ExpectedCount, &g.State, &g.AttemptCount, &g.CreatedAt, &g.UpdatedAt); err != nil {
		return nil, classify("load group", err)
	}

	rows, err := q.QueryContext(ctx, `SELECT subband_index, path, arrived_at FROM files WHERE group_id = $1`, groupID)
	if err != nil {
		return nil, classify("load group files", err)
	}
	defer rows.Close()
	for rows.Next() {
		var f model.File
		if err := rows.Scan(&f.SubbandIndex, &f.Path, &f.ArrivedAt); err != nil {
			return nil, classify("load group files", err)
		}
		g.Files[f.SubbandIndex] = f
	}
	return g, nil
}
