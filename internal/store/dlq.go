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
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	ctlerrors "github.com/dsa110/dsa110-contimg-sub012/internal/errors"
	"github.com/dsa110/dsa110-contimg-sub012/internal/model"
)

// DLQStore implements the dead-letter-queue repository of spec.md §4.1:
// enqueue, list, transition.
type DLQStore struct {
	db *DB
	mu sync.Mutex
}

// NewDLQStore builds a DLQStore over db.
func NewDLQStore(db *DB) *DLQStore {
	return &DLQStore{db: db}
}

// Enqueue records a terminal failure as a new, pending DLQ item and
// returns its generated id.
func (s *DLQStore) Enqueue(ctx context.Context, item model.DLQItem) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.Status == "" {
		item.Status = model.DLQPending
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dlq (id, component, operation, error_type, error_message, context, retry_count, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, item.ID, item.Component, item.Operation, item.ErrorType, item.ErrorMessage, item.Context, item.RetryCount, item.Status, item.CreatedAt)
	if err != nil {
		return "", classify("enqueue dlq item", err)
	}
	return item.ID, nil
}

// DLQFilter narrows list results.
type DLQFilter struct {
	Component string
	Status    *model.DLQStatus
}

// List returns DLQ items matching filter.
func (s *DLQStore) List(ctx context.Context, filter DLQFilter) ([]model.DLQItem, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	query := `SELECT id, component, operation, error_type, error_message, context, retry_count, status, created_at, resolved_at, resolution_note FROM dlq WHERE 1=1`
	var args []any
	if filter.Component != "" {
		args = append(args, filter.Component)
		query += fmt.Sprintf(" AND component = $%d", len(args))
	}
	if filter.Status != nil {
		args = append(args, *filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("list dlq items", err)
	}
	defer rows.Close()

	var out []model.DLQItem
	for rows.Next() {
		var it model.DLQItem
		if err := rows.Scan(&it.ID, &it.Component, &it.Operation, &it.ErrorType, &it.ErrorMessage, &it.Context,
			&it.RetryCount, &it.Status, &it.CreatedAt, &it.ResolvedAt, &it.ResolutionNote); err != nil {
			return nil, classify("list dlq items", err)
		}
		out = append(out, it)
	}
	return out, nil
}

// Transition moves a DLQ item to a new status, e.g. retrying, resolved, or
// failed, optionally recording a resolution note.
func (s *DLQStore) Transition(ctx context.Context, id string, to model.DLQStatus, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	var resolvedAt *time.Time
	if to == model.DLQResolved || to == model.DLQFailed {
		now := time.Now().UTC()
		resolvedAt = &now
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE dlq SET status=$2, resolved_at=$3, resolution_note=$4 WHERE id=$1
	`, id, to, resolvedAt, note)
	if err != nil {
		return classify("transition dlq item", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ctlerrors.FailedTo("transition dlq item", ctlerrors.ErrNotFound)
	}
	return nil
}
