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

	ctlerrors "github.com/dsa110/dsa110-contimg-sub012/internal/errors"
	"github.com/dsa110/dsa110-contimg-sub012/internal/model"
)

// RegistryStore implements the calibration table repository of spec.md
// §4.1, §4.2: register_caltable, retire_caltable, and the raw reads the
// calibration registry package composes into active_applylist. Writes are
// serialised through mu so the non-overlap invariant of spec.md §3 can be
// checked and enforced atomically.
type RegistryStore struct {
	db *DB
	mu sync.Mutex
}

// NewRegistryStore builds a RegistryStore over db.
func NewRegistryStore(db *DB) *RegistryStore {
	return &RegistryStore{db: db}
}

// RegisterCaltable inserts a new calibration table entry. It fails with
// ErrConstraintViolation when the entry would create two active,
// overlapping windows for the same kind (spec.md §3, §4.2). Registering an
// entry identical to an existing one is a no-op (spec.md §8 idempotence
// law).
func (s *RegistryStore) RegisterCaltable(ctx context.Context, c model.Caltable) error {
	if c.ValidToMJD <= c.ValidFromMJD {
		return ctlerrors.FailedTo("register caltable", ctlerrors.ErrConstraintViolation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return classify("begin register caltable", err)
	}
	defer tx.Rollback()

	existing, err := queryCaltablesTx(ctx, tx, "")
	if err != nil {
		return err
	}
	for _, e := range existing {
		if e.CaltableID == c.CaltableID {
			if e == c {
				return tx.Commit() // identical registration: no-op, per spec.md §8
			}
			return ctlerrors.FailedTo("register caltable", ctlerrors.ErrConstraintViolation)
		}
		if e.Kind == c.Kind && e.Status == model.CaltableActive && c.Status == model.CaltableActive &&
			e.OverlapsWindow(c.ValidFromMJD, c.ValidToMJD) {
			return ctlerrors.FailedTo("register caltable", ctlerrors.ErrConstraintViolation)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO caltables (caltable_id, kind, path, valid_from_mjd, valid_to_mjd, status, apply_order)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, c.CaltableID, c.Kind, c.Path, c.ValidFromMJD, c.ValidToMJD, c.Status, c.ApplyOrder); err != nil {
		return classify("register caltable", err)
	}

	if err := tx.Commit(); err != nil {
		return classify("commit register caltable", err)
	}
	return nil
}

// RetireCaltable transitions a caltable to retired, atomically with
// activation of a successor when successor is non-nil (spec.md §4.2
// "retirement is an explicit transition and atomic with activation of a
// successor"). Retiring a newer entry while an older active entry of the
// same kind still overlaps is rejected as a constraint violation (spec.md
// §3).
func (s *RegistryStore) RetireCaltable(ctx context.Context, caltableID string, successor *model.Caltable) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return classify("begin retire caltable", err)
	}
	defer tx.Rollback()

	all, err := queryCaltablesTx(ctx, tx, "")
	if err != nil {
		return err
	}
	var target *model.Caltable
	for i := range all {
		if all[i].CaltableID == caltableID {
			target = &all[i]
			break
		}
	}
	if target == nil {
		return ctlerrors.FailedTo("retire caltable", ctlerrors.ErrNotFound)
	}

	for _, e := range all {
		if e.CaltableID == caltableID || e.Kind != target.Kind || e.Status != model.CaltableActive {
			continue
		}
		// e is an older active entry of the same kind that still overlaps
		// target's window: retiring target while e remains active and
		// covers the same range is the prohibited "retiring a newer entry"
		// case of spec.md §3.
		if e.ApplyOrder < target.ApplyOrder && e.OverlapsWindow(target.ValidFromMJD, target.ValidToMJD) {
			return ctlerrors.FailedTo("retire caltable", ctlerrors.ErrConstraintViolation)
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE caltables SET status = $2 WHERE caltable_id = $1`, caltableID, model.CaltableRetired); err != nil {
		return classify("retire caltable", err)
	}

	if successor != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO caltables (caltable_id, kind, path, valid_from_mjd, valid_to_mjd, status, apply_order)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, successor.CaltableID, successor.Kind, successor.Path, successor.ValidFromMJD, successor.ValidToMJD, successor.Status, successor.ApplyOrder); err != nil {
			return classify("activate successor caltable", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return classify("commit retire caltable", err)
	}
	return nil
}

// ActiveCaltables returns every active entry whose window contains mjd,
// the raw material the calibration registry package (internal/registry)
// groups and orders into an active_applylist (spec.md §4.2).
func (s *RegistryStore) ActiveCaltables(ctx context.Context, mjd float64) ([]model.Caltable, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	all, err := queryCaltablesTx(ctx, s.db, "")
	if err != nil {
		return nil, err
	}
	out := make([]model.Caltable, 0, len(all))
	for _, c := range all {
		if c.Status == model.CaltableActive && c.Covers(mjd) {
			out = append(out, c)
		}
	}
	return out, nil
}

func queryCaltablesTx(ctx context.Context, q interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}, kindFilter string) ([]model.Caltable, error) {
	query := `SELECT caltable_id, kind, path, valid_from_mjd, valid_to_mjd, status, apply_order FROM caltables`
	var args []any
	if kindFilter != "" {
		query += ` WHERE kind = $1`
		args = append(args, kindFilter)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("query caltables", err)
	}
	defer rows.Close()

	var out []model.Caltable
	for rows.Next() {
		var c model.Caltable
		if err := rows.Scan(&c.CaltableID, &c.Kind, &c.Path, &c.ValidFromMJD, &c.ValidToMJD, &c.Status, &c.ApplyOrder); err != nil {
			return nil, classify("query caltables", err)
		}
		out = append(out, c)
	}
	return out, nil
}
