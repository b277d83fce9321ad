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

// Package store implements the durable state repositories of spec.md §4.1:
// exactly one implementation per logical store (queue, registry, products,
// jobs, DLQ), each exposing a narrow operation set over Postgres via
// sqlx/pgx, with store-scoped write serialisation and a per-operation
// timeout.
package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"github.com/jmoiron/sqlx"

	ctlerrors "github.com/dsa110/dsa110-contimg-sub012/internal/errors"
)

// DB wraps a *sqlx.DB opened against the pgx stdlib driver, shared by every
// store. Each store additionally holds its own sync.Mutex so that writers
// are serialised per store, never across stores (spec.md §4.1, §5).
type DB struct {
	*sqlx.DB
	// OpTimeout bounds every repository call; exceeding it surfaces
	// ErrStoreUnavailable to the caller (spec.md §4.1).
	OpTimeout time.Duration
}

// Open opens a pgx-backed connection pool and wraps it for the state
// repositories. dsn is a standard Postgres connection string.
func Open(dsn string, maxOpen, maxIdle int, connMaxLifetime, opTimeout time.Duration) (*DB, error) {
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, ctlerrors.FailedTo("open database connection", err)
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetConnMaxLifetime(connMaxLifetime)

	return &DB{DB: sqlx.NewDb(sqlDB, "pgx"), OpTimeout: opTimeout}, nil
}

// withTimeout derives a context bounded by db.OpTimeout, per spec.md §4.1
// ("every operation has an upper-bound timeout").
func (db *DB) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if db.OpTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, db.OpTimeout)
}

// classify maps a raw database/sql or context error onto the abstract
// repository error taxonomy of spec.md §7.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ctlerrors.FailedTo(op, ctlerrors.ErrNotFound)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ctlerrors.FailedTo(op, ctlerrors.ErrStoreUnavailable)
	default:
		return ctlerrors.FailedTo(op, ctlerrors.MarkTransient(err))
	}
}
