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

	ctlerrors "github.com/dsa110/dsa110-contimg-sub012/internal/errors"
	"github.com/dsa110/dsa110-contimg-sub012/internal/model"
)

// ProductsStore implements the MS-index/image repository of spec.md §4.1:
// upsert_ms_index, insert_image, query_products.
type ProductsStore struct {
	db *DB
	mu sync.Mutex
}

// NewProductsStore builds a ProductsStore over db.
func NewProductsStore(db *DB) *ProductsStore {
	return &ProductsStore{db: db}
}

// UpsertMSIndex creates or advances an MS index row. The stage column only
// ever moves forward (spec.md §3 "stage: monotonically advances"); an
// attempt to move it backward is rejected as a constraint violation.
func (s *ProductsStore) UpsertMSIndex(ctx context.Context, p model.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	var existingStage model.ProductStage
	err := s.db.QueryRowContext(ctx, `SELECT stage FROM ms_index WHERE path = $1`, p.Path).Scan(&existingStage)
	switch {
	case err == nil:
		if !existingStage.Advances(p.Stage) {
			return ctlerrors.FailedTo("upsert ms index", ctlerrors.ErrConstraintViolation)
		}
		_, err = s.db.ExecContext(ctx, `
			UPDATE ms_index SET start_mjd=$2, mid_mjd=$3, end_mjd=$4, stage=$5, cal_applied=$6 WHERE path=$1
		`, p.Path, p.StartMJD, p.MidMJD, p.EndMJD, p.Stage, p.CalApplied)
		if err != nil {
			return classify("upsert ms index", err)
		}
		return nil
	default:
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO ms_index (path, start_mjd, mid_mjd, end_mjd, stage, cal_applied)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (path) DO NOTHING
		`, p.Path, p.StartMJD, p.MidMJD, p.EndMJD, p.Stage, p.CalApplied)
		if err != nil {
			return classify("upsert ms index", err)
		}
		return nil
	}
}

// InsertImage records an image artifact produced for an MS.
func (s *ProductsStore) InsertImage(ctx context.Context, img model.Image) error {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO images (path, ms_path, beam, noise, pbcor)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (path) DO UPDATE SET beam=EXCLUDED.beam, noise=EXCLUDED.noise, pbcor=EXCLUDED.pbcor
	`, img.Path, img.MSPath, img.Beam, img.Noise, img.PBCor)
	if err != nil {
		return classify("insert image", err)
	}
	return nil
}

// ProductFilter narrows query_products results.
type ProductFilter struct {
	Stage *model.ProductStage
}

// QueryProducts returns MS index rows matching filter.
func (s *ProductsStore) QueryProducts(ctx context.Context, filter ProductFilter) ([]model.Product, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	query := `SELECT path, start_mjd, mid_mjd, end_mjd, stage, cal_applied FROM ms_index`
	var args []any
	if filter.Stage != nil {
		query += ` WHERE stage = $1`
		args = append(args, *filter.Stage)
	}
	query += ` ORDER BY start_mjd ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("query products", err)
	}
	defer rows.Close()

	var out []model.Product
	for rows.Next() {
		var p model.Product
		if err := rows.Scan(&p.Path, &p.StartMJD, &p.MidMJD, &p.EndMJD, &p.Stage, &p.CalApplied); err != nil {
			return nil, classify("query products", err)
		}
		out = append(out, p)
	}
	return out, nil
}
