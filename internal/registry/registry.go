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

// Package registry implements the calibration registry of spec.md §4.2: the
// validity-window index and the active_applylist resolution built on top of
// the registry store.
package registry

import (
	"context"
	"sort"

	ctlerrors "github.com/dsa110/dsa110-contimg-sub012/internal/errors"
	"github.com/dsa110/dsa110-contimg-sub012/internal/model"
)

// Store is the narrow slice of the registry repository the Registry needs;
// satisfied by *store.RegistryStore.
type Store interface {
	ActiveCaltables(ctx context.Context, mjd float64) ([]model.Caltable, error)
	RegisterCaltable(ctx context.Context, c model.Caltable) error
	RetireCaltable(ctx context.Context, caltableID string, successor *model.Caltable) error
}

// Registry wraps a registry Store with the active_applylist algorithm of
// spec.md §4.2.
type Registry struct {
	store Store
}

// New builds a Registry over store.
func New(store Store) *Registry {
	return &Registry{store: store}
}

// ActiveApplylist implements spec.md §4.2's active_applylist(mjd):
//  1. filter active entries whose window contains mjd,
//  2. group by kind, allowing at most one entry per kind (RegistryCorrupt
//     if more than one is found — the invariant of spec.md §3 should have
//     prevented this at write time),
//  3. emit in the fixed kind order, then by apply_order within a kind.
func (r *Registry) ActiveApplylist(ctx context.Context, mjd float64) ([]model.CaltableRef, error) {
	active, err := r.store.ActiveCaltables(ctx, mjd)
	if err != nil {
		return nil, err
	}

	byKind := map[model.CaltableKind][]model.Caltable{}
	for _, c := range active {
		byKind[c.Kind] = append(byKind[c.Kind], c)
	}

	var out []model.CaltableRef
	for _, kind := range model.KindOrder {
		entries := byKind[kind]
		if len(entries) == 0 {
			continue
		}
		if len(entries) > 1 {
			return nil, ctlerrors.FailedTo("resolve active applylist", ctlerrors.ErrRegistryCorrupt)
		}
		out = append(out, model.CaltableRef{
			CaltableID: entries[0].CaltableID,
			Kind:       entries[0].Kind,
			Path:       entries[0].Path,
			ApplyOrder: entries[0].ApplyOrder,
		})
	}

	// Within a kind there is at most one active entry per the invariant
	// above, so the apply_order tie-break only matters across kinds that
	// share a rank; sort is still applied for determinism if that
	// invariant is ever relaxed to allow several entries per kind.
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := model.KindRank(out[i].Kind), model.KindRank(out[j].Kind)
		if ri != rj {
			return ri < rj
		}
		return out[i].ApplyOrder < out[j].ApplyOrder
	})

	return out, nil
}

// RegisterCaltable delegates to the underlying store.
func (r *Registry) RegisterCaltable(ctx context.Context, c model.Caltable) error {
	return r.store.RegisterCaltable(ctx, c)
}

// RetireCaltable delegates to the underlying store.
func (r *Registry) RetireCaltable(ctx context.Context, caltableID string, successor *model.Caltable) error {
	return r.store.RetireCaltable(ctx, caltableID, successor)
}
