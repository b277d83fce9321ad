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

// Package watcher implements the ingest watcher and group FSM of
// spec.md §4.6: files arriving in an input directory are mapped to
// (group_id, subband_index) by a configured filename pattern, and folded
// into group-state transitions via the queue repository.
package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"

	"github.com/dsa110/dsa110-contimg-sub012/internal/config"
	ctlerrors "github.com/dsa110/dsa110-contimg-sub012/internal/errors"
	"github.com/dsa110/dsa110-contimg-sub012/internal/model"
	"github.com/dsa110/dsa110-contimg-sub012/internal/store"
)

// QueueStore is the subset of *store.QueueStore the watcher needs.
type QueueStore interface {
	UpsertGroup(ctx context.Context, groupID string, expectedCount int, now time.Time) error
	RecordFileArrival(ctx context.Context, groupID string, subbandIndex int, path string, arrivedAt time.Time) error
	RequeueInProgress(ctx context.Context, groupID string, maxAttempts int, now time.Time) (model.GroupState, error)
	MarkGroup(ctx context.Context, groupID string, state model.GroupState, now time.Time) error
	ListGroups(ctx context.Context, filter store.GroupFilter) ([]*model.Group, error)
}

// Watcher maps filesystem events in one input directory onto group-state
// transitions (spec.md §4.6). It pairs fsnotify change notifications with
// a periodic rescan, matching spec.md §6.1's "watcher supports both
// change notifications and periodic rescans".
type Watcher struct {
	dir           string
	pattern       *regexp.Regexp
	expectedCount int
	rescanEvery   time.Duration
	inProgressTO  time.Duration
	completionTO  time.Duration
	maxAttempts   int

	queue  QueueStore
	logger logr.Logger

	seen map[string]struct{}
}

// New builds a Watcher from configuration. cfg.Ingest.FilenameRegex must
// compile with named capture groups "group_id" and "subband_index".
func New(cfg *config.Config, queue QueueStore, logger logr.Logger) (*Watcher, error) {
	pattern, err := regexp.Compile(cfg.Ingest.FilenameRegex)
	if err != nil {
		return nil, ctlerrors.FailedTo("compile ingest filename pattern", err)
	}
	if pattern.SubexpIndex("group_id") < 0 || pattern.SubexpIndex("subband_index") < 0 {
		return nil, ctlerrors.FailedTo("compile ingest filename pattern", ctlerrors.ErrWorkflowInvalid)
	}

	return &Watcher{
		dir:           cfg.Paths.InputDir,
		pattern:       pattern,
		expectedCount: cfg.Ingest.ExpectedSubbands,
		rescanEvery:   30 * time.Second,
		inProgressTO:  cfg.Ingest.GroupInProgressTimeout(),
		completionTO:  cfg.Ingest.GroupCompletionTimeout(),
		maxAttempts:   cfg.Ingest.MaxGroupAttempts,
		queue:         queue,
		logger:        logger.WithName("watcher"),
		seen:          map[string]struct{}{},
	}, nil
}

// parse extracts (group_id, subband_index) from name, or ok=false if name
// does not match the configured pattern (spec.md §4.6 step 1).
func (w *Watcher) parse(name string) (groupID string, subbandIndex int, ok bool) {
	m := w.pattern.FindStringSubmatch(name)
	if m == nil {
		return "", 0, false
	}
	groupID = m[w.pattern.SubexpIndex("group_id")]
	idx, err := strconv.Atoi(m[w.pattern.SubexpIndex("subband_index")])
	if err != nil {
		return "", 0, false
	}
	return groupID, idx, true
}

// handleFile folds one file arrival into the queue repository (spec.md
// §4.6 step 2): upsert the group, then record the arrival. Re-arrivals of
// an already-recorded (group_id, subband_index) are idempotent by
// construction of RecordFileArrival; handleFile itself also skips paths
// already processed this process lifetime to avoid redundant writes on
// duplicate fsnotify events for the same file.
func (w *Watcher) handleFile(ctx context.Context, path string) {
	name := filepath.Base(path)
	groupID, subbandIndex, ok := w.parse(name)
	if !ok {
		return
	}
	if _, dup := w.seen[path]; dup {
		return
	}

	now := time.Now().UTC()
	if err := w.queue.UpsertGroup(ctx, groupID, w.expectedCount, now); err != nil {
		w.logger.Error(err, "upsert group", "group_id", groupID)
		return
	}
	if err := w.queue.RecordFileArrival(ctx, groupID, subbandIndex, path, now); err != nil {
		w.logger.Error(err, "record file arrival", "group_id", groupID, "subband_index", subbandIndex, "path", path)
		return
	}
	w.seen[path] = struct{}{}
}

// rescan walks the input directory once, folding in any file not yet
// seen this process lifetime. It is the fallback path for filesystems or
// events fsnotify misses (spec.md §6.1).
func (w *Watcher) rescan(ctx context.Context) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Error(err, "rescan input directory", "dir", w.dir)
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		w.handleFile(ctx, filepath.Join(w.dir, e.Name()))
	}
}

// sweepTimeouts applies the group-timeout rules of spec.md §4.6: a
// collecting group with no progress for group_completion_timeout_sec
// fails; an in_progress group with no heartbeat for
// group_inprogress_timeout_sec returns to pending, or fails past
// max_attempts.
func (w *Watcher) sweepTimeouts(ctx context.Context) {
	now := time.Now().UTC()

	collecting := model.GroupCollecting
	groups, err := w.queue.ListGroups(ctx, store.GroupFilter{State: &collecting})
	if err != nil {
		w.logger.Error(err, "list collecting groups")
	}
	for _, g := range groups {
		if now.Sub(g.UpdatedAt) >= w.completionTO {
			if err := w.queue.MarkGroup(ctx, g.GroupID, model.GroupFailed, now); err != nil {
				w.logger.Error(err, "fail stale collecting group", "group_id", g.GroupID)
			}
		}
	}

	inProgress := model.GroupInProgress
	groups, err = w.queue.ListGroups(ctx, store.GroupFilter{State: &inProgress})
	if err != nil {
		w.logger.Error(err, "list in-progress groups")
		return
	}
	for _, g := range groups {
		if now.Sub(g.UpdatedAt) < w.inProgressTO {
			continue
		}
		next, err := w.queue.RequeueInProgress(ctx, g.GroupID, w.maxAttempts, now)
		if err != nil {
			w.logger.Error(err, "requeue stale in-progress group", "group_id", g.GroupID)
			continue
		}
		w.logger.Info("requeued stale in-progress group", "group_id", g.GroupID, "next_state", next)
	}
}

// Run watches dir until ctx is cancelled, folding file-arrival and
// timeout events into the queue repository. It blocks; callers typically
// run it in its own goroutine.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return ctlerrors.FailedTo("start fsnotify watcher", err)
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return ctlerrors.FailedTo(fmt.Sprintf("watch directory %q", w.dir), err)
	}

	w.rescan(ctx)

	rescanTicker := time.NewTicker(w.rescanEvery)
	defer rescanTicker.Stop()

	timeoutEvery := w.inProgressTO / 2
	if timeoutEvery <= 0 {
		timeoutEvery = 30 * time.Second
	}
	timeoutTicker := time.NewTicker(timeoutEvery)
	defer timeoutTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				w.handleFile(ctx, ev.Name)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error(err, "fsnotify watch error")
		case <-rescanTicker.C:
			w.rescan(ctx)
		case <-timeoutTicker.C:
			w.sweepTimeouts(ctx)
		}
	}
}
