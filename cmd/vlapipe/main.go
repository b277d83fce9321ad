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

// Command vlapipe is the composition root of the DSA-110 continuum imaging
// pipeline control plane: it loads configuration, opens the state
// repositories, runs migrations, starts the ingest watcher, and drains the
// pending-group queue into workflow invocations (spec.md §4.6, §4.7).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dsa110/dsa110-contimg-sub012/internal/collaborators"
	"github.com/dsa110/dsa110-contimg-sub012/internal/config"
	ctlerrors "github.com/dsa110/dsa110-contimg-sub012/internal/errors"
	"github.com/dsa110/dsa110-contimg-sub012/internal/jobrunner"
	"github.com/dsa110/dsa110-contimg-sub012/internal/logging"
	"github.com/dsa110/dsa110-contimg-sub012/internal/model"
	"github.com/dsa110/dsa110-contimg-sub012/internal/orchestrator"
	"github.com/dsa110/dsa110-contimg-sub012/internal/pipeline"
	"github.com/dsa110/dsa110-contimg-sub012/internal/registry"
	"github.com/dsa110/dsa110-contimg-sub012/internal/store"
	"github.com/dsa110/dsa110-contimg-sub012/internal/store/migrations"
	"github.com/dsa110/dsa110-contimg-sub012/internal/watcher"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML configuration file; defaults to the built-in baseline")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return ctlerrors.FailedTo("load configuration", err)
		}
		cfg = loaded
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return ctlerrors.FailedTo("initialise logger", err)
	}

	db, err := store.Open(cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime, cfg.Database.OperationTimeout)
	if err != nil {
		return ctlerrors.FailedTo("open database", err)
	}
	defer db.Close()

	if err := migrations.Up(db.DB.DB); err != nil {
		return ctlerrors.FailedTo("run migrations", err)
	}

	queueStore := store.NewQueueStore(db)
	registryStore := store.NewRegistryStore(db)
	jobsStore := store.NewJobsStore(db, cfg.Logging.LogCommitBatchSize, cfg.Logging.LogCommitInterval())
	dlqStore := store.NewDLQStore(db)
	breakerStore := store.NewBreakerStore(db)
	_ = breakerStore // persisted breaker snapshots are not yet consulted at startup; see DESIGN.md.

	w, err := watcher.New(cfg, queueStore, logger)
	if err != nil {
		return ctlerrors.FailedTo("build ingest watcher", err)
	}

	reg := registry.New(registryStore)
	fakeCollaborators := &collaborators.Fake{}
	wf := pipeline.NewDefaultWorkflow(cfg, fakeCollaborators, fakeCollaborators, fakeCollaborators, fakeCollaborators, reg)

	breakers := orchestrator.NewBreakerRegistry(3, 30*time.Second)
	orc := orchestrator.New(breakers, jobsStore, dlqStore, nil)
	runner := jobrunner.New(cfg, jobsStore, orc, wf, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- w.Run(ctx) }()
	go func() { errCh <- runner.RunLoop(ctx, &queueClaimSource{queue: queueStore}, time.Second) }()

	<-ctx.Done()
	logger.Info("shutting down")
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil {
			logger.Error(err, "component exited with error")
		}
	}
	return nil
}

// queueClaimSource adapts *store.QueueStore's pending-group queue to
// jobrunner.ClaimSource, translating a claimed group's assembled files
// into the workflow's start_mjd/mid_mjd/end_mjd inputs.
type queueClaimSource struct {
	queue *store.QueueStore
}

func (q *queueClaimSource) ClaimNext(ctx context.Context) (string, model.ValueMap, error) {
	g, err := q.queue.ClaimNextPending(ctx, time.Now().UTC())
	if err != nil {
		return "", nil, err
	}

	var minArrived, maxArrived time.Time
	for _, f := range g.Files {
		if minArrived.IsZero() || f.ArrivedAt.Before(minArrived) {
			minArrived = f.ArrivedAt
		}
		if maxArrived.IsZero() || f.ArrivedAt.After(maxArrived) {
			maxArrived = f.ArrivedAt
		}
	}
	startMJD := model.MJD(minArrived)
	endMJD := model.MJD(maxArrived)
	midMJD := startMJD + (endMJD-startMJD)/2

	return g.GroupID, model.ValueMap{
		"group_id":  model.String(g.GroupID),
		"start_mjd": model.Float(startMJD),
		"mid_mjd":   model.Float(midMJD),
		"end_mjd":   model.Float(endMJD),
	}, nil
}

func (q *queueClaimSource) MarkDone(ctx context.Context, groupID string, failed bool) error {
	state := model.GroupCompleted
	if failed {
		state = model.GroupFailed
	}
	return q.queue.MarkGroup(ctx, groupID, state, time.Now().UTC())
}
