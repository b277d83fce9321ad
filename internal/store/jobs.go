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
	"encoding/json"
	"fmt"
	"sync"
	"time"

	ctlerrors "github.com/dsa110/dsa110-contimg-sub012/internal/errors"
	"github.com/dsa110/dsa110-contimg-sub012/internal/model"
)

// JobsStore implements the job / stage-execution repository of spec.md
// §4.1: create_job, update_job, get_job, list_jobs, record_stage_execution,
// append_job_log_batched.
type JobsStore struct {
	db *DB
	mu sync.Mutex

	batchSize int
	batchIval time.Duration

	logMu  sync.Mutex
	logBuf map[int64][]string
	timer  *time.Timer
}

// NewJobsStore builds a JobsStore over db. batchSize/batchInterval configure
// the log-append batching of spec.md §4.1: at most one commit per
// batchSize appended lines or per batchInterval, whichever comes first.
func NewJobsStore(db *DB, batchSize int, batchInterval time.Duration) *JobsStore {
	return &JobsStore{
		db:        db,
		batchSize: batchSize,
		batchIval: batchInterval,
		logBuf:    map[int64][]string{},
	}
}

// CreateJob inserts a new job record in pending status and returns its
// assigned job_id.
func (s *JobsStore) CreateJob(ctx context.Context, workflowName string, inputs model.ValueMap) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	inJSON, err := json.Marshal(inputs)
	if err != nil {
		return 0, ctlerrors.FailedTo("marshal job inputs", err)
	}

	var jobID int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO jobs (workflow_name, status, inputs, outputs, stage_results, created_at, retry_count)
		VALUES ($1, $2, $3, '{}', '{}', $4, 0)
		RETURNING job_id
	`, workflowName, model.JobPending, inJSON, time.Now().UTC()).Scan(&jobID)
	if err != nil {
		return 0, classify("create job", err)
	}
	return jobID, nil
}

// JobUpdate is the set of job-record fields update_job may change.
type JobUpdate struct {
	Status       *model.JobStatus
	Outputs      model.ValueMap
	ErrorMessage *string
	StartedAt    *time.Time
	FinishedAt   *time.Time
	RetryCount   *int
}

// UpdateJob applies a partial update to a job record.
func (s *JobsStore) UpdateJob(ctx context.Context, jobID int64, u JobUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	if u.Status != nil {
		if _, err := s.db.ExecContext(ctx, `UPDATE jobs SET status=$2 WHERE job_id=$1`, jobID, *u.Status); err != nil {
			return classify("update job status", err)
		}
	}
	if u.Outputs != nil {
		outJSON, err := json.Marshal(u.Outputs)
		if err != nil {
			return ctlerrors.FailedTo("marshal job outputs", err)
		}
		if _, err := s.db.ExecContext(ctx, `UPDATE jobs SET outputs=$2 WHERE job_id=$1`, jobID, outJSON); err != nil {
			return classify("update job outputs", err)
		}
	}
	if u.ErrorMessage != nil {
		if _, err := s.db.ExecContext(ctx, `UPDATE jobs SET error_message=$2 WHERE job_id=$1`, jobID, *u.ErrorMessage); err != nil {
			return classify("update job error message", err)
		}
	}
	if u.StartedAt != nil {
		if _, err := s.db.ExecContext(ctx, `UPDATE jobs SET started_at=$2 WHERE job_id=$1`, jobID, *u.StartedAt); err != nil {
			return classify("update job started_at", err)
		}
	}
	if u.FinishedAt != nil {
		if _, err := s.db.ExecContext(ctx, `UPDATE jobs SET finished_at=$2 WHERE job_id=$1`, jobID, *u.FinishedAt); err != nil {
			return classify("update job finished_at", err)
		}
	}
	if u.RetryCount != nil {
		if _, err := s.db.ExecContext(ctx, `UPDATE jobs SET retry_count=$2 WHERE job_id=$1`, jobID, *u.RetryCount); err != nil {
			return classify("update job retry_count", err)
		}
	}
	return nil
}

// GetJob loads a job record by id.
func (s *JobsStore) GetJob(ctx context.Context, jobID int64) (*model.Job, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	var (
		j                      model.Job
		inJSON, outJSON        []byte
		startedAt, finishedAt  *time.Time
	)
	j.JobID = jobID
	err := s.db.QueryRowContext(ctx, `
		SELECT workflow_name, status, inputs, outputs, created_at, started_at, finished_at, retry_count, error_message
		FROM jobs WHERE job_id = $1
	`, jobID).Scan(&j.WorkflowName, &j.Status, &inJSON, &outJSON, &j.CreatedAt, &startedAt, &finishedAt, &j.RetryCount, &j.ErrorMessage)
	if err != nil {
		return nil, classify("get job", err)
	}
	j.StartedAt = startedAt
	j.FinishedAt = finishedAt
	if len(inJSON) > 0 {
		_ = json.Unmarshal(inJSON, &j.Inputs)
	}
	if len(outJSON) > 0 {
		_ = json.Unmarshal(outJSON, &j.Outputs)
	}
	return &j, nil
}

// JobFilter narrows list_jobs results.
type JobFilter struct {
	Status       *model.JobStatus
	WorkflowName string
}

// ListJobs returns job records matching filter.
func (s *JobsStore) ListJobs(ctx context.Context, filter JobFilter) ([]*model.Job, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	query := `SELECT job_id FROM jobs WHERE 1=1`
	var args []any
	if filter.Status != nil {
		args = append(args, *filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.WorkflowName != "" {
		args = append(args, filter.WorkflowName)
		query += fmt.Sprintf(" AND workflow_name = $%d", len(args))
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("list jobs", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, classify("list jobs", err)
		}
		ids = append(ids, id)
	}
	rows.Close()

	out := make([]*model.Job, 0, len(ids))
	for _, id := range ids {
		j, err := s.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}

// RecordStageExecution persists a stage execution row, enforcing
// finished_at >= started_at and duration_seconds == finished_at -
// started_at (spec.md §3, §8 property 5). This is one of the "commits on
// stage completion are mandatory" boundaries of spec.md §4.1: it also
// flushes any pending batched log lines for the job.
func (s *JobsStore) RecordStageExecution(ctx context.Context, e model.StageExecution) error {
	if e.FinishedAt.Before(e.StartedAt) {
		return ctlerrors.FailedTo("record stage execution", ctlerrors.ErrConstraintViolation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	inJSON, _ := json.Marshal(e.Inputs)
	outJSON, _ := json.Marshal(e.Outputs)
	duration := e.FinishedAt.Sub(e.StartedAt).Seconds()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stage_executions (job_id, stage_name, status, started_at, finished_at, duration_seconds, inputs, outputs, error_message, retry_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, e.JobID, e.StageName, e.Status, e.StartedAt, e.FinishedAt, duration, inJSON, outJSON, e.ErrorMessage, e.RetryCount)
	if err != nil {
		return classify("record stage execution", err)
	}

	return s.FlushJobLog(ctx, e.JobID)
}

// AppendJobLogBatched appends a log line for jobID, buffering it until the
// batch reaches batchSize lines or batchIval elapses since the first
// buffered line, whichever comes first (spec.md §4.1).
func (s *JobsStore) AppendJobLogBatched(ctx context.Context, jobID int64, line string) error {
	s.logMu.Lock()
	buf := append(s.logBuf[jobID], line)
	s.logBuf[jobID] = buf
	shouldFlush := len(buf) >= s.batchSize
	if len(buf) == 1 && !shouldFlush {
		s.scheduleFlush(jobID)
	}
	s.logMu.Unlock()

	if shouldFlush {
		return s.FlushJobLog(ctx, jobID)
	}
	return nil
}

func (s *JobsStore) scheduleFlush(jobID int64) {
	time.AfterFunc(s.batchIval, func() {
		_ = s.FlushJobLog(context.Background(), jobID)
	})
}

// FlushJobLog commits any buffered log lines for jobID immediately.
func (s *JobsStore) FlushJobLog(ctx context.Context, jobID int64) error {
	s.logMu.Lock()
	lines := s.logBuf[jobID]
	delete(s.logBuf, jobID)
	s.logMu.Unlock()

	if len(lines) == 0 {
		return nil
	}

	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return classify("begin flush job log", err)
	}
	defer tx.Rollback()

	for _, line := range lines {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO job_logs (job_id, line, logged_at) VALUES ($1, $2, $3)
		`, jobID, line, time.Now().UTC()); err != nil {
			return classify("flush job log", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return classify("commit flush job log", err)
	}
	return nil
}
