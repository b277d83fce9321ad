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

// Package config loads the single typed configuration tree that every
// component receives via context (spec.md §6.3, §9 "global configuration
// scattered ... replaced by a single typed configuration tree").
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// RetryStrategy enumerates the delay function used by the orchestrator's
// retry loop (spec.md §4.5).
type RetryStrategy string

const (
	RetryExponential RetryStrategy = "exponential"
	RetryFixed       RetryStrategy = "fixed"
	RetryImmediate   RetryStrategy = "immediate"
	RetryNone        RetryStrategy = "none"
)

// WorkflowPolicy controls whether the orchestrator continues past a failed
// stage (spec.md §4.5 step 3e).
type WorkflowPolicy string

const (
	PolicyStopOnFirstFailure WorkflowPolicy = "stop_on_first_failure"
	PolicyContinue           WorkflowPolicy = "continue"
)

// Paths groups the filesystem roots the pipeline operates under (§6.1).
type Paths struct {
	InputDir   string `yaml:"input_dir" validate:"required"`
	OutputDir  string `yaml:"output_dir" validate:"required"`
	ScratchDir string `yaml:"scratch_dir" validate:"required"`
	StateDir   string `yaml:"state_dir" validate:"required"`
}

// Ingest groups the file-watcher / group-assembly leaves (§4.6).
type Ingest struct {
	FilenameRegex              string `yaml:"filename_regex" validate:"required"`
	ExpectedSubbands           int    `yaml:"expected_subbands" validate:"gte=0"`
	GroupCompletionTimeoutSec  int    `yaml:"group_completion_timeout_sec" validate:"gt=0"`
	GroupInProgressTimeoutSec  int    `yaml:"group_inprogress_timeout_sec" validate:"gt=0"`
	MaxGroupAttempts           int    `yaml:"max_group_attempts" validate:"gte=1"`
}

// GroupCompletionTimeout returns GroupCompletionTimeoutSec as a Duration.
func (i Ingest) GroupCompletionTimeout() time.Duration {
	return time.Duration(i.GroupCompletionTimeoutSec) * time.Second
}

// GroupInProgressTimeout returns GroupInProgressTimeoutSec as a Duration.
func (i Ingest) GroupInProgressTimeout() time.Duration {
	return time.Duration(i.GroupInProgressTimeoutSec) * time.Second
}

// RetryPolicy mirrors spec.md §4.5's retry loop parameters.
type RetryPolicy struct {
	MaxAttempts     int           `yaml:"max_attempts" validate:"gte=1"`
	Strategy        RetryStrategy `yaml:"strategy" validate:"oneof=exponential fixed immediate none"`
	InitialDelaySec float64       `yaml:"initial_delay_sec" validate:"gte=0"`
	MaxDelaySec     float64       `yaml:"max_delay_sec" validate:"gte=0"`
}

// InitialDelay and MaxDelay expose the configured delays as Durations.
func (r RetryPolicy) InitialDelay() time.Duration {
	return time.Duration(r.InitialDelaySec * float64(time.Second))
}

func (r RetryPolicy) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelaySec * float64(time.Second))
}

// Orchestrator groups the DAG-executor leaves (§4.5).
type Orchestrator struct {
	DefaultRetry    RetryPolicy    `yaml:"default_retry"`
	WorkflowPolicy  WorkflowPolicy `yaml:"workflow_policy" validate:"oneof=stop_on_first_failure continue"`
	ParallelStages  bool           `yaml:"parallel_stages"`
}

// Resources groups the worker-pool / timeout leaves (§5).
type Resources struct {
	MaxWorkerStages       int `yaml:"max_worker_stages" validate:"gte=1"`
	StageDefaultTimeoutSec int `yaml:"stage_default_timeout_sec" validate:"gte=0"`
}

// StageDefaultTimeout returns StageDefaultTimeoutSec as a Duration; zero
// means "no default timeout".
func (r Resources) StageDefaultTimeout() time.Duration {
	return time.Duration(r.StageDefaultTimeoutSec) * time.Second
}

// Logging groups the batched log-append leaves (§4.1).
type Logging struct {
	LogCommitBatchSize  int `yaml:"log_commit_batch_size" validate:"gte=1"`
	LogCommitIntervalMs int `yaml:"log_commit_interval_ms" validate:"gte=1"`

	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=json console"`
}

// LogCommitInterval returns LogCommitIntervalMs as a Duration.
func (l Logging) LogCommitInterval() time.Duration {
	return time.Duration(l.LogCommitIntervalMs) * time.Millisecond
}

// Database groups the Postgres connection leaves backing the state
// repositories (§4.1, §6.2).
type Database struct {
	DSN             string        `yaml:"dsn" validate:"required"`
	MaxOpenConns    int           `yaml:"max_open_conns" validate:"gte=1"`
	MaxIdleConns    int           `yaml:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	OperationTimeout time.Duration `yaml:"operation_timeout"`
}

// Config is the single typed configuration tree threaded through every
// component via the Context (spec.md §4.4, §9).
type Config struct {
	Paths        Paths        `yaml:"paths"`
	Ingest       Ingest       `yaml:"ingest"`
	Orchestrator Orchestrator `yaml:"orchestrator"`
	Resources    Resources    `yaml:"resources"`
	Logging      Logging      `yaml:"logging"`
	Database     Database     `yaml:"database"`
}

// Default returns the documented baseline configuration.
func Default() *Config {
	return &Config{
		Paths: Paths{
			InputDir:   "/data/incoming",
			OutputDir:  "/data/products",
			ScratchDir: "/data/scratch",
			StateDir:   "/data/state",
		},
		Ingest: Ingest{
			FilenameRegex:             `^(?P<group_id>\d{8}T\d{6})_sb(?P<subband_index>\d{2})\.ms$`,
			ExpectedSubbands:          16,
			GroupCompletionTimeoutSec: 900,
			GroupInProgressTimeoutSec: 1800,
			MaxGroupAttempts:          3,
		},
		Orchestrator: Orchestrator{
			DefaultRetry: RetryPolicy{
				MaxAttempts:     3,
				Strategy:        RetryExponential,
				InitialDelaySec: 1,
				MaxDelaySec:     30,
			},
			WorkflowPolicy: PolicyStopOnFirstFailure,
			ParallelStages: false,
		},
		Resources: Resources{
			MaxWorkerStages:        4,
			StageDefaultTimeoutSec: 0,
		},
		Logging: Logging{
			LogCommitBatchSize:  50,
			LogCommitIntervalMs: 2000,
			Level:               "info",
			Format:              "json",
		},
		Database: Database{
			DSN:              "postgres://localhost:5432/vlapipe?sslmode=disable",
			MaxOpenConns:     10,
			MaxIdleConns:     2,
			ConnMaxLifetime:  30 * time.Minute,
			OperationTimeout: 5 * time.Second,
		},
	}
}

// Load reads path as YAML onto the default configuration, applies path and
// DSN overrides from the environment, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config %s: %w", path, err)
	}
	return cfg, nil
}

// applyEnvOverrides lets the four path leaves and the database DSN be
// overridden without editing the file on disk, the same override
// convention the teacher's internal/config applies to its database leaves.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("VLAPIPE_INPUT_DIR"); v != "" {
		cfg.Paths.InputDir = v
	}
	if v := os.Getenv("VLAPIPE_OUTPUT_DIR"); v != "" {
		cfg.Paths.OutputDir = v
	}
	if v := os.Getenv("VLAPIPE_SCRATCH_DIR"); v != "" {
		cfg.Paths.ScratchDir = v
	}
	if v := os.Getenv("VLAPIPE_STATE_DIR"); v != "" {
		cfg.Paths.StateDir = v
	}
	if v := os.Getenv("VLAPIPE_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
}

var validatorInstance = validator.New()

func validate(cfg *Config) error {
	return validatorInstance.Struct(cfg)
}
