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

package model

import "time"

// GroupState is the total-ordered FSM state of an ingest unit (spec.md
// §3, §4.6).
type GroupState string

const (
	GroupCollecting GroupState = "collecting"
	GroupPending    GroupState = "pending"
	GroupInProgress GroupState = "in_progress"
	GroupCompleted  GroupState = "completed"
	GroupFailed     GroupState = "failed"
)

// File is one sub-band file belonging to a Group.
type File struct {
	SubbandIndex int
	Path         string
	ArrivedAt    time.Time
}

// Group is the ingest unit of spec.md §3.
type Group struct {
	GroupID       string
	ExpectedCount int
	Files         map[int]File // keyed by SubbandIndex, unique within a group
	State         GroupState
	AttemptCount  int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// IsReady reports whether the group has collected every expected file.
func (g *Group) IsReady() bool {
	return len(g.Files) == g.ExpectedCount
}

// CaltableKind enumerates the fixed calibration kinds of spec.md §3, in the
// fixed apply order of spec.md §4.2 step 3.
type CaltableKind string

const (
	KindDelay         CaltableKind = "Delay"
	KindBandpassAmp   CaltableKind = "BandpassAmp"
	KindBandpassPhase CaltableKind = "BandpassPhase"
	KindGainAmp       CaltableKind = "GainAmp"
	KindGainPhase     CaltableKind = "GainPhase"
	KindShortGain     CaltableKind = "ShortGain"
	KindFlux          CaltableKind = "Flux"
)

// KindOrder is the fixed emission order of spec.md §4.2 step 3.
var KindOrder = []CaltableKind{
	KindDelay, KindBandpassAmp, KindBandpassPhase,
	KindGainAmp, KindGainPhase, KindShortGain, KindFlux,
}

// KindRank returns the position of kind in KindOrder, or -1 if unknown.
func KindRank(kind CaltableKind) int {
	for i, k := range KindOrder {
		if k == kind {
			return i
		}
	}
	return -1
}

// CaltableStatus is the lifecycle state of a calibration table entry.
type CaltableStatus string

const (
	CaltableActive  CaltableStatus = "active"
	CaltableRetired CaltableStatus = "retired"
	CaltableFailed  CaltableStatus = "failed"
)

// Caltable is the calibration table entry of spec.md §3.
type Caltable struct {
	CaltableID   string
	Kind         CaltableKind
	Path         string
	ValidFromMJD float64
	ValidToMJD   float64
	Status       CaltableStatus
	ApplyOrder   int
}

// Covers reports whether mjd falls in the entry's inclusive-exclusive
// validity window.
func (c Caltable) Covers(mjd float64) bool {
	return mjd >= c.ValidFromMJD && mjd < c.ValidToMJD
}

// OverlapsWindow reports whether c's window overlaps [fromMJD, toMJD).
func (c Caltable) OverlapsWindow(fromMJD, toMJD float64) bool {
	return c.ValidFromMJD < toMJD && fromMJD < c.ValidToMJD
}

// CaltableRef is one entry of an active_applylist result (spec.md §4.2).
type CaltableRef struct {
	CaltableID string
	Kind       CaltableKind
	Path       string
	ApplyOrder int
}

// ProductStage is the monotonically-advancing processing stage of an MS
// index row (spec.md §3).
type ProductStage string

const (
	StageConverted  ProductStage = "converted"
	StageCalibrated ProductStage = "calibrated"
	StageImaged     ProductStage = "imaged"
)

var productStageRank = map[ProductStage]int{
	StageConverted:  0,
	StageCalibrated: 1,
	StageImaged:     2,
}

// Advances reports whether moving from s to next is a valid monotonic
// advance (including staying put).
func (s ProductStage) Advances(next ProductStage) bool {
	return productStageRank[next] >= productStageRank[s]
}

// Product is the MS index row of spec.md §3.
type Product struct {
	Path       string
	StartMJD   float64
	MidMJD     float64
	EndMJD     float64
	Stage      ProductStage
	CalApplied bool
}

// Image is the image artifact row of spec.md §3.
type Image struct {
	Path   string
	MSPath string
	Beam   string
	Noise  float64
	PBCor  bool
}

// JobStatus is the lifecycle state of a Job record (spec.md §3).
type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
)

// Job is the job record of spec.md §3.
type Job struct {
	JobID         int64
	WorkflowName  string
	Status        JobStatus
	Inputs        ValueMap
	Outputs       ValueMap
	StageResults  map[string]StageExecution
	CreatedAt     time.Time
	StartedAt     *time.Time
	FinishedAt    *time.Time
	RetryCount    int
	ErrorMessage  string
}

// StageStatus is the terminal or transitional status of one stage
// execution within an orchestrator run (spec.md §4.5).
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
	StageSkipped   StageStatus = "skipped"
)

// StageExecution is the stage execution record of spec.md §3.
type StageExecution struct {
	JobID           int64
	StageName       string
	Status          StageStatus
	StartedAt       time.Time
	FinishedAt      time.Time
	DurationSeconds float64
	Inputs          ValueMap
	Outputs         ValueMap
	ErrorMessage    string
	RetryCount      int
	SkipReason      string
}

// DLQStatus is the lifecycle state of a DLQ item (spec.md §3).
type DLQStatus string

const (
	DLQPending  DLQStatus = "pending"
	DLQRetrying DLQStatus = "retrying"
	DLQResolved DLQStatus = "resolved"
	DLQFailed   DLQStatus = "failed"
)

// DLQItem is the dead-letter-queue item of spec.md §3.
type DLQItem struct {
	ID              string
	Component       string
	Operation       string
	ErrorType       string
	ErrorMessage    string
	Context         string // serialised, redacted context snapshot
	RetryCount      int
	Status          DLQStatus
	CreatedAt       time.Time
	ResolvedAt      *time.Time
	ResolutionNote  string
}

// BreakerState is the circuit breaker state of spec.md §3.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// CircuitBreakerState is the durable snapshot of a per-stage circuit
// breaker (spec.md §3, §4.5 step 3b).
type CircuitBreakerState struct {
	Name               string
	State              BreakerState
	FailureCount       int
	LastFailureTime    *time.Time
	RecoveryTimeoutSec int
}
