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

// Package errors implements the abstract error taxonomy of the pipeline
// control plane: a wrapping OperationError type plus sentinel kinds that
// the orchestrator and repositories classify as retryable or fatal.
package errors

import (
	stderrors "errors"
	"fmt"
)

// OperationError wraps a failure with the operation that was attempted and,
// optionally, the component and resource involved.
type OperationError struct {
	Operation string
	Component string
	Resource  string
	Cause     error
}

func (e *OperationError) Error() string {
	msg := fmt.Sprintf("failed to %s", e.Operation)
	if e.Component != "" {
		msg += fmt.Sprintf(", component: %s", e.Component)
	}
	if e.Resource != "" {
		msg += fmt.Sprintf(", resource: %s", e.Resource)
	}
	if e.Cause != nil {
		msg += fmt.Sprintf(", cause: %s", e.Cause)
	}
	return msg
}

func (e *OperationError) Unwrap() error {
	return e.Cause
}

// FailedTo is a shorthand constructor for the common case of an action plus
// a cause, with no component/resource context.
func FailedTo(action string, cause error) *OperationError {
	return &OperationError{Operation: action, Cause: cause}
}

// Sentinel error kinds from the abstract taxonomy (spec.md §7). Callers
// should wrap one of these as the Cause of an OperationError, and test
// membership with errors.Is.
var (
	ErrWorkflowInvalid        = stderrors.New("workflow invalid")
	ErrStagePrerequisiteNotMet = stderrors.New("stage prerequisite not met")
	ErrStageTimeout           = stderrors.New("stage timeout")
	ErrStageTransient         = stderrors.New("stage transient failure")
	ErrStageFatal             = stderrors.New("stage fatal failure")
	ErrStoreUnavailable       = stderrors.New("store unavailable")
	ErrNotFound               = stderrors.New("not found")
	ErrConstraintViolation    = stderrors.New("constraint violation")
	ErrConflict               = stderrors.New("conflict")
	ErrRegistryCorrupt        = stderrors.New("registry corrupt")
	ErrCancelledByCaller      = stderrors.New("cancelled by caller")
)

// Transient is implemented by errors that explicitly mark themselves as
// retryable, independent of the sentinel kind they wrap (spec.md §7,
// "explicitly-marked-transient errors").
type Transient interface {
	Transient() bool
}

// transientError is a lightweight wrapper used by callers that need to mark
// an arbitrary error as retryable without attaching it to one of the fixed
// sentinel kinds.
type transientError struct {
	cause error
}

func (t *transientError) Error() string   { return t.cause.Error() }
func (t *transientError) Unwrap() error   { return t.cause }
func (t *transientError) Transient() bool { return true }

// MarkTransient wraps err so that Retryable(err) reports true.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{cause: err}
}

// Retryable implements the default retryable predicate of spec.md §4.5:
// StoreUnavailable, Timeout, and explicitly-marked-transient errors are
// retryable; everything else is not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, ErrStoreUnavailable) || stderrors.Is(err, ErrStageTimeout) || stderrors.Is(err, ErrStageTransient) {
		return true
	}
	var t Transient
	if stderrors.As(err, &t) {
		return t.Transient()
	}
	return false
}
