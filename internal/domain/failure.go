package domain

import (
	"context"
	"errors"
	"fmt"
)

// FailureClass buckets stage-level errors so that only the classification
// and a short reason code cross into shared state; full diagnostic detail
// stays in logs.
type FailureClass string

const (
	// ClassTransient covers throttling and network blips; auto-retried.
	ClassTransient FailureClass = "TRANSIENT"
	// ClassResource covers unsupported input or external limits exceeded;
	// never retried.
	ClassResource FailureClass = "RESOURCE_ERROR"
	// ClassData covers malformed intermediate output such as empty text
	// reaching chunking; never retried, never silently advanced.
	ClassData FailureClass = "DATA_ERROR"
	// ClassInfrastructure covers cache-store outages; the stage degrades to
	// persistent-store coordination and retries shortly.
	ClassInfrastructure FailureClass = "INFRASTRUCTURE"
	// ClassCancelled is the cooperative short-circuit, not a real error.
	ClassCancelled FailureClass = "CANCELLED"
)

// Retryable reports whether failures of this class route through the
// backoff re-enqueue path.
func (c FailureClass) Retryable() bool {
	return c == ClassTransient || c == ClassInfrastructure
}

// PipelineError is the classified error crossing a stage boundary.
type PipelineError struct {
	Class  FailureClass
	Reason string // short reason code, e.g. "OCR_TIMEOUT", "EMPTY_TEXT"
	Err    error
}

func (e *PipelineError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Class, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %v", e.Class, e.Reason, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// Transient wraps err as an auto-retryable failure.
func Transient(reason string, err error) *PipelineError {
	return &PipelineError{Class: ClassTransient, Reason: reason, Err: err}
}

// ResourceFailure wraps err as a non-retryable input/limit failure.
func ResourceFailure(reason string, err error) *PipelineError {
	return &PipelineError{Class: ClassResource, Reason: reason, Err: err}
}

// DataFailure wraps err as a non-retryable malformed-output failure.
func DataFailure(reason string, err error) *PipelineError {
	return &PipelineError{Class: ClassData, Reason: reason, Err: err}
}

// InfrastructureFailure wraps err as a coordination-layer outage.
func InfrastructureFailure(reason string, err error) *PipelineError {
	return &PipelineError{Class: ClassInfrastructure, Reason: reason, Err: err}
}

// Classify maps an arbitrary stage error to its failure class.
// Unclassified errors default to transient so genuinely unknown conditions
// get the bounded retry budget rather than an immediate terminal failure.
func Classify(err error) FailureClass {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Class
	}
	if errors.Is(err, context.Canceled) {
		return ClassCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	return ClassTransient
}

// ReasonOf extracts the short reason code from err, or a generic one.
func ReasonOf(err error) string {
	var pe *PipelineError
	if errors.As(err, &pe) && pe.Reason != "" {
		return pe.Reason
	}
	return "STAGE_ERROR"
}
