// Package ocr wraps the external OCR provider behind the narrow
// submit/poll contract; any provider satisfying it is substitutable.
package ocr

import "context"

// JobState is the provider-reported state of a submitted job.
type JobState string

const (
	StateInProgress JobState = "in_progress"
	StateSucceeded  JobState = "succeeded"
	StateFailed     JobState = "failed"
)

// PollResult is one poll's answer.
type PollResult struct {
	State     JobState
	ResultRef string // blob ref of the extracted text, set on success
	Error     string // provider error message, set on failure
	Transient bool   // failed but worth resubmitting
}

// Client is the OCR collaborator interface.
type Client interface {
	// Submit hands the document to the provider and returns an opaque
	// job handle. This is the one call allowed to block for the full
	// request timeout.
	Submit(ctx context.Context, documentRef string) (handle string, err error)
	// Poll queries the provider for job progress.
	Poll(ctx context.Context, handle string) (PollResult, error)
}
