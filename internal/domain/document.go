package domain

import "time"

// Document is the core domain entity: one file moving through the pipeline.
// It is never deleted, only transitioned to COMPLETED, FAILED or CANCELLED.
type Document struct {
	ID            string     `json:"id"`
	FileName      string     `json:"file_name"`
	ContentType   string     `json:"content_type"`
	SizeBytes     int64      `json:"size_bytes"`
	BlobRef       string     `json:"blob_ref"`
	TextRef       string     `json:"text_ref,omitempty"`
	CurrentStage  Stage      `json:"current_stage"`
	Priority      Priority   `json:"priority"`
	ExternalJobID *string    `json:"external_job_id,omitempty"`
	BatchID       *string    `json:"batch_id,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	// FailureRetryable records whether the terminal failure came from a
	// retryable class; batch recovery only re-runs retryable documents.
	FailureRetryable bool `json:"failure_retryable,omitempty"`
	Cancelled   bool       `json:"cancelled"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// StageRecord is the single logical record for one (document, stage) pair.
// It is overwritten on retry rather than appended to.
type StageRecord struct {
	DocumentID  string      `json:"document_id"`
	Stage       Stage       `json:"stage"`
	Status      StageStatus `json:"status"`
	RetryCount  int         `json:"retry_count"`
	TaskID      string      `json:"task_id,omitempty"`
	Error       string      `json:"error,omitempty"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// StageTask is the unit of work published to a stage queue. Delivery is
// at-least-once; the lock and idempotency layer reduce execution to
// effectively-once.
type StageTask struct {
	TaskID     string    `json:"task_id"`
	DocumentID string    `json:"document_id"`
	Stage      Stage     `json:"stage"`
	Priority   Priority  `json:"priority"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Priority selects one of the fixed dispatch tiers.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Weight returns the dispatch credits a tier receives per scheduling round.
// Higher tiers are served preferentially but lower tiers always retain a
// nonzero share, so no tier starves.
func (p Priority) Weight() int {
	switch p {
	case PriorityHigh:
		return 6
	case PriorityLow:
		return 1
	default:
		return 3
	}
}

// Valid reports whether p is one of the known tiers.
func (p Priority) Valid() bool {
	return p == PriorityHigh || p == PriorityNormal || p == PriorityLow
}

// Priorities returns all tiers from highest to lowest.
func Priorities() []Priority {
	return []Priority{PriorityHigh, PriorityNormal, PriorityLow}
}
