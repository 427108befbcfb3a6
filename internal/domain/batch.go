package domain

import "time"

// BatchStatus represents the aggregate state of a batch.
type BatchStatus string

const (
	BatchProcessing BatchStatus = "PROCESSING"
	BatchCompleted  BatchStatus = "COMPLETED"
)

// Batch aggregates the terminal outcomes of a set of documents submitted
// together. Counters are mutated only through the atomic counter script in
// the cache layer; `Pending + Processing + Completed + Failed == Total`
// holds after every event.
type Batch struct {
	ID          string      `json:"id"`
	Total       int         `json:"total"`
	Pending     int         `json:"pending"`
	Processing  int         `json:"processing"`
	Completed   int         `json:"completed"`
	Failed      int         `json:"failed"`
	Status      BatchStatus `json:"status"`
	ParentID    *string     `json:"parent_id,omitempty"` // set on recovery batches
	CreatedAt   time.Time   `json:"created_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// Percentage returns batch progress as 0–100.
func (b *Batch) Percentage() float64 {
	if b.Total == 0 {
		return 100
	}
	return float64(b.Completed+b.Failed) / float64(b.Total) * 100
}

// Conserved reports whether the counter invariant holds.
func (b *Batch) Conserved() bool {
	return b.Pending+b.Processing+b.Completed+b.Failed == b.Total
}

// DocumentOutcome is the terminal result a document reports to its batch.
type DocumentOutcome string

const (
	OutcomeCompleted DocumentOutcome = "completed"
	OutcomeFailed    DocumentOutcome = "failed"
)
