package domain

import "time"

// JobStatus represents the states of an asynchronous external job.
type JobStatus string

const (
	JobSubmitted  JobStatus = "submitted"
	JobInProgress JobStatus = "in_progress"
	JobSucceeded  JobStatus = "succeeded"
	JobFailed     JobStatus = "failed"
)

// IsTerminal returns true once the job can no longer change state.
func (s JobStatus) IsTerminal() bool {
	return s == JobSucceeded || s == JobFailed
}

// ExternalJob tracks one long-running job handed to an external service
// (OCR in the baseline pipeline). Created at submission, mutated only by
// the poller, terminal at succeeded/failed.
type ExternalJob struct {
	Handle      string    `json:"handle"`
	DocumentID  string    `json:"document_id"`
	Kind        string    `json:"kind"`
	Status      JobStatus `json:"status"`
	PollCount   int       `json:"poll_count"`
	SubmitCount int       `json:"submit_count"`
	NextPollAt  time.Time `json:"next_poll_at"`
	SubmittedAt time.Time `json:"submitted_at"`
	ResultRef   string    `json:"result_ref,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// Age returns how long the job has been outstanding as of now.
func (j *ExternalJob) Age(now time.Time) time.Duration {
	return now.Sub(j.SubmittedAt)
}
