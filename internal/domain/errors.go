package domain

import "fmt"

// DocumentNotFoundError is returned when a document ID does not exist.
type DocumentNotFoundError struct {
	DocumentID string
}

func (e *DocumentNotFoundError) Error() string {
	return fmt.Sprintf("document not found: %s", e.DocumentID)
}

// BatchNotFoundError is returned when a batch ID does not exist.
type BatchNotFoundError struct {
	BatchID string
}

func (e *BatchNotFoundError) Error() string {
	return fmt.Sprintf("batch not found: %s", e.BatchID)
}

// JobNotFoundError is returned when an external job handle does not exist.
type JobNotFoundError struct {
	Handle string
}

func (e *JobNotFoundError) Error() string {
	return fmt.Sprintf("external job not found: %s", e.Handle)
}

// NoExecutorError is returned when no executor is registered for a stage.
type NoExecutorError struct {
	Stage Stage
}

func (e *NoExecutorError) Error() string {
	return fmt.Sprintf("no executor registered for stage %q", e.Stage)
}

// DocumentTerminalError is returned when a stage task is re-delivered for a
// document already in a terminal state.
type DocumentTerminalError struct {
	DocumentID string
	Stage      Stage
}

func (e *DocumentTerminalError) Error() string {
	return fmt.Sprintf("document %s already terminal at %s", e.DocumentID, e.Stage)
}

// StageMismatchError is returned when the optimistic from-stage check fails;
// a duplicate or stale task observed a stage the document has moved past.
type StageMismatchError struct {
	DocumentID string
	Expected   Stage
	Actual     Stage
}

func (e *StageMismatchError) Error() string {
	return fmt.Sprintf("document %s is at stage %s, expected %s", e.DocumentID, e.Actual, e.Expected)
}
