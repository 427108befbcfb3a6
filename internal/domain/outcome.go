package domain

import (
	"fmt"
	"time"
)

// OutcomeKind discriminates the StageOutcome variants.
type OutcomeKind int

const (
	// KindAdvance commits the stage result and enqueues the next stage.
	KindAdvance OutcomeKind = iota
	// KindSuspend moves the document to the next stage without enqueueing
	// anything; resumption comes from outside (the external-job poller).
	KindSuspend
	// KindRetry re-enqueues the same stage after a delay.
	KindRetry
	// KindFail marks the stage failed with a reason code.
	KindFail
)

// StageOutcome is the tagged-variant result every stage executor returns.
// It is interpreted by exactly one dispatcher in the orchestrator, which
// keeps retry and advancement policy auditable in one place.
type StageOutcome struct {
	Kind      OutcomeKind
	Next      Stage         // Advance, Suspend
	Delay     time.Duration // Retry
	Reason    string        // Fail
	Retryable bool          // Fail
}

// Advance commits the stage and moves the document to next.
func Advance(next Stage) StageOutcome {
	return StageOutcome{Kind: KindAdvance, Next: next}
}

// Suspend moves the document to next but leaves it parked until an
// out-of-band event (external job completion) resumes the pipeline.
func Suspend(next Stage) StageOutcome {
	return StageOutcome{Kind: KindSuspend, Next: next}
}

// Retry re-runs the same stage after delay.
func Retry(delay time.Duration) StageOutcome {
	return StageOutcome{Kind: KindRetry, Delay: delay}
}

// Fail marks the stage failed. Retryable failures route through backoff
// re-enqueue until the retry cap; terminal ones fail the document.
func Fail(reason string, retryable bool) StageOutcome {
	return StageOutcome{Kind: KindFail, Reason: reason, Retryable: retryable}
}

func (o StageOutcome) String() string {
	switch o.Kind {
	case KindAdvance:
		return fmt.Sprintf("advance(%s)", o.Next)
	case KindSuspend:
		return fmt.Sprintf("suspend(%s)", o.Next)
	case KindRetry:
		return fmt.Sprintf("retry(%s)", o.Delay)
	case KindFail:
		return fmt.Sprintf("fail(%s, retryable=%t)", o.Reason, o.Retryable)
	}
	return "unknown"
}
