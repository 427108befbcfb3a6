// Package retry bounds calls to collaborator services (the OCR and
// entity-extraction endpoints) with polynomial backoff.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Config controls retry behaviour.
type Config struct {
	// MaxAttempts counts every call, the first one included. Zero or
	// negative means a single attempt.
	MaxAttempts int
	// BaseDelay scales the backoff: the wait after attempt n is n² times
	// BaseDelay, so a flaky collaborator is retried quickly while a
	// sustained outage backs off hard.
	BaseDelay time.Duration
	// OnRetry runs after each failed attempt except the last, with the
	// 1-indexed attempt that just failed.
	OnRetry func(attempt int, err error)
}

// Do runs fn until it returns nil or attempts run out, returning the last
// error. Context cancellation cuts the backoff wait short and wraps
// ctx.Err() so callers can test for deadline expiry.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt >= attempts {
			return err
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err)
		}

		wait := time.NewTimer(cfg.BaseDelay * time.Duration(attempt*attempt))
		select {
		case <-wait.C:
		case <-ctx.Done():
			wait.Stop()
			return fmt.Errorf("giving up after attempt %d: %w", attempt, ctx.Err())
		}
	}
}
