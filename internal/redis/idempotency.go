package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

func idemKey(op string) string { return "idem:" + op }

// Idempotency records TTL-bounded operation markers so side effects survive
// at-least-once task delivery exactly once.
type Idempotency interface {
	// CheckAndSet returns true for the first caller within the TTL window;
	// that caller owns the operation. Later callers get false.
	CheckAndSet(ctx context.Context, op string, ttl time.Duration) (bool, error)
	// Seen reports whether the operation marker exists without claiming it.
	Seen(ctx context.Context, op string) (bool, error)
	// Clear removes the marker, re-arming the operation (used by selective
	// batch recovery to allow a deliberate re-run).
	Clear(ctx context.Context, op string) error
}

type idempotency struct {
	client *redis.Client
}

// NewIdempotency creates a Redis-backed Idempotency store.
func NewIdempotency(client *redis.Client) Idempotency {
	return &idempotency{client: client}
}

func (i *idempotency) CheckAndSet(ctx context.Context, op string, ttl time.Duration) (bool, error) {
	ok, err := i.client.SetNX(ctx, idemKey(op), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis idempotency check %q: %w", op, err)
	}
	return ok, nil
}

func (i *idempotency) Seen(ctx context.Context, op string) (bool, error) {
	_, err := i.client.Get(ctx, idemKey(op)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("redis idempotency seen %q: %w", op, err)
	}
	return true, nil
}

func (i *idempotency) Clear(ctx context.Context, op string) error {
	if err := i.client.Del(ctx, idemKey(op)).Err(); err != nil {
		return fmt.Errorf("redis idempotency clear %q: %w", op, err)
	}
	return nil
}
