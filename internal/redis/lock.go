package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func lockKey(resource string) string { return "lock:" + resource }

// releaseScript deletes the lock only if the caller still holds it, so a
// holder whose TTL expired can never release someone else's lock.
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	end
	return 0
`)

// LockManager provides TTL-bounded mutual exclusion across workers.
// A crashed holder's lock expires on its own; nothing waits on it forever.
type LockManager interface {
	// Acquire attempts an atomic set-if-absent. ok is false when another
	// holder owns the resource.
	Acquire(ctx context.Context, resource string, ttl time.Duration) (token string, ok bool, err error)
	// Release deletes the lock via compare-and-delete. Returns false when the
	// token no longer owns the lock (expired and re-acquired elsewhere).
	Release(ctx context.Context, resource, token string) (bool, error)
}

type lockManager struct {
	client *redis.Client
}

// NewLockManager creates a Redis-backed LockManager.
func NewLockManager(client *redis.Client) LockManager {
	return &lockManager{client: client}
}

func (l *lockManager) Acquire(ctx context.Context, resource string, ttl time.Duration) (string, bool, error) {
	token := uuid.New().String()
	ok, err := l.client.SetNX(ctx, lockKey(resource), token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("redis acquire lock %q: %w", resource, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (l *lockManager) Release(ctx context.Context, resource, token string) (bool, error) {
	n, err := releaseScript.Run(ctx, l.client, []string{lockKey(resource)}, token).Int()
	if err != nil {
		return false, fmt.Errorf("redis release lock %q: %w", resource, err)
	}
	return n == 1, nil
}
