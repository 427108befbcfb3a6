package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/joeott/legal-doc-processor-sub006/internal/domain"
)

func batchKey(batchID string) string { return "batch:counters:" + batchID }

// ErrBatchEvicted is returned when a batch's counter hash is gone (TTL
// expiry or cache outage). Callers fall back to the persistent store.
var ErrBatchEvicted = errors.New("batch counters not in cache")

// transitionScript moves one document between counter buckets and flips the
// batch to COMPLETED when nothing is left in flight. It runs as a single
// server-side script so concurrent document completions never lose updates.
var transitionScript = redis.NewScript(`
	if redis.call("exists", KEYS[1]) == 0 then
		return -1
	end
	redis.call("hincrby", KEYS[1], ARGV[1], -1)
	redis.call("hincrby", KEYS[1], ARGV[2], 1)
	local pending = tonumber(redis.call("hget", KEYS[1], "pending")) or 0
	local processing = tonumber(redis.call("hget", KEYS[1], "processing")) or 0
	if pending + processing == 0 then
		redis.call("hset", KEYS[1], "status", "COMPLETED")
		return 1
	end
	return 0
`)

// BatchCounters maintains live batch progress counters.
// The invariant pending+processing+completed+failed == total holds after
// every Transition because both HINCRBYs execute in one script.
type BatchCounters interface {
	Init(ctx context.Context, batchID string, total int) error
	// Transition moves one document from bucket `from` to bucket `to`
	// (e.g. "pending" → "processing", "processing" → "completed").
	// completedNow is true exactly once: on the call that empties the
	// in-flight buckets.
	Transition(ctx context.Context, batchID, from, to string) (completedNow bool, err error)
	// Seed overwrites the cached counters with a recount, after eviction.
	Seed(ctx context.Context, batch *domain.Batch) error
	Get(ctx context.Context, batchID string) (*domain.Batch, error)
}

type batchCounters struct {
	client *redis.Client
}

// NewBatchCounters creates a Redis-backed BatchCounters.
func NewBatchCounters(client *redis.Client) BatchCounters {
	return &batchCounters{client: client}
}

func (b *batchCounters) Init(ctx context.Context, batchID string, total int) error {
	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, batchKey(batchID), map[string]any{
		"total":      total,
		"pending":    total,
		"processing": 0,
		"completed":  0,
		"failed":     0,
		"status":     string(domain.BatchProcessing),
	})
	pipe.Expire(ctx, batchKey(batchID), stateTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis init batch %s: %w", batchID, err)
	}
	return nil
}

func (b *batchCounters) Seed(ctx context.Context, batch *domain.Batch) error {
	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, batchKey(batch.ID), map[string]any{
		"total":      batch.Total,
		"pending":    batch.Pending,
		"processing": batch.Processing,
		"completed":  batch.Completed,
		"failed":     batch.Failed,
		"status":     string(batch.Status),
	})
	pipe.Expire(ctx, batchKey(batch.ID), stateTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis seed batch %s: %w", batch.ID, err)
	}
	return nil
}

func (b *batchCounters) Transition(ctx context.Context, batchID, from, to string) (bool, error) {
	res, err := transitionScript.Run(ctx, b.client, []string{batchKey(batchID)}, from, to).Int()
	if err != nil {
		return false, fmt.Errorf("redis batch transition %s %s→%s: %w", batchID, from, to, err)
	}
	if res == -1 {
		return false, ErrBatchEvicted
	}
	return res == 1, nil
}

func (b *batchCounters) Get(ctx context.Context, batchID string) (*domain.Batch, error) {
	raw, err := b.client.HGetAll(ctx, batchKey(batchID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get batch %s: %w", batchID, err)
	}
	if len(raw) == 0 {
		return nil, ErrBatchEvicted
	}
	atoi := func(field string) int {
		n, _ := strconv.Atoi(raw[field])
		return n
	}
	return &domain.Batch{
		ID:         batchID,
		Total:      atoi("total"),
		Pending:    atoi("pending"),
		Processing: atoi("processing"),
		Completed:  atoi("completed"),
		Failed:     atoi("failed"),
		Status:     domain.BatchStatus(raw["status"]),
	}, nil
}
