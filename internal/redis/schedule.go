package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Queue names for the two delayed-work schedules.
const (
	// QueuePoll holds external job handles scored by next_poll_at.
	QueuePoll = "sched:poll"
	// QueueDeferred holds serialized stage tasks scored by their backoff
	// deadline, re-enqueued onto Kafka when due.
	QueueDeferred = "sched:deferred"
)

// claimScript pops all members due at or before the given time, up to the
// limit, in one atomic step so two poller instances can never claim the
// same entry.
var claimScript = redis.NewScript(`
	local due = redis.call("zrangebyscore", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, ARGV[2])
	for _, member in ipairs(due) do
		redis.call("zrem", KEYS[1], member)
	end
	return due
`)

// Schedule is a ZSET-backed delayed-work queue: members become claimable
// once the clock passes their score.
type Schedule interface {
	Add(ctx context.Context, queue, member string, due time.Time) error
	// Claim atomically removes and returns up to limit members due by now.
	Claim(ctx context.Context, queue string, now time.Time, limit int) ([]string, error)
	Remove(ctx context.Context, queue, member string) error
}

type schedule struct {
	client *redis.Client
}

// NewSchedule creates a Redis-backed Schedule.
func NewSchedule(client *redis.Client) Schedule {
	return &schedule{client: client}
}

func (s *schedule) Add(ctx context.Context, queue, member string, due time.Time) error {
	err := s.client.ZAdd(ctx, queue, redis.Z{
		Score:  float64(due.UnixMilli()),
		Member: member,
	}).Err()
	if err != nil {
		return fmt.Errorf("redis schedule add to %s: %w", queue, err)
	}
	return nil
}

func (s *schedule) Claim(ctx context.Context, queue string, now time.Time, limit int) ([]string, error) {
	res, err := claimScript.Run(ctx, s.client,
		[]string{queue},
		strconv.FormatInt(now.UnixMilli(), 10),
		strconv.Itoa(limit),
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("redis schedule claim from %s: %w", queue, err)
	}
	return res, nil
}

func (s *schedule) Remove(ctx context.Context, queue, member string) error {
	if err := s.client.ZRem(ctx, queue, member).Err(); err != nil {
		return fmt.Errorf("redis schedule remove from %s: %w", queue, err)
	}
	return nil
}
