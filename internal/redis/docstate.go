package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/joeott/legal-doc-processor-sub006/internal/domain"
)

// stateTTL bounds every coordination key. The cache is never the system of
// record; anything here can be reconstructed from Postgres.
const stateTTL = 24 * time.Hour

func stageKey(docID string) string  { return "doc:stage:" + docID }
func stagesKey(docID string) string { return "doc:stages:" + docID }
func cancelKey(docID string) string { return "doc:cancel:" + docID }

// DocState holds per-document pipeline state shared by all workers.
type DocState interface {
	SetStage(ctx context.Context, docID string, stage domain.Stage) error
	GetStage(ctx context.Context, docID string) (domain.Stage, error)
	SetStageRecord(ctx context.Context, rec *domain.StageRecord) error
	GetStageRecords(ctx context.Context, docID string) (map[domain.Stage]*domain.StageRecord, error)
	MarkCancelled(ctx context.Context, docID string) error
	IsCancelled(ctx context.Context, docID string) (bool, error)
}

type docState struct {
	client *redis.Client
}

// NewDocState creates a Redis-backed DocState.
func NewDocState(client *redis.Client) DocState {
	return &docState{client: client}
}

func (s *docState) SetStage(ctx context.Context, docID string, stage domain.Stage) error {
	err := s.client.Set(ctx, stageKey(docID), string(stage), stateTTL).Err()
	if err != nil {
		return fmt.Errorf("redis set stage for %s: %w", docID, err)
	}
	return nil
}

func (s *docState) GetStage(ctx context.Context, docID string) (domain.Stage, error) {
	val, err := s.client.Get(ctx, stageKey(docID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", &domain.DocumentNotFoundError{DocumentID: docID}
		}
		return "", fmt.Errorf("redis get stage for %s: %w", docID, err)
	}
	return domain.Stage(val), nil
}

// SetStageRecord overwrites the single logical record for (document, stage)
// and refreshes the hash TTL.
func (s *docState) SetStageRecord(ctx context.Context, rec *domain.StageRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal stage record: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, stagesKey(rec.DocumentID), string(rec.Stage), data)
	pipe.Expire(ctx, stagesKey(rec.DocumentID), stateTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis set stage record for %s/%s: %w", rec.DocumentID, rec.Stage, err)
	}
	return nil
}

func (s *docState) GetStageRecords(ctx context.Context, docID string) (map[domain.Stage]*domain.StageRecord, error) {
	raw, err := s.client.HGetAll(ctx, stagesKey(docID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get stage records for %s: %w", docID, err)
	}
	out := make(map[domain.Stage]*domain.StageRecord, len(raw))
	for stage, data := range raw {
		var rec domain.StageRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal stage record %s/%s: %w", docID, stage, err)
		}
		out[domain.Stage(stage)] = &rec
	}
	return out, nil
}

func (s *docState) MarkCancelled(ctx context.Context, docID string) error {
	err := s.client.Set(ctx, cancelKey(docID), "1", stateTTL).Err()
	if err != nil {
		return fmt.Errorf("redis mark cancelled for %s: %w", docID, err)
	}
	return nil
}

func (s *docState) IsCancelled(ctx context.Context, docID string) (bool, error) {
	n, err := s.client.Exists(ctx, cancelKey(docID)).Result()
	if err != nil {
		return false, fmt.Errorf("redis cancelled check for %s: %w", docID, err)
	}
	return n == 1, nil
}
