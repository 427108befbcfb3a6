package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/joeott/legal-doc-processor-sub006/internal/domain"
)

// Enqueuer publishes stage tasks onto the per-stage, per-priority topics.
// Keying by document ID keeps all of one document's tasks on one partition,
// so a document is never processed by two workers of the same stage at once
// under normal delivery.
type Enqueuer interface {
	EnqueueStage(ctx context.Context, task *domain.StageTask) error
}

type enqueuer struct {
	producer Producer
}

// NewEnqueuer wraps a producer with stage-task routing.
func NewEnqueuer(producer Producer) Enqueuer {
	return &enqueuer{producer: producer}
}

func (e *enqueuer) EnqueueStage(ctx context.Context, task *domain.StageTask) error {
	if task.TaskID == "" {
		task.TaskID = uuid.New().String()
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now().UTC()
	}
	if !task.Priority.Valid() {
		task.Priority = domain.PriorityNormal
	}
	value, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal stage task: %w", err)
	}
	return e.producer.Publish(ctx, StageTopic(task.Stage, task.Priority), task.DocumentID, value)
}
