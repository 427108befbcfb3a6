// Package batch implements multi-document fan-out/fan-in: live counters in
// the cache, a durable snapshot in Postgres, and a completion event emitted
// exactly once when the last document lands.
package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/joeott/legal-doc-processor-sub006/internal/domain"
	"github.com/joeott/legal-doc-processor-sub006/internal/kafka"
	"github.com/joeott/legal-doc-processor-sub006/internal/postgres"
	redisstore "github.com/joeott/legal-doc-processor-sub006/internal/redis"
	"github.com/joeott/legal-doc-processor-sub006/pkg/telemetry"
)

// CompletionEvent is published on the batch events topic when a batch
// finishes. Consumers use it instead of polling batch status.
type CompletionEvent struct {
	BatchID    string     `json:"batch_id"`
	Total      int        `json:"total"`
	Completed  int        `json:"completed"`
	Failed     int        `json:"failed"`
	ParentID   *string    `json:"parent_id,omitempty"`
	FinishedAt time.Time  `json:"finished_at"`
}

// Coordinator owns batch lifecycle: creation, per-document accounting,
// completion detection, and selective recovery of failed documents.
type Coordinator struct {
	counters redisstore.BatchCounters
	idem     redisstore.Idempotency
	batches  postgres.BatchRepository
	docs     postgres.DocumentRepository
	producer kafka.Producer
	enqueuer kafka.Enqueuer
	logger   *slog.Logger

	idemTTL time.Duration
}

// NewCoordinator constructs a Coordinator.
func NewCoordinator(
	counters redisstore.BatchCounters,
	idem redisstore.Idempotency,
	batches postgres.BatchRepository,
	docs postgres.DocumentRepository,
	producer kafka.Producer,
	enqueuer kafka.Enqueuer,
	logger *slog.Logger,
) *Coordinator {
	return &Coordinator{
		counters: counters,
		idem:     idem,
		batches:  batches,
		docs:     docs,
		producer: producer,
		enqueuer: enqueuer,
		logger:   logger,
		idemTTL:  24 * time.Hour,
	}
}

// CreateBatch registers a batch of the given size: the cache counters stand
// up first, then the durable row. Idempotent on batch ID.
func (c *Coordinator) CreateBatch(ctx context.Context, batchID string, total int, parentID *string) (*domain.Batch, error) {
	batch := &domain.Batch{
		ID:        batchID,
		Total:     total,
		Pending:   total,
		Status:    domain.BatchProcessing,
		ParentID:  parentID,
		CreatedAt: time.Now().UTC(),
	}
	if err := c.counters.Init(ctx, batchID, total); err != nil {
		// Counters can be rebuilt from Postgres on first read; do not fail
		// batch creation over a cache outage.
		c.logger.Warn("batch counter init failed",
			slog.String("batch_id", batchID), slog.String("error", err.Error()))
	}
	if err := c.batches.CreateBatch(ctx, batch); err != nil {
		return nil, fmt.Errorf("create batch %s: %w", batchID, err)
	}
	return batch, nil
}

// OnDocumentStarted moves one document from pending to processing.
// Idempotent per document via a marker, since the orchestrator may repeat
// the call under re-delivery.
func (c *Coordinator) OnDocumentStarted(ctx context.Context, doc *domain.Document) error {
	if doc.BatchID == nil {
		return nil
	}
	op := "batch:start:" + doc.ID
	if first, err := c.idem.CheckAndSet(ctx, op, c.idemTTL); err == nil && !first {
		return nil
	}
	if _, err := c.transition(ctx, *doc.BatchID, "pending", "processing"); err != nil {
		// Re-arm so a re-delivered start can retry; otherwise the marker
		// records a transition that never happened.
		_ = c.idem.Clear(ctx, op)
		return err
	}
	return nil
}

// OnDocumentTerminal moves one document into its terminal bucket and fires
// the completion event when the batch empties. The from-bucket depends on
// whether the document ever started: cancel-before-start and intake
// failures go terminal straight out of pending.
func (c *Coordinator) OnDocumentTerminal(ctx context.Context, doc *domain.Document, outcome domain.DocumentOutcome) error {
	if doc.BatchID == nil {
		return nil
	}
	op := "batch:terminal:" + doc.ID
	if first, err := c.idem.CheckAndSet(ctx, op, c.idemTTL); err == nil && !first {
		return nil
	}

	// Claim the start marker to learn where the document is. An unclaimed
	// marker means it never left pending; claiming it now also stops a
	// late OnDocumentStarted from draining pending a second time.
	from := "processing"
	claimedStart := false
	startOp := "batch:start:" + doc.ID
	if first, err := c.idem.CheckAndSet(ctx, startOp, c.idemTTL); err == nil && first {
		from = "pending"
		claimedStart = true
	}

	to := "failed"
	if outcome == domain.OutcomeCompleted {
		to = "completed"
	}
	completedNow, err := c.transition(ctx, *doc.BatchID, from, to)
	if err != nil {
		_ = c.idem.Clear(ctx, op)
		if claimedStart {
			_ = c.idem.Clear(ctx, startOp)
		}
		return err
	}
	if completedNow {
		c.finishBatch(ctx, *doc.BatchID)
	}
	return nil
}

// transition runs the atomic counter move, persists the snapshot, and falls
// back to a Postgres recount when the cache entry was evicted.
func (c *Coordinator) transition(ctx context.Context, batchID, from, to string) (completedNow bool, err error) {
	completedNow, err = c.counters.Transition(ctx, batchID, from, to)
	if err == nil {
		c.persistSnapshot(ctx, batchID)
		return completedNow, nil
	}
	if !errors.Is(err, redisstore.ErrBatchEvicted) {
		return false, fmt.Errorf("batch %s transition %s->%s: %w", batchID, from, to, err)
	}

	// Cache entry gone. Recount from the system of record and reseed.
	telemetry.BatchCounterFallbacks.Inc()
	batch, err := c.Recount(ctx, batchID)
	if err != nil {
		return false, fmt.Errorf("batch %s fallback recount: %w", batchID, err)
	}
	return batch.Status == domain.BatchCompleted, nil
}

// Recount rebuilds a batch's counters by scanning its documents in
// Postgres, reseeds the cache, and persists the snapshot.
func (c *Coordinator) Recount(ctx context.Context, batchID string) (*domain.Batch, error) {
	batch, err := c.batches.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	docs, err := c.docs.ListBatchDocuments(ctx, batchID)
	if err != nil {
		return nil, err
	}

	batch.Pending, batch.Processing, batch.Completed, batch.Failed = 0, 0, 0, 0
	for _, doc := range docs {
		switch doc.CurrentStage {
		case domain.StageCompleted:
			batch.Completed++
		case domain.StageFailed, domain.StageCancelled:
			batch.Failed++
		case domain.StageCreated:
			batch.Pending++
		default:
			batch.Processing++
		}
	}
	if batch.Pending+batch.Processing == 0 && batch.Total > 0 {
		batch.Status = domain.BatchCompleted
	}

	if err := c.counters.Seed(ctx, batch); err != nil {
		c.logger.Warn("batch counter reseed failed",
			slog.String("batch_id", batchID), slog.String("error", err.Error()))
	}
	if err := c.batches.UpdateBatchCounters(ctx, batch); err != nil {
		return nil, err
	}
	if batch.Status == domain.BatchCompleted {
		c.finishBatch(ctx, batchID)
	}
	return batch, nil
}

// GetBatch returns live progress, preferring the cache and degrading to
// the Postgres recount.
func (c *Coordinator) GetBatch(ctx context.Context, batchID string) (*domain.Batch, error) {
	batch, err := c.counters.Get(ctx, batchID)
	if err == nil {
		return batch, nil
	}
	if !errors.Is(err, redisstore.ErrBatchEvicted) {
		c.logger.Warn("batch counter read failed, using recount",
			slog.String("batch_id", batchID), slog.String("error", err.Error()))
	} else {
		telemetry.BatchCounterFallbacks.Inc()
	}
	return c.Recount(ctx, batchID)
}

// finishBatch persists the COMPLETED snapshot and publishes the completion
// event. The idempotency marker makes the event exactly-once even when two
// paths detect completion concurrently.
func (c *Coordinator) finishBatch(ctx context.Context, batchID string) {
	op := "batch:done:" + batchID
	first, err := c.idem.CheckAndSet(ctx, op, c.idemTTL)
	if err != nil {
		c.logger.Warn("batch completion marker unavailable",
			slog.String("batch_id", batchID), slog.String("error", err.Error()))
	} else if !first {
		return
	}

	batch, err := c.GetBatch(ctx, batchID)
	if err != nil {
		c.logger.Error("failed to load completed batch",
			slog.String("batch_id", batchID), slog.String("error", err.Error()))
		return
	}
	batch.Status = domain.BatchCompleted
	if err := c.batches.UpdateBatchCounters(ctx, batch); err != nil {
		c.logger.Error("failed to persist batch completion",
			slog.String("batch_id", batchID), slog.String("error", err.Error()))
	}

	event := CompletionEvent{
		BatchID:    batch.ID,
		Total:      batch.Total,
		Completed:  batch.Completed,
		Failed:     batch.Failed,
		ParentID:   batch.ParentID,
		FinishedAt: time.Now().UTC(),
	}
	value, _ := json.Marshal(event)
	if err := c.producer.Publish(ctx, kafka.TopicBatchEvents, batchID, value); err != nil {
		c.logger.Error("failed to publish batch completion event",
			slog.String("batch_id", batchID), slog.String("error", err.Error()))
		// Let a later detection retry the publish.
		_ = c.idem.Clear(ctx, op)
		return
	}

	telemetry.BatchesCompleted.Inc()
	c.logger.Info("batch completed",
		slog.String("batch_id", batchID),
		slog.Int("total", batch.Total),
		slog.Int("completed", batch.Completed),
		slog.Int("failed", batch.Failed),
	)
}

// persistSnapshot writes the current cached counters through to Postgres.
// Best effort: the recount path repairs any missed snapshot.
func (c *Coordinator) persistSnapshot(ctx context.Context, batchID string) {
	batch, err := c.counters.Get(ctx, batchID)
	if err != nil {
		return
	}
	if err := c.batches.UpdateBatchCounters(ctx, batch); err != nil {
		c.logger.Warn("failed to persist batch snapshot",
			slog.String("batch_id", batchID), slog.String("error", err.Error()))
	}
}

// RecoverFailedBatch re-runs the retryably-failed documents of a finished
// batch under a new recovery batch. Documents that failed on their input
// (bad format, empty text) are left alone; re-running them reproduces the
// same failure. Idempotent per source batch via a marker.
func (c *Coordinator) RecoverFailedBatch(ctx context.Context, batchID string) (*domain.Batch, error) {
	source, err := c.batches.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if source.Status != domain.BatchCompleted {
		return nil, fmt.Errorf("batch %s still processing, nothing to recover", batchID)
	}

	op := "batch:recover:" + batchID
	first, err := c.idem.CheckAndSet(ctx, op, c.idemTTL)
	if err != nil {
		return nil, fmt.Errorf("recovery marker for batch %s: %w", batchID, err)
	}
	if !first {
		return nil, fmt.Errorf("batch %s recovery already in progress", batchID)
	}

	docs, err := c.docs.ListBatchDocuments(ctx, batchID)
	if err != nil {
		_ = c.idem.Clear(ctx, op)
		return nil, err
	}

	var recoverable []*domain.Document
	for _, doc := range docs {
		if doc.CurrentStage == domain.StageFailed && doc.FailureRetryable && !doc.Cancelled {
			recoverable = append(recoverable, doc)
		}
	}
	if len(recoverable) == 0 {
		_ = c.idem.Clear(ctx, op)
		return nil, fmt.Errorf("batch %s has no retryable failures", batchID)
	}

	recoveryID := uuid.New().String()
	recovery, err := c.CreateBatch(ctx, recoveryID, len(recoverable), &batchID)
	if err != nil {
		_ = c.idem.Clear(ctx, op)
		return nil, err
	}

	for _, doc := range recoverable {
		if err := c.resetDocument(ctx, doc, recoveryID); err != nil {
			c.logger.Error("failed to reset document for recovery",
				slog.String("document_id", doc.ID), slog.String("error", err.Error()))
			continue
		}
		task := &domain.StageTask{
			DocumentID: doc.ID,
			Stage:      domain.StageValidating,
			Priority:   doc.Priority,
		}
		if err := c.enqueuer.EnqueueStage(ctx, task); err != nil {
			c.logger.Error("failed to enqueue recovered document",
				slog.String("document_id", doc.ID), slog.String("error", err.Error()))
		}
	}

	c.logger.Info("batch recovery started",
		slog.String("source_batch_id", batchID),
		slog.String("recovery_batch_id", recoveryID),
		slog.Int("documents", len(recoverable)),
	)
	return recovery, nil
}

// resetDocument rewinds a failed document to the head of the pipeline and
// clears the per-stage idempotency markers so every stage re-executes.
func (c *Coordinator) resetDocument(ctx context.Context, doc *domain.Document, recoveryBatchID string) error {
	if err := c.docs.ResetForRecovery(ctx, doc.ID, recoveryBatchID); err != nil {
		return err
	}
	for _, stage := range domain.Stages() {
		_ = c.idem.Clear(ctx, "stage:"+doc.ID+":"+string(stage))
	}
	_ = c.idem.Clear(ctx, "batch:start:"+doc.ID)
	_ = c.idem.Clear(ctx, "batch:terminal:"+doc.ID)
	doc.BatchID = &recoveryBatchID
	return nil
}
