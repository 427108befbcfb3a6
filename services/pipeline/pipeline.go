// Package pipeline contains the stage-task orchestrator: the single place
// where stage outcomes are turned into state transitions, retries, and
// terminal handling. Stage executors stay pure; every scheduling decision
// lives here.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/joeott/legal-doc-processor-sub006/internal/domain"
	"github.com/joeott/legal-doc-processor-sub006/internal/kafka"
	"github.com/joeott/legal-doc-processor-sub006/internal/postgres"
	redisstore "github.com/joeott/legal-doc-processor-sub006/internal/redis"
	"github.com/joeott/legal-doc-processor-sub006/internal/stages"
	"github.com/joeott/legal-doc-processor-sub006/pkg/telemetry"
)

// BatchNotifier receives document lifecycle events for batch accounting.
// Both calls must be idempotent; the orchestrator may repeat them under
// at-least-once delivery.
type BatchNotifier interface {
	// OnDocumentStarted fires when a batched document begins its first stage.
	OnDocumentStarted(ctx context.Context, doc *domain.Document) error
	// OnDocumentTerminal fires when a batched document reaches COMPLETED,
	// FAILED or CANCELLED.
	OnDocumentTerminal(ctx context.Context, doc *domain.Document, outcome domain.DocumentOutcome) error
}

// Orchestrator consumes stage tasks and runs them through the per-stage
// protocol: cancellation check, lock, idempotency check, execute, persist,
// route next.
type Orchestrator struct {
	workerID string
	producer kafka.Producer
	enqueuer kafka.Enqueuer
	locks    redisstore.LockManager
	idem     redisstore.Idempotency
	state    redisstore.DocState
	schedule redisstore.Schedule
	docs     postgres.DocumentRepository
	registry *stages.Registry
	batches  BatchNotifier

	maxRetries   int
	stageTimeout time.Duration
	baseDelay    time.Duration
	lockTTL      time.Duration
	idemTTL      time.Duration
	logger       *slog.Logger

	wg       sync.WaitGroup
	inFlight atomic.Int64
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithMaxRetries(n int) Option             { return func(o *Orchestrator) { o.maxRetries = n } }
func WithStageTimeout(d time.Duration) Option { return func(o *Orchestrator) { o.stageTimeout = d } }
func WithBaseDelay(d time.Duration) Option    { return func(o *Orchestrator) { o.baseDelay = d } }
func WithLockTTL(d time.Duration) Option      { return func(o *Orchestrator) { o.lockTTL = d } }
func WithLogger(l *slog.Logger) Option        { return func(o *Orchestrator) { o.logger = l } }

// NewOrchestrator constructs an Orchestrator with the given dependencies
// and options.
func NewOrchestrator(
	workerID string,
	producer kafka.Producer,
	enqueuer kafka.Enqueuer,
	locks redisstore.LockManager,
	idem redisstore.Idempotency,
	state redisstore.DocState,
	schedule redisstore.Schedule,
	docs postgres.DocumentRepository,
	registry *stages.Registry,
	batches BatchNotifier,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		workerID:     workerID,
		producer:     producer,
		enqueuer:     enqueuer,
		locks:        locks,
		idem:         idem,
		state:        state,
		schedule:     schedule,
		docs:         docs,
		registry:     registry,
		batches:      batches,
		maxRetries:   3,
		stageTimeout: 5 * time.Minute,
		baseDelay:    5 * time.Second,
		lockTTL:      10 * time.Minute,
		idemTTL:      24 * time.Hour,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Wait blocks until all in-flight stage tasks finish. Call after the
// consumer loop returns.
func (o *Orchestrator) Wait() { o.wg.Wait() }

func stageOp(docID string, stage domain.Stage) string {
	return "stage:" + docID + ":" + string(stage)
}

func stageLock(docID string, stage domain.Stage) string {
	return "doc:" + docID + ":stage:" + string(stage)
}

// HandleMessage is the Kafka HandlerFunc: one call per delivered stage task.
// It returns nil in every handled case so the offset commits; the only
// error returns are infrastructure failures where re-delivery is the
// recovery path.
func (o *Orchestrator) HandleMessage(consumerCtx context.Context, msg kafka.Message) error {
	var task domain.StageTask
	if err := json.Unmarshal(msg.Value, &task); err != nil {
		o.logger.Error("malformed stage task, sending to DLQ",
			slog.String("error", err.Error()),
			slog.String("raw", string(msg.Value)),
		)
		o.toDLQ(consumerCtx, "malformed", msg.Value)
		return nil
	}

	ctx, span := otel.Tracer("pipeline").Start(consumerCtx, "pipeline.process_stage")
	defer span.End()
	span.SetAttributes(
		attribute.String("document.id", task.DocumentID),
		attribute.String("stage", string(task.Stage)),
		attribute.Int("attempt", task.Attempt),
		attribute.String("worker.id", o.workerID),
	)

	log := o.logger.With(
		slog.String("document_id", task.DocumentID),
		slog.String("stage", string(task.Stage)),
		slog.String("task_id", task.TaskID),
		slog.Int("attempt", task.Attempt),
	)

	// Cancellation wins over everything else. The flag is only a cache
	// entry; the authoritative copy is re-checked on the loaded document
	// below, so a cache miss here just delays the cancel by one stage.
	if cancelled, err := o.state.IsCancelled(ctx, task.DocumentID); err == nil && cancelled {
		o.cancelDocument(ctx, log, task.DocumentID)
		return nil
	}

	// Per-stage lock. A held lock means another worker is already running
	// this exact (document, stage) pair; dropping the duplicate is safe
	// because the holder either finishes or its message is re-delivered.
	token, acquired, err := o.locks.Acquire(ctx, stageLock(task.DocumentID, task.Stage), o.lockTTL)
	switch {
	case err != nil:
		// Cache outage. Proceed unlocked: the idempotency marker and the
		// optimistic stage check below still bound duplicate effects.
		log.Warn("lock unavailable, proceeding degraded", slog.String("error", err.Error()))
	case !acquired:
		log.Info("stage already locked by another worker, dropping duplicate")
		telemetry.StageTasksProcessed.WithLabelValues(string(task.Stage), "duplicate").Inc()
		return nil
	default:
		defer func() {
			if _, err := o.locks.Release(context.WithoutCancel(ctx), stageLock(task.DocumentID, task.Stage), token); err != nil {
				log.Warn("lock release failed", slog.String("error", err.Error()))
			}
		}()
	}

	// Idempotency marker: set when this stage committed once already. The
	// work is done; only the follow-up enqueue may have been lost.
	if seen, err := o.idem.Seen(ctx, stageOp(task.DocumentID, task.Stage)); err == nil && seen {
		log.Info("stage already committed, repairing enqueue only")
		telemetry.StageTasksProcessed.WithLabelValues(string(task.Stage), "idempotent_skip").Inc()
		o.repairEnqueue(ctx, log, &task)
		return nil
	}

	doc, err := o.docs.GetDocument(ctx, task.DocumentID)
	if err != nil {
		var notFound *domain.DocumentNotFoundError
		if errors.As(err, &notFound) {
			log.Error("stage task for unknown document, sending to DLQ")
			o.toDLQ(ctx, string(task.Stage), msg.Value)
			return nil
		}
		log.Error("failed to load document", slog.String("error", err.Error()))
		return fmt.Errorf("load document %s: %w", task.DocumentID, err)
	}

	if doc.Cancelled && !doc.CurrentStage.IsTerminal() {
		o.cancelDocument(ctx, log, doc.ID)
		return nil
	}
	if doc.CurrentStage.IsTerminal() {
		log.Info("document already terminal, dropping task",
			slog.String("current_stage", string(doc.CurrentStage)))
		return nil
	}
	// Optimistic from-stage check: a stale duplicate observed a stage the
	// document has moved past. Drop it, but re-issue a task for the stage
	// the document is actually at in case the original next-stage enqueue
	// was lost before this duplicate arrived.
	if doc.CurrentStage != task.Stage {
		mismatch := &domain.StageMismatchError{
			DocumentID: doc.ID, Expected: task.Stage, Actual: doc.CurrentStage,
		}
		log.Info("stage mismatch, dropping stale task", slog.String("detail", mismatch.Error()))
		telemetry.StageTasksProcessed.WithLabelValues(string(task.Stage), "stale").Inc()
		o.repairEnqueue(ctx, log, &task)
		return nil
	}

	executor, err := o.registry.Get(task.Stage)
	if err != nil {
		log.Error("no executor for stage, sending to DLQ", slog.String("error", err.Error()))
		span.RecordError(err)
		span.SetStatus(codes.Error, "no executor registered")
		o.toDLQ(ctx, string(task.Stage), msg.Value)
		return nil
	}

	if task.Stage == domain.StageValidating && doc.BatchID != nil {
		if err := o.batches.OnDocumentStarted(ctx, doc); err != nil {
			log.Warn("batch start accounting failed", slog.String("error", err.Error()))
		}
	}

	o.markProcessing(ctx, doc, &task)

	o.wg.Add(1)
	o.inFlight.Add(1)
	telemetry.StageTasksInFlight.WithLabelValues(string(task.Stage)).Inc()
	defer func() {
		telemetry.StageTasksInFlight.WithLabelValues(string(task.Stage)).Dec()
		o.inFlight.Add(-1)
		o.wg.Done()
	}()

	start := time.Now()
	// Fresh context so the stage timeout is independent of consumer
	// shutdown, while executor child spans stay parented here.
	execCtx, cancel := context.WithTimeout(
		trace.ContextWithSpan(context.Background(), span),
		o.stageTimeout,
	)
	outcome := executor.Execute(execCtx, doc)
	cancel()

	duration := time.Since(start)
	telemetry.StageDurationSeconds.WithLabelValues(string(task.Stage)).Observe(duration.Seconds())

	return o.apply(ctx, span, log, &task, doc, outcome, msg.Value)
}

// apply interprets a StageOutcome. This is the only routing point in the
// system; executors never enqueue, fail, or advance documents themselves.
// A non-nil return means the commit did not reach the system of record and
// the task must be re-delivered.
func (o *Orchestrator) apply(
	ctx context.Context,
	span trace.Span,
	log *slog.Logger,
	task *domain.StageTask,
	doc *domain.Document,
	outcome domain.StageOutcome,
	raw []byte,
) error {
	switch outcome.Kind {
	case domain.KindAdvance:
		if err := o.commitStage(ctx, log, task, doc, outcome.Next); err != nil {
			log.Error("stage commit failed, awaiting re-delivery", slog.String("error", err.Error()))
			return fmt.Errorf("commit stage %s for document %s: %w", task.Stage, doc.ID, err)
		}
		telemetry.StageTasksProcessed.WithLabelValues(string(task.Stage), "advance").Inc()
		if outcome.Next.IsTerminal() {
			o.documentTerminal(ctx, log, doc, outcome.Next)
			return nil
		}
		next := &domain.StageTask{
			DocumentID: doc.ID,
			Stage:      outcome.Next,
			Priority:   doc.Priority,
		}
		if err := o.enqueuer.EnqueueStage(ctx, next); err != nil {
			// The stage committed; a re-delivered task repairs the enqueue
			// through the idempotency path.
			log.Error("failed to enqueue next stage", slog.String("error", err.Error()))
		}

	case domain.KindSuspend:
		if err := o.commitStage(ctx, log, task, doc, outcome.Next); err != nil {
			log.Error("stage commit failed, awaiting re-delivery", slog.String("error", err.Error()))
			return fmt.Errorf("commit stage %s for document %s: %w", task.Stage, doc.ID, err)
		}
		telemetry.StageTasksProcessed.WithLabelValues(string(task.Stage), "suspend").Inc()
		log.Info("pipeline suspended awaiting external job",
			slog.String("parked_at", string(outcome.Next)))

	case domain.KindRetry:
		telemetry.StageRetriesTotal.WithLabelValues(string(task.Stage)).Inc()
		o.deferTask(ctx, log, task, outcome.Delay)

	case domain.KindFail:
		if outcome.Retryable && task.Attempt < o.maxRetries {
			delay := o.backoff(task.Attempt)
			log.Warn("stage failed, re-enqueueing with backoff",
				slog.String("reason", outcome.Reason),
				slog.Duration("delay", delay),
			)
			o.recordStageError(ctx, task, outcome.Reason)
			telemetry.StageRetriesTotal.WithLabelValues(string(task.Stage)).Inc()
			retry := *task
			retry.Attempt++
			retry.TaskID = ""
			o.deferTask(ctx, log, &retry, delay)
			return nil
		}

		log.Error("stage failed terminally",
			slog.String("reason", outcome.Reason),
			slog.Bool("retryable", outcome.Retryable),
		)
		span.SetStatus(codes.Error, outcome.Reason)
		o.failDocument(ctx, log, task, doc, outcome.Reason, outcome.Retryable)
		telemetry.StageTasksProcessed.WithLabelValues(string(task.Stage), "fail").Inc()
		o.toDLQ(ctx, string(task.Stage), raw)
	}
	return nil
}

// commitStage persists a completed stage and the document's move to next,
// then sets the idempotency marker. Postgres first, and a Postgres failure
// aborts the commit before any cache write or marker: the system of record
// must hold the transition before anything else claims it happened, or a
// later cache eviction resurrects the old stage with the marker blocking
// the redo. A failed commit leaves the task for re-delivery.
func (o *Orchestrator) commitStage(ctx context.Context, log *slog.Logger, task *domain.StageTask, doc *domain.Document, next domain.Stage) error {
	now := time.Now().UTC()
	rec := &domain.StageRecord{
		DocumentID:  doc.ID,
		Stage:       task.Stage,
		Status:      domain.StageDone,
		RetryCount:  task.Attempt,
		TaskID:      task.TaskID,
		CompletedAt: &now,
	}
	if err := o.docs.UpsertStageRecord(ctx, rec); err != nil {
		return fmt.Errorf("persist stage record: %w", err)
	}
	if err := o.docs.UpdateDocumentStage(ctx, doc.ID, next, ""); err != nil {
		return fmt.Errorf("persist document stage: %w", err)
	}
	doc.CurrentStage = next

	if err := o.state.SetStage(ctx, doc.ID, next); err != nil {
		log.Warn("failed to cache document stage", slog.String("error", err.Error()))
	}
	if err := o.state.SetStageRecord(ctx, rec); err != nil {
		log.Warn("failed to cache stage record", slog.String("error", err.Error()))
	}
	if _, err := o.idem.CheckAndSet(ctx, stageOp(doc.ID, task.Stage), o.idemTTL); err != nil {
		log.Warn("failed to set idempotency marker", slog.String("error", err.Error()))
	}
	return nil
}

// markProcessing records that the stage started; overwritten on completion.
func (o *Orchestrator) markProcessing(ctx context.Context, doc *domain.Document, task *domain.StageTask) {
	now := time.Now().UTC()
	rec := &domain.StageRecord{
		DocumentID: doc.ID,
		Stage:      task.Stage,
		Status:     domain.StageProcessing,
		RetryCount: task.Attempt,
		TaskID:     task.TaskID,
		StartedAt:  &now,
	}
	if err := o.docs.UpsertStageRecord(ctx, rec); err != nil {
		o.logger.Warn("failed to record stage start",
			slog.String("document_id", doc.ID), slog.String("error", err.Error()))
	}
	_ = o.state.SetStageRecord(ctx, rec)
}

func (o *Orchestrator) recordStageError(ctx context.Context, task *domain.StageTask, reason string) {
	rec := &domain.StageRecord{
		DocumentID: task.DocumentID,
		Stage:      task.Stage,
		Status:     domain.StageErrored,
		RetryCount: task.Attempt,
		TaskID:     task.TaskID,
		Error:      reason,
	}
	_ = o.docs.UpsertStageRecord(ctx, rec)
	_ = o.state.SetStageRecord(ctx, rec)
}

// failDocument moves the document to FAILED with its reason code and tells
// the batch layer. Only the class and reason cross this boundary; the
// wrapped error stays in the worker's logs.
func (o *Orchestrator) failDocument(ctx context.Context, log *slog.Logger, task *domain.StageTask, doc *domain.Document, reason string, retryable bool) {
	o.recordStageError(ctx, task, reason)
	if err := o.docs.MarkFailed(ctx, doc.ID, reason, retryable); err != nil {
		log.Error("failed to persist document failure", slog.String("error", err.Error()))
	}
	doc.CurrentStage = domain.StageFailed
	doc.FailureReason = reason
	doc.FailureRetryable = retryable
	if err := o.state.SetStage(ctx, doc.ID, domain.StageFailed); err != nil {
		log.Warn("failed to cache document failure", slog.String("error", err.Error()))
	}
	o.documentTerminal(ctx, log, doc, domain.StageFailed)
}

// cancelDocument transitions a document to CANCELLED. Idempotent: repeat
// deliveries find the document terminal and stop at the stage check.
func (o *Orchestrator) cancelDocument(ctx context.Context, log *slog.Logger, docID string) {
	doc, err := o.docs.GetDocument(ctx, docID)
	if err != nil {
		log.Error("cancel requested for unloadable document", slog.String("error", err.Error()))
		return
	}
	if doc.CurrentStage.IsTerminal() {
		return
	}
	if err := o.docs.UpdateDocumentStage(ctx, docID, domain.StageCancelled, "CANCELLED"); err != nil {
		log.Error("failed to persist cancellation", slog.String("error", err.Error()))
		return
	}
	doc.CurrentStage = domain.StageCancelled
	if err := o.state.SetStage(ctx, docID, domain.StageCancelled); err != nil {
		log.Warn("failed to cache cancellation", slog.String("error", err.Error()))
	}
	log.Info("document cancelled")
	o.documentTerminal(ctx, log, doc, domain.StageCancelled)
}

// documentTerminal handles the end of a document's life: metrics plus batch
// fan-in. Cancelled documents count on the failed side of their batch so
// the conservation invariant holds without a third bucket.
func (o *Orchestrator) documentTerminal(ctx context.Context, log *slog.Logger, doc *domain.Document, stage domain.Stage) {
	telemetry.DocumentsTerminal.WithLabelValues(string(stage)).Inc()
	if doc.BatchID == nil {
		return
	}
	outcome := domain.OutcomeFailed
	if stage == domain.StageCompleted {
		outcome = domain.OutcomeCompleted
	}
	if err := o.batches.OnDocumentTerminal(ctx, doc, outcome); err != nil {
		log.Error("batch terminal accounting failed",
			slog.String("batch_id", *doc.BatchID),
			slog.String("error", err.Error()),
		)
	}
}

// repairEnqueue handles the crash window between commit and enqueue: the
// marker says the stage committed, so re-issue the task for wherever the
// document actually is now.
func (o *Orchestrator) repairEnqueue(ctx context.Context, log *slog.Logger, task *domain.StageTask) {
	doc, err := o.docs.GetDocument(ctx, task.DocumentID)
	if err != nil {
		log.Error("failed to load document for enqueue repair", slog.String("error", err.Error()))
		return
	}
	if doc.CurrentStage.IsTerminal() || doc.CurrentStage == domain.StageOCRPolling {
		// Nothing to enqueue: done, or parked awaiting the poller.
		return
	}
	next := &domain.StageTask{
		DocumentID: doc.ID,
		Stage:      doc.CurrentStage,
		Priority:   doc.Priority,
	}
	if err := o.enqueuer.EnqueueStage(ctx, next); err != nil {
		log.Error("enqueue repair failed", slog.String("error", err.Error()))
	}
}

// deferTask parks a task in the deferred schedule; the poller promotes it
// back onto Kafka when due.
func (o *Orchestrator) deferTask(ctx context.Context, log *slog.Logger, task *domain.StageTask, delay time.Duration) {
	value, err := json.Marshal(task)
	if err != nil {
		log.Error("failed to marshal deferred task", slog.String("error", err.Error()))
		return
	}
	due := time.Now().Add(delay)
	if err := o.schedule.Add(ctx, redisstore.QueueDeferred, string(value), due); err != nil {
		// Degraded path: skip the delay rather than lose the task.
		log.Warn("deferred schedule unavailable, re-enqueueing immediately",
			slog.String("error", err.Error()))
		if err := o.enqueuer.EnqueueStage(ctx, task); err != nil {
			log.Error("immediate re-enqueue failed", slog.String("error", err.Error()))
		}
	}
}

// backoff returns the delay before retry attempt+1: base * 2^attempt.
func (o *Orchestrator) backoff(attempt int) time.Duration {
	delay := o.baseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

func (o *Orchestrator) toDLQ(ctx context.Context, stage string, raw []byte) {
	if err := o.producer.Publish(ctx, kafka.TopicDLQ, stage, raw); err != nil {
		o.logger.Error("failed to publish to DLQ", slog.String("error", err.Error()))
	}
	telemetry.PipelineDLQTotal.WithLabelValues(stage).Inc()
}
