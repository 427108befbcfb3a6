// Package poller resumes pipelines parked on external jobs. A single leader
// (Redis-elected) claims due poll entries, queries the OCR provider, and
// advances or fails the owning document; it also promotes deferred stage
// tasks back onto Kafka once their backoff elapses.
package poller

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/joeott/legal-doc-processor-sub006/internal/domain"
	"github.com/joeott/legal-doc-processor-sub006/internal/kafka"
	"github.com/joeott/legal-doc-processor-sub006/internal/ocr"
	"github.com/joeott/legal-doc-processor-sub006/internal/postgres"
	redisstore "github.com/joeott/legal-doc-processor-sub006/internal/redis"
	"github.com/joeott/legal-doc-processor-sub006/pkg/telemetry"
	"github.com/joeott/legal-doc-processor-sub006/services/pipeline"
)

const (
	leaderKey = "poller:leader"
	leaderTTL = 30 * time.Second
)

// renewScript extends the leader key only for its current owner.
var renewScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	end
	return 0
`)

// Poller drives external-job polling and deferred-task promotion.
type Poller struct {
	ocr      ocr.Client
	docs     postgres.DocumentRepository
	jobs     postgres.JobRepository
	schedule redisstore.Schedule
	locks    redisstore.LockManager
	idem     redisstore.Idempotency
	state    redisstore.DocState
	enqueuer kafka.Enqueuer
	batches  pipeline.BatchNotifier
	redis    *redis.Client

	instanceID string
	logger     *slog.Logger

	tickInterval  time.Duration
	basePollDelay time.Duration
	maxPollDelay  time.Duration
	maxJobAge     time.Duration
	maxSubmits    int
	claimLimit    int
	sweepSpec     string
	idemTTL       time.Duration
}

// Option configures a Poller.
type Option func(*Poller)

func WithTickInterval(d time.Duration) Option  { return func(p *Poller) { p.tickInterval = d } }
func WithBasePollDelay(d time.Duration) Option { return func(p *Poller) { p.basePollDelay = d } }
func WithMaxPollDelay(d time.Duration) Option  { return func(p *Poller) { p.maxPollDelay = d } }
func WithMaxJobAge(d time.Duration) Option     { return func(p *Poller) { p.maxJobAge = d } }
func WithMaxSubmits(n int) Option              { return func(p *Poller) { p.maxSubmits = n } }
func WithSweepSpec(spec string) Option         { return func(p *Poller) { p.sweepSpec = spec } }

// NewPoller constructs a Poller.
func NewPoller(
	ocrClient ocr.Client,
	docs postgres.DocumentRepository,
	jobs postgres.JobRepository,
	schedule redisstore.Schedule,
	locks redisstore.LockManager,
	idem redisstore.Idempotency,
	state redisstore.DocState,
	enqueuer kafka.Enqueuer,
	batches pipeline.BatchNotifier,
	redisClient *redis.Client,
	instanceID string,
	logger *slog.Logger,
	opts ...Option,
) *Poller {
	p := &Poller{
		ocr:           ocrClient,
		docs:          docs,
		jobs:          jobs,
		schedule:      schedule,
		locks:         locks,
		idem:          idem,
		state:         state,
		enqueuer:      enqueuer,
		batches:       batches,
		redis:         redisClient,
		instanceID:    instanceID,
		logger:        logger,
		tickInterval:  2 * time.Second,
		basePollDelay: 5 * time.Second,
		maxPollDelay:  60 * time.Second,
		maxJobAge:     30 * time.Minute,
		maxSubmits:    3,
		claimLimit:    100,
		sweepSpec:     "@every 5m",
		idemTTL:       24 * time.Hour,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run is the main loop: leadership, due polls, deferred promotion, plus the
// cron-driven maintenance sweep. Blocks until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	sweeper := cron.New()
	if _, err := sweeper.AddFunc(p.sweepSpec, func() {
		if p.isLeader(ctx) {
			p.sweep(ctx)
		}
	}); err != nil {
		p.logger.Error("invalid sweep spec, sweep disabled",
			slog.String("spec", p.sweepSpec), slog.String("error", err.Error()))
	} else {
		sweeper.Start()
		defer sweeper.Stop()
	}

	ticker := time.NewTicker(p.tickInterval)
	defer ticker.Stop()

	p.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	if !p.acquireOrRenewLeadership(ctx) {
		return
	}
	p.pollDue(ctx)
	p.promoteDeferred(ctx)
}

// acquireOrRenewLeadership attempts SETNX; returns true if this instance is
// the leader.
func (p *Poller) acquireOrRenewLeadership(ctx context.Context) bool {
	ok, err := p.redis.SetNX(ctx, leaderKey, p.instanceID, leaderTTL).Result()
	if err != nil {
		p.logger.Error("leader election SetNX", slog.String("error", err.Error()))
		return false
	}
	if ok {
		p.logger.Info("acquired poller leadership", slog.String("instance_id", p.instanceID))
		return true
	}

	result, err := renewScript.Run(
		ctx, p.redis,
		[]string{leaderKey},
		p.instanceID,
		leaderTTL.Milliseconds(),
	).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		p.logger.Error("leader renewal", slog.String("error", err.Error()))
		return false
	}
	return result == 1
}

func (p *Poller) isLeader(ctx context.Context) bool {
	owner, err := p.redis.Get(ctx, leaderKey).Result()
	return err == nil && owner == p.instanceID
}

// pollDue claims every job whose poll deadline has passed and polls it.
func (p *Poller) pollDue(ctx context.Context) {
	handles, err := p.schedule.Claim(ctx, redisstore.QueuePoll, time.Now(), p.claimLimit)
	if err != nil {
		p.logger.Error("failed to claim due polls", slog.String("error", err.Error()))
		return
	}
	for _, handle := range handles {
		p.pollJob(ctx, handle)
	}
}

// pollJob runs one poll round for one job. The per-job lock keeps at most
// one poll in flight even if the sweep re-added a claimed handle.
func (p *Poller) pollJob(ctx context.Context, handle string) {
	token, acquired, err := p.locks.Acquire(ctx, "job:"+handle, time.Minute)
	if err != nil || !acquired {
		return
	}
	defer func() {
		_, _ = p.locks.Release(ctx, "job:"+handle, token)
	}()

	log := p.logger.With(slog.String("job_handle", handle))

	job, err := p.jobs.GetJob(ctx, handle)
	if err != nil {
		var notFound *domain.JobNotFoundError
		if errors.As(err, &notFound) {
			log.Warn("scheduled poll for unknown job, dropping")
			return
		}
		log.Error("failed to load job, rescheduling", slog.String("error", err.Error()))
		p.reschedule(ctx, handle, p.basePollDelay)
		return
	}
	log = log.With(slog.String("document_id", job.DocumentID))

	if job.Status.IsTerminal() {
		// Crash window: the job resolved but the document may not have
		// moved. Resumption is idempotent, so just re-drive it.
		if job.Status == domain.JobSucceeded {
			p.resumeDocument(ctx, log, job)
		}
		return
	}

	now := time.Now().UTC()
	if job.Age(now) > p.maxJobAge {
		log.Error("job exceeded max age, force-failing",
			slog.Duration("age", job.Age(now)),
			slog.Int("poll_count", job.PollCount),
		)
		telemetry.PollerStuckJobsTotal.Inc()
		p.failJob(ctx, log, job, "OCR_TIMEOUT", false)
		return
	}

	result, err := p.ocr.Poll(ctx, handle)
	if err != nil {
		// Provider unreachable. Count the round and back off like an
		// in-progress answer; the max-age bound still applies.
		log.Warn("poll request failed", slog.String("error", err.Error()))
		p.recordPollRound(ctx, log, job)
		return
	}
	telemetry.PollerPollsTotal.WithLabelValues(string(result.State)).Inc()

	switch result.State {
	case ocr.StateInProgress:
		p.recordPollRound(ctx, log, job)

	case ocr.StateSucceeded:
		job.Status = domain.JobSucceeded
		job.ResultRef = result.ResultRef
		job.PollCount++
		if err := p.jobs.UpdateJob(ctx, job); err != nil {
			log.Error("failed to persist job success, rescheduling",
				slog.String("error", err.Error()))
			p.reschedule(ctx, handle, p.basePollDelay)
			return
		}
		p.resumeDocument(ctx, log, job)

	case ocr.StateFailed:
		if result.Transient && job.SubmitCount < p.maxSubmits {
			p.resubmit(ctx, log, job, result.Error)
			return
		}
		log.Error("ocr job failed terminally",
			slog.String("provider_error", result.Error),
			slog.Int("submit_count", job.SubmitCount),
		)
		p.failJob(ctx, log, job, "OCR_FAILED", result.Transient)
	}
}

// recordPollRound bumps the poll counter and schedules the next round with
// exponential backoff capped at maxPollDelay.
func (p *Poller) recordPollRound(ctx context.Context, log *slog.Logger, job *domain.ExternalJob) {
	job.PollCount++
	job.Status = domain.JobInProgress
	delay := p.pollBackoff(job.PollCount)
	job.NextPollAt = time.Now().UTC().Add(delay)
	if err := p.jobs.UpdateJob(ctx, job); err != nil {
		log.Error("failed to persist poll round", slog.String("error", err.Error()))
	}
	p.reschedule(ctx, job.Handle, delay)
	log.Debug("job still in progress",
		slog.Int("poll_count", job.PollCount),
		slog.Duration("next_poll_in", delay),
	)
}

// pollBackoff returns basePollDelay doubled per completed round, capped.
func (p *Poller) pollBackoff(pollCount int) time.Duration {
	delay := p.basePollDelay
	for i := 1; i < pollCount; i++ {
		delay *= 2
		if delay >= p.maxPollDelay {
			return p.maxPollDelay
		}
	}
	if delay > p.maxPollDelay {
		return p.maxPollDelay
	}
	return delay
}

func (p *Poller) reschedule(ctx context.Context, handle string, delay time.Duration) {
	if err := p.schedule.Add(ctx, redisstore.QueuePoll, handle, time.Now().Add(delay)); err != nil {
		p.logger.Error("failed to reschedule poll, sweep will recover it",
			slog.String("job_handle", handle), slog.String("error", err.Error()))
	}
}

// resumeDocument moves the parked document into CHUNKING exactly once and
// enqueues its next stage task.
func (p *Poller) resumeDocument(ctx context.Context, log *slog.Logger, job *domain.ExternalJob) {
	doc, err := p.docs.GetDocument(ctx, job.DocumentID)
	if err != nil {
		log.Error("failed to load document for resumption", slog.String("error", err.Error()))
		return
	}
	if doc.Cancelled || doc.CurrentStage.IsTerminal() {
		return
	}
	if doc.CurrentStage != domain.StageOCRPolling {
		// Already resumed by a previous round.
		return
	}

	op := "resume:" + doc.ID + ":" + job.Handle
	first, err := p.idem.CheckAndSet(ctx, op, p.idemTTL)
	if err == nil && !first {
		return
	}

	if err := p.docs.SetTextRef(ctx, doc.ID, job.ResultRef); err != nil {
		log.Error("failed to store text ref", slog.String("error", err.Error()))
		_ = p.idem.Clear(ctx, op)
		return
	}
	if err := p.docs.UpdateDocumentStage(ctx, doc.ID, domain.StageChunking, ""); err != nil {
		log.Error("failed to advance resumed document", slog.String("error", err.Error()))
		_ = p.idem.Clear(ctx, op)
		return
	}
	if err := p.state.SetStage(ctx, doc.ID, domain.StageChunking); err != nil {
		log.Warn("failed to cache resumed stage", slog.String("error", err.Error()))
	}

	task := &domain.StageTask{
		DocumentID: doc.ID,
		Stage:      domain.StageChunking,
		Priority:   doc.Priority,
	}
	if err := p.enqueuer.EnqueueStage(ctx, task); err != nil {
		log.Error("failed to enqueue resumed stage", slog.String("error", err.Error()))
		return
	}
	log.Info("document resumed after ocr",
		slog.String("text_ref", job.ResultRef),
		slog.Int("polls", job.PollCount),
	)
}

// resubmit hands the document back to the provider under a fresh handle.
func (p *Poller) resubmit(ctx context.Context, log *slog.Logger, job *domain.ExternalJob, providerErr string) {
	doc, err := p.docs.GetDocument(ctx, job.DocumentID)
	if err != nil {
		log.Error("failed to load document for resubmission", slog.String("error", err.Error()))
		return
	}
	if doc.Cancelled || doc.CurrentStage.IsTerminal() {
		return
	}

	job.Status = domain.JobFailed
	job.Error = providerErr
	if err := p.jobs.UpdateJob(ctx, job); err != nil {
		log.Error("failed to close out failed job", slog.String("error", err.Error()))
	}

	handle, err := p.ocr.Submit(ctx, doc.BlobRef)
	if err != nil {
		log.Error("resubmission failed, rescheduling old handle",
			slog.String("error", err.Error()))
		job.Status = domain.JobInProgress
		_ = p.jobs.UpdateJob(ctx, job)
		p.reschedule(ctx, job.Handle, p.basePollDelay)
		return
	}

	now := time.Now().UTC()
	next := &domain.ExternalJob{
		Handle:      handle,
		DocumentID:  doc.ID,
		Kind:        job.Kind,
		Status:      domain.JobSubmitted,
		SubmitCount: job.SubmitCount + 1,
		NextPollAt:  now.Add(p.basePollDelay),
		SubmittedAt: now,
	}
	if err := p.jobs.CreateJob(ctx, next); err != nil {
		log.Error("failed to persist resubmitted job", slog.String("error", err.Error()))
		return
	}
	if err := p.docs.SetExternalJob(ctx, doc.ID, handle); err != nil {
		log.Error("failed to point document at new job", slog.String("error", err.Error()))
	}
	p.reschedule(ctx, handle, p.basePollDelay)

	telemetry.PollerResubmitsTotal.Inc()
	log.Info("ocr job resubmitted",
		slog.String("new_handle", handle),
		slog.Int("submit_count", next.SubmitCount),
	)
}

// failJob closes the job and fails its document.
func (p *Poller) failJob(ctx context.Context, log *slog.Logger, job *domain.ExternalJob, reason string, retryable bool) {
	job.Status = domain.JobFailed
	job.Error = reason
	if err := p.jobs.UpdateJob(ctx, job); err != nil {
		log.Error("failed to persist job failure", slog.String("error", err.Error()))
	}

	doc, err := p.docs.GetDocument(ctx, job.DocumentID)
	if err != nil {
		log.Error("failed to load document for failure", slog.String("error", err.Error()))
		return
	}
	if doc.CurrentStage.IsTerminal() {
		return
	}
	if err := p.docs.MarkFailed(ctx, doc.ID, reason, retryable); err != nil {
		log.Error("failed to fail document", slog.String("error", err.Error()))
		return
	}
	doc.CurrentStage = domain.StageFailed
	doc.FailureReason = reason
	if err := p.state.SetStage(ctx, doc.ID, domain.StageFailed); err != nil {
		log.Warn("failed to cache document failure", slog.String("error", err.Error()))
	}
	telemetry.DocumentsTerminal.WithLabelValues(string(domain.StageFailed)).Inc()
	if doc.BatchID != nil {
		if err := p.batches.OnDocumentTerminal(ctx, doc, domain.OutcomeFailed); err != nil {
			log.Error("batch terminal accounting failed", slog.String("error", err.Error()))
		}
	}
}

// promoteDeferred moves due deferred stage tasks back onto Kafka.
func (p *Poller) promoteDeferred(ctx context.Context) {
	members, err := p.schedule.Claim(ctx, redisstore.QueueDeferred, time.Now(), p.claimLimit)
	if err != nil {
		p.logger.Error("failed to claim deferred tasks", slog.String("error", err.Error()))
		return
	}
	for _, member := range members {
		var task domain.StageTask
		if err := json.Unmarshal([]byte(member), &task); err != nil {
			p.logger.Error("malformed deferred task, dropping",
				slog.String("raw", member), slog.String("error", err.Error()))
			continue
		}
		if err := p.enqueuer.EnqueueStage(ctx, &task); err != nil {
			p.logger.Error("failed to promote deferred task, re-parking",
				slog.String("document_id", task.DocumentID),
				slog.String("error", err.Error()),
			)
			_ = p.schedule.Add(ctx, redisstore.QueueDeferred, member, time.Now().Add(p.basePollDelay))
		}
	}
}

// sweep re-schedules non-terminal jobs whose poll entry was lost, so a
// cache flush cannot orphan a parked document.
func (p *Poller) sweep(ctx context.Context) {
	jobs, err := p.jobs.ListStale(ctx, p.claimLimit)
	if err != nil {
		p.logger.Error("sweep failed to list jobs", slog.String("error", err.Error()))
		return
	}
	for _, job := range jobs {
		due := job.NextPollAt
		if due.IsZero() || due.Before(time.Now()) {
			due = time.Now().Add(p.basePollDelay)
		}
		if err := p.schedule.Add(ctx, redisstore.QueuePoll, job.Handle, due); err != nil {
			p.logger.Error("sweep failed to re-schedule job",
				slog.String("job_handle", job.Handle), slog.String("error", err.Error()))
		}
	}
	if len(jobs) > 0 {
		p.logger.Info("sweep re-scheduled outstanding jobs", slog.Int("count", len(jobs)))
	}
}
