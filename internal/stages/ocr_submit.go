package stages

import (
	"context"
	"log/slog"
	"time"

	"github.com/joeott/legal-doc-processor-sub006/internal/domain"
	redisstore "github.com/joeott/legal-doc-processor-sub006/internal/redis"
)

// OCRSubmit hands the document to the external OCR provider and suspends
// the pipeline at OCR_POLLING. The poller resumes it when the job resolves;
// no worker waits on the multi-minute job.
type OCRSubmit struct {
	env *Env
}

// NewOCRSubmit creates the OCR_SUBMITTED executor.
func NewOCRSubmit(env *Env) *OCRSubmit { return &OCRSubmit{env: env} }

func (o *OCRSubmit) Stage() domain.Stage { return domain.StageOCRSubmitted }

func (o *OCRSubmit) Execute(ctx context.Context, doc *domain.Document) domain.StageOutcome {
	// Re-delivered submission task after a crash between CreateJob and
	// advance: reuse the existing job instead of submitting twice.
	if doc.ExternalJobID != nil {
		if _, err := o.env.Jobs.GetJob(ctx, *doc.ExternalJobID); err == nil {
			return domain.Suspend(domain.StageOCRPolling)
		}
	}

	handle, err := o.env.OCR.Submit(ctx, doc.BlobRef)
	if err != nil {
		return failure(domain.Transient("OCR_SUBMIT_FAILED", err))
	}

	now := time.Now().UTC()
	job := &domain.ExternalJob{
		Handle:      handle,
		DocumentID:  doc.ID,
		Kind:        "ocr",
		Status:      domain.JobSubmitted,
		SubmitCount: 1,
		NextPollAt:  now.Add(o.env.InitialPollDelay),
		SubmittedAt: now,
	}
	if err := o.env.Jobs.CreateJob(ctx, job); err != nil {
		return failure(domain.Transient("JOB_PERSIST_FAILED", err))
	}
	if err := o.env.Docs.SetExternalJob(ctx, doc.ID, handle); err != nil {
		return failure(domain.Transient("JOB_PERSIST_FAILED", err))
	}
	if err := o.env.Schedule.Add(ctx, redisstore.QueuePoll, handle, job.NextPollAt); err != nil {
		// The maintenance sweep re-schedules jobs whose entry was lost, so a
		// cache hiccup here is not fatal.
		o.env.Logger.Warn("failed to schedule first poll, sweep will pick it up",
			slog.String("job_handle", handle),
			slog.String("error", err.Error()),
		)
	}

	o.env.Logger.Info("ocr job submitted",
		slog.String("document_id", doc.ID),
		slog.String("job_handle", handle),
		slog.Time("first_poll_at", job.NextPollAt),
	)
	return domain.Suspend(domain.StageOCRPolling)
}
