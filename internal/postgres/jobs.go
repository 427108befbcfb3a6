package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/joeott/legal-doc-processor-sub006/internal/domain"
)

// JobRepository persists external asynchronous jobs (OCR in the baseline).
type JobRepository interface {
	CreateJob(ctx context.Context, job *domain.ExternalJob) error
	GetJob(ctx context.Context, handle string) (*domain.ExternalJob, error)
	UpdateJob(ctx context.Context, job *domain.ExternalJob) error
	// ListStale returns non-terminal jobs, oldest first; the poller's
	// maintenance sweep uses it to find jobs whose schedule entry was lost.
	ListStale(ctx context.Context, limit int) ([]*domain.ExternalJob, error)
}

func (r *Repository) CreateJob(ctx context.Context, job *domain.ExternalJob) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO external_jobs
			(handle, document_id, kind, status, poll_count, submit_count,
			 next_poll_at, submitted_at, result_ref, error)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		job.Handle, job.DocumentID, job.Kind, string(job.Status),
		job.PollCount, job.SubmitCount, job.NextPollAt, job.SubmittedAt,
		job.ResultRef, job.Error,
	)
	if err != nil {
		return fmt.Errorf("create external job %s: %w", job.Handle, err)
	}
	return nil
}

func (r *Repository) GetJob(ctx context.Context, handle string) (*domain.ExternalJob, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT handle, document_id, kind, status, poll_count, submit_count,
		       next_poll_at, submitted_at, result_ref, error
		FROM external_jobs
		WHERE handle = $1
	`, handle)
	return scanJob(row, handle)
}

func (r *Repository) UpdateJob(ctx context.Context, job *domain.ExternalJob) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE external_jobs
		SET status = $1, poll_count = $2, submit_count = $3, next_poll_at = $4,
		    result_ref = $5, error = $6
		WHERE handle = $7
	`,
		string(job.Status), job.PollCount, job.SubmitCount, job.NextPollAt,
		job.ResultRef, job.Error, job.Handle,
	)
	if err != nil {
		return fmt.Errorf("update external job %s: %w", job.Handle, err)
	}
	return nil
}

func (r *Repository) ListStale(ctx context.Context, limit int) ([]*domain.ExternalJob, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT handle, document_id, kind, status, poll_count, submit_count,
		       next_poll_at, submitted_at, result_ref, error
		FROM external_jobs
		WHERE status NOT IN ('succeeded', 'failed')
		ORDER BY submitted_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.ExternalJob
	for rows.Next() {
		job, err := scanJob(rows, "")
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scanJob(row interface {
	Scan(...any) error
}, handle string) (*domain.ExternalJob, error) {
	var job domain.ExternalJob
	var status string
	err := row.Scan(
		&job.Handle, &job.DocumentID, &job.Kind, &status,
		&job.PollCount, &job.SubmitCount, &job.NextPollAt, &job.SubmittedAt,
		&job.ResultRef, &job.Error,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.JobNotFoundError{Handle: handle}
		}
		return nil, fmt.Errorf("scan external job: %w", err)
	}
	job.Status = domain.JobStatus(status)
	return &job, nil
}
