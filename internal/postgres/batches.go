package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/joeott/legal-doc-processor-sub006/internal/domain"
)

// BatchRepository persists batch aggregates. The cache layer carries the
// live counters; Postgres carries the durable snapshot written on every
// terminal event so status survives cache eviction.
type BatchRepository interface {
	CreateBatch(ctx context.Context, batch *domain.Batch) error
	GetBatch(ctx context.Context, id string) (*domain.Batch, error)
	UpdateBatchCounters(ctx context.Context, batch *domain.Batch) error
}

func (r *Repository) CreateBatch(ctx context.Context, batch *domain.Batch) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO batches
			(id, total, pending, processing, completed, failed, status, parent_id, created_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`,
		batch.ID, batch.Total, batch.Pending, batch.Processing,
		batch.Completed, batch.Failed, string(batch.Status),
		batch.ParentID, batch.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create batch %s: %w", batch.ID, err)
	}
	return nil
}

func (r *Repository) GetBatch(ctx context.Context, id string) (*domain.Batch, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, total, pending, processing, completed, failed, status,
		       parent_id, created_at, completed_at
		FROM batches
		WHERE id = $1
	`, id)

	var b domain.Batch
	var status string
	err := row.Scan(
		&b.ID, &b.Total, &b.Pending, &b.Processing, &b.Completed, &b.Failed,
		&status, &b.ParentID, &b.CreatedAt, &b.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.BatchNotFoundError{BatchID: id}
		}
		return nil, fmt.Errorf("scan batch %s: %w", id, err)
	}
	b.Status = domain.BatchStatus(status)
	return &b, nil
}

func (r *Repository) UpdateBatchCounters(ctx context.Context, batch *domain.Batch) error {
	var completedAt *time.Time
	if batch.Status == domain.BatchCompleted {
		now := time.Now().UTC()
		completedAt = &now
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE batches
		SET pending = $1, processing = $2, completed = $3, failed = $4,
		    status = $5, completed_at = COALESCE(completed_at, $6)
		WHERE id = $7
	`,
		batch.Pending, batch.Processing, batch.Completed, batch.Failed,
		string(batch.Status), completedAt, batch.ID,
	)
	if err != nil {
		return fmt.Errorf("update batch counters %s: %w", batch.ID, err)
	}
	return nil
}
