package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/joeott/legal-doc-processor-sub006/internal/domain"
)

// DocumentRepository abstracts document and stage-record persistence.
// Postgres is the system of record; the cache layer is rebuilt from here
// after an outage.
type DocumentRepository interface {
	// CreateDocument is an atomic create-if-not-exists keyed by document ID,
	// so duplicate submissions of the same ID are idempotent. created is
	// false when the row already existed.
	CreateDocument(ctx context.Context, doc *domain.Document) (created bool, err error)
	GetDocument(ctx context.Context, id string) (*domain.Document, error)
	UpdateDocumentStage(ctx context.Context, id string, stage domain.Stage, failureReason string) error
	// MarkFailed moves the document to FAILED with its reason code and
	// whether the failure class was retryable.
	MarkFailed(ctx context.Context, id, reason string, retryable bool) error
	MarkCancelled(ctx context.Context, id string) error
	// ResetForRecovery rewinds a failed document to the head of the
	// pipeline under a new recovery batch.
	ResetForRecovery(ctx context.Context, id, batchID string) error
	SetExternalJob(ctx context.Context, id, handle string) error
	SetTextRef(ctx context.Context, id, textRef string) error
	UpsertStageRecord(ctx context.Context, rec *domain.StageRecord) error
	ListStageRecords(ctx context.Context, docID string) ([]*domain.StageRecord, error)
	ListBatchDocuments(ctx context.Context, batchID string) ([]*domain.Document, error)
}

// Repository implements all persistence interfaces over one pgx pool.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wraps a pgxpool with the repository interfaces.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

func (r *Repository) CreateDocument(ctx context.Context, doc *domain.Document) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO documents
			(id, file_name, content_type, size_bytes, blob_ref, current_stage,
			 priority, batch_id, created_at, updated_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
	`,
		doc.ID, doc.FileName, doc.ContentType, doc.SizeBytes, doc.BlobRef,
		string(doc.CurrentStage), string(doc.Priority), doc.BatchID,
		doc.CreatedAt, doc.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("create document %s: %w", doc.ID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *Repository) GetDocument(ctx context.Context, id string) (*domain.Document, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, file_name, content_type, size_bytes, blob_ref, text_ref,
		       current_stage, priority, external_job_id, batch_id,
		       failure_reason, failure_retryable, cancelled,
		       created_at, updated_at, completed_at
		FROM documents
		WHERE id = $1
	`, id)
	doc, err := scanDocument(row)
	if err != nil {
		var notFound *domain.DocumentNotFoundError
		if errors.As(err, &notFound) {
			return nil, &domain.DocumentNotFoundError{DocumentID: id}
		}
		return nil, err
	}
	return doc, nil
}

func (r *Repository) UpdateDocumentStage(ctx context.Context, id string, stage domain.Stage, failureReason string) error {
	now := time.Now().UTC()
	var completedAt *time.Time
	if stage.IsTerminal() {
		t := now
		completedAt = &t
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE documents
		SET current_stage = $1, failure_reason = $2, updated_at = $3, completed_at = $4
		WHERE id = $5
	`, string(stage), failureReason, now, completedAt, id)
	if err != nil {
		return fmt.Errorf("update stage for document %s: %w", id, err)
	}
	return nil
}

func (r *Repository) MarkFailed(ctx context.Context, id, reason string, retryable bool) error {
	now := time.Now().UTC()
	_, err := r.pool.Exec(ctx, `
		UPDATE documents
		SET current_stage = $1, failure_reason = $2, failure_retryable = $3,
		    updated_at = $4, completed_at = $4
		WHERE id = $5
	`, string(domain.StageFailed), reason, retryable, now, id)
	if err != nil {
		return fmt.Errorf("mark failed for document %s: %w", id, err)
	}
	return nil
}

func (r *Repository) MarkCancelled(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE documents SET cancelled = TRUE, updated_at = $1 WHERE id = $2
	`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("mark cancelled for document %s: %w", id, err)
	}
	return nil
}

func (r *Repository) ResetForRecovery(ctx context.Context, id, batchID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE documents
		SET current_stage = $1, batch_id = $2, failure_reason = NULL,
		    failure_retryable = FALSE, external_job_id = NULL,
		    completed_at = NULL, updated_at = $3
		WHERE id = $4
	`, string(domain.StageValidating), batchID, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("reset document %s for recovery: %w", id, err)
	}
	return nil
}

func (r *Repository) SetExternalJob(ctx context.Context, id, handle string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE documents SET external_job_id = $1, updated_at = $2 WHERE id = $3
	`, handle, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set external job for document %s: %w", id, err)
	}
	return nil
}

func (r *Repository) SetTextRef(ctx context.Context, id, textRef string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE documents SET text_ref = $1, updated_at = $2 WHERE id = $3
	`, textRef, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set text ref for document %s: %w", id, err)
	}
	return nil
}

// UpsertStageRecord overwrites the single logical record per (document, stage).
func (r *Repository) UpsertStageRecord(ctx context.Context, rec *domain.StageRecord) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO stage_records
			(document_id, stage, status, retry_count, task_id, error, started_at, completed_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (document_id, stage) DO UPDATE SET
			status = EXCLUDED.status,
			retry_count = EXCLUDED.retry_count,
			task_id = EXCLUDED.task_id,
			error = EXCLUDED.error,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at
	`,
		rec.DocumentID, string(rec.Stage), string(rec.Status), rec.RetryCount,
		rec.TaskID, rec.Error, rec.StartedAt, rec.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert stage record %s/%s: %w", rec.DocumentID, rec.Stage, err)
	}
	return nil
}

func (r *Repository) ListStageRecords(ctx context.Context, docID string) ([]*domain.StageRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT document_id, stage, status, retry_count, task_id, error, started_at, completed_at
		FROM stage_records
		WHERE document_id = $1
		ORDER BY started_at ASC NULLS LAST
	`, docID)
	if err != nil {
		return nil, fmt.Errorf("list stage records for %s: %w", docID, err)
	}
	defer rows.Close()

	var recs []*domain.StageRecord
	for rows.Next() {
		var rec domain.StageRecord
		var stage, status string
		if err := rows.Scan(
			&rec.DocumentID, &stage, &status, &rec.RetryCount,
			&rec.TaskID, &rec.Error, &rec.StartedAt, &rec.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("scan stage record: %w", err)
		}
		rec.Stage = domain.Stage(stage)
		rec.Status = domain.StageStatus(status)
		recs = append(recs, &rec)
	}
	return recs, rows.Err()
}

func (r *Repository) ListBatchDocuments(ctx context.Context, batchID string) ([]*domain.Document, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, file_name, content_type, size_bytes, blob_ref, text_ref,
		       current_stage, priority, external_job_id, batch_id,
		       failure_reason, failure_retryable, cancelled,
		       created_at, updated_at, completed_at
		FROM documents
		WHERE batch_id = $1
		ORDER BY created_at ASC
	`, batchID)
	if err != nil {
		return nil, fmt.Errorf("list documents for batch %s: %w", batchID, err)
	}
	defer rows.Close()

	var docs []*domain.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// scanDocument reads a document row from any pgx row type.
func scanDocument(row interface {
	Scan(...any) error
}) (*domain.Document, error) {
	var doc domain.Document
	var stage, priority string
	var textRef, failureReason *string
	err := row.Scan(
		&doc.ID, &doc.FileName, &doc.ContentType, &doc.SizeBytes, &doc.BlobRef,
		&textRef, &stage, &priority, &doc.ExternalJobID, &doc.BatchID,
		&failureReason, &doc.FailureRetryable, &doc.Cancelled,
		&doc.CreatedAt, &doc.UpdatedAt, &doc.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.DocumentNotFoundError{DocumentID: "unknown"}
		}
		return nil, fmt.Errorf("scan document: %w", err)
	}
	doc.CurrentStage = domain.Stage(stage)
	doc.Priority = domain.Priority(priority)
	if textRef != nil {
		doc.TextRef = *textRef
	}
	if failureReason != nil {
		doc.FailureReason = *failureReason
	}
	return &doc, nil
}
