package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/joeott/legal-doc-processor-sub006/internal/domain"
)

// ArtifactRepository persists stage outputs: chunks, entities, relationships.
// Inserts replace any previous artifacts of the same kind for the document,
// so a retried stage never duplicates rows.
type ArtifactRepository interface {
	ReplaceChunks(ctx context.Context, docID string, chunks []*domain.Chunk) error
	ReplaceMentions(ctx context.Context, docID string, mentions []*domain.Mention) error
	ReplaceEntities(ctx context.Context, docID string, entities []*domain.CanonicalEntity) error
	ReplaceRelationships(ctx context.Context, docID string, rels []*domain.Relationship) error
	ListChunks(ctx context.Context, docID string) ([]*domain.Chunk, error)
	ListMentions(ctx context.Context, docID string) ([]*domain.Mention, error)
	ListEntities(ctx context.Context, docID string) ([]*domain.CanonicalEntity, error)
	CountEntities(ctx context.Context, docID string) (int, error)
}

func (r *Repository) ReplaceChunks(ctx context.Context, docID string, chunks []*domain.Chunk) error {
	batch := &pgx.Batch{}
	batch.Queue(`DELETE FROM chunks WHERE document_id = $1`, docID)
	for _, c := range chunks {
		batch.Queue(`
			INSERT INTO chunks (id, document_id, idx, content, char_start, char_end)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, c.ID, c.DocumentID, c.Index, c.Content, c.CharStart, c.CharEnd)
	}
	if err := r.sendBatch(ctx, batch); err != nil {
		return fmt.Errorf("replace chunks for %s: %w", docID, err)
	}
	return nil
}

func (r *Repository) ReplaceMentions(ctx context.Context, docID string, mentions []*domain.Mention) error {
	batch := &pgx.Batch{}
	batch.Queue(`DELETE FROM mentions WHERE document_id = $1`, docID)
	for _, m := range mentions {
		batch.Queue(`
			INSERT INTO mentions (id, document_id, chunk_id, text, label, "offset")
			VALUES ($1, $2, $3, $4, $5, $6)
		`, m.ID, m.DocumentID, m.ChunkID, m.Text, m.Label, m.Offset)
	}
	if err := r.sendBatch(ctx, batch); err != nil {
		return fmt.Errorf("replace mentions for %s: %w", docID, err)
	}
	return nil
}

func (r *Repository) ReplaceEntities(ctx context.Context, docID string, entities []*domain.CanonicalEntity) error {
	batch := &pgx.Batch{}
	batch.Queue(`DELETE FROM canonical_entities WHERE document_id = $1`, docID)
	for _, e := range entities {
		batch.Queue(`
			INSERT INTO canonical_entities (id, document_id, name, kind)
			VALUES ($1, $2, $3, $4)
		`, e.ID, e.DocumentID, e.Name, e.Kind)
	}
	if err := r.sendBatch(ctx, batch); err != nil {
		return fmt.Errorf("replace entities for %s: %w", docID, err)
	}
	return nil
}

func (r *Repository) ReplaceRelationships(ctx context.Context, docID string, rels []*domain.Relationship) error {
	batch := &pgx.Batch{}
	batch.Queue(`DELETE FROM relationships WHERE document_id = $1`, docID)
	for _, rel := range rels {
		batch.Queue(`
			INSERT INTO relationships (id, document_id, source_id, target_id, kind, confidence)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, rel.ID, rel.DocumentID, rel.SourceID, rel.TargetID, rel.Kind, rel.Confidence)
	}
	if err := r.sendBatch(ctx, batch); err != nil {
		return fmt.Errorf("replace relationships for %s: %w", docID, err)
	}
	return nil
}

func (r *Repository) ListChunks(ctx context.Context, docID string) ([]*domain.Chunk, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, document_id, idx, content, char_start, char_end
		FROM chunks
		WHERE document_id = $1
		ORDER BY idx ASC
	`, docID)
	if err != nil {
		return nil, fmt.Errorf("list chunks for %s: %w", docID, err)
	}
	defer rows.Close()

	var chunks []*domain.Chunk
	for rows.Next() {
		var c domain.Chunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Index, &c.Content, &c.CharStart, &c.CharEnd); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		chunks = append(chunks, &c)
	}
	return chunks, rows.Err()
}

func (r *Repository) ListMentions(ctx context.Context, docID string) ([]*domain.Mention, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, document_id, chunk_id, text, label, "offset"
		FROM mentions
		WHERE document_id = $1
		ORDER BY chunk_id, "offset"
	`, docID)
	if err != nil {
		return nil, fmt.Errorf("list mentions for %s: %w", docID, err)
	}
	defer rows.Close()

	var mentions []*domain.Mention
	for rows.Next() {
		var m domain.Mention
		if err := rows.Scan(&m.ID, &m.DocumentID, &m.ChunkID, &m.Text, &m.Label, &m.Offset); err != nil {
			return nil, fmt.Errorf("scan mention: %w", err)
		}
		mentions = append(mentions, &m)
	}
	return mentions, rows.Err()
}

func (r *Repository) ListEntities(ctx context.Context, docID string) ([]*domain.CanonicalEntity, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, document_id, name, kind
		FROM canonical_entities
		WHERE document_id = $1
		ORDER BY name ASC
	`, docID)
	if err != nil {
		return nil, fmt.Errorf("list entities for %s: %w", docID, err)
	}
	defer rows.Close()

	var entities []*domain.CanonicalEntity
	for rows.Next() {
		var e domain.CanonicalEntity
		if err := rows.Scan(&e.ID, &e.DocumentID, &e.Name, &e.Kind); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		entities = append(entities, &e)
	}
	return entities, rows.Err()
}

func (r *Repository) CountEntities(ctx context.Context, docID string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM canonical_entities WHERE document_id = $1`, docID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count entities for %s: %w", docID, err)
	}
	return n, nil
}

// sendBatch runs a pgx batch inside one transaction so delete+insert is
// atomic per document.
func (r *Repository) sendBatch(ctx context.Context, batch *pgx.Batch) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	br := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return err
		}
	}
	if err := br.Close(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
