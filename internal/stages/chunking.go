package stages

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/joeott/legal-doc-processor-sub006/internal/domain"
)

// Chunking slices the OCR text into NLP-sized chunks and persists them.
type Chunking struct {
	env *Env
}

// NewChunking creates the CHUNKING executor.
func NewChunking(env *Env) *Chunking { return &Chunking{env: env} }

func (c *Chunking) Stage() domain.Stage { return domain.StageChunking }

func (c *Chunking) Execute(ctx context.Context, doc *domain.Document) domain.StageOutcome {
	if doc.TextRef == "" {
		return failure(domain.DataFailure("MISSING_TEXT_REF", nil))
	}

	raw, err := c.env.Blob.Get(ctx, doc.TextRef)
	if err != nil {
		return failure(domain.Transient("BLOB_UNREACHABLE", err))
	}
	text := string(raw)
	if strings.TrimSpace(text) == "" {
		// OCR produced nothing usable. Never silently advanced.
		return failure(domain.DataFailure("EMPTY_TEXT", nil))
	}

	spans := splitText(text, c.env.ChunkSize)
	chunks := make([]*domain.Chunk, len(spans))
	for i, sp := range spans {
		chunks[i] = &domain.Chunk{
			ID:         uuid.New().String(),
			DocumentID: doc.ID,
			Index:      i,
			Content:    text[sp.start:sp.end],
			CharStart:  sp.start,
			CharEnd:    sp.end,
		}
	}
	if err := c.env.Artifacts.ReplaceChunks(ctx, doc.ID, chunks); err != nil {
		return failure(domain.Transient("ARTIFACT_PERSIST_FAILED", err))
	}

	c.env.Logger.Info("document chunked",
		slog.String("document_id", doc.ID),
		slog.Int("chunks", len(chunks)),
		slog.Int("text_len", len(text)),
	)
	return domain.Advance(domain.StageEntityExtraction)
}
