package stages

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/joeott/legal-doc-processor-sub006/internal/domain"
)

// Extraction runs the entity extractor over every chunk.
// Zero mentions is a valid result; extraction errors are classified and
// never silently advanced past.
type Extraction struct {
	env *Env
}

// NewExtraction creates the ENTITY_EXTRACTION executor.
func NewExtraction(env *Env) *Extraction { return &Extraction{env: env} }

func (e *Extraction) Stage() domain.Stage { return domain.StageEntityExtraction }

func (e *Extraction) Execute(ctx context.Context, doc *domain.Document) domain.StageOutcome {
	chunks, err := e.env.Artifacts.ListChunks(ctx, doc.ID)
	if err != nil {
		return failure(domain.Transient("ARTIFACT_READ_FAILED", err))
	}
	if len(chunks) == 0 {
		return failure(domain.DataFailure("NO_CHUNKS", nil))
	}

	var mentions []*domain.Mention
	for _, chunk := range chunks {
		found, err := e.env.Extractor.Extract(ctx, chunk.Content)
		if err != nil {
			return failure(err)
		}
		for _, m := range found {
			m.ID = uuid.New().String()
			m.DocumentID = doc.ID
			m.ChunkID = chunk.ID
			mentions = append(mentions, m)
		}
	}

	if err := e.env.Artifacts.ReplaceMentions(ctx, doc.ID, mentions); err != nil {
		return failure(domain.Transient("ARTIFACT_PERSIST_FAILED", err))
	}

	e.env.Logger.Info("entities extracted",
		slog.String("document_id", doc.ID),
		slog.Int("mentions", len(mentions)),
		slog.Int("chunks", len(chunks)),
	)
	return domain.Advance(domain.StageEntityResolution)
}
