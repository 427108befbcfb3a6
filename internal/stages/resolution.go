package stages

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/joeott/legal-doc-processor-sub006/internal/domain"
)

// Resolution deduplicates raw mentions into canonical entities.
type Resolution struct {
	env *Env
}

// NewResolution creates the ENTITY_RESOLUTION executor.
func NewResolution(env *Env) *Resolution { return &Resolution{env: env} }

func (r *Resolution) Stage() domain.Stage { return domain.StageEntityResolution }

func (r *Resolution) Execute(ctx context.Context, doc *domain.Document) domain.StageOutcome {
	mentions, err := r.env.Artifacts.ListMentions(ctx, doc.ID)
	if err != nil {
		return failure(domain.Transient("ARTIFACT_READ_FAILED", err))
	}

	// A document with no mentions resolves to zero entities. The stage
	// still runs so the empty result is recorded deliberately.
	var entities []*domain.CanonicalEntity
	if len(mentions) > 0 {
		entities, err = r.env.Resolver.Resolve(ctx, mentions)
		if err != nil {
			return failure(err)
		}
	}
	for _, ent := range entities {
		if ent.ID == "" {
			ent.ID = uuid.New().String()
		}
		ent.DocumentID = doc.ID
	}

	if err := r.env.Artifacts.ReplaceEntities(ctx, doc.ID, entities); err != nil {
		return failure(domain.Transient("ARTIFACT_PERSIST_FAILED", err))
	}

	r.env.Logger.Info("entities resolved",
		slog.String("document_id", doc.ID),
		slog.Int("mentions", len(mentions)),
		slog.Int("entities", len(entities)),
	)
	return domain.Advance(domain.StageRelationshipBuilding)
}
