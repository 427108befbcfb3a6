package stages

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/joeott/legal-doc-processor-sub006/internal/domain"
)

// Relationships builds the relationship set between a document's canonical
// entities. With a semantic relater configured it delegates to it; otherwise
// it falls back to structural pairwise co-occurrence edges.
type Relationships struct {
	env *Env
}

// NewRelationships creates the RELATIONSHIP_BUILDING executor.
func NewRelationships(env *Env) *Relationships { return &Relationships{env: env} }

func (r *Relationships) Stage() domain.Stage { return domain.StageRelationshipBuilding }

func (r *Relationships) Execute(ctx context.Context, doc *domain.Document) domain.StageOutcome {
	entities, err := r.env.Artifacts.ListEntities(ctx, doc.ID)
	if err != nil {
		return failure(domain.Transient("ARTIFACT_READ_FAILED", err))
	}

	var edges []*domain.Relationship
	switch {
	case len(entities) < 2:
		// Nothing to relate. The empty set is persisted so replays of the
		// stage converge on the same state.
	case r.env.Relater != nil:
		text, err := r.documentText(ctx, doc)
		if err != nil {
			return failure(err)
		}
		edges, err = r.env.Relater.Relate(ctx, entities, text)
		if err != nil {
			return failure(err)
		}
		for _, edge := range edges {
			if edge.ID == "" {
				edge.ID = uuid.New().String()
			}
			edge.DocumentID = doc.ID
		}
	default:
		edges = newEntityGraph(entities).coOccurrenceEdges(doc.ID)
	}

	if err := r.env.Artifacts.ReplaceRelationships(ctx, doc.ID, edges); err != nil {
		return failure(domain.Transient("ARTIFACT_PERSIST_FAILED", err))
	}

	r.env.Logger.Info("relationships built",
		slog.String("document_id", doc.ID),
		slog.Int("entities", len(entities)),
		slog.Int("relationships", len(edges)),
	)
	return domain.Advance(domain.StageFinalizing)
}

func (r *Relationships) documentText(ctx context.Context, doc *domain.Document) (string, error) {
	if doc.TextRef == "" {
		return "", domain.DataFailure("MISSING_TEXT_REF", nil)
	}
	data, err := r.env.Blob.Get(ctx, doc.TextRef)
	if err != nil {
		return "", domain.Transient("BLOB_UNREACHABLE", err)
	}
	return string(data), nil
}
