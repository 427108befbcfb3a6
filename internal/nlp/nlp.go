// Package nlp wraps the entity extraction, resolution, and relationship
// collaborator services. Each call runs synchronously inside a stage task
// with its own request timeout.
package nlp

import (
	"context"

	"github.com/joeott/legal-doc-processor-sub006/internal/domain"
)

// Extractor finds raw entity mentions in a chunk of text.
type Extractor interface {
	Extract(ctx context.Context, text string) ([]*domain.Mention, error)
}

// Resolver deduplicates mentions into canonical entities.
type Resolver interface {
	Resolve(ctx context.Context, mentions []*domain.Mention) ([]*domain.CanonicalEntity, error)
}

// Relater types relationships between canonical entities. It is an
// optional collaborator: when absent, relationship building falls back to
// structural pairwise co-occurrence edges.
type Relater interface {
	Relate(ctx context.Context, entities []*domain.CanonicalEntity, docText string) ([]*domain.Relationship, error)
}
