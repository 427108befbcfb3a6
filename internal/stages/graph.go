package stages

import (
	"github.com/google/uuid"

	"github.com/joeott/legal-doc-processor-sub006/internal/domain"
)

// entityGraph indexes canonical entities by position so edge construction
// works on integer indices instead of string IDs.
type entityGraph struct {
	ids   []string
	index map[string]int
}

func newEntityGraph(entities []*domain.CanonicalEntity) *entityGraph {
	g := &entityGraph{
		ids:   make([]string, 0, len(entities)),
		index: make(map[string]int, len(entities)),
	}
	for _, ent := range entities {
		if _, ok := g.index[ent.ID]; ok {
			continue
		}
		g.index[ent.ID] = len(g.ids)
		g.ids = append(g.ids, ent.ID)
	}
	return g
}

// coOccurrenceEdges emits one undirected "co_occurs" edge per unordered
// entity pair, stored with source index < target index so the edge set is
// deterministic across runs.
func (g *entityGraph) coOccurrenceEdges(docID string) []*domain.Relationship {
	n := len(g.ids)
	if n < 2 {
		return nil
	}
	edges := make([]*domain.Relationship, 0, n*(n-1)/2)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			edges = append(edges, &domain.Relationship{
				ID:         uuid.New().String(),
				DocumentID: docID,
				SourceID:   g.ids[i],
				TargetID:   g.ids[j],
				Kind:       "co_occurs",
				Confidence: 1.0,
			})
		}
	}
	return edges
}
