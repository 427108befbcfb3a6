package stages

import (
	"context"
	"log/slog"

	"github.com/joeott/legal-doc-processor-sub006/internal/domain"
)

// Finalize closes out a fully processed document. All artifacts exist at
// this point; the stage records the summary and hands the document to its
// terminal state.
type Finalize struct {
	env *Env
}

// NewFinalize creates the FINALIZING executor.
func NewFinalize(env *Env) *Finalize { return &Finalize{env: env} }

func (f *Finalize) Stage() domain.Stage { return domain.StageFinalizing }

func (f *Finalize) Execute(ctx context.Context, doc *domain.Document) domain.StageOutcome {
	entityCount, err := f.env.Artifacts.CountEntities(ctx, doc.ID)
	if err != nil {
		return failure(domain.Transient("ARTIFACT_READ_FAILED", err))
	}

	f.env.Logger.Info("document finalized",
		slog.String("document_id", doc.ID),
		slog.String("file_name", doc.FileName),
		slog.Int("entities", entityCount),
	)
	return domain.Advance(domain.StageCompleted)
}
