// Package stages implements one executor per pipeline stage. Executors run
// inside worker tasks under the orchestrator's lock/idempotency protocol and
// report what should happen next through a StageOutcome.
package stages

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/joeott/legal-doc-processor-sub006/internal/blob"
	"github.com/joeott/legal-doc-processor-sub006/internal/domain"
	"github.com/joeott/legal-doc-processor-sub006/internal/nlp"
	"github.com/joeott/legal-doc-processor-sub006/internal/ocr"
	"github.com/joeott/legal-doc-processor-sub006/internal/postgres"
	redisstore "github.com/joeott/legal-doc-processor-sub006/internal/redis"
)

// Executor is the stage-executor contract: each stage is exactly one unit
// satisfying it, so stage logic is never duplicated across call sites.
type Executor interface {
	Stage() domain.Stage
	Execute(ctx context.Context, doc *domain.Document) domain.StageOutcome
}

// Env holds the collaborator and store handles executors share. Everything
// is passed in explicitly; there are no process-wide singletons.
type Env struct {
	Blob      blob.Store
	OCR       ocr.Client
	Extractor nlp.Extractor
	Resolver  nlp.Resolver
	Relater   nlp.Relater // nil = structural co-occurrence only
	Docs      postgres.DocumentRepository
	Jobs      postgres.JobRepository
	Artifacts postgres.ArtifactRepository
	Schedule  redisstore.Schedule
	Logger    *slog.Logger

	MaxDocumentBytes int64
	ChunkSize        int
	InitialPollDelay time.Duration
}

// Registry maps stages to their executors.
type Registry struct {
	mu        sync.RWMutex
	executors map[domain.Stage]Executor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[domain.Stage]Executor)}
}

// Register adds an executor. Safe to call concurrently.
func (r *Registry) Register(e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[e.Stage()] = e
}

// Get returns the executor for the given stage.
// Returns NoExecutorError if not registered.
func (r *Registry) Get(stage domain.Stage) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[stage]
	if !ok {
		return nil, &domain.NoExecutorError{Stage: stage}
	}
	return e, nil
}

// RegisterAll wires every stage executor against one Env.
func RegisterAll(r *Registry, env *Env) {
	r.Register(NewValidate(env))
	r.Register(NewOCRSubmit(env))
	r.Register(NewChunking(env))
	r.Register(NewExtraction(env))
	r.Register(NewResolution(env))
	r.Register(NewRelationships(env))
	r.Register(NewFinalize(env))
}

// failure converts a classified error into the matching outcome.
// Retryable classes get the backoff path; terminal ones fail the document.
func failure(err error) domain.StageOutcome {
	class := domain.Classify(err)
	return domain.Fail(domain.ReasonOf(err), class.Retryable())
}
