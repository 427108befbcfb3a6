package stages_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/joeott/legal-doc-processor-sub006/internal/blob"
	"github.com/joeott/legal-doc-processor-sub006/internal/domain"
	"github.com/joeott/legal-doc-processor-sub006/internal/ocr"
	"github.com/joeott/legal-doc-processor-sub006/internal/stages"
)

// fakeDocs records document mutations in memory.
type fakeDocs struct {
	mu       sync.Mutex
	docs     map[string]*domain.Document
	jobRefs  map[string]string
	textRefs map[string]string
}

func newFakeDocs() *fakeDocs {
	return &fakeDocs{
		docs:     make(map[string]*domain.Document),
		jobRefs:  make(map[string]string),
		textRefs: make(map[string]string),
	}
}

func (f *fakeDocs) CreateDocument(_ context.Context, doc *domain.Document) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.docs[doc.ID]; ok {
		return false, nil
	}
	f.docs[doc.ID] = doc
	return true, nil
}

func (f *fakeDocs) GetDocument(_ context.Context, id string) (*domain.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok {
		return nil, &domain.DocumentNotFoundError{DocumentID: id}
	}
	return doc, nil
}

func (f *fakeDocs) UpdateDocumentStage(_ context.Context, id string, stage domain.Stage, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if doc, ok := f.docs[id]; ok {
		doc.CurrentStage = stage
		doc.FailureReason = reason
	}
	return nil
}

func (f *fakeDocs) MarkFailed(_ context.Context, id, reason string, retryable bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if doc, ok := f.docs[id]; ok {
		doc.CurrentStage = domain.StageFailed
		doc.FailureReason = reason
		doc.FailureRetryable = retryable
	}
	return nil
}

func (f *fakeDocs) MarkCancelled(_ context.Context, id string) error { return nil }

func (f *fakeDocs) ResetForRecovery(_ context.Context, id, batchID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if doc, ok := f.docs[id]; ok {
		doc.CurrentStage = domain.StageValidating
		doc.BatchID = &batchID
	}
	return nil
}

func (f *fakeDocs) SetExternalJob(_ context.Context, id, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobRefs[id] = handle
	return nil
}

func (f *fakeDocs) SetTextRef(_ context.Context, id, textRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.textRefs[id] = textRef
	return nil
}

func (f *fakeDocs) UpsertStageRecord(_ context.Context, _ *domain.StageRecord) error { return nil }

func (f *fakeDocs) ListStageRecords(_ context.Context, _ string) ([]*domain.StageRecord, error) {
	return nil, nil
}

func (f *fakeDocs) ListBatchDocuments(_ context.Context, _ string) ([]*domain.Document, error) {
	return nil, nil
}

// fakeJobs stores external jobs keyed by handle.
type fakeJobs struct {
	mu   sync.Mutex
	jobs map[string]*domain.ExternalJob
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{jobs: make(map[string]*domain.ExternalJob)}
}

func (f *fakeJobs) CreateJob(_ context.Context, job *domain.ExternalJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.Handle] = job
	return nil
}

func (f *fakeJobs) GetJob(_ context.Context, handle string) (*domain.ExternalJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[handle]
	if !ok {
		return nil, &domain.JobNotFoundError{Handle: handle}
	}
	return job, nil
}

func (f *fakeJobs) UpdateJob(_ context.Context, job *domain.ExternalJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.Handle] = job
	return nil
}

func (f *fakeJobs) ListStale(_ context.Context, _ int) ([]*domain.ExternalJob, error) {
	return nil, nil
}

// fakeArtifacts keeps stage outputs in memory, one set per document.
type fakeArtifacts struct {
	mu            sync.Mutex
	chunks        map[string][]*domain.Chunk
	mentions      map[string][]*domain.Mention
	entities      map[string][]*domain.CanonicalEntity
	relationships map[string][]*domain.Relationship
	failReplace   error
}

func newFakeArtifacts() *fakeArtifacts {
	return &fakeArtifacts{
		chunks:        make(map[string][]*domain.Chunk),
		mentions:      make(map[string][]*domain.Mention),
		entities:      make(map[string][]*domain.CanonicalEntity),
		relationships: make(map[string][]*domain.Relationship),
	}
}

func (f *fakeArtifacts) ReplaceChunks(_ context.Context, docID string, chunks []*domain.Chunk) error {
	if f.failReplace != nil {
		return f.failReplace
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks[docID] = chunks
	return nil
}

func (f *fakeArtifacts) ReplaceMentions(_ context.Context, docID string, mentions []*domain.Mention) error {
	if f.failReplace != nil {
		return f.failReplace
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mentions[docID] = mentions
	return nil
}

func (f *fakeArtifacts) ReplaceEntities(_ context.Context, docID string, entities []*domain.CanonicalEntity) error {
	if f.failReplace != nil {
		return f.failReplace
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entities[docID] = entities
	return nil
}

func (f *fakeArtifacts) ReplaceRelationships(_ context.Context, docID string, rels []*domain.Relationship) error {
	if f.failReplace != nil {
		return f.failReplace
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.relationships[docID] = rels
	return nil
}

func (f *fakeArtifacts) ListChunks(_ context.Context, docID string) ([]*domain.Chunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chunks[docID], nil
}

func (f *fakeArtifacts) ListMentions(_ context.Context, docID string) ([]*domain.Mention, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mentions[docID], nil
}

func (f *fakeArtifacts) ListEntities(_ context.Context, docID string) ([]*domain.CanonicalEntity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entities[docID], nil
}

// ListRelationships is test-only inspection; the pipeline itself never
// reads relationships back.
func (f *fakeArtifacts) ListRelationships(_ context.Context, docID string) ([]*domain.Relationship, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.relationships[docID], nil
}

func (f *fakeArtifacts) CountEntities(_ context.Context, docID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entities[docID]), nil
}

// fakeSchedule records Add calls.
type fakeSchedule struct {
	mu      sync.Mutex
	added   map[string][]string
	addErr  error
	removed map[string][]string
}

func newFakeSchedule() *fakeSchedule {
	return &fakeSchedule{
		added:   make(map[string][]string),
		removed: make(map[string][]string),
	}
}

func (f *fakeSchedule) Add(_ context.Context, queue, member string, _ time.Time) error {
	if f.addErr != nil {
		return f.addErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added[queue] = append(f.added[queue], member)
	return nil
}

func (f *fakeSchedule) Claim(_ context.Context, _ string, _ time.Time, _ int) ([]string, error) {
	return nil, nil
}

func (f *fakeSchedule) Remove(_ context.Context, queue, member string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed[queue] = append(f.removed[queue], member)
	return nil
}

// fakeOCR returns canned submit/poll answers.
type fakeOCR struct {
	handle    string
	submitErr error
	poll      ocr.PollResult
	pollErr   error
}

func (f *fakeOCR) Submit(_ context.Context, _ string) (string, error) {
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return f.handle, nil
}

func (f *fakeOCR) Poll(_ context.Context, _ string) (ocr.PollResult, error) {
	if f.pollErr != nil {
		return ocr.PollResult{}, f.pollErr
	}
	return f.poll, nil
}

// fakeExtractor emits fixed mentions per call, or an error.
type fakeExtractor struct {
	perChunk []*domain.Mention
	err      error
	calls    int
}

func (f *fakeExtractor) Extract(_ context.Context, _ string) ([]*domain.Mention, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([]*domain.Mention, len(f.perChunk))
	for i, m := range f.perChunk {
		cp := *m
		out[i] = &cp
	}
	return out, nil
}

type fakeResolver struct {
	entities []*domain.CanonicalEntity
	err      error
}

func (f *fakeResolver) Resolve(_ context.Context, _ []*domain.Mention) ([]*domain.CanonicalEntity, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.entities, nil
}

type fakeRelater struct {
	edges []*domain.Relationship
	err   error
	text  string
}

func (f *fakeRelater) Relate(_ context.Context, _ []*domain.CanonicalEntity, docText string) ([]*domain.Relationship, error) {
	f.text = docText
	if f.err != nil {
		return nil, f.err
	}
	return f.edges, nil
}

// testFixture bundles an Env with handles to every fake.
type testFixture struct {
	env       *stages.Env
	blob      *blob.Memory
	docs      *fakeDocs
	jobs      *fakeJobs
	artifacts *fakeArtifacts
	schedule  *fakeSchedule
	ocr       *fakeOCR
	extractor *fakeExtractor
	resolver  *fakeResolver
}

func newFixture() *testFixture {
	f := &testFixture{
		blob:      blob.NewMemory(),
		docs:      newFakeDocs(),
		jobs:      newFakeJobs(),
		artifacts: newFakeArtifacts(),
		schedule:  newFakeSchedule(),
		ocr:       &fakeOCR{handle: "job-1"},
		extractor: &fakeExtractor{},
		resolver:  &fakeResolver{},
	}
	f.env = &stages.Env{
		Blob:      f.blob,
		OCR:       f.ocr,
		Extractor: f.extractor,
		Resolver:  f.resolver,
		Docs:      f.docs,
		Jobs:      f.jobs,
		Artifacts: f.artifacts,
		Schedule:  f.schedule,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),

		MaxDocumentBytes: 10 << 20,
		ChunkSize:        2000,
		InitialPollDelay: 5 * time.Second,
	}
	return f
}

var errBoom = errors.New("boom")
