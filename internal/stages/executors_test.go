package stages_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeott/legal-doc-processor-sub006/internal/domain"
	redisstore "github.com/joeott/legal-doc-processor-sub006/internal/redis"
	"github.com/joeott/legal-doc-processor-sub006/internal/stages"
)

func testDoc(stage domain.Stage) *domain.Document {
	return &domain.Document{
		ID:           "doc-1",
		FileName:     "contract.pdf",
		ContentType:  "application/pdf",
		SizeBytes:    1024,
		BlobRef:      "raw/doc-1",
		CurrentStage: stage,
		Priority:     domain.PriorityNormal,
	}
}

func TestRegistry_AllStagesRegistered(t *testing.T) {
	fx := newFixture()
	reg := stages.NewRegistry()
	stages.RegisterAll(reg, fx.env)

	for _, stage := range []domain.Stage{
		domain.StageValidating,
		domain.StageOCRSubmitted,
		domain.StageChunking,
		domain.StageEntityExtraction,
		domain.StageEntityResolution,
		domain.StageRelationshipBuilding,
		domain.StageFinalizing,
	} {
		exec, err := reg.Get(stage)
		require.NoError(t, err, "stage %s", stage)
		assert.Equal(t, stage, exec.Stage())
	}
}

func TestRegistry_UnknownStage(t *testing.T) {
	reg := stages.NewRegistry()
	_, err := reg.Get(domain.StageChunking)
	require.Error(t, err)

	var noExec *domain.NoExecutorError
	require.ErrorAs(t, err, &noExec)
	assert.Equal(t, domain.StageChunking, noExec.Stage)
}

func TestValidate_Advances(t *testing.T) {
	fx := newFixture()
	doc := testDoc(domain.StageValidating)
	_, err := fx.blob.Put(context.Background(), doc.BlobRef, []byte("%PDF-1.7"), "application/pdf")
	require.NoError(t, err)

	out := stages.NewValidate(fx.env).Execute(context.Background(), doc)
	assert.Equal(t, domain.Advance(domain.StageOCRSubmitted), out)
}

func TestValidate_UnsupportedFormat(t *testing.T) {
	fx := newFixture()
	doc := testDoc(domain.StageValidating)
	doc.ContentType = "application/zip"

	out := stages.NewValidate(fx.env).Execute(context.Background(), doc)
	assert.Equal(t, domain.KindFail, out.Kind)
	assert.Equal(t, "UNSUPPORTED_FORMAT", out.Reason)
	assert.False(t, out.Retryable)
}

func TestValidate_FileTooLarge(t *testing.T) {
	fx := newFixture()
	fx.env.MaxDocumentBytes = 100
	doc := testDoc(domain.StageValidating)
	doc.SizeBytes = 101

	out := stages.NewValidate(fx.env).Execute(context.Background(), doc)
	assert.Equal(t, domain.KindFail, out.Kind)
	assert.Equal(t, "FILE_TOO_LARGE", out.Reason)
	assert.False(t, out.Retryable)
}

func TestValidate_MissingBlobIsRetryable(t *testing.T) {
	fx := newFixture()
	doc := testDoc(domain.StageValidating)

	out := stages.NewValidate(fx.env).Execute(context.Background(), doc)
	assert.Equal(t, domain.KindFail, out.Kind)
	assert.Equal(t, "BLOB_UNREACHABLE", out.Reason)
	assert.True(t, out.Retryable)
}

func TestValidate_EmptyDocument(t *testing.T) {
	fx := newFixture()
	doc := testDoc(domain.StageValidating)
	_, err := fx.blob.Put(context.Background(), doc.BlobRef, nil, "application/pdf")
	require.NoError(t, err)

	out := stages.NewValidate(fx.env).Execute(context.Background(), doc)
	assert.Equal(t, domain.KindFail, out.Kind)
	assert.Equal(t, "EMPTY_DOCUMENT", out.Reason)
	assert.False(t, out.Retryable)
}

func TestOCRSubmit_SuspendsAndSchedulesPoll(t *testing.T) {
	fx := newFixture()
	doc := testDoc(domain.StageOCRSubmitted)

	out := stages.NewOCRSubmit(fx.env).Execute(context.Background(), doc)
	assert.Equal(t, domain.Suspend(domain.StageOCRPolling), out)

	job, err := fx.jobs.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, doc.ID, job.DocumentID)
	assert.Equal(t, domain.JobSubmitted, job.Status)
	assert.Equal(t, 1, job.SubmitCount)
	assert.WithinDuration(t, time.Now().Add(fx.env.InitialPollDelay), job.NextPollAt, 2*time.Second)

	assert.Equal(t, "job-1", fx.docs.jobRefs[doc.ID])
	assert.Equal(t, []string{"job-1"}, fx.schedule.added[redisstore.QueuePoll])
}

func TestOCRSubmit_RedeliveryReusesExistingJob(t *testing.T) {
	fx := newFixture()
	doc := testDoc(domain.StageOCRSubmitted)
	handle := "job-existing"
	doc.ExternalJobID = &handle
	require.NoError(t, fx.jobs.CreateJob(context.Background(), &domain.ExternalJob{
		Handle: handle, DocumentID: doc.ID, Kind: "ocr", Status: domain.JobInProgress,
	}))

	out := stages.NewOCRSubmit(fx.env).Execute(context.Background(), doc)
	assert.Equal(t, domain.Suspend(domain.StageOCRPolling), out)
	// No second submission happened.
	assert.Empty(t, fx.schedule.added[redisstore.QueuePoll])
	_, err := fx.jobs.GetJob(context.Background(), "job-1")
	assert.Error(t, err)
}

func TestOCRSubmit_SubmitFailureIsRetryable(t *testing.T) {
	fx := newFixture()
	fx.ocr.submitErr = errBoom
	doc := testDoc(domain.StageOCRSubmitted)

	out := stages.NewOCRSubmit(fx.env).Execute(context.Background(), doc)
	assert.Equal(t, domain.KindFail, out.Kind)
	assert.Equal(t, "OCR_SUBMIT_FAILED", out.Reason)
	assert.True(t, out.Retryable)
}

func TestOCRSubmit_ScheduleOutageIsNotFatal(t *testing.T) {
	fx := newFixture()
	fx.schedule.addErr = errBoom
	doc := testDoc(domain.StageOCRSubmitted)

	out := stages.NewOCRSubmit(fx.env).Execute(context.Background(), doc)
	assert.Equal(t, domain.Suspend(domain.StageOCRPolling), out)
}

func TestChunking_PersistsChunksAndAdvances(t *testing.T) {
	fx := newFixture()
	doc := testDoc(domain.StageChunking)
	doc.TextRef = "text/doc-1"
	text := strings.Repeat("The plaintiff alleges breach of contract. ", 200)
	_, err := fx.blob.Put(context.Background(), doc.TextRef, []byte(text), "text/plain")
	require.NoError(t, err)

	out := stages.NewChunking(fx.env).Execute(context.Background(), doc)
	assert.Equal(t, domain.Advance(domain.StageEntityExtraction), out)

	chunks, err := fx.artifacts.ListChunks(context.Background(), doc.ID)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	for i, c := range chunks {
		assert.Equal(t, doc.ID, c.DocumentID)
		assert.Equal(t, i, c.Index)
		assert.NotEmpty(t, c.ID)
		assert.LessOrEqual(t, len(c.Content), fx.env.ChunkSize)
	}
}

func TestChunking_MissingTextRef(t *testing.T) {
	fx := newFixture()
	doc := testDoc(domain.StageChunking)

	out := stages.NewChunking(fx.env).Execute(context.Background(), doc)
	assert.Equal(t, domain.KindFail, out.Kind)
	assert.Equal(t, "MISSING_TEXT_REF", out.Reason)
	assert.False(t, out.Retryable)
}

func TestChunking_EmptyTextFailsInsteadOfAdvancing(t *testing.T) {
	fx := newFixture()
	doc := testDoc(domain.StageChunking)
	doc.TextRef = "text/doc-1"
	_, err := fx.blob.Put(context.Background(), doc.TextRef, []byte("  \n\n "), "text/plain")
	require.NoError(t, err)

	out := stages.NewChunking(fx.env).Execute(context.Background(), doc)
	assert.Equal(t, domain.KindFail, out.Kind)
	assert.Equal(t, "EMPTY_TEXT", out.Reason)
}

func seedChunks(t *testing.T, fx *testFixture, docID string, contents ...string) {
	t.Helper()
	chunks := make([]*domain.Chunk, len(contents))
	for i, c := range contents {
		chunks[i] = &domain.Chunk{ID: "chunk-" + c, DocumentID: docID, Index: i, Content: c}
	}
	require.NoError(t, fx.artifacts.ReplaceChunks(context.Background(), docID, chunks))
}

func TestExtraction_CollectsMentionsAcrossChunks(t *testing.T) {
	fx := newFixture()
	doc := testDoc(domain.StageEntityExtraction)
	seedChunks(t, fx, doc.ID, "a", "b", "c")
	fx.extractor.perChunk = []*domain.Mention{
		{Text: "Acme Corp", Label: "ORG"},
		{Text: "Jane Roe", Label: "PERSON"},
	}

	out := stages.NewExtraction(fx.env).Execute(context.Background(), doc)
	assert.Equal(t, domain.Advance(domain.StageEntityResolution), out)
	assert.Equal(t, 3, fx.extractor.calls)

	mentions, err := fx.artifacts.ListMentions(context.Background(), doc.ID)
	require.NoError(t, err)
	require.Len(t, mentions, 6)
	for _, m := range mentions {
		assert.NotEmpty(t, m.ID)
		assert.Equal(t, doc.ID, m.DocumentID)
		assert.NotEmpty(t, m.ChunkID)
	}
}

func TestExtraction_ZeroMentionsStillAdvances(t *testing.T) {
	fx := newFixture()
	doc := testDoc(domain.StageEntityExtraction)
	seedChunks(t, fx, doc.ID, "nothing here")

	out := stages.NewExtraction(fx.env).Execute(context.Background(), doc)
	assert.Equal(t, domain.Advance(domain.StageEntityResolution), out)
}

func TestExtraction_NoChunksIsDataFailure(t *testing.T) {
	fx := newFixture()
	doc := testDoc(domain.StageEntityExtraction)

	out := stages.NewExtraction(fx.env).Execute(context.Background(), doc)
	assert.Equal(t, domain.KindFail, out.Kind)
	assert.Equal(t, "NO_CHUNKS", out.Reason)
	assert.False(t, out.Retryable)
}

func TestExtraction_ClassifiedCollaboratorError(t *testing.T) {
	fx := newFixture()
	doc := testDoc(domain.StageEntityExtraction)
	seedChunks(t, fx, doc.ID, "a")
	fx.extractor.err = domain.ResourceFailure("NLP_REJECTED_INPUT", errBoom)

	out := stages.NewExtraction(fx.env).Execute(context.Background(), doc)
	assert.Equal(t, domain.KindFail, out.Kind)
	assert.Equal(t, "NLP_REJECTED_INPUT", out.Reason)
	assert.False(t, out.Retryable)
}

func TestExtraction_UnclassifiedErrorDefaultsTransient(t *testing.T) {
	fx := newFixture()
	doc := testDoc(domain.StageEntityExtraction)
	seedChunks(t, fx, doc.ID, "a")
	fx.extractor.err = errBoom

	out := stages.NewExtraction(fx.env).Execute(context.Background(), doc)
	assert.Equal(t, domain.KindFail, out.Kind)
	assert.True(t, out.Retryable)
}

func TestResolution_PersistsEntities(t *testing.T) {
	fx := newFixture()
	doc := testDoc(domain.StageEntityResolution)
	require.NoError(t, fx.artifacts.ReplaceMentions(context.Background(), doc.ID, []*domain.Mention{
		{ID: "m1", Text: "Acme Corp"}, {ID: "m2", Text: "ACME Corporation"},
	}))
	fx.resolver.entities = []*domain.CanonicalEntity{
		{Name: "Acme Corp", Kind: "ORG", MentionIDs: []string{"m1", "m2"}},
	}

	out := stages.NewResolution(fx.env).Execute(context.Background(), doc)
	assert.Equal(t, domain.Advance(domain.StageRelationshipBuilding), out)

	entities, err := fx.artifacts.ListEntities(context.Background(), doc.ID)
	require.NoError(t, err)
	require.Len(t, entities, 1)
	assert.NotEmpty(t, entities[0].ID)
	assert.Equal(t, doc.ID, entities[0].DocumentID)
}

func TestResolution_NoMentionsSkipsResolver(t *testing.T) {
	fx := newFixture()
	doc := testDoc(domain.StageEntityResolution)
	fx.resolver.err = errBoom // would fail if called

	out := stages.NewResolution(fx.env).Execute(context.Background(), doc)
	assert.Equal(t, domain.Advance(domain.StageRelationshipBuilding), out)
}

func TestRelationships_CoOccurrenceFallback(t *testing.T) {
	fx := newFixture()
	doc := testDoc(domain.StageRelationshipBuilding)
	require.NoError(t, fx.artifacts.ReplaceEntities(context.Background(), doc.ID, []*domain.CanonicalEntity{
		{ID: "e1"}, {ID: "e2"}, {ID: "e3"},
	}))

	out := stages.NewRelationships(fx.env).Execute(context.Background(), doc)
	assert.Equal(t, domain.Advance(domain.StageFinalizing), out)

	rels, err := fx.artifacts.ListRelationships(context.Background(), doc.ID)
	require.NoError(t, err)
	require.Len(t, rels, 3)
	for _, r := range rels {
		assert.Equal(t, "co_occurs", r.Kind)
	}
}

func TestRelationships_SemanticRelaterPreferred(t *testing.T) {
	fx := newFixture()
	doc := testDoc(domain.StageRelationshipBuilding)
	doc.TextRef = "text/doc-1"
	_, err := fx.blob.Put(context.Background(), doc.TextRef, []byte("full text"), "text/plain")
	require.NoError(t, err)
	require.NoError(t, fx.artifacts.ReplaceEntities(context.Background(), doc.ID, []*domain.CanonicalEntity{
		{ID: "e1"}, {ID: "e2"},
	}))
	relater := &fakeRelater{edges: []*domain.Relationship{
		{SourceID: "e1", TargetID: "e2", Kind: "represents", Confidence: 0.9},
	}}
	fx.env.Relater = relater

	out := stages.NewRelationships(fx.env).Execute(context.Background(), doc)
	assert.Equal(t, domain.Advance(domain.StageFinalizing), out)
	assert.Equal(t, "full text", relater.text)

	rels, err := fx.artifacts.ListRelationships(context.Background(), doc.ID)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, "represents", rels[0].Kind)
	assert.Equal(t, doc.ID, rels[0].DocumentID)
	assert.NotEmpty(t, rels[0].ID)
}

func TestRelationships_SingleEntityPersistsEmptySet(t *testing.T) {
	fx := newFixture()
	doc := testDoc(domain.StageRelationshipBuilding)
	require.NoError(t, fx.artifacts.ReplaceEntities(context.Background(), doc.ID, []*domain.CanonicalEntity{
		{ID: "e1"},
	}))

	out := stages.NewRelationships(fx.env).Execute(context.Background(), doc)
	assert.Equal(t, domain.Advance(domain.StageFinalizing), out)

	rels, err := fx.artifacts.ListRelationships(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Empty(t, rels)
}

func TestFinalize_Completes(t *testing.T) {
	fx := newFixture()
	doc := testDoc(domain.StageFinalizing)

	out := stages.NewFinalize(fx.env).Execute(context.Background(), doc)
	assert.Equal(t, domain.Advance(domain.StageCompleted), out)
}
