package poller

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeott/legal-doc-processor-sub006/internal/domain"
	"github.com/joeott/legal-doc-processor-sub006/internal/ocr"
	redisstore "github.com/joeott/legal-doc-processor-sub006/internal/redis"
)

// ── mocks ────────────────────────────────────────────────────────────────────

type fakeOCR struct {
	polls      []ocr.PollResult
	pollCalls  int
	submits    int
	nextHandle string
}

func (f *fakeOCR) Submit(_ context.Context, _ string) (string, error) {
	f.submits++
	return f.nextHandle, nil
}

func (f *fakeOCR) Poll(_ context.Context, _ string) (ocr.PollResult, error) {
	i := f.pollCalls
	f.pollCalls++
	if i >= len(f.polls) {
		i = len(f.polls) - 1
	}
	return f.polls[i], nil
}

type fakeDocs struct {
	docs     map[string]*domain.Document
	textRefs map[string]string
	jobRefs  map[string]string
}

func newFakeDocs(docs ...*domain.Document) *fakeDocs {
	f := &fakeDocs{
		docs:     make(map[string]*domain.Document),
		textRefs: make(map[string]string),
		jobRefs:  make(map[string]string),
	}
	for _, d := range docs {
		f.docs[d.ID] = d
	}
	return f
}

func (f *fakeDocs) CreateDocument(_ context.Context, doc *domain.Document) (bool, error) {
	f.docs[doc.ID] = doc
	return true, nil
}
func (f *fakeDocs) GetDocument(_ context.Context, id string) (*domain.Document, error) {
	doc, ok := f.docs[id]
	if !ok {
		return nil, &domain.DocumentNotFoundError{DocumentID: id}
	}
	return doc, nil
}
func (f *fakeDocs) UpdateDocumentStage(_ context.Context, id string, stage domain.Stage, reason string) error {
	if doc, ok := f.docs[id]; ok {
		doc.CurrentStage = stage
		doc.FailureReason = reason
	}
	return nil
}
func (f *fakeDocs) MarkFailed(_ context.Context, id, reason string, retryable bool) error {
	if doc, ok := f.docs[id]; ok {
		doc.CurrentStage = domain.StageFailed
		doc.FailureReason = reason
		doc.FailureRetryable = retryable
	}
	return nil
}
func (f *fakeDocs) MarkCancelled(_ context.Context, _ string) error            { return nil }
func (f *fakeDocs) ResetForRecovery(_ context.Context, _, _ string) error      { return nil }
func (f *fakeDocs) SetExternalJob(_ context.Context, id, handle string) error {
	f.jobRefs[id] = handle
	return nil
}
func (f *fakeDocs) SetTextRef(_ context.Context, id, textRef string) error {
	f.textRefs[id] = textRef
	if doc, ok := f.docs[id]; ok {
		doc.TextRef = textRef
	}
	return nil
}
func (f *fakeDocs) UpsertStageRecord(_ context.Context, _ *domain.StageRecord) error { return nil }
func (f *fakeDocs) ListStageRecords(_ context.Context, _ string) ([]*domain.StageRecord, error) {
	return nil, nil
}
func (f *fakeDocs) ListBatchDocuments(_ context.Context, _ string) ([]*domain.Document, error) {
	return nil, nil
}

type fakeJobs struct {
	jobs map[string]*domain.ExternalJob
}

func newFakeJobs(jobs ...*domain.ExternalJob) *fakeJobs {
	f := &fakeJobs{jobs: make(map[string]*domain.ExternalJob)}
	for _, j := range jobs {
		f.jobs[j.Handle] = j
	}
	return f
}

func (f *fakeJobs) CreateJob(_ context.Context, job *domain.ExternalJob) error {
	f.jobs[job.Handle] = job
	return nil
}
func (f *fakeJobs) GetJob(_ context.Context, handle string) (*domain.ExternalJob, error) {
	job, ok := f.jobs[handle]
	if !ok {
		return nil, &domain.JobNotFoundError{Handle: handle}
	}
	return job, nil
}
func (f *fakeJobs) UpdateJob(_ context.Context, job *domain.ExternalJob) error {
	f.jobs[job.Handle] = job
	return nil
}
func (f *fakeJobs) ListStale(_ context.Context, _ int) ([]*domain.ExternalJob, error) {
	var out []*domain.ExternalJob
	for _, j := range f.jobs {
		if !j.Status.IsTerminal() {
			out = append(out, j)
		}
	}
	return out, nil
}

type scheduleEntry struct {
	member string
	due    time.Time
}

type fakeSchedule struct {
	queues map[string][]scheduleEntry
}

func newFakeSchedule() *fakeSchedule {
	return &fakeSchedule{queues: make(map[string][]scheduleEntry)}
}

func (s *fakeSchedule) Add(_ context.Context, queue, member string, due time.Time) error {
	s.queues[queue] = append(s.queues[queue], scheduleEntry{member, due})
	return nil
}
func (s *fakeSchedule) Claim(_ context.Context, queue string, now time.Time, limit int) ([]string, error) {
	var claimed []string
	var rest []scheduleEntry
	for _, e := range s.queues[queue] {
		if !e.due.After(now) && len(claimed) < limit {
			claimed = append(claimed, e.member)
		} else {
			rest = append(rest, e)
		}
	}
	s.queues[queue] = rest
	return claimed, nil
}
func (s *fakeSchedule) Remove(_ context.Context, _, _ string) error { return nil }

type fakeLocks struct {
	held map[string]bool
}

func newFakeLocks() *fakeLocks { return &fakeLocks{held: make(map[string]bool)} }

func (l *fakeLocks) Acquire(_ context.Context, resource string, _ time.Duration) (string, bool, error) {
	if l.held[resource] {
		return "", false, nil
	}
	l.held[resource] = true
	return "token", true, nil
}
func (l *fakeLocks) Release(_ context.Context, resource, _ string) (bool, error) {
	delete(l.held, resource)
	return true, nil
}

type fakeIdem struct {
	seen map[string]bool
}

func newFakeIdem() *fakeIdem { return &fakeIdem{seen: make(map[string]bool)} }

func (i *fakeIdem) CheckAndSet(_ context.Context, op string, _ time.Duration) (bool, error) {
	if i.seen[op] {
		return false, nil
	}
	i.seen[op] = true
	return true, nil
}
func (i *fakeIdem) Seen(_ context.Context, op string) (bool, error) { return i.seen[op], nil }
func (i *fakeIdem) Clear(_ context.Context, op string) error {
	delete(i.seen, op)
	return nil
}

type fakeState struct {
	stages map[string]domain.Stage
}

func newFakeState() *fakeState { return &fakeState{stages: make(map[string]domain.Stage)} }

func (s *fakeState) SetStage(_ context.Context, docID string, stage domain.Stage) error {
	s.stages[docID] = stage
	return nil
}
func (s *fakeState) GetStage(_ context.Context, docID string) (domain.Stage, error) {
	return s.stages[docID], nil
}
func (s *fakeState) SetStageRecord(_ context.Context, _ *domain.StageRecord) error { return nil }
func (s *fakeState) GetStageRecords(_ context.Context, _ string) (map[domain.Stage]*domain.StageRecord, error) {
	return nil, nil
}
func (s *fakeState) MarkCancelled(_ context.Context, _ string) error        { return nil }
func (s *fakeState) IsCancelled(_ context.Context, _ string) (bool, error)  { return false, nil }

type fakeEnqueuer struct {
	tasks []*domain.StageTask
}

func (e *fakeEnqueuer) EnqueueStage(_ context.Context, task *domain.StageTask) error {
	cp := *task
	e.tasks = append(e.tasks, &cp)
	return nil
}

type fakeNotifier struct {
	terminal map[string]domain.DocumentOutcome
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{terminal: make(map[string]domain.DocumentOutcome)}
}

func (n *fakeNotifier) OnDocumentStarted(_ context.Context, _ *domain.Document) error { return nil }
func (n *fakeNotifier) OnDocumentTerminal(_ context.Context, doc *domain.Document, outcome domain.DocumentOutcome) error {
	n.terminal[doc.ID] = outcome
	return nil
}

// ── helpers ──────────────────────────────────────────────────────────────────

type fixture struct {
	poller   *Poller
	ocr      *fakeOCR
	docs     *fakeDocs
	jobs     *fakeJobs
	schedule *fakeSchedule
	locks    *fakeLocks
	idem     *fakeIdem
	state    *fakeState
	enqueuer *fakeEnqueuer
	notifier *fakeNotifier
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	fx := &fixture{
		ocr:      &fakeOCR{nextHandle: "job-next"},
		docs:     newFakeDocs(),
		jobs:     newFakeJobs(),
		schedule: newFakeSchedule(),
		locks:    newFakeLocks(),
		idem:     newFakeIdem(),
		state:    newFakeState(),
		enqueuer: &fakeEnqueuer{},
		notifier: newFakeNotifier(),
	}
	fx.poller = NewPoller(fx.ocr, fx.docs, fx.jobs, fx.schedule, fx.locks,
		fx.idem, fx.state, fx.enqueuer, fx.notifier, nil,
		"poller-test", slog.Default(), opts...)
	return fx
}

func parkedDoc(id, handle string) *domain.Document {
	return &domain.Document{
		ID:            id,
		BlobRef:       "raw/" + id,
		CurrentStage:  domain.StageOCRPolling,
		Priority:      domain.PriorityNormal,
		ExternalJobID: &handle,
	}
}

func inProgressJob(handle, docID string) *domain.ExternalJob {
	return &domain.ExternalJob{
		Handle:      handle,
		DocumentID:  docID,
		Kind:        "ocr",
		Status:      domain.JobInProgress,
		SubmitCount: 1,
		SubmittedAt: time.Now().UTC().Add(-time.Minute),
	}
}

// ── tests ────────────────────────────────────────────────────────────────────

func TestPollBackoff_DoublesToCap(t *testing.T) {
	fx := newFixture(t)
	assert.Equal(t, 5*time.Second, fx.poller.pollBackoff(1))
	assert.Equal(t, 10*time.Second, fx.poller.pollBackoff(2))
	assert.Equal(t, 20*time.Second, fx.poller.pollBackoff(3))
	assert.Equal(t, 40*time.Second, fx.poller.pollBackoff(4))
	assert.Equal(t, 60*time.Second, fx.poller.pollBackoff(5))
	assert.Equal(t, 60*time.Second, fx.poller.pollBackoff(10))
}

func TestPollJob_InProgressReschedulesWithBackoff(t *testing.T) {
	fx := newFixture(t)
	fx.docs.docs["doc-1"] = parkedDoc("doc-1", "job-1")
	require.NoError(t, fx.jobs.CreateJob(context.Background(), inProgressJob("job-1", "doc-1")))
	fx.ocr.polls = []ocr.PollResult{{State: ocr.StateInProgress}}

	fx.poller.pollJob(context.Background(), "job-1")

	job := fx.jobs.jobs["job-1"]
	assert.Equal(t, 1, job.PollCount)
	assert.Equal(t, domain.JobInProgress, job.Status)
	require.Len(t, fx.schedule.queues[redisstore.QueuePoll], 1)
	assert.WithinDuration(t, time.Now().Add(5*time.Second),
		fx.schedule.queues[redisstore.QueuePoll][0].due, time.Second)
}

func TestPollJob_ConvergesAfterSeveralRounds(t *testing.T) {
	fx := newFixture(t)
	fx.docs.docs["doc-1"] = parkedDoc("doc-1", "job-1")
	require.NoError(t, fx.jobs.CreateJob(context.Background(), inProgressJob("job-1", "doc-1")))
	fx.ocr.polls = []ocr.PollResult{
		{State: ocr.StateInProgress},
		{State: ocr.StateInProgress},
		{State: ocr.StateSucceeded, ResultRef: "text/doc-1"},
	}

	for i := 0; i < 3; i++ {
		fx.poller.pollJob(context.Background(), "job-1")
	}

	doc := fx.docs.docs["doc-1"]
	assert.Equal(t, domain.StageChunking, doc.CurrentStage)
	assert.Equal(t, "text/doc-1", doc.TextRef)
	assert.Equal(t, domain.JobSucceeded, fx.jobs.jobs["job-1"].Status)
	require.Len(t, fx.enqueuer.tasks, 1)
	assert.Equal(t, domain.StageChunking, fx.enqueuer.tasks[0].Stage)
}

func TestPollJob_ResumptionHappensExactlyOnce(t *testing.T) {
	fx := newFixture(t)
	fx.docs.docs["doc-1"] = parkedDoc("doc-1", "job-1")
	require.NoError(t, fx.jobs.CreateJob(context.Background(), inProgressJob("job-1", "doc-1")))
	fx.ocr.polls = []ocr.PollResult{{State: ocr.StateSucceeded, ResultRef: "text/doc-1"}}

	// The handle can be claimed twice when the sweep re-added it.
	fx.poller.pollJob(context.Background(), "job-1")
	fx.poller.pollJob(context.Background(), "job-1")

	assert.Len(t, fx.enqueuer.tasks, 1, "resumption must fire once, not per poll")
	assert.Equal(t, domain.StageChunking, fx.docs.docs["doc-1"].CurrentStage)
}

func TestPollJob_TransientFailureResubmits(t *testing.T) {
	fx := newFixture(t)
	fx.docs.docs["doc-1"] = parkedDoc("doc-1", "job-1")
	require.NoError(t, fx.jobs.CreateJob(context.Background(), inProgressJob("job-1", "doc-1")))
	fx.ocr.polls = []ocr.PollResult{{State: ocr.StateFailed, Error: "worker crash", Transient: true}}

	fx.poller.pollJob(context.Background(), "job-1")

	assert.Equal(t, 1, fx.ocr.submits)
	assert.Equal(t, domain.JobFailed, fx.jobs.jobs["job-1"].Status)
	next := fx.jobs.jobs["job-next"]
	require.NotNil(t, next, "a fresh job row must exist for the resubmission")
	assert.Equal(t, 2, next.SubmitCount)
	assert.Equal(t, "job-next", fx.docs.jobRefs["doc-1"])
	assert.Equal(t, domain.StageOCRPolling, fx.docs.docs["doc-1"].CurrentStage,
		"document stays parked across resubmission")
}

func TestPollJob_ResubmissionBudgetExhaustedFailsDocument(t *testing.T) {
	fx := newFixture(t, WithMaxSubmits(2))
	fx.docs.docs["doc-1"] = parkedDoc("doc-1", "job-1")
	job := inProgressJob("job-1", "doc-1")
	job.SubmitCount = 2
	require.NoError(t, fx.jobs.CreateJob(context.Background(), job))
	fx.ocr.polls = []ocr.PollResult{{State: ocr.StateFailed, Error: "worker crash", Transient: true}}

	fx.poller.pollJob(context.Background(), "job-1")

	assert.Zero(t, fx.ocr.submits)
	doc := fx.docs.docs["doc-1"]
	assert.Equal(t, domain.StageFailed, doc.CurrentStage)
	assert.Equal(t, "OCR_FAILED", doc.FailureReason)
	assert.True(t, doc.FailureRetryable)
}

func TestPollJob_TerminalProviderFailure(t *testing.T) {
	batchID := "batch-1"
	fx := newFixture(t)
	doc := parkedDoc("doc-1", "job-1")
	doc.BatchID = &batchID
	fx.docs.docs["doc-1"] = doc
	require.NoError(t, fx.jobs.CreateJob(context.Background(), inProgressJob("job-1", "doc-1")))
	fx.ocr.polls = []ocr.PollResult{{State: ocr.StateFailed, Error: "unreadable scan"}}

	fx.poller.pollJob(context.Background(), "job-1")

	assert.Equal(t, domain.StageFailed, fx.docs.docs["doc-1"].CurrentStage)
	assert.False(t, fx.docs.docs["doc-1"].FailureRetryable)
	assert.Equal(t, domain.OutcomeFailed, fx.notifier.terminal["doc-1"])
}

func TestPollJob_MaxAgeForcesFailure(t *testing.T) {
	fx := newFixture(t, WithMaxJobAge(10*time.Minute))
	fx.docs.docs["doc-1"] = parkedDoc("doc-1", "job-1")
	job := inProgressJob("job-1", "doc-1")
	job.SubmittedAt = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, fx.jobs.CreateJob(context.Background(), job))
	fx.ocr.polls = []ocr.PollResult{{State: ocr.StateInProgress}}

	fx.poller.pollJob(context.Background(), "job-1")

	assert.Zero(t, fx.ocr.pollCalls, "a stuck job is failed without another provider call")
	doc := fx.docs.docs["doc-1"]
	assert.Equal(t, domain.StageFailed, doc.CurrentStage)
	assert.Equal(t, "OCR_TIMEOUT", doc.FailureReason)
	assert.Equal(t, domain.JobFailed, fx.jobs.jobs["job-1"].Status)
}

func TestPollJob_LockedJobSkipped(t *testing.T) {
	fx := newFixture(t)
	fx.docs.docs["doc-1"] = parkedDoc("doc-1", "job-1")
	require.NoError(t, fx.jobs.CreateJob(context.Background(), inProgressJob("job-1", "doc-1")))
	fx.ocr.polls = []ocr.PollResult{{State: ocr.StateInProgress}}
	fx.locks.held["job:job-1"] = true

	fx.poller.pollJob(context.Background(), "job-1")

	assert.Zero(t, fx.ocr.pollCalls)
}

func TestPollJob_UnknownHandleDropped(t *testing.T) {
	fx := newFixture(t)
	fx.poller.pollJob(context.Background(), "job-gone")
	assert.Empty(t, fx.schedule.queues[redisstore.QueuePoll])
}

func TestPromoteDeferred_MovesDueTasksOntoKafka(t *testing.T) {
	fx := newFixture(t)
	task := &domain.StageTask{DocumentID: "doc-1", Stage: domain.StageChunking, Priority: domain.PriorityHigh, Attempt: 2}
	value, err := json.Marshal(task)
	require.NoError(t, err)
	require.NoError(t, fx.schedule.Add(context.Background(), redisstore.QueueDeferred,
		string(value), time.Now().Add(-time.Second)))

	fx.poller.promoteDeferred(context.Background())

	require.Len(t, fx.enqueuer.tasks, 1)
	assert.Equal(t, "doc-1", fx.enqueuer.tasks[0].DocumentID)
	assert.Equal(t, 2, fx.enqueuer.tasks[0].Attempt)
	assert.Equal(t, domain.PriorityHigh, fx.enqueuer.tasks[0].Priority)
}

func TestPromoteDeferred_FutureTasksStayParked(t *testing.T) {
	fx := newFixture(t)
	task := &domain.StageTask{DocumentID: "doc-1", Stage: domain.StageChunking}
	value, err := json.Marshal(task)
	require.NoError(t, err)
	require.NoError(t, fx.schedule.Add(context.Background(), redisstore.QueueDeferred,
		string(value), time.Now().Add(time.Hour)))

	fx.poller.promoteDeferred(context.Background())

	assert.Empty(t, fx.enqueuer.tasks)
	assert.Len(t, fx.schedule.queues[redisstore.QueueDeferred], 1)
}

func TestSweep_ReschedulesOutstandingJobs(t *testing.T) {
	fx := newFixture(t)
	live := inProgressJob("job-1", "doc-1")
	live.NextPollAt = time.Now().Add(time.Minute)
	done := &domain.ExternalJob{Handle: "job-2", Status: domain.JobSucceeded}
	require.NoError(t, fx.jobs.CreateJob(context.Background(), live))
	require.NoError(t, fx.jobs.CreateJob(context.Background(), done))

	fx.poller.sweep(context.Background())

	entries := fx.schedule.queues[redisstore.QueuePoll]
	require.Len(t, entries, 1, "terminal jobs are not re-scheduled")
	assert.Equal(t, "job-1", entries[0].member)
}
