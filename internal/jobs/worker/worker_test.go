package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jobrepo "github.com/yungbote/labflow-backend/internal/data/repos/jobs"
	"github.com/yungbote/labflow-backend/internal/data/repos/testutil"
	"github.com/yungbote/labflow-backend/internal/data/tx"
	"github.com/yungbote/labflow-backend/internal/domain/jobs"
	"github.com/yungbote/labflow-backend/internal/jobs/broker"
	"github.com/yungbote/labflow-backend/internal/jobs/events"
	"github.com/yungbote/labflow-backend/internal/jobs/joberr"
	"github.com/yungbote/labflow-backend/internal/jobs/queue"
	"github.com/yungbote/labflow-backend/internal/pkg/dbctx"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingEmitter) Emit(_ context.Context, ev events.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recordingEmitter) types(jobID string) []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Type
	for _, ev := range r.events {
		if ev.JobID == jobID {
			out = append(out, ev.Type)
		}
	}
	return out
}

type fakeOCR struct {
	onRun func(ctx context.Context, job jobs.Job)
}

func (f *fakeOCR) HandleOCR(ctx context.Context, job jobs.Job, p jobs.OCRPayload) (*jobs.OCRResult, error) {
	if f.onRun != nil {
		f.onRun(ctx, job)
	}
	return &jobs.OCRResult{ExtractedText: "Glucose 110 mg/dL", Confidence: 0.9, Provider: jobs.OCRProviderLLM}, nil
}

type fakeAnalysis struct{ calls atomic.Int32 }

func (f *fakeAnalysis) HandleAnalysis(_ context.Context, job jobs.Job, _ jobs.AnalysisPayload) (*jobs.AnalysisResult, error) {
	f.calls.Add(1)
	return nil, joberr.Permanent(job.Stage, job.ID, errors.New("invalid reference range"), map[string]any{"test_name": "Glucose"})
}

type fakeNotifier struct{ calls atomic.Int32 }

func (f *fakeNotifier) HandleNotification(_ context.Context, job jobs.Job, _ jobs.NotificationPayload) (*jobs.NotificationResult, error) {
	f.calls.Add(1)
	return nil, joberr.Retryable(job.Stage, job.ID, errors.New("smtp timeout"), nil)
}

type panickingCleanup struct{}

func (panickingCleanup) HandleCleanup(context.Context, jobs.Job, jobs.CleanupPayload) (*jobs.CleanupResult, error) {
	panic("nil bucket")
}

type fixture struct {
	pool    *Pool
	mgr     *queue.Manager
	broker  *broker.Broker
	records jobrepo.JobRecordRepo
	emitter *recordingEmitter
	clock   *clock
}

func newFixture(t *testing.T, h Handlers, cfg queue.Config, queues ...jobs.QueueName) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	log := testutil.Logger(t)
	clk := &clock{now: time.Now()}
	b, err := broker.New(rdb, log, broker.Options{
		Prefix: "test", KeepCompleted: 50, KeepFailed: 100, MaxStalledCount: cfg.MaxStalledCount, Now: clk.Now,
	})
	require.NoError(t, err)

	db := testutil.DB(t)
	records := jobrepo.NewJobRecordRepo(db, log)
	em := &recordingEmitter{}
	mgr, err := queue.NewManager(log, b, records, tx.NewGormRunner(db), em, cfg)
	require.NoError(t, err)
	pool, err := NewPool(log, b, records, h, em, cfg, queues...)
	require.NoError(t, err)
	pool.rnd = func() float64 { return 0.5 }
	mgr.AttachWorkers(pool)
	return &fixture{pool: pool, mgr: mgr, broker: b, records: records, emitter: em, clock: clk}
}

func (f *fixture) record(t *testing.T, jobID string) *jobs.JobRecord {
	t.Helper()
	rec, err := f.records.GetByJobID(dbctx.Context{Ctx: context.Background()}, jobID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	return rec
}

func ocrPayload() jobs.OCRPayload {
	return jobs.OCRPayload{FileLocation: "gs://bucket/doc-1.pdf", FileName: "doc-1.pdf", FileType: "application/pdf"}
}

func TestOCRJobCompletes(t *testing.T) {
	ctx := context.Background()
	ocr := &fakeOCR{}
	f := newFixture(t, Handlers{OCR: ocr}, queue.DefaultConfig())

	h, err := f.mgr.EnqueueOCR(ctx, "doc-1", "client-1", ocrPayload(), queue.Options{Priority: 5})
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusPending, f.record(t, h.JobID).Status)

	var seen *jobs.JobRecord
	var during queue.WorkerCounts
	ocr.onRun = func(_ context.Context, job jobs.Job) {
		seen = f.record(t, job.ID)
		during, _ = f.pool.WorkerCounts(jobs.QueueOCRExtraction)
	}

	processed, err := f.pool.ProcessNext(ctx, jobs.QueueOCRExtraction)
	require.NoError(t, err)
	require.True(t, processed)

	require.NotNil(t, seen)
	assert.Equal(t, jobs.StatusActive, seen.Status)
	assert.Equal(t, 1, seen.Attempts)
	require.NotNil(t, seen.StartedAt)
	assert.Equal(t, queue.WorkerCounts{Total: 3, Active: 1, Available: 2}, during)

	rec := f.record(t, h.JobID)
	assert.Equal(t, jobs.StatusCompleted, rec.Status)
	require.NotNil(t, rec.CompletedAt)
	var res jobs.OCRResult
	require.NoError(t, json.Unmarshal(rec.Result, &res))
	assert.Equal(t, "Glucose 110 mg/dL", res.ExtractedText)
	assert.Equal(t, []events.Type{events.JobEnqueued, events.JobStarted, events.JobCompleted}, f.emitter.types(h.JobID))

	got, err := f.broker.Get(ctx, string(jobs.QueueOCRExtraction), h.JobID)
	require.NoError(t, err)
	assert.Equal(t, broker.StateCompleted, got.State)

	processed, err = f.pool.ProcessNext(ctx, jobs.QueueOCRExtraction)
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestNonRetryableFailureUsesOneAttempt(t *testing.T) {
	ctx := context.Background()
	an := &fakeAnalysis{}
	f := newFixture(t, Handlers{Analysis: an}, queue.DefaultConfig())

	h, err := f.mgr.EnqueueAnalysis(ctx, "doc-1", "client-1", jobs.AnalysisPayload{
		LabValues:    []jobs.LabValue{{TestName: "Glucose", Value: "110", ReferenceRange: "bogus"}},
		AnalysisType: jobs.AnalysisFunctionalMedicine,
	}, queue.Options{})
	require.NoError(t, err)

	processed, err := f.pool.ProcessNext(ctx, jobs.QueueAnalysis)
	require.NoError(t, err)
	require.True(t, processed)

	rec := f.record(t, h.JobID)
	assert.Equal(t, jobs.StatusFailed, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
	require.NotNil(t, rec.FailedAt)
	var detail jobs.ErrorDetail
	require.NoError(t, json.Unmarshal(rec.Error, &detail))
	assert.Equal(t, "invalid reference range", detail.Message)
	assert.False(t, detail.Retryable)
	assert.Equal(t, jobs.StageFunctionalAnalysis, detail.Stage)
	assert.Equal(t, "Glucose", detail.Metadata["test_name"])

	f.clock.Advance(time.Hour)
	processed, err = f.pool.ProcessNext(ctx, jobs.QueueAnalysis)
	require.NoError(t, err)
	assert.False(t, processed)
	assert.EqualValues(t, 1, an.calls.Load())

	c, err := f.broker.Counts(ctx, string(jobs.QueueAnalysis))
	require.NoError(t, err)
	assert.EqualValues(t, 1, c.Failed)
}

func TestRetryableFailureExhaustsAttempts(t *testing.T) {
	ctx := context.Background()
	n := &fakeNotifier{}
	f := newFixture(t, Handlers{Notification: n}, queue.DefaultConfig())

	h, err := f.mgr.EnqueueNotification(ctx, jobs.NotificationPayload{
		Channel: jobs.ChannelEmail, Recipient: "a@example.com", Message: "ready",
	}, queue.Options{})
	require.NoError(t, err)

	processed, err := f.pool.ProcessNext(ctx, jobs.QueueNotifications)
	require.NoError(t, err)
	require.True(t, processed)

	rec := f.record(t, h.JobID)
	assert.Equal(t, jobs.StatusPending, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
	var detail jobs.ErrorDetail
	require.NoError(t, json.Unmarshal(rec.Error, &detail))
	assert.True(t, detail.Retryable)
	assert.Equal(t, "smtp timeout", detail.Message)

	// backing off: nothing to claim until the delay passes
	processed, err = f.pool.ProcessNext(ctx, jobs.QueueNotifications)
	require.NoError(t, err)
	assert.False(t, processed)

	for i := 0; i < 2; i++ {
		f.clock.Advance(time.Hour)
		processed, err = f.pool.ProcessNext(ctx, jobs.QueueNotifications)
		require.NoError(t, err)
		require.True(t, processed)
	}

	rec = f.record(t, h.JobID)
	assert.Equal(t, jobs.StatusFailed, rec.Status)
	assert.Equal(t, 3, rec.Attempts)
	assert.EqualValues(t, 3, n.calls.Load())
	assert.Equal(t, []events.Type{
		events.JobEnqueued,
		events.JobStarted, events.JobRetrying,
		events.JobStarted, events.JobRetrying,
		events.JobStarted, events.JobFailed,
	}, f.emitter.types(h.JobID))
}

func TestPanicAndMissingHandlerFailWithoutRetry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Handlers{Cleanup: panickingCleanup{}}, queue.DefaultConfig(),
		jobs.QueueCleanup, jobs.QueueDocumentProcessing)

	cleanup, err := f.mgr.EnqueueCleanup(ctx, jobs.CleanupPayload{Target: jobs.CleanupFiles, OlderThan: time.Now()}, queue.Options{})
	require.NoError(t, err)
	report, err := f.mgr.EnqueueReport(ctx, "doc-1", "client-1", jobs.ReportPayload{Title: "CBC"}, queue.Options{})
	require.NoError(t, err)

	for _, q := range []jobs.QueueName{jobs.QueueCleanup, jobs.QueueDocumentProcessing} {
		processed, err := f.pool.ProcessNext(ctx, q)
		require.NoError(t, err)
		require.True(t, processed)
	}

	rec := f.record(t, cleanup.JobID)
	assert.Equal(t, jobs.StatusFailed, rec.Status)
	assert.Contains(t, string(rec.Error), "panic: nil bucket")

	rec = f.record(t, report.JobID)
	assert.Equal(t, jobs.StatusFailed, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
	assert.Contains(t, string(rec.Error), "no handler registered")
}

func TestStalledJobIsRequeuedAndReprocessed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Handlers{OCR: &fakeOCR{}}, queue.DefaultConfig())

	h, err := f.mgr.EnqueueOCR(ctx, "doc-1", "client-1", ocrPayload(), queue.Options{})
	require.NoError(t, err)

	// a worker claims the job and dies before settling it
	m, err := f.broker.Claim(ctx, string(jobs.QueueOCRExtraction), 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, m)
	require.NoError(t, f.records.MarkActive(dbctx.Context{Ctx: ctx}, h.JobID, m.Attempts, time.Now()))

	require.NoError(t, f.pool.Reconcile(ctx, jobs.QueueOCRExtraction))
	assert.Equal(t, jobs.StatusActive, f.record(t, h.JobID).Status)

	f.clock.Advance(31 * time.Second)
	require.NoError(t, f.pool.Reconcile(ctx, jobs.QueueOCRExtraction))
	assert.Equal(t, jobs.StatusPending, f.record(t, h.JobID).Status)

	processed, err := f.pool.ProcessNext(ctx, jobs.QueueOCRExtraction)
	require.NoError(t, err)
	require.True(t, processed)

	rec := f.record(t, h.JobID)
	assert.Equal(t, jobs.StatusCompleted, rec.Status)
	assert.Equal(t, 2, rec.Attempts)
	assert.Equal(t, []events.Type{events.JobEnqueued, events.JobStalled, events.JobStarted, events.JobCompleted}, f.emitter.types(h.JobID))
}

func TestStallDoesNotRequeueReclaimedRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Handlers{OCR: &fakeOCR{}}, queue.DefaultConfig())
	dbc := dbctx.Context{Ctx: ctx}

	h, err := f.mgr.EnqueueOCR(ctx, "doc-1", "client-1", ocrPayload(), queue.Options{})
	require.NoError(t, err)

	// Attempt 1 stalled, but attempt 2 has already started by the time the
	// recovery is applied to the record.
	require.NoError(t, f.records.MarkActive(dbc, h.JobID, 2, time.Now()))
	f.pool.applyRecovered(ctx, jobs.QueueOCRExtraction, broker.Recovered{ID: h.JobID, State: broker.StateWaiting, Attempts: 1})

	rec := f.record(t, h.JobID)
	assert.Equal(t, jobs.StatusActive, rec.Status)
	assert.Equal(t, 2, rec.Attempts)
}

func TestRepeatedStallFailsJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Handlers{OCR: &fakeOCR{}}, queue.DefaultConfig())

	h, err := f.mgr.EnqueueOCR(ctx, "doc-1", "client-1", ocrPayload(), queue.Options{})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		m, err := f.broker.Claim(ctx, string(jobs.QueueOCRExtraction), 30*time.Second)
		require.NoError(t, err)
		require.NotNil(t, m)
		f.clock.Advance(31 * time.Second)
		require.NoError(t, f.pool.Reconcile(ctx, jobs.QueueOCRExtraction))
	}

	rec := f.record(t, h.JobID)
	assert.Equal(t, jobs.StatusFailed, rec.Status)
	var detail jobs.ErrorDetail
	require.NoError(t, json.Unmarshal(rec.Error, &detail))
	assert.Equal(t, broker.StalledError, detail.Message)
	assert.Equal(t, jobs.StageOCRExtraction, detail.Stage)
}

func TestReconcileRepairsRecordLeftActive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Handlers{OCR: &fakeOCR{}}, queue.DefaultConfig())
	dbc := dbctx.Context{Ctx: ctx}

	h, err := f.mgr.EnqueueOCR(ctx, "doc-1", "client-1", ocrPayload(), queue.Options{})
	require.NoError(t, err)
	m, err := f.broker.Claim(ctx, string(jobs.QueueOCRExtraction), 30*time.Second)
	require.NoError(t, err)
	require.NoError(t, f.broker.Complete(ctx, string(jobs.QueueOCRExtraction), m.ID, m.Token, []byte(`{"extracted_text":"late"}`)))

	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, f.records.MarkActive(dbc, h.JobID, 1, old))
	_, err = f.records.UpdateFieldsUnlessStatus(dbc, h.JobID, nil, map[string]interface{}{"updated_at": old})
	require.NoError(t, err)

	require.NoError(t, f.pool.Reconcile(ctx, jobs.QueueOCRExtraction))
	rec := f.record(t, h.JobID)
	assert.Equal(t, jobs.StatusCompleted, rec.Status)
	assert.JSONEq(t, `{"extracted_text":"late"}`, string(rec.Result))
}

func TestReconcileRepairsRecordAfterBrokerTrim(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Handlers{OCR: &fakeOCR{}}, queue.DefaultConfig())
	dbc := dbctx.Context{Ctx: ctx}
	q := string(jobs.QueueOCRExtraction)

	h, err := f.mgr.EnqueueOCR(ctx, "doc-1", "client-1", ocrPayload(), queue.Options{})
	require.NoError(t, err)
	m, err := f.broker.Claim(ctx, q, 30*time.Second)
	require.NoError(t, err)
	require.NoError(t, f.broker.Complete(ctx, q, m.ID, m.Token, []byte(`{"extracted_text":"late"}`)))

	// Enough later jobs finish to push the first out of the completed set.
	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("filler-%d", i)
		require.NoError(t, f.broker.Push(ctx, q, broker.PushArgs{ID: id, Data: []byte(`{}`), MaxAttempts: 1}))
		fm, err := f.broker.Claim(ctx, q, 30*time.Second)
		require.NoError(t, err)
		require.NoError(t, f.broker.Complete(ctx, q, fm.ID, fm.Token, nil))
	}
	_, err = f.broker.Get(ctx, q, h.JobID)
	require.ErrorIs(t, err, broker.ErrNotFound)

	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, f.records.MarkActive(dbc, h.JobID, 1, old))
	_, err = f.records.UpdateFieldsUnlessStatus(dbc, h.JobID, nil, map[string]interface{}{"updated_at": old})
	require.NoError(t, err)

	require.NoError(t, f.pool.Reconcile(ctx, jobs.QueueOCRExtraction))
	rec := f.record(t, h.JobID)
	assert.Equal(t, jobs.StatusCompleted, rec.Status)
	assert.JSONEq(t, `{"extracted_text":"late"}`, string(rec.Result))
}

func TestReconcileLeavesUntracedRecordActive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Handlers{OCR: &fakeOCR{}}, queue.DefaultConfig())
	dbc := dbctx.Context{Ctx: ctx}
	q := string(jobs.QueueOCRExtraction)

	h, err := f.mgr.EnqueueOCR(ctx, "doc-1", "client-1", ocrPayload(), queue.Options{})
	require.NoError(t, err)
	m, err := f.broker.Claim(ctx, q, 30*time.Second)
	require.NoError(t, err)
	require.NoError(t, f.broker.Complete(ctx, q, m.ID, m.Token, nil))
	require.NoError(t, f.broker.Remove(ctx, q, m.ID))

	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, f.records.MarkActive(dbc, h.JobID, 1, old))
	_, err = f.records.UpdateFieldsUnlessStatus(dbc, h.JobID, nil, map[string]interface{}{"updated_at": old})
	require.NoError(t, err)

	require.NoError(t, f.pool.Reconcile(ctx, jobs.QueueOCRExtraction))
	assert.Equal(t, jobs.StatusActive, f.record(t, h.JobID).Status)
}

func TestLocalPause(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Handlers{OCR: &fakeOCR{}}, queue.DefaultConfig())
	_, err := f.mgr.EnqueueOCR(ctx, "doc-1", "client-1", ocrPayload(), queue.Options{})
	require.NoError(t, err)

	require.True(t, f.pool.Pause(jobs.QueueOCRExtraction))
	processed, err := f.pool.ProcessNext(ctx, jobs.QueueOCRExtraction)
	require.NoError(t, err)
	assert.False(t, processed)
	wc, ok := f.pool.WorkerCounts(jobs.QueueOCRExtraction)
	require.True(t, ok)
	assert.Equal(t, 0, wc.Available)

	require.True(t, f.pool.Resume(jobs.QueueOCRExtraction))
	processed, err = f.pool.ProcessNext(ctx, jobs.QueueOCRExtraction)
	require.NoError(t, err)
	assert.True(t, processed)

	_, err = f.pool.ProcessNext(ctx, jobs.QueueAnalysis)
	assert.Error(t, err)
	assert.False(t, f.pool.Pause(jobs.QueueAnalysis))
}

func TestNewPoolServesCoveredQueues(t *testing.T) {
	f := newFixture(t, Handlers{OCR: &fakeOCR{}, Cleanup: panickingCleanup{}}, queue.DefaultConfig())
	assert.ElementsMatch(t, []jobs.QueueName{jobs.QueueOCRExtraction, jobs.QueueCleanup}, f.pool.Queues())

	_, err := NewPool(testutil.Logger(t), f.broker, f.records, Handlers{}, nil, queue.DefaultConfig(), jobs.QueueName("video"))
	assert.Error(t, err)
}

func TestStartProcessesUntilCancelled(t *testing.T) {
	cfg := queue.DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	f := newFixture(t, Handlers{OCR: &fakeOCR{}}, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	f.pool.Start(ctx)

	var ids []string
	for i := 0; i < 5; i++ {
		h, err := f.mgr.EnqueueOCR(ctx, "doc-1", "client-1", ocrPayload(), queue.Options{JobID: "bulk-" + string(rune('a'+i))})
		require.NoError(t, err)
		ids = append(ids, h.JobID)
	}

	require.Eventually(t, func() bool {
		for _, id := range ids {
			rec, err := f.records.GetByJobID(dbctx.Context{Ctx: context.Background()}, id)
			if err != nil || rec == nil || rec.Status != jobs.StatusCompleted {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	f.pool.Wait()

	health, err := f.mgr.GetQueueHealth(context.Background(), jobs.QueueOCRExtraction)
	require.NoError(t, err)
	assert.EqualValues(t, 5, health.Completed)
	assert.Equal(t, 3, health.Workers.Total)
	assert.Equal(t, 0, health.Workers.Active)
}
