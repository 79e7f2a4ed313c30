package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"gorm.io/datatypes"

	jobrepo "github.com/yungbote/labflow-backend/internal/data/repos/jobs"
	"github.com/yungbote/labflow-backend/internal/data/tx"
	"github.com/yungbote/labflow-backend/internal/domain/jobs"
	"github.com/yungbote/labflow-backend/internal/jobs/broker"
	"github.com/yungbote/labflow-backend/internal/jobs/events"
	"github.com/yungbote/labflow-backend/internal/jobs/joberr"
	"github.com/yungbote/labflow-backend/internal/jobs/policy"
	"github.com/yungbote/labflow-backend/internal/pkg/dbctx"
	"github.com/yungbote/labflow-backend/internal/platform/logger"
)

// Broker is the subset of the broker the manager drives.
type Broker interface {
	Push(ctx context.Context, queue string, a broker.PushArgs) error
	Remove(ctx context.Context, queue, id string) error
	Pause(ctx context.Context, queue string) error
	Resume(ctx context.Context, queue string) error
	Drain(ctx context.Context, queue string) ([]string, error)
	Clean(ctx context.Context, queue string, grace time.Duration, limit int, state broker.State) ([]string, error)
	Counts(ctx context.Context, queue string) (broker.Counts, error)
	LastCompleted(ctx context.Context, queue string) (time.Time, bool, error)
}

// WorkerStats is implemented by worker pools attached to the manager.
type WorkerStats interface {
	WorkerCounts(q jobs.QueueName) (WorkerCounts, bool)
}

type WorkerCounts struct {
	Total     int `json:"total"`
	Active    int `json:"active"`
	Available int `json:"available"`
}

// Options tunes one enqueue. Zero values fall back to policy defaults.
type Options struct {
	JobID        string
	DocumentID   string
	ClientID     string
	UserID       string
	DocumentType string
	UrgencyFlags []string
	Priority     int
	Delay        time.Duration
	Attempts     int
	Metadata     map[string]any
}

type Manager struct {
	log      *logger.Logger
	broker   Broker
	records  jobrepo.JobRecordRepo
	txr      tx.Runner
	emitter  events.Emitter
	validate *validator.Validate
	cfg      Config
	now      func() time.Time

	mu      sync.RWMutex
	workers []WorkerStats
}

func NewManager(log *logger.Logger, b Broker, records jobrepo.JobRecordRepo, txr tx.Runner, emitter events.Emitter, cfg Config) (*Manager, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if b == nil {
		return nil, fmt.Errorf("broker required")
	}
	if records == nil {
		return nil, fmt.Errorf("job record repo required")
	}
	if txr == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if emitter == nil {
		emitter = events.Nop{}
	}
	return &Manager{
		log:      log.With("service", "QueueManager"),
		broker:   b,
		records:  records,
		txr:      txr,
		emitter:  emitter,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		cfg:      cfg.normalized(),
		now:      time.Now,
	}, nil
}

// AttachWorkers registers a pool whose counts appear in health snapshots.
func (m *Manager) AttachWorkers(ws WorkerStats) {
	if ws == nil {
		return
	}
	m.mu.Lock()
	m.workers = append(m.workers, ws)
	m.mu.Unlock()
}

func (m *Manager) Config() Config { return m.cfg }

type prepared struct {
	queue    jobs.QueueName
	job      jobs.Job
	data     []byte
	payload  []byte
	attempts int
	delay    time.Duration
	estimate int
}

// Enqueue persists a PENDING record and pushes the job to its queue. A
// repeated call with the same JobID never produces a second record or a
// second delivery.
func (m *Manager) Enqueue(ctx context.Context, stage jobs.Stage, payload jobs.Payload, opts Options) (jobs.Handle, error) {
	const op = "enqueue"
	p, err := m.prepare(op, stage, payload, opts)
	if err != nil {
		return jobs.Handle{}, err
	}
	return m.enqueuePrepared(ctx, op, p)
}

func (m *Manager) prepare(op string, stage jobs.Stage, payload jobs.Payload, opts Options) (*prepared, error) {
	q, ok := stage.Queue()
	if !ok {
		return nil, joberr.Logic(op, "", opts.JobID, fmt.Errorf("%w: %q", joberr.ErrUnknownStage, stage))
	}
	if err := m.checkPayload(stage, payload); err != nil {
		return nil, joberr.Logic(op, q, opts.JobID, err)
	}

	docID := strings.TrimSpace(opts.DocumentID)
	if docID == "" {
		docID = "system"
	}
	jobID := strings.TrimSpace(opts.JobID)
	if jobID == "" {
		jobID = policy.BuildJobID(stage, docID)
	}

	base := opts.Priority
	if base == 0 {
		base = defaultPriority(stage)
	}
	docType := opts.DocumentType
	var sizeBytes int64
	switch v := payload.(type) {
	case jobs.ParsingPayload:
		if docType == "" {
			docType = v.DocumentType
		}
	case jobs.OCRPayload:
		sizeBytes = v.FileSize
	}
	priority := policy.ComputePriority(docType, base, opts.UrgencyFlags)

	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = m.cfg.MaxAttemptsFor(q)
	}

	job := jobs.Job{
		ID:         jobID,
		Stage:      stage,
		Priority:   priority,
		DocumentID: docID,
		ClientID:   opts.ClientID,
		UserID:     opts.UserID,
		Metadata:   opts.Metadata,
		CreatedAt:  m.now(),
		Payload:    payload,
	}
	data, err := json.Marshal(job)
	if err != nil {
		return nil, joberr.Logic(op, q, jobID, fmt.Errorf("%w: %v", joberr.ErrInvalidPayload, err))
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, joberr.Logic(op, q, jobID, fmt.Errorf("%w: %v", joberr.ErrInvalidPayload, err))
	}
	return &prepared{
		queue:    q,
		job:      job,
		data:     data,
		payload:  raw,
		attempts: attempts,
		delay:    opts.Delay,
		estimate: policy.EstimateDuration(stage, policy.SizeMB(sizeBytes)),
	}, nil
}

func (m *Manager) checkPayload(stage jobs.Stage, payload jobs.Payload) error {
	if payload == nil {
		return fmt.Errorf("%w: nil payload", joberr.ErrPayloadMismatch)
	}
	if payload.Kind() != stage.PayloadKind() {
		return fmt.Errorf("%w: %s payload for stage %s", joberr.ErrPayloadMismatch, payload.Kind(), stage)
	}
	if err := m.validate.Struct(payload); err != nil {
		return fmt.Errorf("%w: %v", joberr.ErrInvalidPayload, err)
	}
	switch v := payload.(type) {
	case jobs.AnalysisPayload:
		want, ok := v.AnalysisType.Stage()
		if !ok {
			return fmt.Errorf("%w: unknown analysis type %q", joberr.ErrInvalidPayload, v.AnalysisType)
		}
		if want != stage {
			return fmt.Errorf("%w: analysis type %s runs on stage %s", joberr.ErrPayloadMismatch, v.AnalysisType, want)
		}
	case jobs.CleanupPayload:
		if (v.Target == jobs.CleanupAuditLogs) != (stage == jobs.StageAuditLogCleanup) {
			return fmt.Errorf("%w: cleanup target %s on stage %s", joberr.ErrPayloadMismatch, v.Target, stage)
		}
	}
	return nil
}

func defaultPriority(stage jobs.Stage) int {
	switch stage {
	case jobs.StageCleanupFiles, jobs.StageAuditLogCleanup:
		return jobs.PriorityBatch
	default:
		return jobs.PriorityNormal
	}
}

func (m *Manager) enqueuePrepared(ctx context.Context, op string, p *prepared) (jobs.Handle, error) {
	now := m.now()
	job := p.job
	handle := jobs.Handle{
		JobID:         job.ID,
		Queue:         p.queue,
		Stage:         job.Stage,
		Priority:      job.Priority,
		EstimatedTime: p.estimate,
	}

	var meta datatypes.JSON
	if len(job.Metadata) > 0 {
		raw, err := json.Marshal(job.Metadata)
		if err != nil {
			return jobs.Handle{}, joberr.Logic(op, p.queue, job.ID, fmt.Errorf("%w: metadata: %v", joberr.ErrInvalidPayload, err))
		}
		meta = datatypes.JSON(raw)
	}

	rec := &jobs.JobRecord{
		JobID:         job.ID,
		QueueName:     p.queue,
		Stage:         job.Stage,
		DocumentID:    job.DocumentID,
		ClientID:      job.ClientID,
		UserID:        job.UserID,
		Priority:      job.Priority,
		Status:        jobs.StatusPending,
		MaxAttempts:   p.attempts,
		Payload:       datatypes.JSON(p.payload),
		Metadata:      meta,
		EstimatedTime: p.estimate,
		ScheduledAt:   now.Add(p.delay),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	dbc := dbctx.Context{Ctx: ctx}
	created, err := m.records.Create(dbc, rec)
	if err != nil {
		return jobs.Handle{}, joberr.Transport(op, p.queue, job.ID, err)
	}
	if !created {
		existing, err := m.records.GetByJobID(dbc, job.ID)
		if err != nil {
			return jobs.Handle{}, joberr.Transport(op, p.queue, job.ID, err)
		}
		if existing != nil && (existing.QueueName != p.queue || existing.Stage != job.Stage) {
			return jobs.Handle{}, joberr.Duplicate(op, p.queue, job.ID, existing.Stage)
		}
		if existing != nil && existing.Status != jobs.StatusPending {
			return handleFor(existing, true), nil
		}
		if existing != nil {
			handle = handleFor(existing, false)
		}
	}

	err = m.broker.Push(ctx, string(p.queue), broker.PushArgs{
		ID:          job.ID,
		Data:        p.data,
		Priority:    handle.Priority,
		MaxAttempts: p.attempts,
		Delay:       p.delay,
	})
	switch {
	case err == nil:
	case errors.Is(err, broker.ErrDuplicate):
		handle.Duplicate = !created
	default:
		if created {
			if _, derr := m.records.Delete(dbc, job.ID); derr != nil {
				m.log.Warn("orphaned job record after failed push", "job_id", job.ID, "error", derr)
			}
		}
		return jobs.Handle{}, joberr.Transport(op, p.queue, job.ID, err)
	}

	if !handle.Duplicate {
		m.emitter.Emit(ctx, events.Event{
			Type:       events.JobEnqueued,
			Queue:      p.queue,
			JobID:      job.ID,
			Stage:      job.Stage,
			DocumentID: job.DocumentID,
			Priority:   handle.Priority,
			At:         now,
		})
	}
	return handle, nil
}

func handleFor(rec *jobs.JobRecord, dup bool) jobs.Handle {
	return jobs.Handle{
		JobID:         rec.JobID,
		Queue:         rec.QueueName,
		Stage:         rec.Stage,
		Priority:      rec.Priority,
		EstimatedTime: rec.EstimatedTime,
		Duplicate:     dup,
	}
}

// BulkJob is one entry of AddBulkJobs.
type BulkJob struct {
	Stage   jobs.Stage
	Payload jobs.Payload
	Options Options
}

// AddBulkJobs validates every entry before enqueuing any, then enqueues in
// order. On a transport failure it returns the handles enqueued so far.
func (m *Manager) AddBulkJobs(ctx context.Context, batch []BulkJob) ([]jobs.Handle, error) {
	const op = "add_bulk_jobs"
	ready := make([]*prepared, 0, len(batch))
	for i, b := range batch {
		p, err := m.prepare(op, b.Stage, b.Payload, b.Options)
		if err != nil {
			return nil, fmt.Errorf("bulk entry %d: %w", i, err)
		}
		ready = append(ready, p)
	}
	out := make([]jobs.Handle, 0, len(ready))
	for _, p := range ready {
		h, err := m.enqueuePrepared(ctx, op, p)
		if err != nil {
			return out, err
		}
		out = append(out, h)
	}
	return out, nil
}

func (m *Manager) EnqueueOCR(ctx context.Context, documentID, clientID string, p jobs.OCRPayload, opts Options) (jobs.Handle, error) {
	opts.DocumentID, opts.ClientID = documentID, clientID
	return m.Enqueue(ctx, jobs.StageOCRExtraction, p, opts)
}

func (m *Manager) EnqueueDataParsing(ctx context.Context, documentID, clientID string, p jobs.ParsingPayload, opts Options) (jobs.Handle, error) {
	opts.DocumentID, opts.ClientID = documentID, clientID
	return m.Enqueue(ctx, jobs.StageDataParsing, p, opts)
}

func (m *Manager) EnqueueValueExtraction(ctx context.Context, documentID, clientID string, p jobs.ParsingPayload, opts Options) (jobs.Handle, error) {
	opts.DocumentID, opts.ClientID = documentID, clientID
	return m.Enqueue(ctx, jobs.StageValueExtraction, p, opts)
}

// EnqueueAnalysis picks the stage from the payload's analysis type.
func (m *Manager) EnqueueAnalysis(ctx context.Context, documentID, clientID string, p jobs.AnalysisPayload, opts Options) (jobs.Handle, error) {
	stage, ok := p.AnalysisType.Stage()
	if !ok {
		return jobs.Handle{}, joberr.Logic("enqueue", jobs.QueueAnalysis, opts.JobID,
			fmt.Errorf("%w: unknown analysis type %q", joberr.ErrInvalidPayload, p.AnalysisType))
	}
	opts.DocumentID, opts.ClientID = documentID, clientID
	return m.Enqueue(ctx, stage, p, opts)
}

func (m *Manager) EnqueueReport(ctx context.Context, documentID, clientID string, p jobs.ReportPayload, opts Options) (jobs.Handle, error) {
	opts.DocumentID, opts.ClientID = documentID, clientID
	return m.Enqueue(ctx, jobs.StageReportGeneration, p, opts)
}

func (m *Manager) EnqueueNotification(ctx context.Context, p jobs.NotificationPayload, opts Options) (jobs.Handle, error) {
	return m.Enqueue(ctx, jobs.StageNotification, p, opts)
}

// EnqueueCleanup routes AUDIT_LOGS to the audit stage and every other target
// to file cleanup.
func (m *Manager) EnqueueCleanup(ctx context.Context, p jobs.CleanupPayload, opts Options) (jobs.Handle, error) {
	stage := jobs.StageCleanupFiles
	if p.Target == jobs.CleanupAuditLogs {
		stage = jobs.StageAuditLogCleanup
	}
	return m.Enqueue(ctx, stage, p, opts)
}

func (m *Manager) checkQueue(op string, q jobs.QueueName) error {
	if !q.Valid() {
		return joberr.Logic(op, q, "", fmt.Errorf("%w: %q", joberr.ErrUnknownQueue, q))
	}
	return nil
}

// Pause stops new claims on q. Jobs already claimed run to completion.
func (m *Manager) Pause(ctx context.Context, q jobs.QueueName) error {
	const op = "pause"
	if err := m.checkQueue(op, q); err != nil {
		return err
	}
	if err := m.broker.Pause(ctx, string(q)); err != nil {
		return joberr.Transport(op, q, "", err)
	}
	m.emitter.Emit(ctx, events.Event{Type: events.QueuePaused, Queue: q, At: m.now()})
	return nil
}

func (m *Manager) Resume(ctx context.Context, q jobs.QueueName) error {
	const op = "resume"
	if err := m.checkQueue(op, q); err != nil {
		return err
	}
	if err := m.broker.Resume(ctx, string(q)); err != nil {
		return joberr.Transport(op, q, "", err)
	}
	m.emitter.Emit(ctx, events.Event{Type: events.QueueResumed, Queue: q, At: m.now()})
	return nil
}

// Drain removes every waiting and delayed job without running it, along with
// their records. It returns the number of jobs removed.
func (m *Manager) Drain(ctx context.Context, q jobs.QueueName) (int, error) {
	const op = "drain"
	if err := m.checkQueue(op, q); err != nil {
		return 0, err
	}
	ids, err := m.broker.Drain(ctx, string(q))
	if err != nil {
		return 0, joberr.Transport(op, q, "", err)
	}
	if _, err := m.records.DeleteMany(dbctx.Context{Ctx: ctx}, ids); err != nil {
		return len(ids), joberr.Transport(op, q, "", err)
	}
	m.emitter.Emit(ctx, events.Event{Type: events.QueueDrained, Queue: q, Count: len(ids), At: m.now()})
	return len(ids), nil
}

// Clean drops finished broker entries older than grace. Job records are kept;
// TEMP_DATA cleanup jobs prune those.
func (m *Manager) Clean(ctx context.Context, q jobs.QueueName, grace time.Duration, limit int, state broker.State) ([]string, error) {
	const op = "clean"
	if err := m.checkQueue(op, q); err != nil {
		return nil, err
	}
	if state != broker.StateCompleted && state != broker.StateFailed {
		return nil, joberr.Logic(op, q, "", fmt.Errorf("%w: cannot clean %q jobs", joberr.ErrInvalidState, state))
	}
	if grace < 0 {
		grace = 0
	}
	ids, err := m.broker.Clean(ctx, string(q), grace, limit, state)
	if err != nil {
		return nil, joberr.Transport(op, q, "", err)
	}
	m.emitter.Emit(ctx, events.Event{Type: events.QueueCleaned, Queue: q, Count: len(ids), At: m.now()})
	return ids, nil
}

// RetryJob re-enters a FAILED job at PENDING with its original priority and
// payload and a fresh attempt budget. The record reset rolls back if the push
// fails.
func (m *Manager) RetryJob(ctx context.Context, q jobs.QueueName, jobID string) (jobs.Handle, error) {
	const op = "retry_job"
	if err := m.checkQueue(op, q); err != nil {
		return jobs.Handle{}, err
	}
	rec, err := m.records.GetByJobID(dbctx.Context{Ctx: ctx}, jobID)
	if err != nil {
		return jobs.Handle{}, joberr.Transport(op, q, jobID, err)
	}
	if rec == nil || rec.QueueName != q {
		return jobs.Handle{}, joberr.NotFound(op, q, jobID)
	}
	if rec.Status != jobs.StatusFailed {
		return jobs.Handle{}, joberr.InvalidState(op, q, jobID, rec.Status)
	}
	data, err := jobFromRecord(rec)
	if err != nil {
		return jobs.Handle{}, joberr.Logic(op, q, jobID, err)
	}

	now := m.now()
	err = m.txr.InTx(ctx, func(dbc dbctx.Context) error {
		ok, err := m.records.ResetForRetry(dbc, jobID, now)
		if err != nil {
			return joberr.Transport(op, q, jobID, err)
		}
		if !ok {
			return joberr.InvalidState(op, q, jobID, rec.Status)
		}
		if err := m.broker.Remove(ctx, string(q), jobID); err != nil {
			switch {
			case errors.Is(err, broker.ErrNotFound):
			case errors.Is(err, broker.ErrJobActive):
				return joberr.InvalidState(op, q, jobID, jobs.StatusActive)
			default:
				return joberr.Transport(op, q, jobID, err)
			}
		}
		if err := m.broker.Push(ctx, string(q), broker.PushArgs{
			ID:          jobID,
			Data:        data,
			Priority:    rec.Priority,
			MaxAttempts: rec.MaxAttempts,
		}); err != nil {
			return joberr.Transport(op, q, jobID, err)
		}
		return nil
	})
	if err != nil {
		var qe *joberr.QueueError
		if errors.As(err, &qe) {
			return jobs.Handle{}, err
		}
		return jobs.Handle{}, joberr.Transport(op, q, jobID, err)
	}
	m.emitter.Emit(ctx, events.Event{
		Type:       events.JobRequeued,
		Queue:      q,
		JobID:      jobID,
		Stage:      rec.Stage,
		DocumentID: rec.DocumentID,
		Priority:   rec.Priority,
		At:         now,
	})
	return handleFor(rec, false), nil
}

func jobFromRecord(rec *jobs.JobRecord) ([]byte, error) {
	payload, err := jobs.DecodePayload(rec.Stage, rec.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: stored payload: %v", joberr.ErrInvalidPayload, err)
	}
	var meta map[string]any
	if len(rec.Metadata) > 0 {
		if err := json.Unmarshal(rec.Metadata, &meta); err != nil {
			return nil, fmt.Errorf("stored metadata: %w", err)
		}
	}
	return json.Marshal(jobs.Job{
		ID:         rec.JobID,
		Stage:      rec.Stage,
		Priority:   rec.Priority,
		DocumentID: rec.DocumentID,
		ClientID:   rec.ClientID,
		UserID:     rec.UserID,
		Metadata:   meta,
		CreatedAt:  rec.CreatedAt,
		Payload:    payload,
	})
}

// RemoveJob hard-deletes a job that is not ACTIVE from the broker and the
// record store.
func (m *Manager) RemoveJob(ctx context.Context, q jobs.QueueName, jobID string) error {
	const op = "remove_job"
	if err := m.checkQueue(op, q); err != nil {
		return err
	}
	dbc := dbctx.Context{Ctx: ctx}
	rec, err := m.records.GetByJobID(dbc, jobID)
	if err != nil {
		return joberr.Transport(op, q, jobID, err)
	}
	if rec != nil && rec.QueueName != q {
		rec = nil
	}
	if rec != nil && rec.Status == jobs.StatusActive {
		return joberr.InvalidState(op, q, jobID, rec.Status)
	}

	inBroker := true
	if err := m.broker.Remove(ctx, string(q), jobID); err != nil {
		switch {
		case errors.Is(err, broker.ErrNotFound):
			inBroker = false
		case errors.Is(err, broker.ErrJobActive):
			return joberr.InvalidState(op, q, jobID, jobs.StatusActive)
		default:
			return joberr.Transport(op, q, jobID, err)
		}
	}
	deleted := false
	if rec != nil {
		deleted, err = m.records.Delete(dbc, jobID)
		if err != nil {
			return joberr.Transport(op, q, jobID, err)
		}
	}
	if !inBroker && !deleted {
		return joberr.NotFound(op, q, jobID)
	}
	m.emitter.Emit(ctx, events.Event{Type: events.JobRemoved, Queue: q, JobID: jobID, At: m.now()})
	return nil
}

// GetJob returns the persisted record, including the last error of a
// FAILED job.
func (m *Manager) GetJob(ctx context.Context, jobID string) (*jobs.JobRecord, error) {
	const op = "get_job"
	rec, err := m.records.GetByJobID(dbctx.Context{Ctx: ctx}, jobID)
	if err != nil {
		return nil, joberr.Transport(op, "", jobID, err)
	}
	if rec == nil {
		return nil, joberr.NotFound(op, "", jobID)
	}
	return rec, nil
}

// ListDocumentJobs returns every record for a document, oldest first.
func (m *Manager) ListDocumentJobs(ctx context.Context, documentID string) ([]*jobs.JobRecord, error) {
	recs, err := m.records.ListByDocument(dbctx.Context{Ctx: ctx}, documentID)
	if err != nil {
		return nil, joberr.Transport("list_document_jobs", "", "", err)
	}
	return recs, nil
}
