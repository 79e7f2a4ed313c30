package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	jobrepo "github.com/yungbote/labflow-backend/internal/data/repos/jobs"
	"github.com/yungbote/labflow-backend/internal/domain/jobs"
	"github.com/yungbote/labflow-backend/internal/jobs/broker"
	"github.com/yungbote/labflow-backend/internal/jobs/events"
	"github.com/yungbote/labflow-backend/internal/jobs/joberr"
	"github.com/yungbote/labflow-backend/internal/jobs/queue"
	"github.com/yungbote/labflow-backend/internal/pkg/dbctx"
	"github.com/yungbote/labflow-backend/internal/platform/ctxutil"
	"github.com/yungbote/labflow-backend/internal/platform/logger"
)

// Broker is the subset of the broker a pool drives.
type Broker interface {
	Claim(ctx context.Context, queue string, lease time.Duration) (*broker.Message, error)
	Extend(ctx context.Context, queue, id, token string, lease time.Duration) error
	Complete(ctx context.Context, queue, id, token string, result []byte) error
	Fail(ctx context.Context, queue, id, token, errMsg string) error
	Retry(ctx context.Context, queue, id, token string, delay time.Duration, errMsg string) error
	RecoverStalled(ctx context.Context, queue string) ([]broker.Recovered, error)
	Get(ctx context.Context, queue, id string) (*broker.Message, error)
	Outcome(ctx context.Context, queue, id string) (*broker.Message, error)
}

type queueState struct {
	total  int
	busy   atomic.Int32
	paused atomic.Bool
}

// Pool runs the workers of one process. Each served queue gets its own
// fixed set of loops plus a stall reconciler.
type Pool struct {
	log      *logger.Logger
	broker   Broker
	records  jobrepo.JobRecordRepo
	handlers Handlers
	emitter  events.Emitter
	cfg      queue.Config
	tracer   trace.Tracer
	now      func() time.Time
	rnd      func() float64

	queues  []jobs.QueueName
	state   map[jobs.QueueName]*queueState
	started atomic.Bool
	wg      conc.WaitGroup
}

// NewPool builds a pool for queues. With no queues given it serves every
// queue that handlers fully cover.
func NewPool(log *logger.Logger, b Broker, records jobrepo.JobRecordRepo, handlers Handlers, emitter events.Emitter, cfg queue.Config, queues ...jobs.QueueName) (*Pool, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if b == nil {
		return nil, fmt.Errorf("broker required")
	}
	if records == nil {
		return nil, fmt.Errorf("job record repo required")
	}
	if emitter == nil {
		emitter = events.Nop{}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.StallInterval <= 0 {
		cfg.StallInterval = 30 * time.Second
	}
	if len(queues) == 0 {
		for _, q := range jobs.AllQueues() {
			if handlers.Serves(q) {
				queues = append(queues, q)
			}
		}
	}
	state := make(map[jobs.QueueName]*queueState, len(queues))
	for _, q := range queues {
		if !q.Valid() {
			return nil, fmt.Errorf("unknown queue %q", q)
		}
		if _, dup := state[q]; dup {
			return nil, fmt.Errorf("queue %q listed twice", q)
		}
		state[q] = &queueState{total: cfg.Concurrency(q)}
	}
	return &Pool{
		log:      log.With("component", "WorkerPool"),
		broker:   b,
		records:  records,
		handlers: handlers,
		emitter:  emitter,
		cfg:      cfg,
		tracer:   otel.Tracer("github.com/yungbote/labflow-backend/internal/jobs/worker"),
		now:      time.Now,
		rnd:      rand.Float64,
		queues:   queues,
		state:    state,
	}, nil
}

func (p *Pool) Queues() []jobs.QueueName {
	return append([]jobs.QueueName(nil), p.queues...)
}

// Start launches the loops and returns. Loops exit when ctx is cancelled;
// Wait blocks until they have.
func (p *Pool) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	for _, q := range p.queues {
		st := p.state[q]
		p.log.Info("Starting queue workers", "queue", q, "concurrency", st.total)
		for i := 0; i < st.total; i++ {
			workerID := i + 1
			p.wg.Go(func() { p.runLoop(ctx, q, workerID) })
		}
		p.wg.Go(func() { p.reconcileLoop(ctx, q) })
	}
}

func (p *Pool) Wait() { p.wg.Wait() }

// Pause stops this pool from claiming on q. Other processes are unaffected.
func (p *Pool) Pause(q jobs.QueueName) bool {
	st, ok := p.state[q]
	if ok {
		st.paused.Store(true)
	}
	return ok
}

func (p *Pool) Resume(q jobs.QueueName) bool {
	st, ok := p.state[q]
	if ok {
		st.paused.Store(false)
	}
	return ok
}

func (p *Pool) WorkerCounts(q jobs.QueueName) (queue.WorkerCounts, bool) {
	st, ok := p.state[q]
	if !ok {
		return queue.WorkerCounts{}, false
	}
	busy := int(st.busy.Load())
	avail := st.total - busy
	if avail < 0 || st.paused.Load() {
		avail = 0
	}
	return queue.WorkerCounts{Total: st.total, Active: busy, Available: avail}, true
}

func (p *Pool) runLoop(ctx context.Context, q jobs.QueueName, workerID int) {
	log := p.log.With("queue", q, "worker_id", workerID)
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("Worker loop stopped")
			return
		case <-ticker.C:
		}
		for ctx.Err() == nil {
			processed, err := p.ProcessNext(ctx, q)
			if err != nil {
				log.Warn("Claim failed", "error", err)
				break
			}
			if !processed {
				break
			}
		}
	}
}

// ProcessNext claims and fully settles at most one job from q. It reports
// false when nothing was claimed.
func (p *Pool) ProcessNext(ctx context.Context, q jobs.QueueName) (bool, error) {
	st, ok := p.state[q]
	if !ok {
		return false, fmt.Errorf("queue %q not served by this pool", q)
	}
	if st.paused.Load() {
		return false, nil
	}
	msg, err := p.broker.Claim(ctx, string(q), p.cfg.StallInterval)
	if err != nil {
		return false, err
	}
	if msg == nil {
		return false, nil
	}
	st.busy.Add(1)
	defer st.busy.Add(-1)

	// A claimed job is settled even while the process shuts down.
	p.process(context.WithoutCancel(ctx), q, msg)
	return true, nil
}

type decodeError struct{ Err error }

func (e *decodeError) Error() string { return "undecodable job: " + e.Err.Error() }
func (e *decodeError) Unwrap() error { return e.Err }

func (p *Pool) process(ctx context.Context, q jobs.QueueName, msg *broker.Message) {
	started := p.now()
	log := p.log.With("queue", q, "job_id", msg.ID, "attempt", msg.Attempts)

	var job jobs.Job
	if err := json.Unmarshal(msg.Data, &job); err != nil {
		log.Error("Dropping undecodable job", "error", err)
		job.ID = msg.ID
		p.settleFailure(ctx, q, msg, job, &decodeError{Err: err}, started)
		return
	}
	log = log.With("stage", job.Stage, "document_id", job.DocumentID)

	ctx, span := p.tracer.Start(ctx, "job."+string(job.Stage), trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.queue", string(q)),
		attribute.String("job.stage", string(job.Stage)),
		attribute.Int("job.attempt", msg.Attempts),
	))
	defer span.End()
	ctx = ctxutil.WithTraceData(ctx, &ctxutil.TraceData{JobID: job.ID, TraceID: span.SpanContext().TraceID().String()})

	dbc := dbctx.Context{Ctx: ctx}
	if err := p.records.MarkActive(dbc, job.ID, msg.Attempts, started); err != nil {
		log.Warn("MarkActive failed", "error", err)
		p.settleFailure(ctx, q, msg, job, fmt.Errorf("job record unavailable: %w", err), started)
		return
	}
	p.emitter.Emit(ctx, events.Event{
		Type: events.JobStarted, Queue: q, JobID: job.ID, Stage: job.Stage,
		DocumentID: job.DocumentID, Attempt: msg.Attempts, Priority: msg.Priority,
	})

	stop := p.heartbeat(ctx, q, msg, log)
	result, runErr := p.invoke(ctx, job, log)
	stop()

	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		p.settleFailure(ctx, q, msg, job, runErr, started)
		return
	}

	raw, err := json.Marshal(result)
	if err != nil {
		p.settleFailure(ctx, q, msg, job, joberr.Permanent(job.Stage, job.ID, fmt.Errorf("encode result: %w", err), nil), started)
		return
	}
	if err := p.broker.Complete(ctx, string(q), msg.ID, msg.Token, raw); err != nil {
		p.brokerSettleFailed(log, "complete", err)
		return
	}
	finished := p.now()
	elapsed := finished.Sub(started).Milliseconds()
	if err := p.records.MarkCompleted(dbc, job.ID, raw, finished, elapsed); err != nil {
		log.Error("MarkCompleted failed", "error", err)
	}
	log.Debug("Job completed", "duration_ms", elapsed)
	p.emitter.Emit(ctx, events.Event{
		Type: events.JobCompleted, Queue: q, JobID: job.ID, Stage: job.Stage,
		DocumentID: job.DocumentID, Attempt: msg.Attempts, DurationMs: elapsed,
	})
}

func (p *Pool) invoke(ctx context.Context, job jobs.Job, log *logger.Logger) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("Job handler panic", "panic", r)
			result, err = nil, errFromRecover(r)
		}
	}()
	return p.handlers.dispatch(ctx, job)
}

// heartbeat extends the lease until the returned stop func is called. A
// lost lease only stops the heartbeat; the handler runs to completion.
func (p *Pool) heartbeat(ctx context.Context, q jobs.QueueName, msg *broker.Message, log *logger.Logger) func() {
	every := p.cfg.StallInterval / 3
	if every < 10*time.Millisecond {
		every = 10 * time.Millisecond
	}
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				err := p.broker.Extend(ctx, string(q), msg.ID, msg.Token, p.cfg.StallInterval)
				if errors.Is(err, broker.ErrLeaseLost) {
					log.Warn("Lease lost while processing")
					return
				}
				if err != nil {
					log.Warn("Lease extend failed", "error", err)
				}
			}
		}
	}()
	return func() {
		close(done)
		<-exited
	}
}

func (p *Pool) settleFailure(ctx context.Context, q jobs.QueueName, msg *broker.Message, job jobs.Job, cause error, started time.Time) {
	log := p.log.With("queue", q, "job_id", msg.ID, "attempt", msg.Attempts)
	detail := jobs.ErrorDetail{
		Message:   errorMessage(cause),
		Stage:     job.Stage,
		Retryable: isRetryable(cause),
		Attempt:   msg.Attempts,
	}
	if pe := joberr.AsProcessing(cause); pe != nil {
		detail.Metadata = pe.Metadata
	}
	dbc := dbctx.Context{Ctx: ctx}
	elapsed := p.now().Sub(started).Milliseconds()
	ev := events.Event{
		Queue: q, JobID: msg.ID, Stage: job.Stage, DocumentID: job.DocumentID,
		Attempt: msg.Attempts, DurationMs: elapsed, Error: detail.Message,
	}

	if detail.Retryable && msg.AttemptsLeft() {
		delay := p.cfg.Backoff.Delay(msg.Attempts, p.rnd)
		if err := p.broker.Retry(ctx, string(q), msg.ID, msg.Token, delay, detail.Message); err != nil {
			p.brokerSettleFailed(log, "retry", err)
			return
		}
		if err := p.records.MarkRetrying(dbc, msg.ID, detail); err != nil {
			log.Error("MarkRetrying failed", "error", err)
		}
		log.Info("Job attempt failed, retrying", "delay", delay, "error", detail.Message)
		ev.Type = events.JobRetrying
		p.emitter.Emit(ctx, ev)
		return
	}

	if err := p.broker.Fail(ctx, string(q), msg.ID, msg.Token, detail.Message); err != nil {
		p.brokerSettleFailed(log, "fail", err)
		return
	}
	if err := p.records.MarkFailed(dbc, msg.ID, detail, p.now()); err != nil {
		log.Error("MarkFailed failed", "error", err)
	}
	log.Warn("Job failed", "retryable", detail.Retryable, "error", detail.Message)
	ev.Type = events.JobFailed
	p.emitter.Emit(ctx, ev)
}

// brokerSettleFailed leaves the record alone. With a lost lease the stall
// recovery already owns the job; on transport errors the lease expires and
// stall recovery picks it up.
func (p *Pool) brokerSettleFailed(log *logger.Logger, op string, err error) {
	if errors.Is(err, broker.ErrLeaseLost) {
		log.Warn("Lease lost before settle, dropping outcome", "op", op)
		return
	}
	log.Error("Broker settle failed", "op", op, "error", err)
}

func isRetryable(err error) bool {
	if pe := joberr.AsProcessing(err); pe != nil {
		return pe.Retryable
	}
	var mh *missingHandlerError
	var pe *panicError
	var de *decodeError
	if errors.As(err, &mh) || errors.As(err, &pe) || errors.As(err, &de) {
		return false
	}
	return true
}

func errorMessage(err error) string {
	if pe := joberr.AsProcessing(err); pe != nil {
		if m := pe.Message(); m != "" {
			return m
		}
	}
	return err.Error()
}
