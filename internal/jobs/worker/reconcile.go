package worker

import (
	"context"
	"errors"
	"time"

	"github.com/yungbote/labflow-backend/internal/domain/jobs"
	"github.com/yungbote/labflow-backend/internal/jobs/broker"
	"github.com/yungbote/labflow-backend/internal/jobs/events"
	"github.com/yungbote/labflow-backend/internal/pkg/dbctx"
)

const stuckSweepLimit = 50

func (p *Pool) reconcileLoop(ctx context.Context, q jobs.QueueName) {
	every := p.cfg.StallInterval / 2
	if every < 10*time.Millisecond {
		every = 10 * time.Millisecond
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.log.Info("Stall reconciler stopped", "queue", q)
			return
		case <-ticker.C:
			if err := p.Reconcile(ctx, q); err != nil && ctx.Err() == nil {
				p.log.Warn("Stall reconcile failed", "queue", q, "error", err)
			}
		}
	}
}

// Reconcile recovers jobs whose lease expired on q and brings their records
// in line, then repairs ACTIVE records the broker no longer agrees with.
func (p *Pool) Reconcile(ctx context.Context, q jobs.QueueName) error {
	recovered, err := p.broker.RecoverStalled(ctx, string(q))
	if err != nil {
		return err
	}
	for _, r := range recovered {
		p.applyRecovered(ctx, q, r)
	}
	return p.sweepStuck(ctx, q)
}

func (p *Pool) applyRecovered(ctx context.Context, q jobs.QueueName, r broker.Recovered) {
	dbc := dbctx.Context{Ctx: ctx}
	log := p.log.With("queue", q, "job_id", r.ID)
	ev := events.Event{Type: events.JobStalled, Queue: q, JobID: r.ID, Attempt: r.Attempts}

	rec, err := p.records.GetByJobID(dbc, r.ID)
	if err != nil {
		log.Warn("Load stalled job record failed", "error", err)
	}
	if rec != nil {
		ev.Stage, ev.DocumentID = rec.Stage, rec.DocumentID
	}

	switch r.State {
	case broker.StateFailed:
		detail := jobs.ErrorDetail{Message: broker.StalledError, Stage: ev.Stage, Attempt: r.Attempts}
		if err := p.records.MarkFailed(dbc, r.ID, detail, p.now()); err != nil {
			log.Error("MarkFailed after stall failed", "error", err)
		}
		log.Warn("Stalled job failed", "attempts", r.Attempts)
		ev.Error = broker.StalledError
		p.emitter.Emit(ctx, ev)
		ev.Type = events.JobFailed
		p.emitter.Emit(ctx, ev)
	default:
		moved, err := p.records.RequeueStalled(dbc, r.ID, r.Attempts)
		if err != nil {
			log.Error("Requeue record after stall failed", "error", err)
		} else if !moved {
			log.Debug("Stalled job record already moved on")
		}
		log.Info("Stalled job requeued", "attempts", r.Attempts)
		p.emitter.Emit(ctx, ev)
	}
}

// sweepStuck covers records left ACTIVE when a worker settled the broker but
// died before writing the record.
func (p *Pool) sweepStuck(ctx context.Context, q jobs.QueueName) error {
	dbc := dbctx.Context{Ctx: ctx}
	cutoff := p.now().Add(-2 * p.cfg.StallInterval)
	stuck, err := p.records.ListStuckActive(dbc, q, cutoff, stuckSweepLimit)
	if err != nil {
		return err
	}
	for _, rec := range stuck {
		msg, err := p.broker.Get(ctx, string(q), rec.JobID)
		if errors.Is(err, broker.ErrNotFound) {
			msg, err = p.broker.Outcome(ctx, string(q), rec.JobID)
		}
		switch {
		case errors.Is(err, broker.ErrNotFound):
			p.log.Warn("Stuck record has no broker trace", "queue", q, "job_id", rec.JobID)
			continue
		case err != nil:
			return err
		case msg.State == broker.StateCompleted:
			elapsed := msg.FinishedAt.Sub(msg.ProcessedAt).Milliseconds()
			err = p.records.MarkCompleted(dbc, rec.JobID, msg.Result, msg.FinishedAt, elapsed)
		case msg.State == broker.StateFailed:
			detail := jobs.ErrorDetail{Message: msg.Error, Stage: rec.Stage, Attempt: msg.Attempts}
			err = p.records.MarkFailed(dbc, rec.JobID, detail, msg.FinishedAt)
		case msg.State == broker.StateWaiting || msg.State == broker.StateDelayed:
			err = p.records.MarkPending(dbc, rec.JobID)
		default:
			continue
		}
		if err != nil {
			p.log.Warn("Repair stuck record failed", "queue", q, "job_id", rec.JobID, "error", err)
			continue
		}
		p.log.Info("Repaired stuck record", "queue", q, "job_id", rec.JobID)
	}
	return nil
}
