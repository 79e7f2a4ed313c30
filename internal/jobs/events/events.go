package events

import (
	"context"
	"time"

	"github.com/yungbote/labflow-backend/internal/domain/jobs"
	"github.com/yungbote/labflow-backend/internal/platform/logger"
)

type Type string

const (
	JobEnqueued  Type = "job.enqueued"
	JobStarted   Type = "job.started"
	JobCompleted Type = "job.completed"
	JobRetrying  Type = "job.retrying"
	JobFailed    Type = "job.failed"
	JobStalled   Type = "job.stalled"
	JobRemoved   Type = "job.removed"
	JobRequeued  Type = "job.requeued"
	QueuePaused  Type = "queue.paused"
	QueueResumed Type = "queue.resumed"
	QueueDrained Type = "queue.drained"
	QueueCleaned Type = "queue.cleaned"
)

// Event is a lifecycle notification. Fields that do not apply are left zero.
type Event struct {
	Type       Type           `json:"type"`
	Queue      jobs.QueueName `json:"queue"`
	JobID      string         `json:"job_id,omitempty"`
	Stage      jobs.Stage     `json:"stage,omitempty"`
	DocumentID string         `json:"document_id,omitempty"`
	Attempt    int            `json:"attempt,omitempty"`
	Priority   int            `json:"priority,omitempty"`
	DurationMs int64          `json:"duration_ms,omitempty"`
	Error      string         `json:"error,omitempty"`
	Count      int            `json:"count,omitempty"`
	At         time.Time      `json:"at"`
}

// Emitter delivers events best effort. Emit never blocks job processing on
// a failing sink.
type Emitter interface {
	Emit(ctx context.Context, ev Event)
}

type Nop struct{}

func (Nop) Emit(context.Context, Event) {}

// Multi fans an event out to every emitter in order.
type Multi []Emitter

func (m Multi) Emit(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	for _, e := range m {
		if e != nil {
			e.Emit(ctx, ev)
		}
	}
}

type LogSink struct {
	Log *logger.Logger
}

func (s LogSink) Emit(_ context.Context, ev Event) {
	if s.Log == nil {
		return
	}
	kv := []interface{}{"event", ev.Type, "queue", ev.Queue}
	if ev.JobID != "" {
		kv = append(kv, "job_id", ev.JobID)
	}
	if ev.Stage != "" {
		kv = append(kv, "stage", ev.Stage)
	}
	if ev.DocumentID != "" {
		kv = append(kv, "document_id", ev.DocumentID)
	}
	if ev.Attempt > 0 {
		kv = append(kv, "attempt", ev.Attempt)
	}
	if ev.DurationMs > 0 {
		kv = append(kv, "duration_ms", ev.DurationMs)
	}
	if ev.Count > 0 {
		kv = append(kv, "count", ev.Count)
	}
	switch ev.Type {
	case JobFailed, JobStalled:
		s.Log.Warn("job event", append(kv, "error", ev.Error)...)
	case JobRetrying:
		s.Log.Info("job event", append(kv, "error", ev.Error)...)
	default:
		s.Log.Debug("job event", kv...)
	}
}
