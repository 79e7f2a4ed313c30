package queue

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yungbote/labflow-backend/internal/domain/jobs"
	"github.com/yungbote/labflow-backend/internal/jobs/joberr"
	"github.com/yungbote/labflow-backend/internal/pkg/dbctx"
)

type HealthStatus string

const (
	StatusHealthy  HealthStatus = "HEALTHY"
	StatusWarning  HealthStatus = "WARNING"
	StatusCritical HealthStatus = "CRITICAL"
)

const (
	criticalErrorRate = 50.0
	warningErrorRate  = 20.0
)

// Health is a point-in-time snapshot of one queue.
type Health struct {
	Queue           jobs.QueueName `json:"queue"`
	Waiting         int64          `json:"waiting"`
	Active          int64          `json:"active"`
	Completed       int64          `json:"completed"`
	Failed          int64          `json:"failed"`
	Delayed         int64          `json:"delayed"`
	Paused          bool           `json:"paused"`
	ErrorRate       float64        `json:"error_rate"`
	Status          HealthStatus   `json:"status"`
	Workers         WorkerCounts   `json:"workers"`
	LastProcessedAt *time.Time     `json:"last_processed_at,omitempty"`
	AvgProcessingMs float64        `json:"avg_processing_ms,omitempty"`
	Error           string         `json:"error,omitempty"`
}

// ErrorRate is failed / (waiting+active+completed+failed) as a percentage.
func ErrorRate(waiting, active, completed, failed int64) float64 {
	total := waiting + active + completed + failed
	if total <= 0 {
		return 0
	}
	return float64(failed) / float64(total) * 100
}

// Classify maps error rate, pause state and backlog to a status.
func Classify(errorRate float64, paused bool, waiting int64, highWatermark int) HealthStatus {
	switch {
	case errorRate > criticalErrorRate || paused:
		return StatusCritical
	case errorRate > warningErrorRate || waiting > int64(highWatermark):
		return StatusWarning
	default:
		return StatusHealthy
	}
}

func (m *Manager) GetQueueHealth(ctx context.Context, q jobs.QueueName) (Health, error) {
	const op = "get_queue_health"
	if err := m.checkQueue(op, q); err != nil {
		return Health{}, err
	}
	c, err := m.broker.Counts(ctx, string(q))
	if err != nil {
		return Health{}, joberr.Transport(op, q, "", err)
	}
	h := Health{
		Queue:     q,
		Waiting:   c.Waiting,
		Active:    c.Active,
		Completed: c.Completed,
		Failed:    c.Failed,
		Delayed:   c.Delayed,
		Paused:    c.Paused,
		ErrorRate: ErrorRate(c.Waiting, c.Active, c.Completed, c.Failed),
	}
	h.Status = Classify(h.ErrorRate, h.Paused, h.Waiting, m.cfg.WaitingHighWatermark)
	h.Workers = m.workerCounts(q)

	last, ok, err := m.broker.LastCompleted(ctx, string(q))
	if err != nil {
		return Health{}, joberr.Transport(op, q, "", err)
	}
	if ok {
		h.LastProcessedAt = &last
	}
	avg, ok, err := m.records.AverageActualTime(dbctx.Context{Ctx: ctx}, q)
	if err != nil {
		m.log.Warn("average processing time unavailable", "queue", q, "error", err)
	} else if ok {
		h.AvgProcessingMs = avg
	}
	return h, nil
}

// GetAllQueuesHealth reads every queue concurrently. A queue whose read fails
// is reported as a paused CRITICAL placeholder instead of failing the call.
func (m *Manager) GetAllQueuesHealth(ctx context.Context) []Health {
	queues := jobs.AllQueues()
	out := make([]Health, len(queues))
	var g errgroup.Group
	for i, q := range queues {
		g.Go(func() error {
			h, err := m.GetQueueHealth(ctx, q)
			if err != nil {
				m.log.Warn("queue health read failed", "queue", q, "error", err)
				h = Health{
					Queue:     q,
					Paused:    true,
					ErrorRate: 100,
					Status:    StatusCritical,
					Workers:   m.workerCounts(q),
					Error:     err.Error(),
				}
			}
			out[i] = h
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (m *Manager) workerCounts(q jobs.QueueName) WorkerCounts {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total WorkerCounts
	for _, ws := range m.workers {
		if c, ok := ws.WorkerCounts(q); ok {
			total.Total += c.Total
			total.Active += c.Active
			total.Available += c.Available
		}
	}
	return total
}
