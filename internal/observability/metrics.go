package observability

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/yungbote/labflow-backend/internal/jobs/events"
	"github.com/yungbote/labflow-backend/internal/jobs/queue"
	"github.com/yungbote/labflow-backend/internal/platform/logger"
)

type Metrics struct {
	apiRequests    *CounterVec
	apiLatency     *HistogramVec
	apiInflight    *GaugeVec
	jobEvents      *CounterVec
	jobDuration    *HistogramVec
	queueJobs      *GaugeVec
	queueErrorRate *GaugeVec
	queueWorkers   *GaugeVec
	queuePaused    *GaugeVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		apiRequests: NewCounterVec("labflow_http_requests_total", "HTTP requests by route and status.", []string{"method", "route", "status"}),
		apiLatency:  NewHistogramVec("labflow_http_request_duration_seconds", "HTTP request latency.", []string{"method", "route"}, nil),
		apiInflight: NewGaugeVec("labflow_http_inflight_requests", "HTTP requests in flight.", nil),
		jobEvents:   NewCounterVec("labflow_job_events_total", "Job lifecycle events.", []string{"queue", "stage", "event"}),
		jobDuration: NewHistogramVec("labflow_job_duration_seconds", "Processing time of finished jobs.", []string{"queue", "stage", "outcome"},
			[]float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600}),
		queueJobs:      NewGaugeVec("labflow_queue_jobs", "Jobs per queue and state.", []string{"queue", "state"}),
		queueErrorRate: NewGaugeVec("labflow_queue_error_rate_percent", "Failed share of queue jobs.", []string{"queue"}),
		queueWorkers:   NewGaugeVec("labflow_queue_workers", "Worker slots per queue.", []string{"queue", "state"}),
		queuePaused:    NewGaugeVec("labflow_queue_paused", "1 when the queue is paused.", []string{"queue"}),
	}
}

// Emit makes Metrics an events sink.
func (m *Metrics) Emit(_ context.Context, ev events.Event) {
	if m == nil {
		return
	}
	m.jobEvents.Inc(string(ev.Queue), string(ev.Stage), string(ev.Type))
	switch ev.Type {
	case events.JobCompleted, events.JobFailed, events.JobRetrying:
		if ev.DurationMs > 0 {
			outcome := strings.TrimPrefix(string(ev.Type), "job.")
			m.jobDuration.Observe(float64(ev.DurationMs)/1000, string(ev.Queue), string(ev.Stage), outcome)
		}
	}
}

func (m *Metrics) ObserveAPI(method, route, status string, dur time.Duration) {
	if m == nil {
		return
	}
	m.apiRequests.Inc(method, route, status)
	m.apiLatency.Observe(dur.Seconds(), method, route)
}

func (m *Metrics) InflightAdd(delta float64) {
	if m == nil {
		return
	}
	m.apiInflight.Add(delta)
}

// ObserveHealth records one round of queue snapshots. Snapshots that carry
// an error leave the previous values in place.
func (m *Metrics) ObserveHealth(snaps []queue.Health) {
	if m == nil {
		return
	}
	for _, h := range snaps {
		if h.Error != "" {
			continue
		}
		q := string(h.Queue)
		m.queueJobs.Set(float64(h.Waiting), q, "waiting")
		m.queueJobs.Set(float64(h.Active), q, "active")
		m.queueJobs.Set(float64(h.Delayed), q, "delayed")
		m.queueJobs.Set(float64(h.Completed), q, "completed")
		m.queueJobs.Set(float64(h.Failed), q, "failed")
		m.queueErrorRate.Set(h.ErrorRate, q)
		m.queueWorkers.Set(float64(h.Workers.Active), q, "active")
		m.queueWorkers.Set(float64(h.Workers.Available), q, "available")
		paused := 0.0
		if h.Paused {
			paused = 1
		}
		m.queuePaused.Set(paused, q)
	}
}

// HealthSource supplies queue snapshots to the collector.
type HealthSource interface {
	GetAllQueuesHealth(ctx context.Context) []queue.Health
}

// StartQueueCollector samples queue health every interval until ctx ends.
func (m *Metrics) StartQueueCollector(ctx context.Context, log *logger.Logger, src HealthSource, interval time.Duration) {
	if m == nil || src == nil {
		return
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			m.ObserveHealth(src.GetAllQueuesHealth(ctx))
			select {
			case <-ctx.Done():
				if log != nil {
					log.Debug("queue metrics collector stopped")
				}
				return
			case <-ticker.C:
			}
		}
	}()
}

func (m *Metrics) WritePrometheus(w io.Writer) error {
	if m == nil {
		return nil
	}
	for _, f := range []interface{ WritePrometheus(io.Writer) error }{
		m.apiRequests, m.apiLatency, m.apiInflight,
		m.jobEvents, m.jobDuration,
		m.queueJobs, m.queueErrorRate, m.queueWorkers, m.queuePaused,
	} {
		if err := f.WritePrometheus(w); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) WriteHTTP(w http.ResponseWriter, _ *http.Request) {
	if m == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_ = m.WritePrometheus(w)
}

// StartServer serves /metrics on its own listener, for processes that run
// workers without the API.
func (m *Metrics) StartServer(ctx context.Context, log *logger.Logger, addr string) {
	if m == nil || strings.TrimSpace(addr) == "" {
		return
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", m.WriteHTTP)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(shutdownCtx)
		cancel()
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) && log != nil {
			log.Error("metrics server failed", "error", err, "addr", addr)
		}
	}()
}
