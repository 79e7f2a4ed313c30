package observability

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yungbote/labflow-backend/internal/domain/jobs"
	"github.com/yungbote/labflow-backend/internal/jobs/events"
	"github.com/yungbote/labflow-backend/internal/jobs/queue"
)

func TestMetricsCountJobEvents(t *testing.T) {
	m := NewMetrics()
	ctx := context.Background()
	m.Emit(ctx, events.Event{Type: events.JobStarted, Queue: jobs.QueueAnalysis, Stage: jobs.StageTrendAnalysis})
	m.Emit(ctx, events.Event{Type: events.JobCompleted, Queue: jobs.QueueAnalysis, Stage: jobs.StageTrendAnalysis, DurationMs: 1200})
	m.Emit(ctx, events.Event{Type: events.JobCompleted, Queue: jobs.QueueAnalysis, Stage: jobs.StageTrendAnalysis, DurationMs: 300})
	m.Emit(ctx, events.Event{Type: events.QueuePaused, Queue: jobs.QueueCleanup})

	assert.Equal(t, 2.0, m.jobEvents.Value("analysis", "TREND_ANALYSIS", "job.completed"))
	assert.Equal(t, 1.0, m.jobEvents.Value("cleanup", "", "queue.paused"))
	assert.EqualValues(t, 2, m.jobDuration.Count("analysis", "TREND_ANALYSIS", "completed"))

	var buf bytes.Buffer
	require.NoError(t, m.WritePrometheus(&buf))
	out := buf.String()
	assert.Contains(t, out, "# TYPE labflow_job_events_total counter\n")
	assert.Contains(t, out, `labflow_job_events_total{queue="analysis",stage="TREND_ANALYSIS",event="job.completed"} 2`)
	assert.Contains(t, out, `labflow_job_duration_seconds_bucket{queue="analysis",stage="TREND_ANALYSIS",outcome="completed",le="0.5"} 1`)
	assert.Contains(t, out, `labflow_job_duration_seconds_count{queue="analysis",stage="TREND_ANALYSIS",outcome="completed"} 2`)
	assert.Contains(t, out, `labflow_job_events_total{queue="cleanup",stage="unknown",event="queue.paused"} 1`)
}

func TestMetricsObserveHealthSkipsErrors(t *testing.T) {
	m := NewMetrics()
	m.ObserveHealth([]queue.Health{
		{Queue: jobs.QueueOCRExtraction, Waiting: 7, Failed: 1, ErrorRate: 12.5, Paused: true, Workers: queue.WorkerCounts{Total: 3, Active: 2, Available: 1}},
	})
	m.ObserveHealth([]queue.Health{{Queue: jobs.QueueOCRExtraction, Error: "redis down"}})

	assert.Equal(t, 7.0, m.queueJobs.Value("ocr-extraction", "waiting"))
	assert.Equal(t, 12.5, m.queueErrorRate.Value("ocr-extraction"))
	assert.Equal(t, 1.0, m.queuePaused.Value("ocr-extraction"))
	assert.Equal(t, 2.0, m.queueWorkers.Value("ocr-extraction", "active"))
}

func TestMetricsHTTP(t *testing.T) {
	m := NewMetrics()
	m.ObserveAPI(http.MethodGet, "/api/jobs/:id", "404", 0)
	w := httptest.NewRecorder()
	m.WriteHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `labflow_http_requests_total{method="GET",route="/api/jobs/:id",status="404"} 1`)

	var nilMetrics *Metrics
	w = httptest.NewRecorder()
	nilMetrics.WriteHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestLabelEscaping(t *testing.T) {
	assert.Equal(t, `{a="x\"y",b="unknown"}`, labelString([]string{"a", "b"}, []string{`x"y`}))
	assert.Equal(t, `{le="1"}`, withLe("", "1"))
	assert.Equal(t, `{a="b",le="+Inf"}`, withLe(`{a="b"}`, "+Inf"))
}
