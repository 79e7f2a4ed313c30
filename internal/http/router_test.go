package http

import (
	"encoding/json"
	stdhttp "net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jobrepo "github.com/yungbote/labflow-backend/internal/data/repos/jobs"
	"github.com/yungbote/labflow-backend/internal/data/repos/testutil"
	"github.com/yungbote/labflow-backend/internal/data/tx"
	"github.com/yungbote/labflow-backend/internal/domain/jobs"
	httpH "github.com/yungbote/labflow-backend/internal/http/handlers"
	httpMW "github.com/yungbote/labflow-backend/internal/http/middleware"
	"github.com/yungbote/labflow-backend/internal/jobs/broker"
	"github.com/yungbote/labflow-backend/internal/jobs/queue"
	"github.com/yungbote/labflow-backend/internal/observability"
)

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	log := testutil.Logger(t)
	b, err := broker.New(rdb, log, broker.Options{Prefix: "test"})
	require.NoError(t, err)
	db := testutil.DB(t)
	metrics := observability.NewMetrics()
	mgr, err := queue.NewManager(log, b, jobrepo.NewJobRecordRepo(db, log), tx.NewGormRunner(db), metrics, queue.DefaultConfig())
	require.NoError(t, err)

	return NewRouter(RouterConfig{
		Log:           log,
		Auth:          httpMW.NewAdminAuth(log, "s3cret"),
		Metrics:       metrics,
		HealthHandler: httpH.NewHealthHandler(nil),
		QueueHandler:  httpH.NewQueueHandler(mgr),
		JobHandler:    httpH.NewJobHandler(mgr),
	})
}

func call(r stdhttp.Handler, method, path, body, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRouterEnqueueAndLookup(t *testing.T) {
	r := newTestRouter(t)

	w := call(r, stdhttp.MethodGet, "/healthcheck", "", "")
	assert.Equal(t, stdhttp.StatusOK, w.Code)

	w = call(r, stdhttp.MethodGet, "/api/queues/health", "", "")
	assert.Equal(t, stdhttp.StatusUnauthorized, w.Code)

	w = call(r, stdhttp.MethodPost, "/api/jobs/ocr", `{
		"document_id": "doc-1", "client_id": "client-1", "job_id": "ocr-doc-1",
		"payload": {"file_location": "gs://labs/doc-1.pdf", "file_name": "doc-1.pdf", "file_type": "application/pdf"}
	}`, "s3cret")
	require.Equal(t, stdhttp.StatusAccepted, w.Code, w.Body.String())
	var enq struct {
		Job jobs.Handle `json:"job"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &enq))
	assert.Equal(t, "ocr-doc-1", enq.Job.JobID)
	assert.Equal(t, jobs.QueueOCRExtraction, enq.Job.Queue)

	w = call(r, stdhttp.MethodGet, "/api/jobs/ocr-doc-1", "", "s3cret")
	require.Equal(t, stdhttp.StatusOK, w.Code)
	var got struct {
		Job jobs.JobRecord `json:"job"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, jobs.StatusPending, got.Job.Status)

	w = call(r, stdhttp.MethodGet, "/api/documents/doc-1/jobs", "", "s3cret")
	assert.Equal(t, stdhttp.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ocr-doc-1")

	w = call(r, stdhttp.MethodGet, "/api/jobs/nope", "", "s3cret")
	assert.Equal(t, stdhttp.StatusNotFound, w.Code)

	w = call(r, stdhttp.MethodPost, "/api/jobs/ocr", `{"payload": {"file_name": "x.pdf"}}`, "s3cret")
	assert.Equal(t, stdhttp.StatusBadRequest, w.Code)

	w = call(r, stdhttp.MethodGet, "/api/queues/ocr-extraction/health", "", "s3cret")
	require.Equal(t, stdhttp.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"waiting":1`)

	w = call(r, stdhttp.MethodPost, "/api/queues/not-a-queue/pause", "", "s3cret")
	assert.Equal(t, stdhttp.StatusBadRequest, w.Code)

	w = call(r, stdhttp.MethodGet, "/metrics", "", "")
	assert.Equal(t, stdhttp.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `labflow_job_events_total{queue="ocr-extraction",stage="OCR_EXTRACTION",event="job.enqueued"} 1`)
	assert.Contains(t, w.Body.String(), `route="/api/jobs/:id"`)
}
