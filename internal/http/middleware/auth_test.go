package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/yungbote/labflow-backend/internal/platform/ctxutil"
	"github.com/yungbote/labflow-backend/internal/platform/logger"
)

func serve(r *gin.Engine, path string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestAdminAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(NewAdminAuth(logger.NewNop(), " s3cret ").RequireToken())
	r.GET("/api/events", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	assert.Equal(t, http.StatusUnauthorized, serve(r, "/api/events", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, serve(r, "/api/events", map[string]string{"Authorization": "Bearer nope"}).Code)
	assert.Equal(t, http.StatusNoContent, serve(r, "/api/events", map[string]string{"Authorization": "bearer s3cret"}).Code)
	assert.Equal(t, http.StatusNoContent, serve(r, "/api/events?token=s3cret", nil).Code)

	open := gin.New()
	open.Use(NewAdminAuth(logger.NewNop(), "").RequireToken())
	open.GET("/api/events", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	assert.Equal(t, http.StatusNoContent, serve(open, "/api/events", nil).Code)
}

func TestAttachTraceContext(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var seen *ctxutil.TraceData
	r := gin.New()
	r.Use(AttachTraceContext())
	r.GET("/x", func(c *gin.Context) {
		seen = ctxutil.GetTraceData(c.Request.Context())
		c.Status(http.StatusOK)
	})

	rec := serve(r, "/x", map[string]string{HeaderRequestID: "req-1"})
	assert.Equal(t, "req-1", rec.Header().Get(HeaderRequestID))
	assert.NotEmpty(t, rec.Header().Get(HeaderTraceID))
	if assert.NotNil(t, seen) {
		assert.Equal(t, "req-1", seen.RequestID)
		assert.Equal(t, rec.Header().Get(HeaderTraceID), seen.TraceID)
	}

	serve(r, "/x", map[string]string{HeaderTraceID: "trace-9"})
	assert.Equal(t, "trace-9", seen.TraceID)
	assert.NotEmpty(t, seen.RequestID)
}
