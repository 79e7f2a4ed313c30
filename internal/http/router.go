package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	httpH "github.com/yungbote/labflow-backend/internal/http/handlers"
	httpMW "github.com/yungbote/labflow-backend/internal/http/middleware"
	"github.com/yungbote/labflow-backend/internal/observability"
	"github.com/yungbote/labflow-backend/internal/platform/logger"
)

type RouterConfig struct {
	Log         *logger.Logger
	ServiceName string
	CORSOrigins []string
	Auth        *httpMW.AdminAuth
	Metrics     *observability.Metrics

	HealthHandler *httpH.HealthHandler
	QueueHandler  *httpH.QueueHandler
	JobHandler    *httpH.JobHandler
	EventHandler  *httpH.EventHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "labflow"
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(serviceName))
	r.Use(httpMW.AttachTraceContext())
	r.Use(httpMW.RequestLogger(cfg.Log))
	r.Use(httpMW.Metrics(cfg.Metrics))
	r.Use(httpMW.CORS(cfg.CORSOrigins))

	// Health
	if cfg.HealthHandler != nil {
		r.GET("/healthcheck", cfg.HealthHandler.HealthCheck)
	}
	if cfg.Metrics != nil {
		r.GET("/metrics", gin.WrapF(cfg.Metrics.WriteHTTP))
	}

	api := r.Group("/api")
	if cfg.Auth != nil {
		api.Use(cfg.Auth.RequireToken())
	}
	{
		// Queues
		if cfg.QueueHandler != nil {
			api.GET("/queues/health", cfg.QueueHandler.AllHealth)
			api.GET("/queues/:name/health", cfg.QueueHandler.Health)
			api.POST("/queues/:name/pause", cfg.QueueHandler.Pause)
			api.POST("/queues/:name/resume", cfg.QueueHandler.Resume)
			api.POST("/queues/:name/drain", cfg.QueueHandler.Drain)
			api.POST("/queues/:name/clean", cfg.QueueHandler.Clean)
			api.POST("/queues/:name/jobs/:id/retry", cfg.QueueHandler.RetryJob)
			api.DELETE("/queues/:name/jobs/:id", cfg.QueueHandler.RemoveJob)
		}

		// Jobs
		if cfg.JobHandler != nil {
			api.GET("/jobs/:id", cfg.JobHandler.GetJob)
			api.GET("/documents/:id/jobs", cfg.JobHandler.ListDocumentJobs)
			api.POST("/jobs/ocr", cfg.JobHandler.EnqueueOCR)
			api.POST("/jobs/parsing", cfg.JobHandler.EnqueueParsing)
			api.POST("/jobs/analysis", cfg.JobHandler.EnqueueAnalysis)
			api.POST("/jobs/report", cfg.JobHandler.EnqueueReport)
			api.POST("/jobs/notification", cfg.JobHandler.EnqueueNotification)
			api.POST("/jobs/cleanup", cfg.JobHandler.EnqueueCleanup)
			api.POST("/jobs/bulk", cfg.JobHandler.EnqueueBulk)
		}

		// Events (SSE)
		if cfg.EventHandler != nil {
			api.GET("/events", cfg.EventHandler.Stream)
		}
	}

	return r
}
