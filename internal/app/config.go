package app

import (
	"strings"

	"github.com/yungbote/labflow-backend/internal/domain/jobs"
	"github.com/yungbote/labflow-backend/internal/platform/envutil"
	"github.com/yungbote/labflow-backend/internal/platform/logger"
)

type RunMode string

const (
	RunServer RunMode = "server"
	RunWorker RunMode = "worker"
	RunAll    RunMode = "all"
)

func (m RunMode) Serves() bool { return m == RunServer || m == RunAll }
func (m RunMode) Works() bool  { return m == RunWorker || m == RunAll }

type Config struct {
	ServiceName   string
	Environment   string
	Version       string
	RunMode       RunMode
	HTTPAddr      string
	MetricsAddr   string
	AdminToken    string
	CORSOrigins   []string
	EventsChannel string
	VisionEnabled bool
	LLMAnalysis   bool
	ReportSummary bool

	// WorkerQueues restricts this process's pool. Empty means every queue.
	WorkerQueues []jobs.QueueName
}

func LoadConfig(log *logger.Logger) Config {
	cfg := Config{
		ServiceName:   envutil.String("SERVICE_NAME", "labflow"),
		Environment:   envutil.String("ENVIRONMENT", "development"),
		Version:       envutil.String("SERVICE_VERSION", "dev"),
		RunMode:       RunMode(strings.ToLower(envutil.String("RUN_MODE", string(RunAll)))),
		HTTPAddr:      envutil.String("HTTP_ADDR", ":8080"),
		MetricsAddr:   envutil.String("METRICS_ADDR", ""),
		AdminToken:    envutil.String("ADMIN_API_TOKEN", ""),
		CORSOrigins:   splitList(envutil.String("CORS_ALLOWED_ORIGINS", "")),
		EventsChannel: envutil.String("EVENTS_CHANNEL", "labflow:job-events"),
		VisionEnabled: envutil.Bool("GOOGLE_VISION_ENABLED", false),
		LLMAnalysis:   envutil.Bool("LLM_ANALYSIS_ENABLED", true),
		ReportSummary: envutil.Bool("REPORT_SUMMARY_ENABLED", true),
	}
	switch cfg.RunMode {
	case RunServer, RunWorker, RunAll:
	default:
		log.Warn("Unknown RUN_MODE, running everything", "run_mode", cfg.RunMode)
		cfg.RunMode = RunAll
	}
	for _, name := range splitList(envutil.String("WORKER_QUEUES", "")) {
		q := jobs.QueueName(name)
		if !q.Valid() {
			log.Warn("Ignoring unknown queue in WORKER_QUEUES", "queue", name)
			continue
		}
		cfg.WorkerQueues = append(cfg.WorkerQueues, q)
	}
	if cfg.AdminToken == "" && cfg.RunMode.Serves() {
		log.Warn("ADMIN_API_TOKEN not set; admin API is unauthenticated")
	}
	return cfg
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
