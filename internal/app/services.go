package app

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/yungbote/labflow-backend/internal/data/repos"
	"github.com/yungbote/labflow-backend/internal/data/tx"
	"github.com/yungbote/labflow-backend/internal/domain/jobs"
	"github.com/yungbote/labflow-backend/internal/jobs/broker"
	"github.com/yungbote/labflow-backend/internal/jobs/events"
	"github.com/yungbote/labflow-backend/internal/jobs/processors"
	"github.com/yungbote/labflow-backend/internal/jobs/queue"
	"github.com/yungbote/labflow-backend/internal/jobs/worker"
	"github.com/yungbote/labflow-backend/internal/observability"
	"github.com/yungbote/labflow-backend/internal/platform/logger"
)

type Services struct {
	QueueConfig queue.Config
	Broker      *broker.Broker
	Bus         *events.RedisBus
	Emitter     events.Emitter
	Metrics     *observability.Metrics
	Manager     *queue.Manager
	Pool        *worker.Pool
}

func wireServices(db *gorm.DB, log *logger.Logger, cfg Config, reposet repos.Set, clients *Clients) (Services, error) {
	log.Info("Wiring services...")

	qcfg, err := queue.ConfigFromEnv()
	if err != nil {
		return Services{}, fmt.Errorf("queue config: %w", err)
	}

	b, err := broker.New(clients.Redis, log, broker.Options{
		Prefix:          qcfg.KeyPrefix,
		KeepCompleted:   qcfg.KeepCompleted,
		KeepFailed:      qcfg.KeepFailed,
		MaxStalledCount: qcfg.MaxStalledCount,
	})
	if err != nil {
		return Services{}, fmt.Errorf("init broker: %w", err)
	}

	bus, err := events.NewRedisBus(log, clients.Redis, cfg.EventsChannel)
	if err != nil {
		return Services{}, fmt.Errorf("init event bus: %w", err)
	}
	metrics := observability.NewMetrics()
	emitter := events.Multi{events.LogSink{Log: log}, bus, metrics}

	mgr, err := queue.NewManager(log, b, reposet.JobRecords, tx.NewGormRunner(db), emitter, qcfg)
	if err != nil {
		return Services{}, fmt.Errorf("init queue manager: %w", err)
	}

	s := Services{
		QueueConfig: qcfg,
		Broker:      b,
		Bus:         bus,
		Emitter:     emitter,
		Metrics:     metrics,
		Manager:     mgr,
	}
	if !cfg.RunMode.Works() {
		return s, nil
	}

	handlers, err := wireProcessors(log, cfg, reposet, clients)
	if err != nil {
		return Services{}, err
	}
	pool, err := worker.NewPool(log, b, reposet.JobRecords, handlers, emitter, qcfg, cfg.WorkerQueues...)
	if err != nil {
		return Services{}, fmt.Errorf("init worker pool: %w", err)
	}
	for _, q := range pool.Queues() {
		if qcfg.PausedOnStart(q) {
			pool.Pause(q)
			log.Info("Queue paused on start", "queue", q)
		}
	}
	mgr.AttachWorkers(pool)
	s.Pool = pool
	return s, nil
}

// wireProcessors builds one processor per queue from whatever providers are
// configured. A stage whose provider is missing fails its jobs permanently
// with a "not configured" error.
func wireProcessors(log *logger.Logger, cfg Config, reposet repos.Set, clients *Clients) (worker.Handlers, error) {
	var store processors.Storage
	if clients.Storage != nil {
		store = clients.Storage
	}

	extractors := map[jobs.OCRProvider]processors.TextExtractor{}
	var (
		jsonGen processors.JSONGenerator
		textGen processors.TextGenerator
	)
	if clients.OpenAI != nil {
		jsonGen = clients.OpenAI
		extractors[jobs.OCRProviderLLM] = processors.NewLLMExtractor(clients.OpenAI)
		if cfg.ReportSummary {
			textGen = clients.OpenAI
		}
	}
	if clients.Vision != nil {
		extractors[jobs.OCRProviderGoogleVision] = clients.Vision
	}
	if clients.DocumentAI != nil {
		extractors[jobs.OCRProviderDocumentAI] = clients.DocumentAI
	}

	ocr, err := processors.NewOCRProcessor(log, reposet.Documents, store, extractors)
	if err != nil {
		return worker.Handlers{}, fmt.Errorf("init ocr processor: %w", err)
	}

	var llmParser processors.ValueParser
	if jsonGen != nil {
		llmParser = processors.NewLLMParser(jsonGen)
	}
	parsing, err := processors.NewParsingProcessor(log, reposet.Documents, reposet.Results, llmParser)
	if err != nil {
		return worker.Handlers{}, fmt.Errorf("init parsing processor: %w", err)
	}

	var analyzer processors.Analyzer = processors.RangeAnalyzer{}
	if jsonGen != nil && cfg.LLMAnalysis {
		analyzer = processors.NewLLMAnalyzer(analyzer, jsonGen, log.Warn)
	}
	analysis, err := processors.NewAnalysisProcessor(log, reposet.Documents, reposet.Results, analyzer)
	if err != nil {
		return worker.Handlers{}, fmt.Errorf("init analysis processor: %w", err)
	}

	report, err := processors.NewReportProcessor(log, reposet.Documents, reposet.Results, textGen)
	if err != nil {
		return worker.Handlers{}, fmt.Errorf("init report processor: %w", err)
	}

	notifiers := map[jobs.NotificationChannel]processors.Notifier{
		jobs.ChannelWebsocket: processors.NewWebsocketNotifier(clients.Redis),
	}
	if clients.SendGrid != nil {
		notifiers[jobs.ChannelEmail] = processors.NewEmailNotifier(clients.SendGrid)
	}
	if clients.Twilio != nil {
		notifiers[jobs.ChannelSMS] = processors.NewSMSNotifier(clients.Twilio)
	}
	notification, err := processors.NewNotificationProcessor(log, reposet.Audit, notifiers)
	if err != nil {
		return worker.Handlers{}, fmt.Errorf("init notification processor: %w", err)
	}

	cleanup, err := processors.NewCleanupProcessor(log, reposet.Documents, reposet.Audit, reposet.JobRecords, store)
	if err != nil {
		return worker.Handlers{}, fmt.Errorf("init cleanup processor: %w", err)
	}

	log.Info("Processors wired", "ocr_providers", len(extractors), "notification_channels", len(notifiers), "llm", jsonGen != nil)
	return worker.Handlers{
		OCR:          ocr,
		Parsing:      parsing,
		Analysis:     analysis,
		Report:       report,
		Notification: notification,
		Cleanup:      cleanup,
	}, nil
}
