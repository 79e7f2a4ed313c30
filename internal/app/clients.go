package app

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/labflow-backend/internal/platform/gcp"
	"github.com/yungbote/labflow-backend/internal/platform/logger"
	"github.com/yungbote/labflow-backend/internal/platform/openai"
	"github.com/yungbote/labflow-backend/internal/platform/redisx"
	"github.com/yungbote/labflow-backend/internal/platform/sendgrid"
	"github.com/yungbote/labflow-backend/internal/platform/twilio"
)

// Clients holds the external connections. Redis is required; every provider
// is optional and nil when unconfigured.
type Clients struct {
	Redis      *goredis.Client
	Storage    *gcp.Storage
	Vision     *gcp.Vision
	DocumentAI *gcp.DocumentAI
	OpenAI     *openai.Client
	SendGrid   *sendgrid.Client
	Twilio     *twilio.Client
}

func wireClients(ctx context.Context, log *logger.Logger, cfg Config) (*Clients, error) {
	log.Info("Wiring clients...")

	rdb, err := redisx.Open(ctx, log, redisx.ConfigFromEnv())
	if err != nil {
		return nil, fmt.Errorf("init redis: %w", err)
	}
	c := &Clients{Redis: rdb}

	// Gcs
	if scfg := gcp.StorageConfigFromEnv(); scfg.Bucket != "" || scfg.EmulatorHost != "" {
		if c.Storage, err = gcp.NewStorage(ctx, log, scfg); err != nil {
			log.Warn("GCS storage disabled", "error", err)
		}
	} else {
		log.Warn("GCS_BUCKET not set; file fetch and file cleanup disabled")
	}

	// Gcp OCR
	if cfg.VisionEnabled {
		if c.Vision, err = gcp.NewVision(ctx, log); err != nil {
			log.Warn("Google Vision OCR disabled", "error", err)
		}
	}
	if dcfg := gcp.DocumentAIConfigFromEnv(); dcfg.Enabled() {
		if c.DocumentAI, err = gcp.NewDocumentAI(ctx, log, dcfg); err != nil {
			log.Warn("Document AI OCR disabled", "error", err)
		}
	}

	// Openai
	if ocfg := openai.ConfigFromEnv(); ocfg.APIKey != "" {
		if c.OpenAI, err = openai.New(log, ocfg); err != nil {
			log.Warn("OpenAI disabled", "error", err)
		}
	} else {
		log.Warn("OPENAI_API_KEY not set; LLM OCR, structured parsing and report summaries disabled")
	}

	// Notifications
	if scfg := sendgrid.ConfigFromEnv(); scfg.APIKey != "" {
		if c.SendGrid, err = sendgrid.New(log, scfg); err != nil {
			log.Warn("SendGrid disabled", "error", err)
		}
	} else {
		log.Warn("SENDGRID_API_KEY not set; EMAIL notifications disabled")
	}
	if tcfg := twilio.ConfigFromEnv(); tcfg.AccountSID != "" {
		if c.Twilio, err = twilio.New(log, tcfg); err != nil {
			log.Warn("Twilio disabled", "error", err)
		}
	} else {
		log.Warn("TWILIO_ACCOUNT_SID not set; SMS notifications disabled")
	}
	return c, nil
}

func (c *Clients) Close(log *logger.Logger) {
	if c == nil {
		return
	}
	closers := map[string]func() error{
		"storage":    c.Storage.Close,
		"vision":     c.Vision.Close,
		"documentai": c.DocumentAI.Close,
	}
	for name, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Warn("Client close failed", "client", name, "error", err)
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			log.Warn("Client close failed", "client", "redis", "error", err)
		}
	}
}
