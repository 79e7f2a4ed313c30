package gcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	documentai "cloud.google.com/go/documentai/apiv1"
	"cloud.google.com/go/documentai/apiv1/documentaipb"
	"google.golang.org/api/option"

	"github.com/yungbote/labflow-backend/internal/platform/ctxutil"
	"github.com/yungbote/labflow-backend/internal/platform/envutil"
	"github.com/yungbote/labflow-backend/internal/platform/logger"
)

type DocumentAIConfig struct {
	ProjectID        string
	Location         string
	ProcessorID      string
	ProcessorVersion string
}

func DocumentAIConfigFromEnv() DocumentAIConfig {
	return DocumentAIConfig{
		ProjectID:        envutil.FirstString("", "DOCUMENTAI_PROJECT_ID", "GOOGLE_CLOUD_PROJECT"),
		Location:         envutil.String("DOCUMENTAI_LOCATION", "us"),
		ProcessorID:      envutil.String("DOCUMENTAI_PROCESSOR_ID", ""),
		ProcessorVersion: envutil.String("DOCUMENTAI_PROCESSOR_VERSION", ""),
	}
}

// Enabled reports whether enough is configured to name a processor.
func (c DocumentAIConfig) Enabled() bool {
	return processorName(c.ProjectID, c.Location, c.ProcessorID, c.ProcessorVersion) != ""
}

// DocumentAI runs documents through a single configured OCR processor.
type DocumentAI struct {
	log       *logger.Logger
	client    *documentai.DocumentProcessorClient
	processor string
}

func NewDocumentAI(ctx context.Context, log *logger.Logger, cfg DocumentAIConfig) (*DocumentAI, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	name := processorName(cfg.ProjectID, cfg.Location, cfg.ProcessorID, cfg.ProcessorVersion)
	if name == "" {
		return nil, fmt.Errorf("documentai: project, location and processor id required")
	}
	slog := log.With("service", "gcp.DocumentAI")

	endpoint := fmt.Sprintf("%s-documentai.googleapis.com:443", strings.TrimSpace(cfg.Location))
	opts := append([]option.ClientOption{option.WithEndpoint(endpoint)}, ClientOptionsFromEnv()...)
	client, err := documentai.NewDocumentProcessorClient(ctxutil.Default(ctx), opts...)
	if err != nil {
		return nil, fmt.Errorf("documentai client: %w", err)
	}
	slog.Info("Document AI initialized", "endpoint", endpoint, "processor", name)
	return &DocumentAI{log: slog, client: client, processor: name}, nil
}

func (d *DocumentAI) Close() error {
	if d == nil || d.client == nil {
		return nil
	}
	return d.client.Close()
}

// ExtractText processes data inline. Document AI takes no language hint on
// this path, so language is ignored.
func (d *DocumentAI) ExtractText(ctx context.Context, data []byte, mimeType, _ string) (string, float64, error) {
	if len(data) == 0 {
		return "", 0, nil
	}
	if strings.TrimSpace(mimeType) == "" {
		mimeType = "application/pdf"
	}
	ctx, cancel := context.WithTimeout(ctxutil.Default(ctx), 3*time.Minute)
	defer cancel()

	resp, err := d.client.ProcessDocument(ctx, &documentaipb.ProcessRequest{
		Name: d.processor,
		Source: &documentaipb.ProcessRequest_RawDocument{
			RawDocument: &documentaipb.RawDocument{Content: data, MimeType: mimeType},
		},
	})
	if err != nil {
		return "", 0, classify("documentai ProcessDocument", err)
	}
	doc := resp.GetDocument()
	text := strings.TrimSpace(doc.GetText())
	conf := avgPageConfidence(doc.GetPages())
	d.log.Debug("Document AI OCR done", "pages", len(doc.GetPages()), "chars", len(text), "confidence", conf)
	return text, conf, nil
}

func avgPageConfidence(pages []*documentaipb.Document_Page) float64 {
	var sum float64
	n := 0
	for _, p := range pages {
		c := p.GetLayout().GetConfidence()
		if c <= 0 {
			continue
		}
		sum += float64(c)
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func processorName(project, location, processorID, version string) string {
	project = strings.TrimSpace(project)
	location = strings.TrimSpace(location)
	processorID = strings.TrimSpace(processorID)
	version = strings.TrimSpace(version)

	if project == "" || location == "" || processorID == "" {
		return ""
	}
	base := fmt.Sprintf("projects/%s/locations/%s/processors/%s", project, location, processorID)
	if version != "" {
		return base + "/processorVersions/" + version
	}
	return base
}
