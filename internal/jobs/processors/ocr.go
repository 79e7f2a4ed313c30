package processors

import (
	"context"
	"fmt"
	"mime"
	"path/filepath"
	"strings"
	"time"

	docrepo "github.com/yungbote/labflow-backend/internal/data/repos/documents"
	"github.com/yungbote/labflow-backend/internal/domain/documents"
	"github.com/yungbote/labflow-backend/internal/domain/jobs"
	"github.com/yungbote/labflow-backend/internal/pkg/dbctx"
	"github.com/yungbote/labflow-backend/internal/platform/logger"
)

type OCRProcessor struct {
	log        *logger.Logger
	docs       docrepo.DocumentRepo
	storage    Storage
	extractors map[jobs.OCRProvider]TextExtractor
	now        func() time.Time
}

// NewOCRProcessor registers one extractor per provider. A provider without an
// extractor fails its jobs permanently.
func NewOCRProcessor(log *logger.Logger, docs docrepo.DocumentRepo, storage Storage, extractors map[jobs.OCRProvider]TextExtractor) (*OCRProcessor, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if docs == nil {
		return nil, fmt.Errorf("document repo required")
	}
	ex := make(map[jobs.OCRProvider]TextExtractor, len(extractors))
	for k, v := range extractors {
		if v != nil {
			ex[k] = v
		}
	}
	return &OCRProcessor{
		log:        log.With("processor", "OCR"),
		docs:       docs,
		storage:    storage,
		extractors: ex,
		now:        time.Now,
	}, nil
}

func (p *OCRProcessor) HandleOCR(ctx context.Context, job jobs.Job, pl jobs.OCRPayload) (*jobs.OCRResult, error) {
	start := p.now()
	provider := pl.Provider
	if provider == "" {
		provider = jobs.OCRProviderLLM
	}
	log := p.log.With("job_id", job.ID, "document_id", job.DocumentID, "provider", provider)
	meta := map[string]any{"provider": string(provider), "file_name": pl.FileName}

	text, confidence, err := p.extract(ctx, pl, provider)
	if err != nil {
		log.Warn("OCR extraction failed", "error", err)
		p.markFailed(ctx, job.DocumentID, err)
		return nil, classify(job, err, meta)
	}

	ok, err := p.docs.UpdateFields(dbctx.Context{Ctx: ctx}, job.DocumentID, map[string]interface{}{
		"extracted_text":   text,
		"ocr_confidence":   confidence,
		"ocr_provider":     string(provider),
		"ocr_job_id":       job.ID,
		"status":           documents.StatusOCRComplete,
		"processing_error": "",
	})
	if err != nil {
		return nil, classify(job, fmt.Errorf("update document: %w", err), meta)
	}
	if !ok {
		return nil, classify(job, fmt.Errorf("%w: document %s not found", ErrInvalidInput, job.DocumentID), meta)
	}

	elapsed := p.now().Sub(start).Milliseconds()
	log.Info("OCR extraction complete", "chars", len(text), "confidence", confidence, "ms", elapsed)
	return &jobs.OCRResult{
		ExtractedText:  text,
		Confidence:     confidence,
		Provider:       provider,
		ProcessingTime: elapsed,
		TextLength:     len(text),
		WordsExtracted: len(strings.Fields(text)),
	}, nil
}

func (p *OCRProcessor) extract(ctx context.Context, pl jobs.OCRPayload, provider jobs.OCRProvider) (string, float64, error) {
	if provider == jobs.OCRProviderTesseract {
		return "", 0, fmt.Errorf("%w: OCR provider %s", ErrUnsupported, provider)
	}
	ex, ok := p.extractors[provider]
	if !ok {
		return "", 0, fmt.Errorf("%w: OCR provider %s", ErrNotConfigured, provider)
	}
	if p.storage == nil {
		return "", 0, fmt.Errorf("%w: storage", ErrNotConfigured)
	}
	data, err := p.storage.Fetch(ctx, pl.FileLocation)
	if err != nil {
		return "", 0, fmt.Errorf("fetch %s: %w", pl.FileName, err)
	}
	text, conf, err := ex.ExtractText(ctx, data, mimeTypeFor(pl.FileType, pl.FileName), pl.Options.Language)
	if err != nil {
		return "", 0, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", 0, fmt.Errorf("%w: no text extracted from %s", ErrInvalidInput, pl.FileName)
	}
	return text, clamp01(conf), nil
}

// markFailed records the failure on the document. A later successful attempt
// resets status and clears the error.
func (p *OCRProcessor) markFailed(ctx context.Context, documentID string, cause error) {
	_, err := p.docs.UpdateFields(dbctx.Context{Ctx: ctx}, documentID, map[string]interface{}{
		"status":           documents.StatusFailed,
		"processing_error": cause.Error(),
	})
	if err != nil {
		p.log.Warn("Mark document failed", "document_id", documentID, "error", err)
	}
}

// mimeTypeFor accepts a MIME type or a bare extension, falling back to the
// file name.
func mimeTypeFor(fileType, fileName string) string {
	ft := strings.ToLower(strings.TrimSpace(fileType))
	if strings.Contains(ft, "/") {
		return ft
	}
	ext := ft
	if ext == "" {
		ext = strings.TrimPrefix(strings.ToLower(filepath.Ext(fileName)), ".")
	}
	switch ext {
	case "pdf":
		return "application/pdf"
	case "jpg", "jpeg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "tif", "tiff":
		return "image/tiff"
	}
	if ext != "" {
		if t := mime.TypeByExtension("." + ext); t != "" {
			return strings.SplitN(t, ";", 2)[0]
		}
	}
	return "application/octet-stream"
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
