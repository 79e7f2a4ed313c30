package gcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	vision "cloud.google.com/go/vision/v2/apiv1"
	visionpb "cloud.google.com/go/vision/v2/apiv1/visionpb"

	"github.com/yungbote/labflow-backend/internal/platform/ctxutil"
	"github.com/yungbote/labflow-backend/internal/platform/logger"
)

// visionFilePages is the inline page limit of BatchAnnotateFiles.
const visionFilePages = 5

// Vision extracts text with Cloud Vision DOCUMENT_TEXT_DETECTION.
type Vision struct {
	log    *logger.Logger
	client *vision.ImageAnnotatorClient
}

func NewVision(ctx context.Context, log *logger.Logger) (*Vision, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	slog := log.With("service", "gcp.Vision")
	client, err := vision.NewImageAnnotatorClient(ctxutil.Default(ctx), ClientOptionsFromEnv()...)
	if err != nil {
		return nil, fmt.Errorf("vision client: %w", err)
	}
	slog.Info("Cloud Vision initialized")
	return &Vision{log: slog, client: client}, nil
}

func (v *Vision) Close() error {
	if v == nil || v.client == nil {
		return nil
	}
	return v.client.Close()
}

// ExtractText returns the full text annotation and the mean block confidence.
// PDFs and TIFFs go through the file endpoint, images through the image one.
func (v *Vision) ExtractText(ctx context.Context, data []byte, mimeType, language string) (string, float64, error) {
	if len(data) == 0 {
		return "", 0, nil
	}
	ctx, cancel := context.WithTimeout(ctxutil.Default(ctx), 90*time.Second)
	defer cancel()

	features := []*visionpb.Feature{{Type: visionpb.Feature_DOCUMENT_TEXT_DETECTION}}
	var imgCtx *visionpb.ImageContext
	if lang := strings.TrimSpace(language); lang != "" {
		imgCtx = &visionpb.ImageContext{LanguageHints: []string{lang}}
	}

	var responses []*visionpb.AnnotateImageResponse
	if isFileMime(mimeType) {
		pages := make([]int32, 0, visionFilePages)
		for i := int32(1); i <= visionFilePages; i++ {
			pages = append(pages, i)
		}
		resp, err := v.client.BatchAnnotateFiles(ctx, &visionpb.BatchAnnotateFilesRequest{
			Requests: []*visionpb.AnnotateFileRequest{{
				InputConfig:  &visionpb.InputConfig{Content: data, MimeType: mimeType},
				Features:     features,
				ImageContext: imgCtx,
				Pages:        pages,
			}},
		})
		if err != nil {
			return "", 0, classify("vision BatchAnnotateFiles", err)
		}
		for _, fr := range resp.GetResponses() {
			if fr.GetError() != nil && fr.GetError().GetMessage() != "" {
				return "", 0, fmt.Errorf("vision annotate file: %s", fr.GetError().GetMessage())
			}
			responses = append(responses, fr.GetResponses()...)
		}
	} else {
		resp, err := v.client.BatchAnnotateImages(ctx, &visionpb.BatchAnnotateImagesRequest{
			Requests: []*visionpb.AnnotateImageRequest{{
				Image:        &visionpb.Image{Content: data},
				Features:     features,
				ImageContext: imgCtx,
			}},
		})
		if err != nil {
			return "", 0, classify("vision BatchAnnotateImages", err)
		}
		responses = resp.GetResponses()
	}

	text, conf, err := textFromResponses(responses)
	if err != nil {
		return "", 0, err
	}
	v.log.Debug("Vision OCR done", "mime_type", mimeType, "chars", len(text), "confidence", conf)
	return text, conf, nil
}

func textFromResponses(responses []*visionpb.AnnotateImageResponse) (string, float64, error) {
	var parts []string
	var blocks []*visionpb.Block
	for _, r := range responses {
		if r == nil {
			continue
		}
		if r.GetError() != nil && r.GetError().GetMessage() != "" {
			return "", 0, fmt.Errorf("vision annotate error: %s", r.GetError().GetMessage())
		}
		fta := r.GetFullTextAnnotation()
		if fta == nil || strings.TrimSpace(fta.GetText()) == "" {
			continue
		}
		parts = append(parts, strings.TrimSpace(fta.GetText()))
		for _, pg := range fta.GetPages() {
			blocks = append(blocks, pg.GetBlocks()...)
		}
	}
	return strings.Join(parts, "\n"), avgBlockConfidence(blocks), nil
}

func avgBlockConfidence(blocks []*visionpb.Block) float64 {
	var sum float64
	n := 0
	for _, b := range blocks {
		if b == nil || b.GetConfidence() <= 0 {
			continue
		}
		sum += float64(b.GetConfidence())
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func isFileMime(mimeType string) bool {
	switch strings.ToLower(strings.TrimSpace(mimeType)) {
	case "application/pdf", "image/tiff", "image/gif":
		return true
	}
	return false
}
