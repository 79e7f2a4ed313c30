package processors

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/yungbote/labflow-backend/internal/domain/jobs"
	"github.com/yungbote/labflow-backend/internal/platform/openai"
)

// JSONGenerator is the slice of the OpenAI client the LLM-backed capabilities
// need.
type JSONGenerator interface {
	GenerateJSON(ctx context.Context, system, user, schemaName string, schema map[string]any, out any) error
	GenerateJSONWithFile(ctx context.Context, system, user string, file openai.FileInput, schemaName string, schema map[string]any, out any) error
}

var _ JSONGenerator = (*openai.Client)(nil)

// LLMExtractor transcribes a document with a vision capable model.
type LLMExtractor struct {
	gen JSONGenerator
}

func NewLLMExtractor(gen JSONGenerator) *LLMExtractor { return &LLMExtractor{gen: gen} }

var ocrSchema = map[string]any{
	"type":                 "object",
	"additionalProperties": false,
	"required":             []string{"text", "confidence"},
	"properties": map[string]any{
		"text":       map[string]any{"type": "string"},
		"confidence": map[string]any{"type": "number"},
	},
}

func (e *LLMExtractor) ExtractText(ctx context.Context, data []byte, mimeType, language string) (string, float64, error) {
	if e == nil || e.gen == nil {
		return "", 0, fmt.Errorf("%w: llm", ErrNotConfigured)
	}
	system := "You transcribe laboratory result documents. Return every line of text exactly as printed, " +
		"preserving the order of rows and the spacing between test name, value, unit and reference range. " +
		"Set confidence between 0 and 1 for how legible the document was."
	user := "Transcribe all text in the attached document."
	if language != "" {
		user += " The document language is " + language + "."
	}
	var out struct {
		Text       string  `json:"text"`
		Confidence float64 `json:"confidence"`
	}
	file := openai.FileInput{Filename: "document", MimeType: mimeType, Data: data}
	if err := e.gen.GenerateJSONWithFile(ctx, system, user, file, "ocr_transcription", ocrSchema, &out); err != nil {
		return "", 0, err
	}
	return out.Text, clamp01(out.Confidence), nil
}

// LLMParser extracts lab values with a strict schema.
type LLMParser struct {
	gen JSONGenerator
}

func NewLLMParser(gen JSONGenerator) *LLMParser { return &LLMParser{gen: gen} }

var labValuesSchema = map[string]any{
	"type":                 "object",
	"additionalProperties": false,
	"required":             []string{"values"},
	"properties": map[string]any{
		"values": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type":                 "object",
				"additionalProperties": false,
				"required":             []string{"test_name", "value", "unit", "reference_range"},
				"properties": map[string]any{
					"test_name":       map[string]any{"type": "string"},
					"value":           map[string]any{"type": "string"},
					"unit":            map[string]any{"type": "string"},
					"reference_range": map[string]any{"type": "string"},
				},
			},
		},
	},
}

func (p *LLMParser) ParseValues(ctx context.Context, text string, pl jobs.ParsingPayload) ([]jobs.LabValue, error) {
	if p == nil || p.gen == nil {
		return nil, fmt.Errorf("%w: llm", ErrNotConfigured)
	}
	system := "You extract laboratory test results from OCR text. Emit one entry per reported test. " +
		"Copy the value exactly, keep units as printed, and use an empty string when a unit or reference range is absent. " +
		"Never invent tests that are not in the text."
	var b strings.Builder
	fmt.Fprintf(&b, "Document type: %s\n", pl.DocumentType)
	if pl.LabType != "" {
		fmt.Fprintf(&b, "Lab type: %s\n", pl.LabType)
	}
	b.WriteString("\nOCR text:\n")
	b.WriteString(text)

	var out struct {
		Values []jobs.LabValue `json:"values"`
	}
	if err := p.gen.GenerateJSON(ctx, system, b.String(), "lab_values", labValuesSchema, &out); err != nil {
		return nil, err
	}
	return dedupeValues(out.Values), nil
}

// LLMAnalyzer runs the base analyzer, then asks the model for patterns and
// recommendations the rules did not produce. Model failures degrade to the
// base result.
type LLMAnalyzer struct {
	base Analyzer
	gen  JSONGenerator
	warn func(msg string, kv ...any)
}

func NewLLMAnalyzer(base Analyzer, gen JSONGenerator, warn func(msg string, kv ...any)) *LLMAnalyzer {
	if warn == nil {
		warn = func(string, ...any) {}
	}
	return &LLMAnalyzer{base: base, gen: gen, warn: warn}
}

var insightSchema = map[string]any{
	"type":                 "object",
	"additionalProperties": false,
	"required":             []string{"patterns", "recommendations"},
	"properties": map[string]any{
		"patterns": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type":                 "object",
				"additionalProperties": false,
				"required":             []string{"type", "description", "severity", "confidence"},
				"properties": map[string]any{
					"type":        map[string]any{"type": "string"},
					"description": map[string]any{"type": "string"},
					"severity":    map[string]any{"type": "string", "enum": []string{"LOW", "MODERATE", "HIGH"}},
					"confidence":  map[string]any{"type": "number"},
				},
			},
		},
		"recommendations": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type":                 "object",
				"additionalProperties": false,
				"required":             []string{"type", "title", "description"},
				"properties": map[string]any{
					"type":        map[string]any{"type": "string"},
					"title":       map[string]any{"type": "string"},
					"description": map[string]any{"type": "string"},
				},
			},
		},
	},
}

func (a *LLMAnalyzer) Analyze(ctx context.Context, in AnalysisInput) (*jobs.AnalysisResult, error) {
	res, err := a.base.Analyze(ctx, in)
	if err != nil || a.gen == nil {
		return res, err
	}
	findings, _ := json.Marshal(res.Findings)
	values, _ := json.Marshal(in.Values)
	system := "You review laboratory results for a " + strings.ToLower(strings.ReplaceAll(string(in.Type), "_", " ")) +
		" analysis. Describe patterns across markers and suggest follow up. Do not diagnose."
	user := fmt.Sprintf("Values:\n%s\n\nRule based findings:\n%s", values, findings)

	var out struct {
		Patterns        []jobs.Pattern        `json:"patterns"`
		Recommendations []jobs.Recommendation `json:"recommendations"`
	}
	if err := a.gen.GenerateJSON(ctx, system, user, "lab_insights", insightSchema, &out); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		a.warn("LLM insights unavailable; using rule based analysis", "error", err)
		return res, nil
	}
	for _, p := range out.Patterns {
		p.Confidence = clamp01(p.Confidence)
		res.Patterns = append(res.Patterns, p)
	}
	if in.Options.Recommendations {
		res.Recommendations = append(res.Recommendations, out.Recommendations...)
	}
	return res, nil
}
