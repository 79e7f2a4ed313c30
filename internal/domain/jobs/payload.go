package jobs

import (
	"encoding/json"
	"fmt"
	"time"
)

type PayloadKind string

const (
	KindOCR          PayloadKind = "ocr"
	KindParsing      PayloadKind = "parsing"
	KindAnalysis     PayloadKind = "analysis"
	KindReport       PayloadKind = "report"
	KindNotification PayloadKind = "notification"
	KindCleanup      PayloadKind = "cleanup"
)

// Payload is the closed set of job payload variants. Only types in this
// package implement it.
type Payload interface {
	Kind() PayloadKind
	payload()
}

type OCRProvider string

const (
	OCRProviderLLM          OCRProvider = "LLM"
	OCRProviderGoogleVision OCRProvider = "GOOGLE_VISION"
	OCRProviderDocumentAI   OCRProvider = "DOCUMENT_AI"
	OCRProviderTesseract    OCRProvider = "TESSERACT"
)

type OCROptions struct {
	Language string `json:"language,omitempty"`
	DPI      int    `json:"dpi,omitempty" validate:"gte=0,lte=1200"`
	Enhance  bool   `json:"enhance,omitempty"`
}

type OCRPayload struct {
	FileLocation string      `json:"file_location" validate:"required"`
	FileName     string      `json:"file_name" validate:"required"`
	FileType     string      `json:"file_type" validate:"required"`
	FileSize     int64       `json:"file_size,omitempty" validate:"gte=0"`
	Provider     OCRProvider `json:"provider,omitempty" validate:"omitempty,oneof=LLM GOOGLE_VISION DOCUMENT_AI TESSERACT"`
	Options      OCROptions  `json:"options"`
}

type ParsingOptions struct {
	StructuredOutput bool `json:"structured_output,omitempty"`
	Validate         bool `json:"validate,omitempty"`
}

type ParsingPayload struct {
	ExtractedText string         `json:"extracted_text" validate:"required"`
	DocumentType  string         `json:"document_type" validate:"required"`
	LabType       string         `json:"lab_type,omitempty"`
	Options       ParsingOptions `json:"options"`
}

type LabValue struct {
	TestName       string `json:"test_name" validate:"required"`
	Value          string `json:"value" validate:"required"`
	Unit           string `json:"unit,omitempty"`
	ReferenceRange string `json:"reference_range,omitempty"`
}

type AnalysisType string

const (
	AnalysisFunctionalMedicine AnalysisType = "FUNCTIONAL_MEDICINE"
	AnalysisPatternRecognition AnalysisType = "PATTERN_RECOGNITION"
	AnalysisTrend              AnalysisType = "TREND_ANALYSIS"
)

// Stage returns the analysis stage matching the analysis type.
func (t AnalysisType) Stage() (Stage, bool) {
	switch t {
	case AnalysisFunctionalMedicine:
		return StageFunctionalAnalysis, true
	case AnalysisPatternRecognition:
		return StagePatternAnalysis, true
	case AnalysisTrend:
		return StageTrendAnalysis, true
	default:
		return "", false
	}
}

type AnalysisOptions struct {
	Recommendations bool `json:"recommendations,omitempty"`
	Trends          bool `json:"trends,omitempty"`
	ComparePrevious bool `json:"compare_previous,omitempty"`
}

type AnalysisPayload struct {
	LabValues    []LabValue      `json:"lab_values" validate:"required,min=1,dive"`
	AnalysisType AnalysisType    `json:"analysis_type" validate:"required"`
	Options      AnalysisOptions `json:"options"`
}

type ReportFormat string

const (
	ReportFormatText ReportFormat = "TEXT"
	ReportFormatJSON ReportFormat = "JSON"
)

type ReportPayload struct {
	Title                  string       `json:"title,omitempty"`
	Format                 ReportFormat `json:"format,omitempty" validate:"omitempty,oneof=TEXT JSON"`
	IncludeRecommendations bool         `json:"include_recommendations,omitempty"`
}

type NotificationChannel string

const (
	ChannelEmail     NotificationChannel = "EMAIL"
	ChannelSMS       NotificationChannel = "SMS"
	ChannelPush      NotificationChannel = "PUSH"
	ChannelWebsocket NotificationChannel = "WEBSOCKET"
)

type NotificationPayload struct {
	Channel   NotificationChannel `json:"channel" validate:"required,oneof=EMAIL SMS PUSH WEBSOCKET"`
	Recipient string              `json:"recipient" validate:"required"`
	Subject   string              `json:"subject,omitempty"`
	Message   string              `json:"message" validate:"required"`
	Data      map[string]any      `json:"data,omitempty"`
}

type CleanupTarget string

const (
	CleanupFiles     CleanupTarget = "FILES"
	CleanupAuditLogs CleanupTarget = "AUDIT_LOGS"
	CleanupTempData  CleanupTarget = "TEMP_DATA"
)

type CleanupPayload struct {
	Target    CleanupTarget `json:"target" validate:"required,oneof=FILES AUDIT_LOGS TEMP_DATA"`
	OlderThan time.Time     `json:"older_than" validate:"required"`
	BatchSize int           `json:"batch_size" validate:"gte=0,lte=10000"`
}

func (OCRPayload) Kind() PayloadKind          { return KindOCR }
func (ParsingPayload) Kind() PayloadKind      { return KindParsing }
func (AnalysisPayload) Kind() PayloadKind     { return KindAnalysis }
func (ReportPayload) Kind() PayloadKind       { return KindReport }
func (NotificationPayload) Kind() PayloadKind { return KindNotification }
func (CleanupPayload) Kind() PayloadKind      { return KindCleanup }

func (OCRPayload) payload()          {}
func (ParsingPayload) payload()      {}
func (AnalysisPayload) payload()     {}
func (ReportPayload) payload()       {}
func (NotificationPayload) payload() {}
func (CleanupPayload) payload()      {}

// Job is the immutable unit of work carried by the broker.
type Job struct {
	ID         string         `json:"job_id"`
	Stage      Stage          `json:"stage"`
	Priority   int            `json:"priority"`
	DocumentID string         `json:"document_id"`
	ClientID   string         `json:"client_id"`
	UserID     string         `json:"user_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	Payload    Payload        `json:"-"`
}

type jobWire struct {
	ID         string          `json:"job_id"`
	Stage      Stage           `json:"stage"`
	Priority   int             `json:"priority"`
	DocumentID string          `json:"document_id"`
	ClientID   string          `json:"client_id"`
	UserID     string          `json:"user_id,omitempty"`
	Metadata   map[string]any  `json:"metadata,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	Payload    json.RawMessage `json:"payload"`
}

func (j Job) MarshalJSON() ([]byte, error) {
	if j.Payload == nil {
		return nil, fmt.Errorf("job %s: nil payload", j.ID)
	}
	raw, err := json.Marshal(j.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(jobWire{
		ID:         j.ID,
		Stage:      j.Stage,
		Priority:   j.Priority,
		DocumentID: j.DocumentID,
		ClientID:   j.ClientID,
		UserID:     j.UserID,
		Metadata:   j.Metadata,
		CreatedAt:  j.CreatedAt,
		Payload:    raw,
	})
}

func (j *Job) UnmarshalJSON(b []byte) error {
	var w jobWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	p, err := DecodePayload(w.Stage, w.Payload)
	if err != nil {
		return err
	}
	*j = Job{
		ID:         w.ID,
		Stage:      w.Stage,
		Priority:   w.Priority,
		DocumentID: w.DocumentID,
		ClientID:   w.ClientID,
		UserID:     w.UserID,
		Metadata:   w.Metadata,
		CreatedAt:  w.CreatedAt,
		Payload:    p,
	}
	return nil
}

// DecodePayload decodes raw into the variant that stage requires.
func DecodePayload(stage Stage, raw []byte) (Payload, error) {
	switch stage.PayloadKind() {
	case KindOCR:
		return decodeAs[OCRPayload](raw)
	case KindParsing:
		return decodeAs[ParsingPayload](raw)
	case KindAnalysis:
		return decodeAs[AnalysisPayload](raw)
	case KindReport:
		return decodeAs[ReportPayload](raw)
	case KindNotification:
		return decodeAs[NotificationPayload](raw)
	case KindCleanup:
		return decodeAs[CleanupPayload](raw)
	default:
		return nil, fmt.Errorf("unknown stage %q", stage)
	}
}

func decodeAs[T Payload](raw []byte) (Payload, error) {
	var v T
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty %T", v)
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode %T: %w", v, err)
	}
	return v, nil
}
