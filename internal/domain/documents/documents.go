package documents

import (
	"time"

	"gorm.io/datatypes"
)

type Status string

const (
	StatusUploaded    Status = "UPLOADED"
	StatusOCRComplete Status = "OCR_COMPLETE"
	StatusParsed      Status = "PARSED"
	StatusFailed      Status = "FAILED"
	StatusArchived    Status = "ARCHIVED"
)

// Document is the uploaded lab file the pipeline works on.
type Document struct {
	ID              string     `gorm:"column:id;primaryKey" json:"id"`
	ClientID        string     `gorm:"column:client_id;index" json:"client_id"`
	FileName        string     `gorm:"column:file_name" json:"file_name"`
	StorageKey      string     `gorm:"column:storage_key" json:"storage_key,omitempty"`
	Status          Status     `gorm:"column:status;not null;index" json:"status"`
	ExtractedText   string     `gorm:"column:extracted_text" json:"-"`
	OCRConfidence   float64    `gorm:"column:ocr_confidence" json:"ocr_confidence,omitempty"`
	OCRProvider     string     `gorm:"column:ocr_provider" json:"ocr_provider,omitempty"`
	OCRJobID        string     `gorm:"column:ocr_job_id" json:"ocr_job_id,omitempty"`
	AnalysisStatus  string     `gorm:"column:analysis_status" json:"analysis_status,omitempty"`
	AnalysisDate    *time.Time `gorm:"column:analysis_date" json:"analysis_date,omitempty"`
	ProcessingError string     `gorm:"column:processing_error" json:"processing_error,omitempty"`
	UploadedAt      time.Time  `gorm:"column:uploaded_at;not null;index" json:"uploaded_at"`
	UpdatedAt       time.Time  `gorm:"not null" json:"updated_at"`
}

func (Document) TableName() string { return "document" }

// LabValueSet holds the structured values parsed from a document, one row per
// document and stage.
type LabValueSet struct {
	DocumentID   string         `gorm:"column:document_id;primaryKey" json:"document_id"`
	Stage        string         `gorm:"column:stage;primaryKey" json:"stage"`
	JobID        string         `gorm:"column:job_id;not null" json:"job_id"`
	DocumentType string         `gorm:"column:document_type" json:"document_type"`
	Values       datatypes.JSON `gorm:"column:parsed_values" json:"values"`
	UpdatedAt    time.Time      `gorm:"not null" json:"updated_at"`
}

func (LabValueSet) TableName() string { return "document_lab_values" }

// Analysis is keyed by document and analysis type so re-running a job
// replaces the previous row.
type Analysis struct {
	DocumentID      string         `gorm:"column:document_id;primaryKey" json:"document_id"`
	AnalysisType    string         `gorm:"column:analysis_type;primaryKey" json:"analysis_type"`
	ClientID        string         `gorm:"column:client_id;index" json:"client_id"`
	JobID           string         `gorm:"column:job_id;not null" json:"job_id"`
	Patterns        datatypes.JSON `gorm:"column:patterns" json:"patterns"`
	Findings        datatypes.JSON `gorm:"column:findings" json:"findings"`
	CriticalValues  datatypes.JSON `gorm:"column:critical_values" json:"critical_values"`
	Recommendations datatypes.JSON `gorm:"column:recommendations" json:"recommendations"`
	Trends          datatypes.JSON `gorm:"column:trends" json:"trends"`
	LabValues       datatypes.JSON `gorm:"column:lab_values" json:"-"`
	Confidence      float64        `gorm:"column:confidence" json:"confidence"`
	ProcessingTime  int64          `gorm:"column:processing_time" json:"processing_time"`
	CompletedAt     time.Time      `gorm:"column:completed_at;not null;index" json:"completed_at"`
}

func (Analysis) TableName() string { return "document_analysis" }

type Report struct {
	DocumentID string    `gorm:"column:document_id;primaryKey" json:"document_id"`
	JobID      string    `gorm:"column:job_id;not null" json:"job_id"`
	Title      string    `gorm:"column:title" json:"title"`
	Format     string    `gorm:"column:format" json:"format"`
	Body       string    `gorm:"column:body" json:"body"`
	CreatedAt  time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt  time.Time `gorm:"not null" json:"updated_at"`
}

func (Report) TableName() string { return "document_report" }

// AuditLog entries with an EventKey are written at most once per key.
type AuditLog struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Action    string    `gorm:"column:action;not null" json:"action"`
	Actor     string    `gorm:"column:actor" json:"actor,omitempty"`
	Subject   string    `gorm:"column:subject" json:"subject,omitempty"`
	EventKey  *string   `gorm:"column:event_key;uniqueIndex" json:"-"`
	Timestamp time.Time `gorm:"column:logged_at;not null;index" json:"timestamp"`
}

func (AuditLog) TableName() string { return "audit_log" }
