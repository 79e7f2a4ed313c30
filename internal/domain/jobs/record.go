package jobs

import (
	"time"

	"gorm.io/datatypes"
)

// JobRecord is the durable status projection of a Job.
type JobRecord struct {
	JobID         string         `gorm:"column:job_id;primaryKey" json:"job_id"`
	QueueName     QueueName      `gorm:"column:queue_name;not null;index" json:"queue_name"`
	Stage         Stage          `gorm:"column:stage;not null;index" json:"stage"`
	DocumentID    string         `gorm:"column:document_id;index" json:"document_id"`
	ClientID      string         `gorm:"column:client_id;index" json:"client_id"`
	UserID        string         `gorm:"column:user_id" json:"user_id,omitempty"`
	Priority      int            `gorm:"column:priority;not null" json:"priority"`
	Status        Status         `gorm:"column:status;not null;index" json:"status"`
	Attempts      int            `gorm:"column:attempts;not null;default:0" json:"attempts"`
	MaxAttempts   int            `gorm:"column:max_attempts;not null" json:"max_attempts"`
	Payload       datatypes.JSON `gorm:"column:payload" json:"payload"`
	Metadata      datatypes.JSON `gorm:"column:metadata" json:"metadata,omitempty"`
	Result        datatypes.JSON `gorm:"column:result" json:"result,omitempty"`
	Error         datatypes.JSON `gorm:"column:error" json:"error,omitempty"`
	EstimatedTime int            `gorm:"column:estimated_time" json:"estimated_time"`
	ActualTime    int64          `gorm:"column:actual_time" json:"actual_time,omitempty"`
	ScheduledAt   time.Time      `gorm:"column:scheduled_at;not null;index" json:"scheduled_at"`
	StartedAt     *time.Time     `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt   *time.Time     `gorm:"column:completed_at" json:"completed_at,omitempty"`
	FailedAt      *time.Time     `gorm:"column:failed_at" json:"failed_at,omitempty"`
	CreatedAt     time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt     time.Time      `gorm:"not null" json:"updated_at"`
}

func (JobRecord) TableName() string { return "processing_job" }

// ErrorDetail is what a failed attempt leaves on the record.
type ErrorDetail struct {
	Message   string         `json:"message"`
	Stage     Stage          `json:"stage"`
	Retryable bool           `json:"retryable"`
	Attempt   int            `json:"attempt"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Handle is what a producer gets back from an enqueue.
type Handle struct {
	JobID         string    `json:"job_id"`
	Queue         QueueName `json:"queue"`
	Stage         Stage     `json:"stage"`
	Priority      int       `json:"priority"`
	EstimatedTime int       `json:"estimated_time"`
	Duplicate     bool      `json:"duplicate,omitempty"`
}
