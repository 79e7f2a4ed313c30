// Package processors holds the stage processors the worker pool dispatches
// to, and the external capabilities they consume.
//
// Processors write only their own result tables and the document row. Every
// write is keyed by document id (and stage or analysis type), so a redelivered
// job overwrites what an earlier attempt wrote.
package processors

import (
	"context"

	"github.com/yungbote/labflow-backend/internal/domain/jobs"
)

// Storage reads and removes source files. Refs are "gs://bucket/key" or a key
// in the default bucket.
type Storage interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
	Delete(ctx context.Context, ref string) error
}

// TextExtractor is one OCR provider.
type TextExtractor interface {
	ExtractText(ctx context.Context, data []byte, mimeType, language string) (text string, confidence float64, err error)
}

// ValueParser turns OCR text into structured lab values.
type ValueParser interface {
	ParseValues(ctx context.Context, text string, p jobs.ParsingPayload) ([]jobs.LabValue, error)
}

// AnalysisInput is what an Analyzer sees. History holds the client's earlier
// lab values, newest first, and is only loaded when trends are wanted.
type AnalysisInput struct {
	Type    jobs.AnalysisType
	Values  []jobs.LabValue
	Options jobs.AnalysisOptions
	History [][]jobs.LabValue
}

type Analyzer interface {
	Analyze(ctx context.Context, in AnalysisInput) (*jobs.AnalysisResult, error)
}

// Notifier delivers on one channel and returns the provider's message id.
type Notifier interface {
	Notify(ctx context.Context, job jobs.Job, n jobs.NotificationPayload) (messageID string, err error)
}

// TextGenerator writes free text, used for report summaries.
type TextGenerator interface {
	GenerateText(ctx context.Context, system, user string) (string, error)
}
