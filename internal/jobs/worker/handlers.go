package worker

import (
	"context"
	"fmt"

	"github.com/yungbote/labflow-backend/internal/domain/jobs"
)

type OCRHandler interface {
	HandleOCR(ctx context.Context, job jobs.Job, p jobs.OCRPayload) (*jobs.OCRResult, error)
}

// ParsingHandler serves both DATA_PARSING and VALUE_EXTRACTION.
type ParsingHandler interface {
	HandleParsing(ctx context.Context, job jobs.Job, p jobs.ParsingPayload) (*jobs.ParsingResult, error)
}

type AnalysisHandler interface {
	HandleAnalysis(ctx context.Context, job jobs.Job, p jobs.AnalysisPayload) (*jobs.AnalysisResult, error)
}

type ReportHandler interface {
	HandleReport(ctx context.Context, job jobs.Job, p jobs.ReportPayload) (*jobs.ReportResult, error)
}

type NotificationHandler interface {
	HandleNotification(ctx context.Context, job jobs.Job, p jobs.NotificationPayload) (*jobs.NotificationResult, error)
}

type CleanupHandler interface {
	HandleCleanup(ctx context.Context, job jobs.Job, p jobs.CleanupPayload) (*jobs.CleanupResult, error)
}

// Handlers maps each payload variant to its processor. A nil field means
// jobs of that kind fail with a missing handler error.
type Handlers struct {
	OCR          OCRHandler
	Parsing      ParsingHandler
	Analysis     AnalysisHandler
	Report       ReportHandler
	Notification NotificationHandler
	Cleanup      CleanupHandler
}

// Serves reports whether a handler is registered for every stage of q.
func (h Handlers) Serves(q jobs.QueueName) bool {
	for _, s := range q.Stages() {
		if !h.has(s.PayloadKind()) {
			return false
		}
	}
	return true
}

func (h Handlers) has(k jobs.PayloadKind) bool {
	switch k {
	case jobs.KindOCR:
		return h.OCR != nil
	case jobs.KindParsing:
		return h.Parsing != nil
	case jobs.KindAnalysis:
		return h.Analysis != nil
	case jobs.KindReport:
		return h.Report != nil
	case jobs.KindNotification:
		return h.Notification != nil
	case jobs.KindCleanup:
		return h.Cleanup != nil
	}
	return false
}

// dispatch runs the handler for job's payload. The returned value is the
// stage result to persist; it is never a typed nil.
func (h Handlers) dispatch(ctx context.Context, job jobs.Job) (any, error) {
	if !h.has(job.Stage.PayloadKind()) {
		return nil, &missingHandlerError{Stage: job.Stage}
	}
	switch p := job.Payload.(type) {
	case jobs.OCRPayload:
		return orEmpty(h.OCR.HandleOCR(ctx, job, p))
	case jobs.ParsingPayload:
		return orEmpty(h.Parsing.HandleParsing(ctx, job, p))
	case jobs.AnalysisPayload:
		return orEmpty(h.Analysis.HandleAnalysis(ctx, job, p))
	case jobs.ReportPayload:
		return orEmpty(h.Report.HandleReport(ctx, job, p))
	case jobs.NotificationPayload:
		return orEmpty(h.Notification.HandleNotification(ctx, job, p))
	case jobs.CleanupPayload:
		return orEmpty(h.Cleanup.HandleCleanup(ctx, job, p))
	default:
		return nil, fmt.Errorf("unsupported payload %T for stage %s", job.Payload, job.Stage)
	}
}

func orEmpty[T any](v *T, err error) (any, error) {
	if err != nil {
		return nil, err
	}
	if v == nil {
		return struct{}{}, nil
	}
	return v, nil
}

type missingHandlerError struct{ Stage jobs.Stage }

func (e *missingHandlerError) Error() string {
	return "no handler registered for stage=" + string(e.Stage)
}

func errFromRecover(v any) error { return &panicError{Val: v} }

type panicError struct{ Val any }

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.Val) }
