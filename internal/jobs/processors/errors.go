package processors

import (
	"context"
	"errors"

	"github.com/yungbote/labflow-backend/internal/domain/jobs"
	"github.com/yungbote/labflow-backend/internal/jobs/joberr"
	"github.com/yungbote/labflow-backend/internal/platform/httpx"
)

var (
	ErrUnsupported   = errors.New("unsupported")
	ErrNotConfigured = errors.New("capability not configured")
	ErrInvalidInput  = errors.New("invalid input")
)

// classify wraps err as a ProcessingError for the worker. Errors that will
// fail the same way on every attempt are permanent; everything else is left
// to the retry policy.
func classify(job jobs.Job, err error, meta map[string]any) error {
	if err == nil {
		return nil
	}
	if pe := joberr.AsProcessing(err); pe != nil {
		return pe
	}
	if isPermanent(err) {
		return joberr.Permanent(job.Stage, job.ID, err, meta)
	}
	return joberr.Retryable(job.Stage, job.ID, err, meta)
}

func isPermanent(err error) bool {
	switch {
	case errors.Is(err, ErrUnsupported), errors.Is(err, ErrNotConfigured), errors.Is(err, ErrInvalidInput):
		return true
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	}
	var sc httpx.HTTPStatusCoder
	if errors.As(err, &sc) {
		code := sc.HTTPStatusCode()
		return code >= 400 && code < 500 && !httpx.IsRetryableHTTPStatus(code)
	}
	return false
}
