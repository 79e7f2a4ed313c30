package joberr

import (
	"errors"
	"fmt"

	"github.com/yungbote/labflow-backend/internal/domain/jobs"
)

var (
	ErrUnknownQueue      = errors.New("unknown queue")
	ErrUnknownStage      = errors.New("unknown stage")
	ErrPayloadMismatch   = errors.New("payload does not match stage")
	ErrInvalidPayload    = errors.New("invalid payload")
	ErrJobNotFound       = errors.New("job not found")
	ErrInvalidState      = errors.New("job is not in a valid state for this operation")
	ErrDuplicateJob      = errors.New("duplicate job id")
	ErrBrokerUnavailable = errors.New("broker unavailable")
)

type Kind string

const (
	KindTransport Kind = "transport"
	KindLogic     Kind = "logic"
	KindNotFound  Kind = "not_found"
	KindState     Kind = "invalid_state"
	KindDuplicate Kind = "duplicate"
)

// QueueError is the only error type the queue manager returns.
type QueueError struct {
	Kind  Kind
	Queue jobs.QueueName
	JobID string
	Op    string
	Err   error
}

func (e *QueueError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.Queue != "" {
		msg += " queue=" + string(e.Queue)
	}
	if e.JobID != "" {
		msg += " job=" + e.JobID
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *QueueError) Unwrap() error { return e.Err }

// Retryable reports whether the caller may retry the same call unchanged.
func (e *QueueError) Retryable() bool { return e != nil && e.Kind == KindTransport }

func Transport(op string, q jobs.QueueName, jobID string, err error) error {
	return &QueueError{Kind: KindTransport, Op: op, Queue: q, JobID: jobID, Err: err}
}

func Logic(op string, q jobs.QueueName, jobID string, err error) error {
	return &QueueError{Kind: KindLogic, Op: op, Queue: q, JobID: jobID, Err: err}
}

func NotFound(op string, q jobs.QueueName, jobID string) error {
	return &QueueError{Kind: KindNotFound, Op: op, Queue: q, JobID: jobID, Err: ErrJobNotFound}
}

func InvalidState(op string, q jobs.QueueName, jobID string, status jobs.Status) error {
	return &QueueError{Kind: KindState, Op: op, Queue: q, JobID: jobID, Err: fmt.Errorf("%w: status=%s", ErrInvalidState, status)}
}

// Duplicate reports a job id already taken by a job of another stage.
func Duplicate(op string, q jobs.QueueName, jobID string, existing jobs.Stage) error {
	return &QueueError{Kind: KindDuplicate, Op: op, Queue: q, JobID: jobID, Err: fmt.Errorf("%w: held by stage %s", ErrDuplicateJob, existing)}
}

func KindOf(err error) (Kind, bool) {
	var qe *QueueError
	if errors.As(err, &qe) {
		return qe.Kind, true
	}
	return "", false
}

func IsRetryable(err error) bool {
	var qe *QueueError
	return errors.As(err, &qe) && qe.Retryable()
}

func IsNotFound(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindNotFound
}

// IsLogic is true for every kind the caller has to correct before retrying.
func IsLogic(err error) bool {
	k, ok := KindOf(err)
	return ok && (k == KindLogic || k == KindState || k == KindNotFound || k == KindDuplicate)
}

// ProcessingError is raised by stage processors. It never crosses the queue
// manager boundary; the worker records it on the job record.
type ProcessingError struct {
	Stage     jobs.Stage
	JobID     string
	Retryable bool
	Metadata  map[string]any
	Err       error
}

func (e *ProcessingError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s processing failed (job=%s retryable=%t): %v", e.Stage, e.JobID, e.Retryable, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// Message is the underlying cause without the wrapper prefix.
func (e *ProcessingError) Message() string {
	if e == nil || e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

func Retryable(stage jobs.Stage, jobID string, err error, meta map[string]any) *ProcessingError {
	return &ProcessingError{Stage: stage, JobID: jobID, Retryable: true, Metadata: meta, Err: err}
}

func Permanent(stage jobs.Stage, jobID string, err error, meta map[string]any) *ProcessingError {
	return &ProcessingError{Stage: stage, JobID: jobID, Retryable: false, Metadata: meta, Err: err}
}

// AsProcessing returns the ProcessingError in err's chain, or nil.
func AsProcessing(err error) *ProcessingError {
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return pe
	}
	return nil
}
