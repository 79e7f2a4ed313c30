package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/labflow-backend/internal/domain/jobs"
	"github.com/yungbote/labflow-backend/internal/http/response"
	"github.com/yungbote/labflow-backend/internal/jobs/queue"
)

// JobService is the producer and lookup side of the queue manager.
type JobService interface {
	GetJob(ctx context.Context, jobID string) (*jobs.JobRecord, error)
	ListDocumentJobs(ctx context.Context, documentID string) ([]*jobs.JobRecord, error)
	AddBulkJobs(ctx context.Context, batch []queue.BulkJob) ([]jobs.Handle, error)
	EnqueueOCR(ctx context.Context, documentID, clientID string, p jobs.OCRPayload, opts queue.Options) (jobs.Handle, error)
	EnqueueDataParsing(ctx context.Context, documentID, clientID string, p jobs.ParsingPayload, opts queue.Options) (jobs.Handle, error)
	EnqueueValueExtraction(ctx context.Context, documentID, clientID string, p jobs.ParsingPayload, opts queue.Options) (jobs.Handle, error)
	EnqueueAnalysis(ctx context.Context, documentID, clientID string, p jobs.AnalysisPayload, opts queue.Options) (jobs.Handle, error)
	EnqueueReport(ctx context.Context, documentID, clientID string, p jobs.ReportPayload, opts queue.Options) (jobs.Handle, error)
	EnqueueNotification(ctx context.Context, p jobs.NotificationPayload, opts queue.Options) (jobs.Handle, error)
	EnqueueCleanup(ctx context.Context, p jobs.CleanupPayload, opts queue.Options) (jobs.Handle, error)
}

type JobHandler struct {
	jobs JobService
}

func NewJobHandler(jobs JobService) *JobHandler {
	return &JobHandler{jobs: jobs}
}

// enqueueOptions is the envelope shared by every enqueue endpoint.
type enqueueOptions struct {
	JobID        string         `json:"job_id"`
	DocumentID   string         `json:"document_id"`
	ClientID     string         `json:"client_id"`
	UserID       string         `json:"user_id"`
	DocumentType string         `json:"document_type"`
	UrgencyFlags []string       `json:"urgency_flags"`
	Priority     int            `json:"priority"`
	DelayMs      int64          `json:"delay_ms"`
	Attempts     int            `json:"attempts"`
	Metadata     map[string]any `json:"metadata"`
}

func (o enqueueOptions) options() queue.Options {
	return queue.Options{
		JobID:        strings.TrimSpace(o.JobID),
		DocumentID:   o.DocumentID,
		ClientID:     o.ClientID,
		UserID:       o.UserID,
		DocumentType: o.DocumentType,
		UrgencyFlags: o.UrgencyFlags,
		Priority:     o.Priority,
		Delay:        time.Duration(o.DelayMs) * time.Millisecond,
		Attempts:     o.Attempts,
		Metadata:     o.Metadata,
	}
}

type enqueueRequest[P jobs.Payload] struct {
	enqueueOptions
	Stage   jobs.Stage `json:"stage"`
	Payload P          `json:"payload"`
}

func bindEnqueue[P jobs.Payload](c *gin.Context) (*enqueueRequest[P], bool) {
	var req enqueueRequest[P]
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return nil, false
	}
	return &req, true
}

func (h *JobHandler) respondHandle(c *gin.Context, handle jobs.Handle, err error) {
	if err != nil {
		response.RespondQueueError(c, err)
		return
	}
	response.RespondAccepted(c, gin.H{"job": handle})
}

// GET /api/jobs/:id
func (h *JobHandler) GetJob(c *gin.Context) {
	rec, err := h.jobs.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.RespondQueueError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"job": rec})
}

// GET /api/documents/:id/jobs
func (h *JobHandler) ListDocumentJobs(c *gin.Context) {
	recs, err := h.jobs.ListDocumentJobs(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.RespondQueueError(c, err)
		return
	}
	if recs == nil {
		recs = []*jobs.JobRecord{}
	}
	response.RespondOK(c, gin.H{"jobs": recs})
}

// POST /api/jobs/ocr
func (h *JobHandler) EnqueueOCR(c *gin.Context) {
	req, ok := bindEnqueue[jobs.OCRPayload](c)
	if !ok {
		return
	}
	handle, err := h.jobs.EnqueueOCR(c.Request.Context(), req.DocumentID, req.ClientID, req.Payload, req.options())
	h.respondHandle(c, handle, err)
}

// POST /api/jobs/parsing
//
// stage selects DATA_PARSING (default) or VALUE_EXTRACTION.
func (h *JobHandler) EnqueueParsing(c *gin.Context) {
	req, ok := bindEnqueue[jobs.ParsingPayload](c)
	if !ok {
		return
	}
	var (
		handle jobs.Handle
		err    error
	)
	switch req.Stage {
	case "", jobs.StageDataParsing:
		handle, err = h.jobs.EnqueueDataParsing(c.Request.Context(), req.DocumentID, req.ClientID, req.Payload, req.options())
	case jobs.StageValueExtraction:
		handle, err = h.jobs.EnqueueValueExtraction(c.Request.Context(), req.DocumentID, req.ClientID, req.Payload, req.options())
	default:
		response.RespondError(c, http.StatusBadRequest, "invalid_stage", fmt.Errorf("stage %q is not a parsing stage", req.Stage))
		return
	}
	h.respondHandle(c, handle, err)
}

// POST /api/jobs/analysis
func (h *JobHandler) EnqueueAnalysis(c *gin.Context) {
	req, ok := bindEnqueue[jobs.AnalysisPayload](c)
	if !ok {
		return
	}
	handle, err := h.jobs.EnqueueAnalysis(c.Request.Context(), req.DocumentID, req.ClientID, req.Payload, req.options())
	h.respondHandle(c, handle, err)
}

// POST /api/jobs/report
func (h *JobHandler) EnqueueReport(c *gin.Context) {
	req, ok := bindEnqueue[jobs.ReportPayload](c)
	if !ok {
		return
	}
	handle, err := h.jobs.EnqueueReport(c.Request.Context(), req.DocumentID, req.ClientID, req.Payload, req.options())
	h.respondHandle(c, handle, err)
}

// POST /api/jobs/notification
func (h *JobHandler) EnqueueNotification(c *gin.Context) {
	req, ok := bindEnqueue[jobs.NotificationPayload](c)
	if !ok {
		return
	}
	handle, err := h.jobs.EnqueueNotification(c.Request.Context(), req.Payload, req.options())
	h.respondHandle(c, handle, err)
}

// POST /api/jobs/cleanup
func (h *JobHandler) EnqueueCleanup(c *gin.Context) {
	req, ok := bindEnqueue[jobs.CleanupPayload](c)
	if !ok {
		return
	}
	handle, err := h.jobs.EnqueueCleanup(c.Request.Context(), req.Payload, req.options())
	h.respondHandle(c, handle, err)
}

type bulkEntry struct {
	enqueueOptions
	Stage   jobs.Stage      `json:"stage"`
	Payload json.RawMessage `json:"payload"`
}

// POST /api/jobs/bulk
func (h *JobHandler) EnqueueBulk(c *gin.Context) {
	var req struct {
		Jobs []bulkEntry `json:"jobs"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	if len(req.Jobs) == 0 {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", fmt.Errorf("jobs must not be empty"))
		return
	}
	batch := make([]queue.BulkJob, 0, len(req.Jobs))
	for i, e := range req.Jobs {
		p, err := jobs.DecodePayload(e.Stage, e.Payload)
		if err != nil {
			response.RespondError(c, http.StatusBadRequest, "invalid_payload", fmt.Errorf("jobs[%d]: %w", i, err))
			return
		}
		batch = append(batch, queue.BulkJob{Stage: e.Stage, Payload: p, Options: e.options()})
	}

	handles, err := h.jobs.AddBulkJobs(c.Request.Context(), batch)
	if err != nil {
		status, code := response.StatusFor(err)
		c.JSON(status, gin.H{
			"error": response.APIError{Message: err.Error(), Code: code},
			"jobs":  handles,
		})
		return
	}
	response.RespondAccepted(c, gin.H{"jobs": handles})
}
