package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/labflow-backend/internal/domain/jobs"
	"github.com/yungbote/labflow-backend/internal/http/response"
	"github.com/yungbote/labflow-backend/internal/jobs/broker"
	"github.com/yungbote/labflow-backend/internal/jobs/queue"
)

// QueueAdmin is the part of the queue manager behind the queue endpoints.
type QueueAdmin interface {
	GetQueueHealth(ctx context.Context, q jobs.QueueName) (queue.Health, error)
	GetAllQueuesHealth(ctx context.Context) []queue.Health
	Pause(ctx context.Context, q jobs.QueueName) error
	Resume(ctx context.Context, q jobs.QueueName) error
	Drain(ctx context.Context, q jobs.QueueName) (int, error)
	Clean(ctx context.Context, q jobs.QueueName, grace time.Duration, limit int, state broker.State) ([]string, error)
	RetryJob(ctx context.Context, q jobs.QueueName, jobID string) (jobs.Handle, error)
	RemoveJob(ctx context.Context, q jobs.QueueName, jobID string) error
}

type QueueHandler struct {
	queues QueueAdmin
}

func NewQueueHandler(queues QueueAdmin) *QueueHandler {
	return &QueueHandler{queues: queues}
}

func queueParam(c *gin.Context) jobs.QueueName {
	return jobs.QueueName(c.Param("name"))
}

// GET /api/queues/health
func (h *QueueHandler) AllHealth(c *gin.Context) {
	response.RespondOK(c, gin.H{"queues": h.queues.GetAllQueuesHealth(c.Request.Context())})
}

// GET /api/queues/:name/health
func (h *QueueHandler) Health(c *gin.Context) {
	health, err := h.queues.GetQueueHealth(c.Request.Context(), queueParam(c))
	if err != nil {
		response.RespondQueueError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"queue": health})
}

// POST /api/queues/:name/pause
func (h *QueueHandler) Pause(c *gin.Context) {
	q := queueParam(c)
	if err := h.queues.Pause(c.Request.Context(), q); err != nil {
		response.RespondQueueError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"queue": q, "paused": true})
}

// POST /api/queues/:name/resume
func (h *QueueHandler) Resume(c *gin.Context) {
	q := queueParam(c)
	if err := h.queues.Resume(c.Request.Context(), q); err != nil {
		response.RespondQueueError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"queue": q, "paused": false})
}

// POST /api/queues/:name/drain
func (h *QueueHandler) Drain(c *gin.Context) {
	q := queueParam(c)
	n, err := h.queues.Drain(c.Request.Context(), q)
	if err != nil {
		response.RespondQueueError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"queue": q, "drained": n})
}

// POST /api/queues/:name/clean?grace_ms=&limit=&state=
func (h *QueueHandler) Clean(c *gin.Context) {
	q := queueParam(c)
	grace, err := intQuery(c, "grace_ms", 0)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_grace_ms", err)
		return
	}
	limit, err := intQuery(c, "limit", 0)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_limit", err)
		return
	}
	state := broker.State(c.DefaultQuery("state", string(broker.StateCompleted)))
	switch state {
	case broker.StateCompleted, broker.StateFailed:
	default:
		response.RespondError(c, http.StatusBadRequest, "invalid_state", fmt.Errorf("cannot clean %q jobs", state))
		return
	}

	ids, err := h.queues.Clean(c.Request.Context(), q, time.Duration(grace)*time.Millisecond, limit, state)
	if err != nil {
		response.RespondQueueError(c, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	response.RespondOK(c, gin.H{"queue": q, "state": state, "removed": ids})
}

// POST /api/queues/:name/jobs/:id/retry
func (h *QueueHandler) RetryJob(c *gin.Context) {
	handle, err := h.queues.RetryJob(c.Request.Context(), queueParam(c), c.Param("id"))
	if err != nil {
		response.RespondQueueError(c, err)
		return
	}
	response.RespondAccepted(c, gin.H{"job": handle})
}

// DELETE /api/queues/:name/jobs/:id
func (h *QueueHandler) RemoveJob(c *gin.Context) {
	if err := h.queues.RemoveJob(c.Request.Context(), queueParam(c), c.Param("id")); err != nil {
		response.RespondQueueError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func intQuery(c *gin.Context, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", key)
	}
	return n, nil
}
