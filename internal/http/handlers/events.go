package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/labflow-backend/internal/domain/jobs"
	"github.com/yungbote/labflow-backend/internal/http/response"
	"github.com/yungbote/labflow-backend/internal/jobs/events"
	"github.com/yungbote/labflow-backend/internal/platform/logger"
)

// EventSource delivers lifecycle events until ctx ends.
type EventSource interface {
	Subscribe(ctx context.Context, onEvent func(events.Event)) error
}

type EventHandler struct {
	log       *logger.Logger
	source    EventSource
	heartbeat time.Duration
	buffer    int
}

func NewEventHandler(log *logger.Logger, source EventSource) *EventHandler {
	return &EventHandler{
		log:       log.With("handler", "EventHandler"),
		source:    source,
		heartbeat: 15 * time.Second,
		buffer:    256,
	}
}

type eventFilter struct {
	queue      jobs.QueueName
	jobID      string
	documentID string
}

func (f eventFilter) match(ev events.Event) bool {
	if f.queue != "" && ev.Queue != f.queue {
		return false
	}
	if f.jobID != "" && ev.JobID != f.jobID {
		return false
	}
	if f.documentID != "" && ev.DocumentID != f.documentID {
		return false
	}
	return true
}

// GET /api/events?queue=&job_id=&document_id=
//
// Streams lifecycle events as server-sent events. Slow clients drop events
// rather than stall the subscription.
func (h *EventHandler) Stream(c *gin.Context) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		response.RespondError(c, http.StatusInternalServerError, "streaming_unsupported", fmt.Errorf("streaming unsupported"))
		return
	}
	filter := eventFilter{
		queue:      jobs.QueueName(c.Query("queue")),
		jobID:      c.Query("job_id"),
		documentID: c.Query("document_id"),
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	out := make(chan events.Event, h.buffer)
	err := h.source.Subscribe(ctx, func(ev events.Event) {
		if !filter.match(ev) {
			return
		}
		select {
		case out <- ev:
		default:
			h.log.Warn("SSE client too slow, dropping event", "type", ev.Type, "job_id", ev.JobID)
		}
	})
	if err != nil {
		response.RespondError(c, http.StatusServiceUnavailable, "subscribe_failed", err)
		return
	}

	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			h.log.Debug("SSE client context done", "err", ctx.Err())
			return
		case <-heartbeat.C:
			_, _ = fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev := <-out:
			b, err := json.Marshal(ev)
			if err != nil {
				h.log.Warn("Failed to marshal SSE event", "error", err)
				continue
			}
			_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, b)
			flusher.Flush()
		}
	}
}
