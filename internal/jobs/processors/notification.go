package processors

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	docrepo "github.com/yungbote/labflow-backend/internal/data/repos/documents"
	"github.com/yungbote/labflow-backend/internal/domain/documents"
	"github.com/yungbote/labflow-backend/internal/domain/jobs"
	"github.com/yungbote/labflow-backend/internal/pkg/dbctx"
	"github.com/yungbote/labflow-backend/internal/platform/logger"
	"github.com/yungbote/labflow-backend/internal/platform/sendgrid"
	"github.com/yungbote/labflow-backend/internal/platform/twilio"
)

type NotificationProcessor struct {
	log       *logger.Logger
	audit     docrepo.AuditLogRepo
	notifiers map[jobs.NotificationChannel]Notifier
}

func NewNotificationProcessor(log *logger.Logger, audit docrepo.AuditLogRepo, notifiers map[jobs.NotificationChannel]Notifier) (*NotificationProcessor, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	n := make(map[jobs.NotificationChannel]Notifier, len(notifiers))
	for k, v := range notifiers {
		if v != nil {
			n[k] = v
		}
	}
	return &NotificationProcessor{log: log.With("processor", "Notification"), audit: audit, notifiers: n}, nil
}

func (p *NotificationProcessor) HandleNotification(ctx context.Context, job jobs.Job, pl jobs.NotificationPayload) (*jobs.NotificationResult, error) {
	meta := map[string]any{"channel": string(pl.Channel)}
	n, ok := p.notifiers[pl.Channel]
	if !ok {
		if pl.Channel == jobs.ChannelPush {
			return nil, classify(job, fmt.Errorf("%w: push notifications", ErrUnsupported), meta)
		}
		return nil, classify(job, fmt.Errorf("%w: %s notifier", ErrNotConfigured, pl.Channel), meta)
	}
	id, err := n.Notify(ctx, job, pl)
	if err != nil {
		return nil, classify(job, fmt.Errorf("send %s: %w", strings.ToLower(string(pl.Channel)), err), meta)
	}

	if p.audit != nil {
		entry := &documents.AuditLog{
			Action:  "notification.sent",
			Actor:   job.UserID,
			Subject: string(pl.Channel) + ":" + pl.Recipient,
		}
		key := "notification:" + job.ID + ":" + string(pl.Channel)
		entry.EventKey = &key
		if err := p.audit.Create(dbctx.Context{Ctx: ctx}, entry); err != nil {
			p.log.Warn("Audit log write failed", "job_id", job.ID, "error", err)
		}
	}
	p.log.Info("Notification sent", "job_id", job.ID, "channel", pl.Channel, "message_id", id)
	return &jobs.NotificationResult{Channel: pl.Channel, MessageID: id}, nil
}

type EmailSender interface {
	Send(ctx context.Context, req sendgrid.SendEmailRequest) (*sendgrid.SendEmailResult, error)
}

type EmailNotifier struct{ client EmailSender }

func NewEmailNotifier(client EmailSender) *EmailNotifier { return &EmailNotifier{client: client} }

func (e *EmailNotifier) Notify(ctx context.Context, job jobs.Job, n jobs.NotificationPayload) (string, error) {
	subject := n.Subject
	if subject == "" {
		subject = "Your lab results update"
	}
	args := map[string]string{"job_id": job.ID}
	if job.DocumentID != "" {
		args["document_id"] = job.DocumentID
	}
	res, err := e.client.Send(ctx, sendgrid.SendEmailRequest{
		To:         []sendgrid.EmailAddress{{Email: n.Recipient}},
		Subject:    subject,
		Text:       n.Message,
		Categories: []string{"labflow", "notification"},
		CustomArgs: args,
	})
	if err != nil {
		return "", err
	}
	return res.MessageID, nil
}

type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) (*twilio.Message, error)
}

type SMSNotifier struct{ client SMSSender }

func NewSMSNotifier(client SMSSender) *SMSNotifier { return &SMSNotifier{client: client} }

func (s *SMSNotifier) Notify(ctx context.Context, _ jobs.Job, n jobs.NotificationPayload) (string, error) {
	msg, err := s.client.SendSMS(ctx, n.Recipient, n.Message)
	if err != nil {
		return "", err
	}
	return msg.SID, nil
}

const websocketChannelPrefix = "labflow:notifications:"

// WebsocketNotifier publishes to a per-recipient redis channel that the
// realtime gateway relays to connected clients.
type WebsocketNotifier struct {
	rdb goredis.UniversalClient
}

func NewWebsocketNotifier(rdb goredis.UniversalClient) *WebsocketNotifier {
	return &WebsocketNotifier{rdb: rdb}
}

type websocketMessage struct {
	JobID      string         `json:"job_id"`
	DocumentID string         `json:"document_id,omitempty"`
	Subject    string         `json:"subject,omitempty"`
	Message    string         `json:"message"`
	Data       map[string]any `json:"data,omitempty"`
	SentAt     time.Time      `json:"sent_at"`
}

func (w *WebsocketNotifier) Notify(ctx context.Context, job jobs.Job, n jobs.NotificationPayload) (string, error) {
	raw, err := json.Marshal(websocketMessage{
		JobID:      job.ID,
		DocumentID: job.DocumentID,
		Subject:    n.Subject,
		Message:    n.Message,
		Data:       n.Data,
		SentAt:     time.Now().UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := w.rdb.Publish(ctx, websocketChannelPrefix+n.Recipient, raw).Err(); err != nil {
		return "", err
	}
	return job.ID, nil
}
