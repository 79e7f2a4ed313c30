package processors

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yungbote/labflow-backend/internal/data/repos/testutil"
	"github.com/yungbote/labflow-backend/internal/domain/documents"
	"github.com/yungbote/labflow-backend/internal/domain/jobs"
	"github.com/yungbote/labflow-backend/internal/platform/sendgrid"
	"github.com/yungbote/labflow-backend/internal/platform/twilio"
)

type fakeEmail struct {
	got sendgrid.SendEmailRequest
	err error
}

func (f *fakeEmail) Send(_ context.Context, req sendgrid.SendEmailRequest) (*sendgrid.SendEmailResult, error) {
	f.got = req
	if f.err != nil {
		return nil, f.err
	}
	return &sendgrid.SendEmailResult{StatusCode: http.StatusAccepted, MessageID: "sg-123"}, nil
}

type fakeSMS struct{ to, body string }

func (f *fakeSMS) SendSMS(_ context.Context, to, body string) (*twilio.Message, error) {
	f.to, f.body = to, body
	return &twilio.Message{SID: "SM42", To: to, Status: "queued"}, nil
}

func TestNotificationChannels(t *testing.T) {
	e := newEnv(t)
	email := &fakeEmail{}
	sms := &fakeSMS{}
	p, err := NewNotificationProcessor(testutil.Logger(t), e.audit, map[jobs.NotificationChannel]Notifier{
		jobs.ChannelEmail: NewEmailNotifier(email),
		jobs.ChannelSMS:   NewSMSNotifier(sms),
	})
	require.NoError(t, err)
	job := testJob(jobs.StageNotification, "doc-1")

	res, err := p.HandleNotification(context.Background(), job, jobs.NotificationPayload{
		Channel: jobs.ChannelEmail, Recipient: "pat@example.com", Message: "Your report is ready",
	})
	require.NoError(t, err)
	assert.Equal(t, "sg-123", res.MessageID)
	assert.Equal(t, "Your lab results update", email.got.Subject)
	assert.Equal(t, "pat@example.com", email.got.To[0].Email)
	assert.Equal(t, job.ID, email.got.CustomArgs["job_id"])

	res, err = p.HandleNotification(context.Background(), job, jobs.NotificationPayload{
		Channel: jobs.ChannelSMS, Recipient: "+15551234567", Message: "ready",
	})
	require.NoError(t, err)
	assert.Equal(t, "SM42", res.MessageID)
	assert.Equal(t, "+15551234567", sms.to)

	var entries []documents.AuditLog
	require.NoError(t, e.db.Order("id ASC").Find(&entries).Error)
	require.Len(t, entries, 2)
	assert.Equal(t, "notification.sent", entries[0].Action)
	assert.Equal(t, "user-1", entries[0].Actor)
	assert.Equal(t, "SMS:+15551234567", entries[1].Subject)
}

func TestNotificationRedeliveryAuditsOnce(t *testing.T) {
	e := newEnv(t)
	sms := &fakeSMS{}
	p, err := NewNotificationProcessor(testutil.Logger(t), e.audit, map[jobs.NotificationChannel]Notifier{
		jobs.ChannelSMS: NewSMSNotifier(sms),
	})
	require.NoError(t, err)
	job := testJob(jobs.StageNotification, "doc-1")
	pl := jobs.NotificationPayload{Channel: jobs.ChannelSMS, Recipient: "+15551234567", Message: "ready"}

	for i := 0; i < 2; i++ {
		_, err = p.HandleNotification(context.Background(), job, pl)
		require.NoError(t, err)
	}

	var n int64
	require.NoError(t, e.db.Model(&documents.AuditLog{}).Where("action = ?", "notification.sent").Count(&n).Error)
	assert.Equal(t, int64(1), n)
}

func TestNotificationUnavailableChannels(t *testing.T) {
	e := newEnv(t)
	email := &fakeEmail{err: statusErr{code: http.StatusTooManyRequests}}
	p, err := NewNotificationProcessor(testutil.Logger(t), e.audit, map[jobs.NotificationChannel]Notifier{
		jobs.ChannelEmail: NewEmailNotifier(email),
	})
	require.NoError(t, err)
	job := testJob(jobs.StageNotification, "doc-1")

	_, err = p.HandleNotification(context.Background(), job, jobs.NotificationPayload{Channel: jobs.ChannelPush, Recipient: "device", Message: "m"})
	pe := requireProcessing(t, err, false)
	assert.ErrorIs(t, pe, ErrUnsupported)

	_, err = p.HandleNotification(context.Background(), job, jobs.NotificationPayload{Channel: jobs.ChannelSMS, Recipient: "+1", Message: "m"})
	pe = requireProcessing(t, err, false)
	assert.ErrorIs(t, pe, ErrNotConfigured)

	_, err = p.HandleNotification(context.Background(), job, jobs.NotificationPayload{Channel: jobs.ChannelEmail, Recipient: "a@b.c", Message: "m"})
	requireProcessing(t, err, true)
}

func TestWebsocketNotifierPublishes(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	ctx := context.Background()
	sub := rdb.Subscribe(ctx, "labflow:notifications:user-9")
	_, err := sub.Receive(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })

	job := testJob(jobs.StageNotification, "doc-1")
	id, err := NewWebsocketNotifier(rdb).Notify(ctx, job, jobs.NotificationPayload{
		Channel: jobs.ChannelWebsocket, Recipient: "user-9", Subject: "Report", Message: "ready", Data: map[string]any{"report": "doc-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, job.ID, id)

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	var got websocketMessage
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
	assert.Equal(t, "ready", got.Message)
	assert.Equal(t, "doc-1", got.DocumentID)
	assert.Equal(t, "doc-1", got.Data["report"])
}
