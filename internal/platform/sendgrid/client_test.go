package sendgrid

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yungbote/labflow-backend/internal/platform/logger"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(logger.NewNop(), Config{APIKey: "SG.test", BaseURL: srv.URL, DefaultFromEmail: "labs@example.com", DefaultFromName: "Labs", MaxRetries: 2})
	require.NoError(t, err)
	c.retry.Initial = time.Millisecond
	c.retry.Max = 5 * time.Millisecond
	return c
}

func TestSend(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		assert.Equal(t, "/v3/mail/send", r.URL.Path)
		assert.Equal(t, "Bearer SG.test", r.Header.Get("Authorization"))

		var body mailSendRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "labs@example.com", body.From.Email)
		assert.Equal(t, "Results ready", body.Subject)
		require.Len(t, body.Personalizations, 1)
		assert.Equal(t, "pat@example.com", body.Personalizations[0].To[0].Email)
		assert.Equal(t, "job-1", body.Personalizations[0].CustomArgs["job_id"])
		require.Len(t, body.Content, 1)
		assert.Equal(t, "text/plain", body.Content[0].Type)

		w.Header().Set("X-Message-Id", "msg-123")
		w.WriteHeader(http.StatusAccepted)
	})

	res, err := c.Send(t.Context(), SendEmailRequest{
		To:         []EmailAddress{{Email: "pat@example.com"}},
		Subject:    " Results ready ",
		Text:       "Your lab results are ready.",
		CustomArgs: map[string]string{"job_id": "job-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, res.StatusCode)
	assert.Equal(t, "msg-123", res.MessageID)
	assert.EqualValues(t, 2, calls.Load())
}

func TestSendValidation(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})
	_, err := c.Send(t.Context(), SendEmailRequest{Subject: "s", Text: "t"})
	assert.ErrorContains(t, err, "To required")
	_, err = c.Send(t.Context(), SendEmailRequest{To: []EmailAddress{{Email: "a@b.c"}}, Text: "t"})
	assert.ErrorContains(t, err, "Subject required")
	_, err = c.Send(t.Context(), SendEmailRequest{To: []EmailAddress{{Email: "a@b.c"}}, Subject: "s"})
	assert.ErrorContains(t, err, "content required")
}

func TestSendRejected(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"errors":[{"message":"invalid email"}]}`))
	})
	_, err := c.Send(t.Context(), SendEmailRequest{To: []EmailAddress{{Email: "bad"}}, Subject: "s", Text: "t"})
	var he *HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusBadRequest, he.HTTPStatusCode())
	assert.Contains(t, he.Body, "invalid email")
}
