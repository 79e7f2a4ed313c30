package twilio

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yungbote/labflow-backend/internal/platform/logger"
)

func TestSendSMS(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/Accounts/AC123/Messages.json", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "AC123", user)
		assert.Equal(t, "secret", pass)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "+15550100", r.PostForm.Get("To"))
		assert.Equal(t, "+15550199", r.PostForm.Get("From"))
		assert.Equal(t, "Results ready", r.PostForm.Get("Body"))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sid":"SM1","to":"+15550100","status":"queued"}`))
	}))
	defer srv.Close()

	c, err := New(logger.NewNop(), Config{AccountSID: "AC123", AuthToken: "secret", BaseURL: srv.URL, DefaultFrom: "+15550199"})
	require.NoError(t, err)
	msg, err := c.SendSMS(t.Context(), " +15550100 ", "Results ready")
	require.NoError(t, err)
	assert.Equal(t, "SM1", msg.SID)
	assert.Equal(t, "queued", msg.Status)
}

func TestSendSMSAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":21211,"message":"Invalid 'To' Phone Number"}`))
	}))
	defer srv.Close()

	c, err := New(logger.NewNop(), Config{AccountSID: "AC1", APIKey: "SK1", APIKeySecret: "s", BaseURL: srv.URL, MessagingServiceSID: "MG1"})
	require.NoError(t, err)
	c.retry.Initial = time.Millisecond
	_, err = c.SendSMS(t.Context(), "123", "hi")
	var he *HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusBadRequest, he.HTTPStatusCode())
	assert.Contains(t, he.Error(), "code=21211")
}

func TestNewValidatesCredentials(t *testing.T) {
	_, err := New(logger.NewNop(), Config{AccountSID: "AC1", DefaultFrom: "+1"})
	assert.ErrorContains(t, err, "TWILIO_AUTH_TOKEN")
	_, err = New(logger.NewNop(), Config{AccountSID: "AC1", APIKey: "SK1", DefaultFrom: "+1"})
	assert.ErrorContains(t, err, "TWILIO_API_KEY_SECRET")
	_, err = New(logger.NewNop(), Config{AccountSID: "AC1", AuthToken: "t"})
	assert.ErrorContains(t, err, "TWILIO_FROM_NUMBER")
}
