package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeKVs(t *testing.T) {
	out := sanitizeKVs([]interface{}{
		"job_id", "ocr_extraction_doc-1_1_abcdef",
		"recipient", "someone@example.com",
		"client_id", "client-42",
		"dangling",
	})

	assert.Equal(t, "ocr_extraction_doc-1_1_abcdef", out[1])
	assert.Equal(t, "[REDACTED]", out[3])
	hashed, ok := out[5].(string)
	assert.True(t, ok)
	assert.Contains(t, hashed, "hash:")
	assert.NotContains(t, hashed, "client-42")
	assert.Equal(t, "dangling", out[6])
}

func TestSanitizeNestedMap(t *testing.T) {
	out := currentRedactor().value("data", map[string]interface{}{
		"phone_number": "+15550100",
		"stage":        "NOTIFICATION",
	})
	m, ok := out.(map[string]interface{})
	assert.True(t, ok)
	assert.Equal(t, "[REDACTED]", m["phone_number"])
	assert.Equal(t, "NOTIFICATION", m["stage"])
}

func TestDigestIsStable(t *testing.T) {
	r := &redactor{salt: "s"}
	assert.Equal(t, r.digest("client-42"), r.digest("client-42"))
	assert.NotEqual(t, r.digest("client-42"), (&redactor{salt: "t"}).digest("client-42"))
	assert.Len(t, r.digest("client-42"), len("hash:")+12)
	assert.Empty(t, r.digest(nil))
}

func TestNewTestModeIsNop(t *testing.T) {
	l, err := New("test")
	assert.NoError(t, err)
	l.Info("discarded", "k", "v")
	l.With("component", "x").Debug("also discarded")
}
