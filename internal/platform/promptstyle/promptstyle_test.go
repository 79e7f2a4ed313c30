package promptstyle

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestApplySystem(t *testing.T) {
	out := ApplySystem("Extract lab values.\nBe exact.", "json")
	assert.True(t, strings.HasPrefix(out, marker))
	assert.Contains(t, out, "Task summary: Extract lab values.")
	assert.Contains(t, out, "conforms to the schema")
	assert.True(t, strings.HasSuffix(out, "Extract lab values.\nBe exact."))

	assert.Equal(t, out, ApplySystem(out, "json"), "already styled")
	assert.Empty(t, ApplySystem("   ", "text"))
	assert.Contains(t, ApplySystem("Transcribe.", "text"), "plain text")
}
