package envutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestInt(t *testing.T) {
	t.Setenv("LF_TEST_INT", "7")
	assert.Equal(t, 7, Int("LF_TEST_INT", 3))

	t.Setenv("LF_TEST_INT", "seven")
	assert.Equal(t, 3, Int("LF_TEST_INT", 3))
	assert.Equal(t, 3, Int("LF_TEST_INT_UNSET", 3))
}

func TestMillis(t *testing.T) {
	t.Setenv("LF_TEST_MS", "1500")
	assert.Equal(t, 1500*time.Millisecond, Millis("LF_TEST_MS", time.Second))

	t.Setenv("LF_TEST_MS", "-1")
	assert.Equal(t, time.Second, Millis("LF_TEST_MS", time.Second))
}

func TestFirstString(t *testing.T) {
	t.Setenv("LF_TEST_B", "redis://b")
	assert.Equal(t, "redis://b", FirstString("redis://default", "LF_TEST_A", "LF_TEST_B"))
	assert.Equal(t, "redis://default", FirstString("redis://default", "LF_TEST_A"))
}

func TestBool(t *testing.T) {
	t.Setenv("LF_TEST_BOOL", "off")
	assert.False(t, Bool("LF_TEST_BOOL", true))
	t.Setenv("LF_TEST_BOOL", "maybe")
	assert.True(t, Bool("LF_TEST_BOOL", true))
}
