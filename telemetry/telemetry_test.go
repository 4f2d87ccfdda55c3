package telemetry

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew_WritesStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: "debug", Writer: &buf})
	l.Info("hello", String("foo", "bar"), Int("n", 3), Err(assertError{"boom"}))

	var line map[string]any
	assert.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "hello", line["message"])
	assert.Equal(t, "bar", line["foo"])
	assert.Equal(t, float64(3), line["n"])
	assert.Equal(t, "boom", line["error"])
}

func TestWithModule_TagsSubsequentLines(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: "info", Writer: &buf}).WithModule("queue")
	l.Warn("careful")

	var line map[string]any
	assert.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "queue", line["module"])
}

func TestLevelFiltering_DebugSuppressedAtInfo(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: "info", Writer: &buf})
	l.Debug("should not appear")
	assert.Equal(t, 0, buf.Len())
}

func TestZeroValueIsNotConfigured(t *testing.T) {
	var l Logger
	assert.True(t, l.IsZero())
	assert.False(t, Nop().IsZero())
}

type assertError struct{ msg string }

func (e assertError) Error() string { return e.msg }
