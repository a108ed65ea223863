package logger

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf, false)
	SetGlobalLevel(WARN)
	t.Cleanup(func() {
		SetGlobalLevel(INFO)
		SetOutput(os.Stderr, true)
	})

	log := New("Test").With("SH600519")
	log.Info("hidden %d", 1)
	log.Warn("shown %d", 2)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "WARN")
	assert.Contains(t, out, "Test/SH600519: shown 2")
	assert.NotContains(t, out, "\033[")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, DEBUG, ParseLevel("DEBUG"))
	assert.Equal(t, WARN, ParseLevel("warning"))
	assert.Equal(t, ERROR, ParseLevel(" error "))
	assert.Equal(t, INFO, ParseLevel("verbose"))
}
