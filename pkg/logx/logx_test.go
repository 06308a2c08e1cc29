package logx

import (
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestFormatLogLineSortsFields(t *testing.T) {
	line := []byte(`{"level":"warn","message":"delivery failed","comp":"notifier","chat_id":42,"time":"x"}`)
	got := formatLogLine(line)
	assert.Equal(t, "[WARN] delivery failed\n- chat_id=42\n- comp=notifier", got)
}

func TestFormatLogLineNonJSON(t *testing.T) {
	assert.Equal(t, "plain text", formatLogLine([]byte("  plain text \n")))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	long := strings.Repeat("a", 50)
	got := truncate(long, 20)
	assert.Len(t, got, 20)
	assert.True(t, strings.HasSuffix(got, "..."))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, parseLevel("debug", zerolog.InfoLevel))
	assert.Equal(t, zerolog.WarnLevel, parseLevel(" WARNING ", zerolog.InfoLevel))
	assert.Equal(t, zerolog.InfoLevel, parseLevel("nope", zerolog.InfoLevel))
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var l Logger
	assert.True(t, l.IsZero())
	l.Info("noop", String("k", "v"))
	assert.False(t, l.With(String("comp", "x")).IsZero())
}
