package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warn"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestFromContext_AddsAttributes(t *testing.T) {
	var buf bytes.Buffer
	base := New(Config{Level: "debug", Format: "json"}, &buf)

	ctx := WithProvider(WithRequestID(context.Background(), "req-1"), "ademico")
	FromContext(ctx, base).Info("sent")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "sent", line["msg"])
	assert.Equal(t, "req-1", line["request_id"])
	assert.Equal(t, "ademico", line["provider"])
	assert.Equal(t, "req-1", RequestID(ctx))
}

func TestNew_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: "warn"}, &buf)
	l.Info("hidden")
	assert.Empty(t, buf.String())
	l.Warn("shown")
	assert.Contains(t, buf.String(), "shown")
}
