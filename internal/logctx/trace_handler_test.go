package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func decode(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))

	return entry
}

func spanContext(t *testing.T) context.Context {
	t.Helper()

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)

	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)

	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID})

	return trace.ContextWithSpanContext(context.Background(), sc)
}

func TestTraceHandler_NoSpanContext(t *testing.T) {
	var buf bytes.Buffer

	logger := slog.New(NewTraceHandler(slog.NewJSONHandler(&buf, nil)))
	logger.InfoContext(context.Background(), "test message", "key", "value")

	entry := decode(t, &buf)
	assert.NotContains(t, entry, "trace_id")
	assert.NotContains(t, entry, "span_id")
	assert.Equal(t, "test message", entry["msg"])
	assert.Equal(t, "value", entry["key"])
}

func TestTraceHandler_WithValidSpan(t *testing.T) {
	var buf bytes.Buffer

	logger := slog.New(NewTraceHandler(slog.NewJSONHandler(&buf, nil)))
	logger.InfoContext(spanContext(t), "test message", "key", "value")

	entry := decode(t, &buf)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", entry["trace_id"])
	assert.Equal(t, "00f067aa0ba902b7", entry["span_id"])
	assert.Equal(t, "value", entry["key"])
}

func TestTraceHandler_Enabled(t *testing.T) {
	h := NewTraceHandler(slog.NewJSONHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelWarn}))

	ctx := context.Background()
	assert.False(t, h.Enabled(ctx, slog.LevelInfo))
	assert.True(t, h.Enabled(ctx, slog.LevelWarn))
	assert.True(t, h.Enabled(ctx, slog.LevelError))
}

func TestTraceHandler_WithAttrsAndGroup(t *testing.T) {
	var buf bytes.Buffer

	logger := slog.New(NewTraceHandler(slog.NewJSONHandler(&buf, nil))).
		With("component", "downloader").
		WithGroup("item")

	logger.InfoContext(spanContext(t), "progress", "id", "d1")

	// Attributes added while handling land in the open group, like any
	// other record attribute.
	entry := decode(t, &buf)
	assert.Equal(t, "downloader", entry["component"])
	assert.Equal(t, map[string]any{
		"id":       "d1",
		"trace_id": "4bf92f3577b34da6a3ce929d0e0e4736",
		"span_id":  "00f067aa0ba902b7",
	}, entry["item"])
}

func TestTraceHandler_ContextAttrs(t *testing.T) {
	var buf bytes.Buffer

	// The logger is not derived from the context; the attributes still
	// follow the context.
	logger := slog.New(NewTraceHandler(slog.NewJSONHandler(&buf, nil)))

	ctx := WithAttrs(context.Background(), slog.String("download_id", "d1"))
	ctx = WithAttrs(ctx, slog.String("resource_id", "r1"))

	logger.InfoContext(ctx, "sending request")

	entry := decode(t, &buf)
	assert.Equal(t, "d1", entry["download_id"])
	assert.Equal(t, "r1", entry["resource_id"])

	buf.Reset()
	logger.Info("no context")

	entry = decode(t, &buf)
	assert.NotContains(t, entry, "download_id")
}

func TestWithAttrs_DoesNotLeakIntoParent(t *testing.T) {
	parent := WithAttrs(context.Background(), slog.String("pass_id", "p1"))

	a := WithAttrs(parent, slog.String("change_id", "a"))
	b := WithAttrs(parent, slog.String("change_id", "b"))

	assert.Len(t, attrsFromContext(parent), 1)
	assert.Equal(t, "a", attrsFromContext(a)[1].Value.String())
	assert.Equal(t, "b", attrsFromContext(b)[1].Value.String())
	assert.Same(t, parent, WithAttrs(parent))
}

func TestNewTraceHandler_NilPanics(t *testing.T) {
	assert.Panics(t, func() { NewTraceHandler(nil) })
}

func TestLoggerFromContext(t *testing.T) {
	assert.Equal(t, slog.Default(), LoggerFromContext(context.Background()))

	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	assert.Same(t, logger, LoggerFromContext(WithLogger(context.Background(), logger)))
}

func TestNewLogger(t *testing.T) {
	t.Run("json with level", func(t *testing.T) {
		var buf bytes.Buffer

		logger, closer := NewLogger(&buf, Options{Level: slog.LevelWarn})
		defer closer.Close()

		logger.Info("dropped")
		logger.Warn("kept", "download_id", "d1")

		entry := decode(t, &buf)
		assert.Equal(t, "kept", entry["msg"])
		assert.Equal(t, "d1", entry["download_id"])
	})

	t.Run("text", func(t *testing.T) {
		var buf bytes.Buffer

		logger, closer := NewLogger(&buf, Options{Format: "TEXT"})
		defer closer.Close()

		logger.Info("hello", "k", "v")
		assert.Contains(t, buf.String(), "msg=hello k=v")
	})

	t.Run("file copy", func(t *testing.T) {
		var buf bytes.Buffer

		path := filepath.Join(t.TempDir(), "logs", "service.log")

		logger, closer := NewLogger(&buf, Options{File: path, MaxSizeMB: 1})
		logger.Info("to both")
		require.NoError(t, closer.Close())

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), "to both")
		assert.Contains(t, buf.String(), "to both")
	})
}
