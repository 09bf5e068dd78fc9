package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"

	"github.com/oggyb/muzz-live/internal/config"
)

func TestNewTextFormat(t *testing.T) {
	var buf bytes.Buffer
	l := New(Options{Level: "debug", Format: FormatText, Component: "scheduler", Output: &buf})

	l.Info("pair formed", "session_id", "s1")

	out := buf.String()
	assert.Contains(t, out, "pair formed")
	assert.Contains(t, out, "component=scheduler")
	assert.Contains(t, out, "session_id=s1")
}

func TestNewJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	l := New(Options{Format: "JSON", Component: "gateway", Output: &buf})

	l.Info("gateway subscribed", "topic", "pair.formed")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "gateway subscribed", rec["msg"])
	assert.Equal(t, "gateway", rec["component"])
	assert.Equal(t, "pair.formed", rec["topic"])
}

func TestLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := New(Options{Level: "error", Output: &buf})

	l.Info("batch tick")
	l.Error("revert to WAITING failed")

	assert.NotContains(t, buf.String(), "batch tick")
	assert.Contains(t, buf.String(), "revert to WAITING failed")
}

func TestTraceCorrelation(t *testing.T) {
	var buf bytes.Buffer
	l := New(Options{Format: FormatJSON, Output: &buf}).With("u1", "a")

	tid, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	sid, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    tid,
		SpanID:     sid,
		TraceFlags: trace.FlagsSampled,
	}))

	l.InfoContext(ctx, "pair formed")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", rec["trace_id"])
	assert.Equal(t, "00f067aa0ba902b7", rec["span_id"])
	assert.Equal(t, "a", rec["u1"])

	buf.Reset()
	l.Info("no span")
	assert.NotContains(t, buf.String(), "trace_id")
}

func TestInitFromConfig(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() {
		slog.SetDefault(prev)
		Init(Options{})
	})

	c := config.New()
	c.Log.Level = "debug"
	c.Log.Format = "json"
	c.Log.Component = "cfg_test"

	l := InitFromConfig(c)
	assert.Same(t, l, L())
	assert.True(t, L().Enabled(context.Background(), slog.LevelDebug))
}
