// Package logger builds the process-wide slog logger for the matching engine
// and the realtime gateway.
//
// Records logged with a context that carries a sampled OpenTelemetry span get
// trace_id and span_id attributes, so a "pair formed" line can be followed
// from the scheduler tick into the gateway fanout.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/oggyb/muzz-live/internal/config"
)

type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// Options controls how the global logger is built.
type Options struct {
	Level      string
	Format     Format
	Component  string
	WithSource bool
	Output     io.Writer
}

var (
	mu     sync.RWMutex
	global *slog.Logger
)

// InitFromConfig builds the global logger from the log section of c.
func InitFromConfig(c *config.Config) *slog.Logger {
	if c == nil {
		return Init(Options{})
	}
	return Init(Options{
		Level:      c.Log.Level,
		Format:     Format(c.Log.Format),
		Component:  c.Log.Component,
		WithSource: c.Log.Source,
	})
}

// Init replaces the global logger (and slog.Default) and returns it.
func Init(o Options) *slog.Logger {
	l := New(o)

	mu.Lock()
	global = l
	mu.Unlock()

	slog.SetDefault(l)
	return l
}

// New builds a logger without touching the global one.
//
// Behavior:
//   - Unknown levels fall back to info; unknown formats to text.
//   - Text output uses a short "2006-01-02 15:04:05" timestamp.
//   - A non-empty Component is attached as "component".
func New(o Options) *slog.Logger {
	out := o.Output
	if out == nil {
		out = os.Stdout
	}
	format := Format(strings.ToLower(string(o.Format)))

	opts := &slog.HandlerOptions{Level: parseLevel(o.Level), AddSource: o.WithSource}
	var h slog.Handler
	if format == FormatJSON {
		h = slog.NewJSONHandler(out, opts)
	} else {
		opts.ReplaceAttr = shortTime
		h = slog.NewTextHandler(out, opts)
	}

	l := slog.New(traceHandler{h})
	if o.Component != "" {
		l = l.With("component", o.Component)
	}
	return l
}

// L returns the global logger, building a text/info one on first use.
func L() *slog.Logger {
	mu.RLock()
	l := global
	mu.RUnlock()
	if l != nil {
		return l
	}
	return Init(Options{})
}

func shortTime(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey && len(groups) == 0 {
		return slog.String(slog.TimeKey, a.Value.Time().Format(time.DateTime))
	}
	return a
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// traceHandler stamps span identifiers onto records logged with *Context.
type traceHandler struct {
	slog.Handler
}

func (h traceHandler) Handle(ctx context.Context, r slog.Record) error {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return h.Handler.Handle(ctx, r)
}

func (h traceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return traceHandler{h.Handler.WithAttrs(attrs)}
}

func (h traceHandler) WithGroup(name string) slog.Handler {
	return traceHandler{h.Handler.WithGroup(name)}
}
