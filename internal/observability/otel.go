// Package observability wires OpenTelemetry tracing and the engine's metric instruments.
package observability

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/oggyb/muzz-live/internal/config"
)

// InstrumentationName names the tracer and meter used across the engine.
const InstrumentationName = "github.com/oggyb/muzz-live"

// InitTracing installs a global TracerProvider when tracing is enabled.
// The returned shutdown func is always safe to call.
//
// Exporter choice: OTEL_EXPORTER=stdout prints spans; anything else uses
// OTLP/HTTP (endpoint from OTEL_EXPORTER_OTLP_ENDPOINT).
func InitTracing(ctx context.Context, cfg *config.Config, log *slog.Logger) func(context.Context) error {
	noop := func(context.Context) error { return nil }
	if !cfg.Otel.Enabled {
		return noop
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceNameKey.String(cfg.Otel.ServiceName),
		attribute.String("deployment.environment", cfg.App.ENV),
		attribute.String("service.component", cfg.Log.Component),
	))
	if err != nil {
		log.Warn("otel resource init failed (continuing)", "err", err)
	}

	exporter, err := buildExporter(ctx, cfg.Otel.Exporter)
	if err != nil {
		log.Warn("otel exporter init failed, tracing disabled", "err", err)
		return noop
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(clampRatio(cfg.Otel.SampleRatio)))),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	log.Info("otel tracing initialized", "service", cfg.Otel.ServiceName, "exporter", cfg.Otel.Exporter)
	return tp.Shutdown
}

func buildExporter(ctx context.Context, kind string) (sdktrace.SpanExporter, error) {
	if kind == "stdout" {
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	}
	var opts []otlptracehttp.Option
	if ep := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); ep != "" {
		opts = append(opts, otlptracehttp.WithEndpoint(ep))
	}
	if v := strings.ToLower(strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE"))); v == "1" || v == "true" {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	return otlptracehttp.New(ctx, opts...)
}

func clampRatio(r float64) float64 {
	switch {
	case r < 0:
		return 0
	case r > 1:
		return 1
	}
	return r
}

// Tracer returns the engine tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}
