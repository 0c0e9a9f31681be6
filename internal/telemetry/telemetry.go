// Package telemetry wires OpenTelemetry tracing for loop runs. Spans are
// exported over OTLP/HTTP when OTEL_EXPORTER_OTLP_ENDPOINT is set; otherwise
// every span is a no-op.
package telemetry

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/pyrex41/descartes-sub000/loop"

// Attribute keys shared by the loop spans.
const (
	KeyRunID        = attribute.Key("descartes.run_id")
	KeyTag          = attribute.Key("descartes.tag")
	KeyWave         = attribute.Key("descartes.wave")
	KeyTaskID       = attribute.Key("descartes.task_id")
	KeyAttempt      = attribute.Key("descartes.attempt")
	KeyVerdict      = attribute.Key("descartes.verdict")
	KeyVerifyPassed = attribute.Key("descartes.verify_passed")
	KeyExitCode     = attribute.Key("descartes.exit_code")
	KeyStatus       = attribute.Key("descartes.status")
)

// Tracer starts the loop's spans. The zero value and nil are no-ops.
type Tracer struct {
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
}

// Setup creates a Tracer from the environment. Without an endpoint it
// returns a no-op Tracer and no error.
func Setup(ctx context.Context, serviceName string) (*Tracer, error) {
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") == "" &&
		os.Getenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT") == "" {
		return Noop(), nil
	}

	// The exporter reads the endpoint, headers and TLS settings from the
	// standard OTEL_EXPORTER_OTLP_* variables.
	exporter, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating otlp exporter: %w", err)
	}

	if name := os.Getenv("OTEL_SERVICE_NAME"); name != "" {
		serviceName = name
	}
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(serviceName),
	)

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	return &Tracer{tracer: provider.Tracer(instrumentationName), provider: provider}, nil
}

// Noop returns a Tracer that records nothing.
func Noop() *Tracer {
	return &Tracer{tracer: noop.NewTracerProvider().Tracer(instrumentationName)}
}

// New wraps an existing provider. Tests use it with an in-memory recorder.
func New(tp trace.TracerProvider) *Tracer {
	return &Tracer{tracer: tp.Tracer(instrumentationName)}
}

// Shutdown flushes pending spans. It is safe on a no-op Tracer.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

func (t *Tracer) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if t == nil || t.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartRun starts the root span of one controller run.
func (t *Tracer) StartRun(ctx context.Context, runID, tag string) (context.Context, trace.Span) {
	return t.start(ctx, "loop.run", KeyRunID.String(runID), KeyTag.String(tag))
}

// StartTask starts the span covering every attempt of one task.
func (t *Tracer) StartTask(ctx context.Context, taskID string, wave int) (context.Context, trace.Span) {
	return t.start(ctx, "loop.task", KeyTaskID.String(taskID), KeyWave.Int(wave))
}

// StartAttempt starts the span of a single agent attempt.
func (t *Tracer) StartAttempt(ctx context.Context, taskID string, attempt int) (context.Context, trace.Span) {
	return t.start(ctx, "loop.attempt", KeyTaskID.String(taskID), KeyAttempt.Int(attempt))
}

// StartVerify starts the span of a verification command.
func (t *Tracer) StartVerify(ctx context.Context, taskID string) (context.Context, trace.Span) {
	return t.start(ctx, "loop.verify", KeyTaskID.String(taskID))
}

// StartTune starts the span of a tuner invocation.
func (t *Tracer) StartTune(ctx context.Context, taskID string, attempt int) (context.Context, trace.Span) {
	return t.start(ctx, "loop.tune", KeyTaskID.String(taskID), KeyAttempt.Int(attempt))
}

// End finishes span, marking it failed when err is non-nil.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
