package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	// NoopLogger drops every record.
	NoopLogger struct{}

	// discard is the metrics recorder, tracer and span used when none is set.
	discard struct{}
)

func NewNoopLogger() Logger   { return NoopLogger{} }
func NewNoopMetrics() Metrics { return discard{} }
func NewNoopTracer() Tracer   { return discard{} }

func (NoopLogger) Debug(context.Context, string, ...any) {}
func (NoopLogger) Info(context.Context, string, ...any)  {}
func (NoopLogger) Warn(context.Context, string, ...any)  {}
func (NoopLogger) Error(context.Context, string, ...any) {}

func (discard) IncCounter(string, float64, ...string)        {}
func (discard) RecordTimer(string, time.Duration, ...string) {}
func (discard) RecordGauge(string, float64, ...string)       {}

// Start leaves ctx untouched.
func (d discard) Start(ctx context.Context, _ string, _ ...trace.SpanStartOption) (context.Context, Span) {
	return ctx, d
}

func (d discard) Span(context.Context) Span { return d }

func (discard) End(...trace.SpanEndOption)              {}
func (discard) AddEvent(string, ...any)                 {}
func (discard) SetStatus(codes.Code, string)            {}
func (discard) RecordError(error, ...trace.EventOption) {}
