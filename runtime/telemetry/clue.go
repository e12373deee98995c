package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"
)

const instrumentationName = "github.com/fluxmcp/flux"

type (
	// ClueLogger logs through goa.design/clue/log. Format, output and debug
	// level come from the clue log context carried by ctx.
	ClueLogger struct{}

	// OtelMetrics records through the global MeterProvider. Instruments are
	// created once per name.
	OtelMetrics struct {
		meter      metric.Meter
		counters   sync.Map // name -> metric.Float64Counter
		histograms sync.Map // name -> metric.Float64Histogram
		gauges     sync.Map // name -> metric.Float64Gauge
	}

	// OtelTracer starts spans through the global TracerProvider.
	OtelTracer struct {
		tracer trace.Tracer
	}

	otelSpan struct {
		trace.Span
	}
)

// NewClueLogger returns the clue-backed Logger.
func NewClueLogger() Logger {
	return ClueLogger{}
}

// NewOtelMetrics returns a Metrics recorder on the global MeterProvider.
func NewOtelMetrics() Metrics {
	return &OtelMetrics{meter: otel.Meter(instrumentationName)}
}

// NewOtelTracer returns a Tracer on the global TracerProvider.
func NewOtelTracer() Tracer {
	return &OtelTracer{tracer: otel.Tracer(instrumentationName)}
}

func (ClueLogger) Debug(ctx context.Context, msg string, keyvals ...any) {
	log.Debug(ctx, fields(msg, keyvals)...)
}

func (ClueLogger) Info(ctx context.Context, msg string, keyvals ...any) {
	log.Info(ctx, fields(msg, keyvals)...)
}

func (ClueLogger) Warn(ctx context.Context, msg string, keyvals ...any) {
	log.Warn(ctx, fields(msg, keyvals)...)
}

// Error logs at error level. An error value under the "err" key becomes the
// logged error rather than a plain field.
func (ClueLogger) Error(ctx context.Context, msg string, keyvals ...any) {
	var err error
	rest := make([]any, 0, len(keyvals))
	for i := 0; i < len(keyvals); i += 2 {
		if e, ok := pairValue(keyvals, i).(error); ok && err == nil && keyvals[i] == "err" {
			err = e
			continue
		}
		rest = append(rest, keyvals[i], pairValue(keyvals, i))
	}
	log.Error(ctx, err, fields(msg, rest)...)
}

// fields turns a message and alternating key/value pairs into clue fields.
// Pairs whose key is not a string are dropped.
func fields(msg string, keyvals []any) []log.Fielder {
	out := make([]log.Fielder, 1, 1+len(keyvals)/2)
	out[0] = log.KV{K: "msg", V: msg}
	for i := 0; i < len(keyvals); i += 2 {
		if k, ok := keyvals[i].(string); ok {
			out = append(out, log.KV{K: k, V: pairValue(keyvals, i)})
		}
	}
	return out
}

func pairValue(keyvals []any, i int) any {
	if i+1 < len(keyvals) {
		return keyvals[i+1]
	}
	return nil
}

func (m *OtelMetrics) IncCounter(name string, value float64, tags ...string) {
	c, ok := m.counters.Load(name)
	if !ok {
		created, err := m.meter.Float64Counter(name)
		if err != nil {
			return
		}
		c, _ = m.counters.LoadOrStore(name, created)
	}
	c.(metric.Float64Counter).Add(context.Background(), value, metric.WithAttributes(tagsToAttrs(tags)...))
}

// RecordTimer records duration in seconds.
func (m *OtelMetrics) RecordTimer(name string, duration time.Duration, tags ...string) {
	h, ok := m.histograms.Load(name)
	if !ok {
		created, err := m.meter.Float64Histogram(name, metric.WithUnit("s"))
		if err != nil {
			return
		}
		h, _ = m.histograms.LoadOrStore(name, created)
	}
	h.(metric.Float64Histogram).Record(context.Background(), duration.Seconds(), metric.WithAttributes(tagsToAttrs(tags)...))
}

func (m *OtelMetrics) RecordGauge(name string, value float64, tags ...string) {
	g, ok := m.gauges.Load(name)
	if !ok {
		created, err := m.meter.Float64Gauge(name)
		if err != nil {
			return
		}
		g, _ = m.gauges.LoadOrStore(name, created)
	}
	g.(metric.Float64Gauge).Record(context.Background(), value, metric.WithAttributes(tagsToAttrs(tags)...))
}

func (t *OtelTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span) {
	ctx, span := t.tracer.Start(ctx, name, opts...)
	return ctx, otelSpan{span}
}

// Span wraps the span carried by ctx, which may be a non-recording span.
func (t *OtelTracer) Span(ctx context.Context) Span {
	return otelSpan{trace.SpanFromContext(ctx)}
}

// AddEvent records an event with alternating key/value attributes.
func (s otelSpan) AddEvent(name string, attrs ...any) {
	s.Span.AddEvent(name, trace.WithAttributes(kvSliceToAttrs(attrs)...))
}

// tagsToAttrs pairs metric tags into string attributes; a trailing key gets "".
func tagsToAttrs(tags []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, (len(tags)+1)/2)
	for i := 0; i < len(tags); i += 2 {
		v := ""
		if i+1 < len(tags) {
			v = tags[i+1]
		}
		attrs = append(attrs, attribute.String(tags[i], v))
	}
	return attrs
}

func kvSliceToAttrs(keyvals []any) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, (len(keyvals)+1)/2)
	for i := 0; i < len(keyvals); i += 2 {
		k, _ := keyvals[i].(string)
		switch v := pairValue(keyvals, i).(type) {
		case string:
			attrs = append(attrs, attribute.String(k, v))
		case int:
			attrs = append(attrs, attribute.Int(k, v))
		case int64:
			attrs = append(attrs, attribute.Int64(k, v))
		case float64:
			attrs = append(attrs, attribute.Float64(k, v))
		case bool:
			attrs = append(attrs, attribute.Bool(k, v))
		case time.Duration:
			attrs = append(attrs, attribute.String(k, v.String()))
		default:
			attrs = append(attrs, attribute.String(k, ""))
		}
	}
	return attrs
}
