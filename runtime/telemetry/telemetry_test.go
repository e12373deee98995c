package telemetry_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"goa.design/clue/log"

	"github.com/fluxmcp/flux/runtime/telemetry"
)

func TestNoopTracer(t *testing.T) {
	ctx := context.Background()
	tracer := telemetry.NewNoopTracer()

	newCtx, span := tracer.Start(ctx, "test.operation")
	require.Equal(t, ctx, newCtx)
	require.NotNil(t, span)
	span.AddEvent("test.event", "key", "value")
	span.SetStatus(codes.Ok, "completed")
	span.RecordError(errors.New("test error"))
	span.End()
	require.NotNil(t, tracer.Span(ctx))
}

func TestWithDefaults(t *testing.T) {
	tel := telemetry.Telemetry{Logger: telemetry.NewClueLogger()}.WithDefaults()
	require.NotNil(t, tel.Metrics)
	require.NotNil(t, tel.Tracer)
	require.IsType(t, telemetry.ClueLogger{}, tel.Logger)
}

func TestPromMetricsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := telemetry.NewPromMetrics(reg)
	m.IncCounter("mcp.tool.calls", 1, "tool", "run-code", "outcome", "ok")
	m.IncCounter("mcp.tool.calls", 2, "tool", "run-code", "outcome", "ok")
	m.IncCounter("mcp.tool.calls", 1, "tool", "spawn-process", "outcome", "error")
	// Different label keys are dropped rather than panicking.
	m.IncCounter("mcp.tool.calls", 1, "other", "x")

	families, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, families, 1)
	require.Equal(t, "mcp_tool_calls", families[0].GetName())
	total := 0.0
	for _, metric := range families[0].GetMetric() {
		total += metric.GetCounter().GetValue()
	}
	require.InDelta(t, 4.0, total, 1e-9)
}

func TestPromMetricsTimerAndGauge(t *testing.T) {
	m := telemetry.NewPromMetrics(nil)
	m.RecordTimer("mcp.tool.duration", 150*time.Millisecond, "tool", "run-code")
	m.RecordGauge("flux.inflight", 3)

	families, err := m.Gatherer().Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	require.True(t, names["mcp_tool_duration_seconds"])
	require.True(t, names["flux_inflight"])
}

func TestPromMetricsHandler(t *testing.T) {
	m := telemetry.NewPromMetrics(nil)
	m.IncCounter("mcp.tool.calls", 1, "tool", "list-handlers", "outcome", "ok")
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `mcp_tool_calls{outcome="ok",tool="list-handlers"} 1`)
}

func TestClueLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	ctx := log.Context(context.Background(),
		log.WithFormat(log.FormatJSON),
		log.WithOutput(&buf),
		log.WithDisableBuffering(func(context.Context) bool { return true }))
	logger := telemetry.NewClueLogger()

	logger.Info(ctx, "process spawned", "process", "p1", 42, "dropped")
	require.Contains(t, buf.String(), `"msg":"process spawned"`)
	require.Contains(t, buf.String(), `"process":"p1"`)
	require.NotContains(t, buf.String(), "dropped")

	buf.Reset()
	logger.Debug(ctx, "hidden")
	require.Empty(t, buf.String(), "debug needs log.WithDebug")

	buf.Reset()
	logger.Error(ctx, "tool call failed", "tool", "run-code", "err", errors.New("boom"))
	require.Contains(t, buf.String(), `"tool":"run-code"`)
	require.Contains(t, buf.String(), "boom")
}

func TestOtelRecordersReuseInstruments(t *testing.T) {
	m := telemetry.NewOtelMetrics()
	for range 3 {
		m.IncCounter("mcp.tool.calls", 1, "tool", "run-code", "outcome", "ok")
		m.RecordTimer("mcp.tool.duration", time.Millisecond, "tool", "run-code")
		m.RecordGauge("flux.inflight", 1)
	}
	tracer := telemetry.NewOtelTracer()
	ctx, span := tracer.Start(context.Background(), "mcp.tools/call")
	span.AddEvent("submitted", "attempt", 1, "elapsed", time.Second)
	span.SetStatus(codes.Ok, "")
	span.End()
	require.NotNil(t, tracer.Span(ctx))
}
