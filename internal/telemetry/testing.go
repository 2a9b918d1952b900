package telemetry

import (
	"context"
	"slices"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// ProcessSpanName is the span the consumer opens around each handler call.
const ProcessSpanName = "eventbus.process"

// TestTelemetry records spans in memory and collects metrics on demand.
type TestTelemetry struct {
	*Telemetry

	spans  *tracetest.SpanRecorder
	reader *sdkmetric.ManualReader
}

// NewTestTelemetry returns enabled telemetry backed by in-memory recorders.
func NewTestTelemetry() *TestTelemetry {
	cfg := NewDefaultConfig()
	cfg.Enabled = true

	spans := tracetest.NewSpanRecorder()
	reader := sdkmetric.NewManualReader()

	return &TestTelemetry{
		Telemetry: &Telemetry{
			config:         cfg,
			tracerProvider: trace.NewTracerProvider(trace.WithSpanProcessor(spans)),
			meterProvider:  sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
		},
		spans:  spans,
		reader: reader,
	}
}

// Spans returns every ended span in end order.
func (t *TestTelemetry) Spans() []trace.ReadOnlySpan {
	return t.spans.Ended()
}

// SpanByName returns the first ended span called name, or nil.
func (t *TestTelemetry) SpanByName(name string) trace.ReadOnlySpan {
	for _, span := range t.Spans() {
		if span.Name() == name {
			return span
		}
	}
	return nil
}

// ProcessedCorrelations lists the correlation IDs of ended process spans.
func (t *TestTelemetry) ProcessedCorrelations() []string {
	var ids []string
	for _, span := range t.Spans() {
		if span.Name() != ProcessSpanName {
			continue
		}
		if v, ok := SpanAttributes(span)["telemetry.correlation_id"]; ok {
			ids = append(ids, v.(string))
		}
	}
	return ids
}

// AssertProcessed fails tb unless a process span carried correlationID.
func (t *TestTelemetry) AssertProcessed(tb testing.TB, correlationID string) {
	tb.Helper()
	got := t.ProcessedCorrelations()
	if !slices.Contains(got, correlationID) {
		tb.Errorf("no %s span for correlation %q, saw %v", ProcessSpanName, correlationID, got)
	}
}

// AssertSpanAttribute fails tb unless the span called name carries key with
// value expected.
func (t *TestTelemetry) AssertSpanAttribute(tb testing.TB, name, key string, expected any) {
	tb.Helper()
	span := t.SpanByName(name)
	if span == nil {
		tb.Fatalf("span %q not found", name)
		return
	}
	got, ok := SpanAttributes(span)[key]
	switch {
	case !ok:
		tb.Errorf("span %q missing attribute %q", name, key)
	case got != expected:
		tb.Errorf("span %q attribute %q: got %v, want %v", name, key, got, expected)
	}
}

// SpanAttributes flattens the attributes of span into Go values.
func SpanAttributes(span trace.ReadOnlySpan) map[string]any {
	attrs := make(map[string]any, len(span.Attributes()))
	for _, kv := range span.Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsInterface()
	}
	return attrs
}

// MetricByName collects current metrics and returns the one named name.
func (t *TestTelemetry) MetricByName(ctx context.Context, name string) (metricdata.Metrics, bool) {
	var rm metricdata.ResourceMetrics
	if err := t.reader.Collect(ctx, &rm); err != nil {
		return metricdata.Metrics{}, false
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return m, true
			}
		}
	}
	return metricdata.Metrics{}, false
}

// Int64Gauge returns the summed value of an int64 gauge. It reports false
// when the gauge is missing or has no data points.
func (t *TestTelemetry) Int64Gauge(ctx context.Context, name string) (int64, bool) {
	m, ok := t.MetricByName(ctx, name)
	if !ok {
		return 0, false
	}
	g, ok := m.Data.(metricdata.Gauge[int64])
	if !ok || len(g.DataPoints) == 0 {
		return 0, false
	}
	var sum int64
	for _, dp := range g.DataPoints {
		sum += dp.Value
	}
	return sum, true
}
