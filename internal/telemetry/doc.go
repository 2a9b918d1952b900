// Package telemetry provides OpenTelemetry instrumentation for telemetrybus.
//
// # Overview
//
// Telemetry owns the tracer, meter and logger providers. Traces and metrics
// are exported over OTLP (gRPC or HTTP) to a collector; logs are exported
// when the otelzap bridge is enabled in internal/logging.
//
// # Usage
//
//	cfg := telemetry.FromSettings(appCfg.Observability, appCfg.Logging.OTEL, version)
//	tel, err := telemetry.New(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(ctx)
//
// The consumer takes tel.Tracer for its "eventbus.process" spans; telemetryd
// registers its gauges on tel.Meter.
//
// # Error Handling
//
// Telemetry failures do not crash the application. If a provider cannot be
// initialized the instance is marked degraded, Health reports why, and the
// global providers are handed out instead.
//
// # Testing
//
//	tt := telemetry.NewTestTelemetry()
//	_, span := tt.Tracer("test").Start(ctx, "eventbus.process")
//	span.End()
//	tt.AssertSpanExists(t, "eventbus.process")
package telemetry
