// Package logging provides the structured logger used by telemetryd and
// telemetryctl.
//
// It wraps Zap with:
//   - a Trace level (-2, below Debug) for per-event output
//   - dual output to stdout and an OpenTelemetry log provider via otelzap
//   - context field injection (trace_id, span_id, correlation_id)
//   - secret redaction by field name and value pattern
//   - per-level sampling where errors are never sampled
//
// # Usage
//
//	cfg, err := logging.FromSettings(appCfg.Logging, "telemetryd")
//	if err != nil {
//	    return err
//	}
//	logger, err := logging.NewLogger(cfg, tel.LoggerProvider())
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
// Libraries in pkg/ take a *zap.Logger; pass logger.Underlying().
//
// Contexts carrying a telemetry correlation are tagged automatically:
//
//	ctx = event.WithCorrelation(ctx, ev.CorrelationID, ev.SpanID)
//	logger.Debug(ctx, "event handled", zap.String("event_id", ev.EventID))
//
//	{"level":"debug","msg":"event handled","correlation_id":"...","event.span_id":"...","event_id":"..."}
//
// # Secret Redaction
//
// Secrets are redacted at three layers:
//  1. the config.Secret type, which never prints its value
//  2. field names such as password or token
//  3. value patterns such as bearer tokens and URLs with inline credentials
//
// # Sampling
//
// Defaults per second, keyed by message:
//   - Trace: first 1, drop rest
//   - Debug: first 10, drop rest
//   - Info: first 100, then 1 every 10
//   - Warn: first 100, then 1 every 100
//   - Error+: never sampled
//
// # Testing
//
// NewTestLogger records entries for assertions:
//
//	tl := logging.NewTestLogger()
//	tl.Info(ctx, "loaded", zap.String("stream", "telemetry:events"))
//	tl.AssertLogged(t, zapcore.InfoLevel, "loaded")
//	tl.AssertNoSecrets(t)
package logging
