package main

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/telemetrybus/internal/config"
	"github.com/fyrsmithlabs/telemetrybus/internal/logging"
	"github.com/fyrsmithlabs/telemetrybus/internal/telemetry"
	"github.com/fyrsmithlabs/telemetrybus/pkg/correlate"
	"github.com/fyrsmithlabs/telemetrybus/pkg/event"
	"github.com/fyrsmithlabs/telemetrybus/pkg/eventbus"
	"github.com/fyrsmithlabs/telemetrybus/pkg/relay"
	"github.com/fyrsmithlabs/telemetrybus/pkg/server"
)

const instrumentationName = "github.com/fyrsmithlabs/telemetrybus/cmd/telemetryd"

// daemon wires one consumer to its handlers and the diagnostics server.
type daemon struct {
	cfg      *config.Config
	logger   *logging.Logger
	consumer *eventbus.Consumer
	handler  eventbus.Handler
	tracker  *correlate.Tracker
	nc       *nats.Conn
	server   *server.Server
	gauges   metric.Registration
}

// newDaemon builds every component without touching the broker. NATS is
// dialed here when the relay is enabled; the connection retries in the
// background if the server is down.
func newDaemon(ctx context.Context, cfg *config.Config, logger *logging.Logger, tel *telemetry.Telemetry) (*daemon, error) {
	d := &daemon{cfg: cfg, logger: logger}
	zl := logger.Underlying()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	consumer, err := eventbus.NewConsumer(cfg.ConsumerSettings(),
		eventbus.WithLogger(zl),
		eventbus.WithMetrics(eventbus.NewMetrics(reg)),
		eventbus.WithTracer(tel.Tracer(instrumentationName)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}
	d.consumer = consumer

	handlers := []eventbus.Handler{d.logEvent}

	if cfg.Correlator.Enabled {
		tracker, err := correlate.New(cfg.CorrelatorSettings(), zl)
		if err != nil {
			return nil, fmt.Errorf("failed to create correlation tracker: %w", err)
		}
		d.tracker = tracker
		handlers = append(handlers, tracker.Handle)
	}

	if cfg.Relay.Enabled {
		nc, err := nats.Connect(cfg.Relay.URL,
			nats.Name("telemetryd"),
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(time.Second),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS at %s: %w", config.RedactURL(cfg.Relay.URL), err)
		}
		d.nc = nc
		r, err := relay.New(nc, cfg.Relay.SubjectPrefix, zl)
		if err != nil {
			nc.Close()
			return nil, err
		}
		handlers = append(handlers, r.Handle)
		logger.Info(ctx, "Relay enabled",
			zap.String("url", config.RedactURL(cfg.Relay.URL)),
			zap.String("subject_prefix", r.Prefix()))
	}

	d.handler = eventbus.Chain(handlers...)

	gauges, err := d.registerGauges(tel.Meter(instrumentationName))
	if err != nil {
		logger.Warn(ctx, "Failed to register telemetry gauges", zap.Error(err))
	}
	d.gauges = gauges

	deps := server.Dependencies{
		Inspector:   consumer,
		Gatherer:    reg,
		NATS:        d.nc,
		RelayPrefix: cfg.Relay.SubjectPrefix,
		Logger:      zl,
	}
	if d.tracker != nil {
		deps.Correlations = d.tracker
	}
	d.server = server.NewServer(server.Config{
		Port:            cfg.Server.Port,
		ShutdownTimeout: cfg.Server.ShutdownTimeout.Duration(),
		ServiceName:     cfg.Observability.ServiceName,
	}, deps)

	return d, nil
}

// Run starts the consumer and serves diagnostics until ctx is cancelled,
// then stops the consumer. It returns the server's exit error.
func (d *daemon) Run(ctx context.Context) error {
	if err := d.consumer.Start(ctx, d.handler); err != nil {
		return fmt.Errorf("failed to start consumer: %w", err)
	}

	d.logger.Info(ctx, "Consumer started",
		zap.String("redis", config.RedactURL(d.cfg.Redis.URL)),
		zap.String("stream", d.cfg.Stream.Key),
		zap.String("group", d.cfg.Consumer.Group),
		zap.String("consumer", d.consumer.Name()),
		zap.Int("port", d.cfg.Server.Port))

	serveErr := d.server.Start(ctx)

	stopCtx, cancel := context.WithTimeout(context.Background(), d.cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := d.consumer.Stop(stopCtx); err != nil {
		d.logger.Warn(stopCtx, "Consumer stop", zap.Error(err))
	}
	return serveErr
}

// Close releases the NATS connection and telemetry callbacks.
func (d *daemon) Close() {
	if d.gauges != nil {
		_ = d.gauges.Unregister()
	}
	if d.nc != nil {
		d.nc.Close()
	}
}

// logEvent traces every delivered event with its correlation fields.
func (d *daemon) logEvent(ctx context.Context, ev *event.TelemetryEvent) error {
	d.logger.Trace(ctx, "Event consumed",
		zap.String("event_id", ev.EventID),
		zap.String("service", ev.Service),
		zap.String("operation", ev.Operation),
		zap.String("phase", string(ev.Phase)))
	return nil
}

// registerGauges exposes daemon state as OpenTelemetry observable gauges.
func (d *daemon) registerGauges(meter metric.Meter) (metric.Registration, error) {
	running, err := meter.Int64ObservableGauge("telemetrybus.consumer.running",
		metric.WithDescription("1 while the consumer loop is running"))
	if err != nil {
		return nil, err
	}
	tracked, err := meter.Int64ObservableGauge("telemetrybus.correlations.tracked",
		metric.WithDescription("Correlation timelines held in memory"))
	if err != nil {
		return nil, err
	}

	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		var v int64
		if d.consumer.IsRunning() {
			v = 1
		}
		o.ObserveInt64(running, v)
		if d.tracker != nil {
			o.ObserveInt64(tracked, int64(d.tracker.Len()))
		}
		return nil
	}, running, tracked)
}
