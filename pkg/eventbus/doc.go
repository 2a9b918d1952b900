// Package eventbus implements a telemetry event bus on Redis Streams.
//
// # Overview
//
// A Publisher appends events to a length-capped stream without blocking its
// caller. One or more Consumer processes sharing a consumer group read the
// stream, each entry being delivered to exactly one member. Delivery is
// at-least-once: handlers must be idempotent.
//
//	pub, err := eventbus.NewPublisher(eventbus.DefaultPublisherConfig(url, "graphrag"))
//	pub.Publish(ctx, event.TelemetryEvent{Operation: "ingest", Phase: event.PhaseStart})
//	defer pub.Close(ctx)
//
//	c, err := eventbus.NewConsumer(eventbus.DefaultConsumerConfig(url, "orchestrator"))
//	err = c.Start(ctx, func(ctx context.Context, ev *event.TelemetryEvent) error {
//	    return nil
//	})
//	defer c.Stop(ctx)
//
// # Failure handling
//
// Publish never returns an error. Connection, serialization and broker
// failures are logged and counted in Metrics, and the event is dropped.
//
// Consumer.Start returns an error only when the consumer group cannot be
// ensured. Once running, the read loop contains every error: it logs, counts,
// pauses for ErrorBackoff and reads again until Stop is called.
//
// Every delivered entry is acknowledged, including entries whose payload is
// missing or unparsable and entries whose handler failed or panicked. This
// trades per-message loss for never stalling the group on a poison entry.
//
// # Crash recovery
//
// On Start a consumer first claims the entries the broker still lists as
// pending for its own name, up to RecoveryBatch, and runs them through the
// handler before reading new entries. Consumer names must therefore be stable
// across restarts; the default is derived from the host name.
package eventbus
