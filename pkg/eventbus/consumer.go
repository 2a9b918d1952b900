package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/telemetrybus/pkg/event"
)

var (
	// ErrAlreadyStarted is returned by Start on a consumer that was started before.
	ErrAlreadyStarted = errors.New("consumer already started")
	// ErrStopped is returned by Start on a stopped consumer.
	ErrStopped = errors.New("consumer stopped")
	// ErrNilHandler is returned by Start when no handler is given.
	ErrNilHandler = errors.New("handler is nil")
)

const ackTimeout = 5 * time.Second

// State is a Consumer lifecycle state. No transition leaves StateStopped.
type State int32

const (
	StateCreated State = iota
	StateStarted
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarted:
		return "started"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// stepOutcome tells the read loop what to do after one iteration.
type stepOutcome int

const (
	stepDelivered stepOutcome = iota
	stepIdle
	stepRetry
	stepExit
)

// Consumer reads the stream as one member of a consumer group.
//
// A single goroutine reads, handles and acknowledges entries in arrival
// order, so handlers never run concurrently within one Consumer. Scale out by
// running more consumers under the same group.
type Consumer struct {
	cfg    ConsumerConfig
	client *redis.Client
	// reader carries only the blocking group reads. Stop closes it at once
	// so an idle read does not hold up shutdown; acks keep using client.
	reader  *redis.Client
	logger  *zap.Logger
	metrics *Metrics
	tracer  trace.Tracer

	handler Handler
	state   atomic.Int32
	running atomic.Bool

	// ctx is cancelled once the stop grace period is over.
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewConsumer creates a consumer. It does not contact the broker.
func NewConsumer(cfg ConsumerConfig, opts ...Option) (*Consumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid consumer config: %w", err)
	}

	client, err := newClient(cfg.RedisURL, cfg.Password)
	if err != nil {
		return nil, err
	}
	reader, err := newClient(cfg.RedisURL, cfg.Password)
	if err != nil {
		_ = client.Close()
		return nil, err
	}

	o := buildOptions(opts)
	ctx, cancel := context.WithCancel(context.Background())

	c := &Consumer{
		cfg:    cfg,
		client: client,
		reader: reader,
		logger: o.logger.Named("consumer").With(
			zap.String("stream", cfg.Stream),
			zap.String("group", cfg.Group),
			zap.String("consumer", cfg.Consumer)),
		metrics: o.metrics,
		tracer:  o.tracer,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	c.state.Store(int32(StateCreated))
	return c, nil
}

// Start ensures the consumer group exists, reprocesses this consumer's
// pending entries and launches the read loop. It returns once the loop is
// running.
//
// A group that already exists is reused with its delivery cursor untouched.
// Any other group creation error aborts startup and leaves the consumer
// stopped.
func (c *Consumer) Start(ctx context.Context, h Handler) error {
	if h == nil {
		return ErrNilHandler
	}
	if !c.state.CompareAndSwap(int32(StateCreated), int32(StateStarted)) {
		if c.State() == StateStopped {
			return ErrStopped
		}
		return ErrAlreadyStarted
	}
	c.handler = h

	if err := c.ensureGroup(ctx); err != nil {
		c.cancel()
		_ = c.closeClients()
		close(c.done)
		c.state.Store(int32(StateStopped))
		return fmt.Errorf("ensure consumer group: %w", err)
	}

	c.running.Store(true)
	c.recoverPending(ctx)

	if !c.state.CompareAndSwap(int32(StateStarted), int32(StateRunning)) {
		// Stop was called during recovery.
		close(c.done)
		return ErrStopped
	}
	go c.loop()

	c.logger.Info("Consumer started",
		zap.Int64("batch_size", c.cfg.BatchSize),
		zap.Duration("block_timeout", c.cfg.BlockTimeout))
	return nil
}

// Stop asks the read loop to exit, waits up to StopGrace for the batch in
// flight and closes the connection. Entries not acknowledged by then stay
// pending and are recovered on the next start.
func (c *Consumer) Stop(ctx context.Context) error {
	switch c.State() {
	case StateCreated:
		c.state.Store(int32(StateStopped))
		c.cancel()
		return c.closeClients()
	case StateStopping, StateStopped:
		return nil
	}

	c.state.Store(int32(StateStopping))
	c.running.Store(false)
	// Interrupts a read blocked on an idle stream.
	readErr := c.reader.Close()

	timer := time.NewTimer(c.cfg.StopGrace)
	defer timer.Stop()
	select {
	case <-c.done:
	case <-timer.C:
		c.logger.Warn("Stop grace period elapsed before loop exit", zap.Duration("grace", c.cfg.StopGrace))
	case <-ctx.Done():
	}

	c.cancel()
	err := c.client.Close()
	if errors.Is(readErr, redis.ErrClosed) {
		readErr = nil
	}
	err = errors.Join(err, readErr)
	c.state.Store(int32(StateStopped))
	c.logger.Info("Consumer stopped")
	if err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}

// IsRunning reports whether the read loop is active and no stop was requested.
func (c *Consumer) IsRunning() bool {
	return c.running.Load()
}

// State returns the lifecycle state.
func (c *Consumer) State() State {
	return State(c.state.Load())
}

// Name returns the consumer's identity within its group.
func (c *Consumer) Name() string {
	return c.cfg.Consumer
}

func (c *Consumer) closeClients() error {
	return errors.Join(c.client.Close(), c.reader.Close())
}

func (c *Consumer) ensureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, c.cfg.StartID).Err()
	if err == nil {
		c.logger.Info("Created consumer group", zap.String("start_id", c.cfg.StartID))
		return nil
	}
	if isBusyGroup(err) {
		c.logger.Debug("Consumer group already exists")
		return nil
	}
	return err
}

// recoverPending claims the entries still pending for this consumer and
// processes them before any new entry is read. Failures are logged; live
// reading starts regardless.
func (c *Consumer) recoverPending(ctx context.Context) {
	pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream:   c.cfg.Stream,
		Group:    c.cfg.Group,
		Start:    "-",
		End:      "+",
		Count:    c.cfg.RecoveryBatch,
		Consumer: c.cfg.Consumer,
	}).Result()
	if err != nil {
		c.metrics.LoopErrors.WithLabelValues(ClassRecover).Inc()
		c.logger.Error("Failed to list pending entries", zap.Error(err))
		return
	}
	if len(pending) == 0 {
		return
	}

	ids := make([]string, len(pending))
	for i, p := range pending {
		ids[i] = p.ID
	}

	msgs, err := c.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   c.cfg.Stream,
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		MinIdle:  0,
		Messages: ids,
	}).Result()
	if err != nil {
		c.metrics.LoopErrors.WithLabelValues(ClassRecover).Inc()
		c.logger.Error("Failed to claim pending entries", zap.Int("count", len(ids)), zap.Error(err))
		return
	}

	c.logger.Info("Recovering pending entries", zap.Int("pending", len(ids)), zap.Int("claimed", len(msgs)))
	for _, msg := range msgs {
		c.metrics.Recovered.Inc()
		c.processMessage(c.ctx, msg.ID, msg.Values)
	}
}

// loop runs until Stop clears the running flag.
func (c *Consumer) loop() {
	defer close(c.done)

	for c.running.Load() {
		outcome, class, err := c.step()
		switch outcome {
		case stepDelivered, stepIdle:
		case stepRetry:
			c.metrics.LoopErrors.WithLabelValues(class).Inc()
			c.logger.Error("Consumer loop error; retrying",
				zap.String("class", class),
				zap.Duration("backoff", c.cfg.ErrorBackoff),
				zap.Error(err))
			c.pause(c.cfg.ErrorBackoff)
		case stepExit:
			return
		}
	}
}

// step performs one blocking group read and processes what it returned.
func (c *Consumer) step() (stepOutcome, string, error) {
	streams, err := c.reader.XReadGroup(c.ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		Streams:  []string{c.cfg.Stream, ">"},
		Count:    c.cfg.BatchSize,
		Block:    c.cfg.BlockTimeout,
	}).Result()

	switch {
	case errors.Is(err, redis.Nil):
		c.refreshLag()
		return stepIdle, "", nil
	case err != nil && !c.running.Load():
		return stepExit, "", nil
	case isNoGroup(err):
		if gerr := c.ensureGroup(c.ctx); gerr != nil {
			err = errors.Join(err, gerr)
		}
		return stepRetry, ClassNoGroup, err
	case err != nil:
		return stepRetry, ClassRead, err
	}

	for _, s := range streams {
		for _, msg := range s.Messages {
			c.processMessage(c.ctx, msg.ID, msg.Values)
		}
	}
	c.refreshLag()
	return stepDelivered, "", nil
}

// pause sleeps for d unless the consumer is stopped first.
func (c *Consumer) pause(d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-c.ctx.Done():
	}
}

// processMessage decodes one entry, invokes the handler and acknowledges the
// entry. Acknowledgement is unconditional: entries without a usable payload
// and entries whose handler failed are acknowledged too.
func (c *Consumer) processMessage(ctx context.Context, id string, fields map[string]any) {
	defer c.ack(id)

	ev, err := event.Decode(fields)
	if err != nil {
		class := ClassPayloadInvalid
		if errors.Is(err, event.ErrMissingPayload) {
			class = ClassPayloadMissing
		}
		c.metrics.ProcessErrors.WithLabelValues(class).Inc()
		c.logger.Warn("Dropping entry without usable payload",
			zap.String("entry_id", id),
			zap.String("class", class),
			zap.Error(err))
		return
	}

	ctx, span := c.tracer.Start(ctx, "eventbus.process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "redis"),
			attribute.String("messaging.destination.name", c.cfg.Stream),
			attribute.String("messaging.consumer.group.name", c.cfg.Group),
			attribute.String("messaging.message.id", id),
			attribute.String("telemetry.event_id", ev.EventID),
			attribute.String("telemetry.correlation_id", ev.CorrelationID),
			attribute.String("telemetry.service", ev.Service),
			attribute.String("telemetry.phase", string(ev.Phase)),
		))
	ctx = event.WithCorrelation(ctx, ev.CorrelationID, ev.SpanID)

	start := time.Now()
	herr := c.invoke(ctx, ev)
	elapsed := time.Since(start)

	if herr != nil {
		c.metrics.ProcessErrors.WithLabelValues(ClassHandler).Inc()
		span.RecordError(herr)
		span.SetStatus(codes.Error, herr.Error())
		c.logger.Error("Handler failed; acknowledging anyway",
			zap.String("entry_id", id),
			zap.String("event_id", ev.EventID),
			zap.String("correlation_id", ev.CorrelationID),
			zap.Error(herr))
	}
	span.End()

	c.metrics.Consumed.WithLabelValues(ev.Service, ev.Operation, string(ev.Phase)).Inc()
	c.metrics.ProcessDuration.WithLabelValues(ev.Service).Observe(elapsed.Seconds())
}

// invoke calls the handler, converting a panic into an error.
func (c *Consumer) invoke(ctx context.Context, ev *event.TelemetryEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return c.handler(ctx, ev)
}

func (c *Consumer) ack(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), ackTimeout)
	defer cancel()

	if err := c.client.XAck(ctx, c.cfg.Stream, c.cfg.Group, id).Err(); err != nil {
		c.metrics.LoopErrors.WithLabelValues(ClassAck).Inc()
		c.logger.Error("Failed to acknowledge entry", zap.String("entry_id", id), zap.Error(err))
		return
	}
	c.metrics.Acked.Inc()
}

// refreshLag updates the lag and pending gauges from the group's info.
func (c *Consumer) refreshLag() {
	if !c.running.Load() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), ackTimeout)
	defer cancel()

	info, err := readGroupSummary(ctx, c.client, c.cfg.Stream, c.cfg.Group)
	if err != nil {
		c.metrics.LoopErrors.WithLabelValues(ClassLag).Inc()
		c.logger.Debug("Failed to refresh lag", zap.Error(err))
		return
	}
	c.metrics.Lag.WithLabelValues(c.cfg.Stream, c.cfg.Group).Set(float64(info.Lag))
	c.metrics.Pending.WithLabelValues(c.cfg.Stream, c.cfg.Group).Set(float64(info.Pending))
}
