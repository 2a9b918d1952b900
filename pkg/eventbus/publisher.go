package eventbus

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/telemetrybus/pkg/event"
	"github.com/fyrsmithlabs/telemetrybus/pkg/idgen"
)

var (
	errNotConnected = errors.New("publisher not connected")
	errQueueFull    = errors.New("publish queue full")
	errClosed       = errors.New("publisher closed")
)

// connState is the Publisher's view of its broker connection.
type connState int32

const (
	// stateConnecting: initial connection attempts in progress; publishes are dropped.
	stateConnecting connState = iota
	// stateReady: connected; publishes are appended.
	stateReady
	// stateDegraded: initial attempts exhausted; publishes are still tried.
	stateDegraded
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateReady:
		return "ready"
	case stateDegraded:
		return "degraded"
	case stateClosed:
		return "closed"
	}
	return "unknown"
}

// Publisher appends telemetry events to the stream without blocking callers.
//
// Publish hands the event to a bounded queue served by one background writer.
// The outcome of the append is visible only through logs and Metrics.
type Publisher struct {
	cfg     PublisherConfig
	client  *redis.Client
	logger  *zap.Logger
	metrics *Metrics
	limiter *rate.Limiter

	state atomic.Int32
	queue chan *event.TelemetryEvent
	// mu makes the closed check and the queue send in Publish atomic with
	// respect to Close, so no event lands in the queue after the drain.
	mu sync.RWMutex

	ctx       context.Context
	cancel    context.CancelFunc
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewPublisher creates a publisher and starts connecting in the background.
// It returns an error only for an invalid config; it never waits for the
// broker.
func NewPublisher(cfg PublisherConfig, opts ...Option) (*Publisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid publisher config: %w", err)
	}
	if cfg.Instance == "" {
		cfg.Instance = defaultInstance()
	}

	client, err := newClient(cfg.RedisURL, cfg.Password)
	if err != nil {
		return nil, err
	}

	o := buildOptions(opts)
	ctx, cancel := context.WithCancel(context.Background())

	p := &Publisher{
		cfg:     cfg,
		client:  client,
		logger:  o.logger.Named("publisher").With(zap.String("stream", cfg.Stream), zap.String("service", cfg.Service)),
		metrics: o.metrics,
		limiter: rate.NewLimiter(rate.Every(time.Second), 5),
		queue:   make(chan *event.TelemetryEvent, cfg.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	p.state.Store(int32(stateConnecting))

	go p.connect()
	go p.run()

	return p, nil
}

// Publish fills the defaults of in and queues it for appending. It never
// blocks and never fails from the caller's point of view.
//
// Empty fields are filled as follows: EventID with a new identifier,
// CorrelationID from ctx (see event.WithCorrelation) or a new identifier,
// Service and Instance from the config, Phase with "start" and Timestamp with
// the current time.
func (p *Publisher) Publish(ctx context.Context, in event.TelemetryEvent) {
	ev := p.prepare(ctx, in)

	p.mu.RLock()
	defer p.mu.RUnlock()

	switch p.currentState() {
	case stateConnecting:
		p.drop(ev, ClassNotConnected, errNotConnected)
		return
	case stateClosed:
		p.drop(ev, ClassClosed, errClosed)
		return
	}

	select {
	case p.queue <- ev:
	default:
		p.drop(ev, ClassQueueFull, errQueueFull)
	}
}

// Ready reports whether the publisher has an established connection.
func (p *Publisher) Ready() bool {
	return p.currentState() == stateReady
}

// Close stops accepting events, waits until queued events are written or ctx
// is done, and closes the connection.
func (p *Publisher) Close(ctx context.Context) error {
	var err error
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.state.Store(int32(stateClosed))
		close(p.stop)
		p.mu.Unlock()

		select {
		case <-p.done:
		case <-ctx.Done():
			err = fmt.Errorf("drain publish queue: %w", ctx.Err())
		}

		p.cancel()
		if cerr := p.client.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close redis client: %w", cerr))
		}
	})
	return err
}

func (p *Publisher) prepare(ctx context.Context, in event.TelemetryEvent) *event.TelemetryEvent {
	ev := in
	if in.Metadata != nil {
		ev.Metadata = maps.Clone(in.Metadata)
	}
	if ev.EventID == "" {
		ev.EventID = idgen.New()
	}
	if ev.CorrelationID == "" {
		if corr, _ := event.CorrelationFromContext(ctx); corr != "" {
			ev.CorrelationID = corr
		} else {
			ev.CorrelationID = idgen.New()
		}
	}
	if ev.Service == "" {
		ev.Service = p.cfg.Service
	}
	if ev.Instance == "" {
		ev.Instance = p.cfg.Instance
	}
	if ev.Phase == "" {
		ev.Phase = event.PhaseStart
	}
	if ev.Timestamp == "" {
		ev.Timestamp = event.FormatTimestamp(time.Now())
	}
	return &ev
}

// connect pings the broker with linear backoff until it answers or the
// attempts run out.
func (p *Publisher) connect() {
	for attempt := 1; attempt <= p.cfg.ConnectAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(p.ctx, p.cfg.WriteTimeout)
		err := p.client.Ping(ctx).Err()
		cancel()

		if err == nil {
			if p.state.CompareAndSwap(int32(stateConnecting), int32(stateReady)) {
				p.logger.Info("Connected to redis", zap.Int("attempt", attempt))
			}
			return
		}

		p.metrics.PublishErrors.WithLabelValues(ClassConnection).Inc()
		p.logger.Warn("Redis connection attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", p.cfg.ConnectAttempts),
			zap.Error(err))

		if attempt == p.cfg.ConnectAttempts {
			break
		}

		timer := time.NewTimer(backoffDelay(attempt, p.cfg.ConnectBackoff, p.cfg.ConnectBackoffMax))
		select {
		case <-timer.C:
		case <-p.stop:
			timer.Stop()
			return
		}
	}

	if p.state.CompareAndSwap(int32(stateConnecting), int32(stateDegraded)) {
		p.logger.Error("Giving up initial redis connection; publishes will keep trying",
			zap.Int("attempts", p.cfg.ConnectAttempts))
	}
}

// backoffDelay grows linearly with attempt and is capped at ceiling.
func backoffDelay(attempt int, step, ceiling time.Duration) time.Duration {
	d := time.Duration(attempt) * step
	if d > ceiling || d <= 0 {
		return ceiling
	}
	return d
}

// run is the single writer serving the queue. After stop it drains what is
// already queued and exits.
func (p *Publisher) run() {
	defer close(p.done)
	for {
		select {
		case ev := <-p.queue:
			p.append(ev)
		case <-p.stop:
			for {
				select {
				case ev := <-p.queue:
					p.append(ev)
				default:
					return
				}
			}
		}
	}
}

func (p *Publisher) append(ev *event.TelemetryEvent) {
	data, err := ev.Encode()
	if err != nil {
		p.drop(ev, ClassSerialize, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.WriteTimeout)
	defer cancel()

	start := time.Now()
	args := &redis.XAddArgs{
		Stream: p.cfg.Stream,
		Values: map[string]any{event.PayloadField: data},
	}
	if p.cfg.MaxLen > 0 {
		args.MaxLen = p.cfg.MaxLen
		args.Approx = true
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		p.drop(ev, ClassBroker, err)
		return
	}

	p.metrics.PublishDuration.Observe(time.Since(start).Seconds())
	p.metrics.Published.WithLabelValues(ev.Service).Inc()

	if p.state.CompareAndSwap(int32(stateDegraded), int32(stateReady)) {
		p.logger.Info("Redis connection recovered")
	}
}

// drop records a lost event. Logging is rate limited; counting is not.
func (p *Publisher) drop(ev *event.TelemetryEvent, class string, err error) {
	p.metrics.PublishErrors.WithLabelValues(class).Inc()
	if !p.limiter.Allow() {
		return
	}
	p.logger.Warn("Dropped telemetry event",
		zap.String("class", class),
		zap.String("event_id", ev.EventID),
		zap.String("correlation_id", ev.CorrelationID),
		zap.String("operation", ev.Operation),
		zap.Error(err))
}

func (p *Publisher) currentState() connState {
	return connState(p.state.Load())
}
