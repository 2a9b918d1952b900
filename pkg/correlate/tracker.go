// Package correlate folds delivered telemetry events into per-correlation
// timelines for orchestration decisions.
//
// Delivery is at-least-once, so the Tracker is idempotent: an event ID is
// folded in once no matter how often it arrives.
package correlate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/telemetrybus/pkg/event"
)

// Defaults for Config.
const (
	DefaultMaxCorrelations = 10000
	DefaultMaxEvents       = 1000
)

var (
	// ErrNoCorrelation is returned by Handle for an event without a correlation ID.
	ErrNoCorrelation = errors.New("event has no correlation id")
	// ErrNoEventID is returned by Handle for an event without an event ID.
	ErrNoEventID = errors.New("event has no event id")
)

// Config bounds the tracker's memory.
type Config struct {
	// MaxCorrelations is the number of timelines kept; the least recently
	// updated one is evicted first.
	MaxCorrelations int
	// MaxEvents caps each timeline; its oldest events are dropped first.
	MaxEvents int
}

// DefaultConfig returns the default bounds.
func DefaultConfig() Config {
	return Config{
		MaxCorrelations: DefaultMaxCorrelations,
		MaxEvents:       DefaultMaxEvents,
	}
}

// Tracker keeps the timelines of recent correlations. It is safe for
// concurrent use.
type Tracker struct {
	cfg    Config
	logger *zap.Logger

	mu    sync.Mutex
	cache *lru.Cache[string, *Timeline]
	now   func() time.Time
}

// New creates a tracker. A nil logger disables logging.
func New(cfg Config, logger *zap.Logger) (*Tracker, error) {
	if cfg.MaxCorrelations <= 0 {
		return nil, fmt.Errorf("max correlations must be > 0, got %d", cfg.MaxCorrelations)
	}
	if cfg.MaxEvents < 0 {
		return nil, fmt.Errorf("max events must be >= 0, got %d", cfg.MaxEvents)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("correlate")

	cache, err := lru.NewWithEvict(cfg.MaxCorrelations, func(id string, tl *Timeline) {
		logger.Debug("Evicted correlation",
			zap.String("correlation_id", id),
			zap.Int("events", len(tl.Events)))
	})
	if err != nil {
		return nil, fmt.Errorf("create correlation cache: %w", err)
	}

	return &Tracker{
		cfg:    cfg,
		logger: logger,
		cache:  cache,
		now:    time.Now,
	}, nil
}

// Handle folds ev into its correlation's timeline. It has the signature of
// an eventbus handler.
func (t *Tracker) Handle(_ context.Context, ev *event.TelemetryEvent) error {
	if ev == nil {
		return errors.New("nil event")
	}
	if ev.CorrelationID == "" {
		return fmt.Errorf("%w: event %s", ErrNoCorrelation, ev.EventID)
	}
	if ev.EventID == "" {
		return fmt.Errorf("%w: correlation %s", ErrNoEventID, ev.CorrelationID)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	tl, ok := t.cache.Get(ev.CorrelationID)
	if !ok {
		tl = newTimeline(ev.CorrelationID, now)
		t.cache.Add(ev.CorrelationID, tl)
	}

	before := len(tl.Violations)
	if !tl.add(ev, t.cfg.MaxEvents, now) {
		t.logger.Debug("Ignoring duplicate event",
			zap.String("correlation_id", ev.CorrelationID),
			zap.String("event_id", ev.EventID))
		return nil
	}
	for _, v := range tl.Violations[before:] {
		t.logger.Debug("Span discipline violation",
			zap.String("correlation_id", ev.CorrelationID),
			zap.String("kind", string(v.Kind)),
			zap.String("event_id", v.EventID),
			zap.String("span_id", v.SpanID))
	}
	return nil
}

// Timeline returns a copy of the timeline for correlationID.
func (t *Tracker) Timeline(correlationID string) (*Timeline, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tl, ok := t.cache.Peek(correlationID)
	if !ok {
		return nil, false
	}
	return tl.Clone(), true
}

// Status returns the status of correlationID.
func (t *Tracker) Status(correlationID string) (Status, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tl, ok := t.cache.Peek(correlationID)
	if !ok {
		return "", false
	}
	return tl.Status(), true
}

// Recent returns summaries of up to limit timelines, most recently updated
// first. A limit <= 0 returns all of them.
func (t *Tracker) Recent(limit int) []Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	keys := t.cache.Keys()
	out := make([]Summary, 0, len(keys))
	for i := len(keys) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		if tl, ok := t.cache.Peek(keys[i]); ok {
			out = append(out, tl.summary())
		}
	}
	return out
}

// Len returns the number of tracked correlations.
func (t *Tracker) Len() int {
	return t.cache.Len()
}
