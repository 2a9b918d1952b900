package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/telemetrybus/pkg/event"
)

const testStream = "test:events"

// startRedis runs an in-process broker for the test.
func startRedis(t *testing.T) (*miniredis.Miniredis, string) {
	t.Helper()
	mr := miniredis.RunT(t)
	return mr, "redis://" + mr.Addr()
}

// rawClient returns a plain client for arranging and inspecting the stream.
func rawClient(t *testing.T, mr *miniredis.Miniredis) *redis.Client {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func testMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

func testPublisherConfig(url string) PublisherConfig {
	cfg := DefaultPublisherConfig(url, "test-service")
	cfg.Stream = testStream
	cfg.Instance = "test-instance"
	cfg.ConnectAttempts = 3
	cfg.ConnectBackoff = 10 * time.Millisecond
	cfg.ConnectBackoffMax = 50 * time.Millisecond
	cfg.WriteTimeout = time.Second
	return cfg
}

func testConsumerConfig(url, group, name string) ConsumerConfig {
	cfg := DefaultConsumerConfig(url, group)
	cfg.Stream = testStream
	cfg.Consumer = name
	cfg.BlockTimeout = 50 * time.Millisecond
	cfg.ErrorBackoff = 20 * time.Millisecond
	cfg.StopGrace = 500 * time.Millisecond
	return cfg
}

// newReadyPublisher returns a publisher that has finished connecting.
func newReadyPublisher(t *testing.T, url string, m *Metrics) *Publisher {
	t.Helper()
	p, err := NewPublisher(testPublisherConfig(url), WithMetrics(m))
	require.NoError(t, err)
	require.Eventually(t, p.Ready, 2*time.Second, 5*time.Millisecond)
	t.Cleanup(func() { _ = p.Close(context.Background()) })
	return p
}

// appendEvent writes ev to the stream directly, bypassing the publisher.
func appendEvent(t *testing.T, rdb *redis.Client, ev *event.TelemetryEvent) string {
	t.Helper()
	data, err := ev.Encode()
	require.NoError(t, err)
	id, err := rdb.XAdd(context.Background(), &redis.XAddArgs{
		Stream: testStream,
		Values: map[string]any{event.PayloadField: data},
	}).Result()
	require.NoError(t, err)
	return id
}

// recorder is a Handler that remembers what it saw.
type recorder struct {
	mu     sync.Mutex
	events []*event.TelemetryEvent
}

func (r *recorder) Handle(_ context.Context, ev *event.TelemetryEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) Events() []*event.TelemetryEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*event.TelemetryEvent, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recorder) EventIDs() []string {
	evs := r.Events()
	ids := make([]string, len(evs))
	for i, ev := range evs {
		ids[i] = ev.EventID
	}
	return ids
}

func startConsumer(t *testing.T, cfg ConsumerConfig, h Handler, opts ...Option) *Consumer {
	t.Helper()
	c, err := NewConsumer(cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background(), h))
	t.Cleanup(func() { _ = c.Stop(context.Background()) })
	return c
}

func pendingCount(t *testing.T, rdb *redis.Client, group string) int64 {
	t.Helper()
	summary, err := rdb.XPending(context.Background(), testStream, group).Result()
	require.NoError(t, err)
	return summary.Count
}
