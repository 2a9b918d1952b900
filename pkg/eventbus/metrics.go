package eventbus

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Failure classes used as the "class" label of error counters.
const (
	ClassNotConnected = "not_connected"
	ClassConnection   = "connection"
	ClassQueueFull    = "queue_full"
	ClassClosed       = "closed"
	ClassSerialize    = "serialization"
	ClassBroker       = "broker"

	ClassPayloadMissing = "payload_missing"
	ClassPayloadInvalid = "payload_invalid"
	ClassHandler        = "handler"

	ClassRead    = "read"
	ClassNoGroup = "no_group"
	ClassRecover = "recover"
	ClassAck     = "ack"
	ClassLag     = "lag"
)

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Metrics holds the Prometheus collectors of publishers and consumers.
//
// Metrics:
//   - telemetrybus_events_published_total{service}
//   - telemetrybus_publish_duration_seconds
//   - telemetrybus_publish_errors_total{class}
//   - telemetrybus_events_consumed_total{service,operation,phase}
//   - telemetrybus_process_duration_seconds{service}
//   - telemetrybus_process_errors_total{class}
//   - telemetrybus_loop_errors_total{class}
//   - telemetrybus_events_recovered_total
//   - telemetrybus_events_acked_total
//   - telemetrybus_consumer_lag{stream,group}
//   - telemetrybus_consumer_pending{stream,group}
type Metrics struct {
	Published       *prometheus.CounterVec
	PublishDuration prometheus.Histogram
	PublishErrors   *prometheus.CounterVec

	Consumed        *prometheus.CounterVec
	ProcessDuration *prometheus.HistogramVec
	ProcessErrors   *prometheus.CounterVec
	LoopErrors      *prometheus.CounterVec
	Recovered       prometheus.Counter
	Acked           prometheus.Counter
	Lag             *prometheus.GaugeVec
	Pending         *prometheus.GaugeVec
}

// DefaultMetrics returns metrics registered once with the default
// Prometheus registerer.
func DefaultMetrics() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// NewMetrics creates metrics registered with reg. A nil reg creates
// unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	const ns = "telemetrybus"

	return &Metrics{
		Published: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "events_published_total",
			Help:      "Total number of events appended to the stream",
		}, []string{"service"}),
		PublishDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "publish_duration_seconds",
			Help:      "Duration of successful stream appends in seconds",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		PublishErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "publish_errors_total",
			Help:      "Total number of events dropped by publishers, by failure class",
		}, []string{"class"}),

		Consumed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "events_consumed_total",
			Help:      "Total number of events passed to a handler",
		}, []string{"service", "operation", "phase"}),
		ProcessDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "process_duration_seconds",
			Help:      "Duration of handler invocations in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service"}),
		ProcessErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "process_errors_total",
			Help:      "Total number of entries acknowledged without successful handling, by failure class",
		}, []string{"class"}),
		LoopErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "loop_errors_total",
			Help:      "Total number of consumer loop errors, by failure class",
		}, []string{"class"}),
		Recovered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "events_recovered_total",
			Help:      "Total number of pending entries reclaimed on startup",
		}),
		Acked: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "events_acked_total",
			Help:      "Total number of entries acknowledged",
		}),
		Lag: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "consumer_lag",
			Help:      "Entries in the stream not yet delivered to the group",
		}, []string{"stream", "group"}),
		Pending: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "consumer_pending",
			Help:      "Entries delivered to the group but not yet acknowledged",
		}, []string{"stream", "group"}),
	}
}
