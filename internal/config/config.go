// Package config provides configuration loading for telemetryd and
// telemetryctl.
//
// Values come from defaults, an optional YAML file and TELEMETRYBUS_*
// environment variables, in increasing order of precedence. See LoadWithFile.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/fyrsmithlabs/telemetrybus/pkg/correlate"
	"github.com/fyrsmithlabs/telemetrybus/pkg/eventbus"
)

// Config holds the complete telemetrybus configuration.
type Config struct {
	Redis         RedisConfig         `koanf:"redis"`
	Stream        StreamConfig        `koanf:"stream"`
	Consumer      ConsumerConfig      `koanf:"consumer"`
	Publisher     PublisherConfig     `koanf:"publisher"`
	Relay         RelayConfig         `koanf:"relay"`
	Correlator    CorrelatorConfig    `koanf:"correlator"`
	Server        ServerConfig        `koanf:"server"`
	Observability ObservabilityConfig `koanf:"observability"`
	Logging       LoggingConfig       `koanf:"logging"`
}

// RedisConfig locates the broker.
type RedisConfig struct {
	URL      string `koanf:"url"`
	Password Secret `koanf:"password"`
}

// StreamConfig names the log and bounds its length.
type StreamConfig struct {
	Key    string `koanf:"key"`
	MaxLen int64  `koanf:"max_len"`
}

// ConsumerConfig holds consumer group settings.
type ConsumerConfig struct {
	Group         string   `koanf:"group"`
	Name          string   `koanf:"name"`
	StartID       string   `koanf:"start_id"`
	BatchSize     int64    `koanf:"batch_size"`
	BlockTimeout  Duration `koanf:"block_timeout"`
	RecoveryBatch int64    `koanf:"recovery_batch"`
	ErrorBackoff  Duration `koanf:"error_backoff"`
	StopGrace     Duration `koanf:"stop_grace"`
}

// PublisherConfig holds publisher settings.
type PublisherConfig struct {
	Service           string   `koanf:"service"`
	Instance          string   `koanf:"instance"`
	QueueSize         int      `koanf:"queue_size"`
	ConnectAttempts   int      `koanf:"connect_attempts"`
	ConnectBackoff    Duration `koanf:"connect_backoff"`
	ConnectBackoffMax Duration `koanf:"connect_backoff_max"`
	WriteTimeout      Duration `koanf:"write_timeout"`
}

// RelayConfig controls republishing consumed events on NATS.
type RelayConfig struct {
	Enabled       bool   `koanf:"enabled"`
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// CorrelatorConfig bounds the in-memory correlation tracker.
type CorrelatorConfig struct {
	Enabled         bool `koanf:"enabled"`
	MaxCorrelations int  `koanf:"max_correlations"`
	MaxEvents       int  `koanf:"max_events"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// ObservabilityConfig holds OpenTelemetry configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool    `koanf:"enable_telemetry"`
	ServiceName     string  `koanf:"service_name"`
	Endpoint        string  `koanf:"endpoint"`
	Protocol        string  `koanf:"protocol"`
	Insecure        bool    `koanf:"insecure"`
	SamplingRate    float64 `koanf:"sampling_rate"`
}

// LoggingConfig holds the logging settings exposed to operators.
type LoggingConfig struct {
	Level    string `koanf:"level"`
	Format   string `koanf:"format"`
	Sampling bool   `koanf:"sampling"`
	OTEL     bool   `koanf:"otel"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	consumer := eventbus.DefaultConsumerConfig("redis://localhost:6379", "telemetryd")
	publisher := eventbus.DefaultPublisherConfig("redis://localhost:6379", "telemetryctl")
	return &Config{
		Redis: RedisConfig{URL: "redis://localhost:6379/0"},
		Stream: StreamConfig{
			Key:    eventbus.DefaultStream,
			MaxLen: eventbus.DefaultMaxLen,
		},
		Consumer: ConsumerConfig{
			Group:         consumer.Group,
			StartID:       consumer.StartID,
			BatchSize:     consumer.BatchSize,
			BlockTimeout:  Duration(consumer.BlockTimeout),
			RecoveryBatch: consumer.RecoveryBatch,
			ErrorBackoff:  Duration(consumer.ErrorBackoff),
			StopGrace:     Duration(consumer.StopGrace),
		},
		Publisher: PublisherConfig{
			Service:           publisher.Service,
			QueueSize:         publisher.QueueSize,
			ConnectAttempts:   publisher.ConnectAttempts,
			ConnectBackoff:    Duration(publisher.ConnectBackoff),
			ConnectBackoffMax: Duration(publisher.ConnectBackoffMax),
			WriteTimeout:      Duration(publisher.WriteTimeout),
		},
		Relay: RelayConfig{
			URL:           "nats://localhost:4222",
			SubjectPrefix: "telemetry",
		},
		Correlator: CorrelatorConfig{
			Enabled:         true,
			MaxCorrelations: correlate.DefaultMaxCorrelations,
			MaxEvents:       correlate.DefaultMaxEvents,
		},
		Server: ServerConfig{
			Port:            9464,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Observability: ObservabilityConfig{
			ServiceName:  "telemetryd",
			Endpoint:     "localhost:4317",
			Protocol:     "grpc",
			Insecure:     true,
			SamplingRate: 1.0,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "json",
			Sampling: true,
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []error

	if c.Redis.URL == "" {
		errs = append(errs, errors.New("redis.url is required"))
	} else if u, err := url.Parse(c.Redis.URL); err != nil || (u.Scheme != "redis" && u.Scheme != "rediss" && u.Scheme != "unix") {
		errs = append(errs, fmt.Errorf("redis.url must be a redis://, rediss:// or unix:// url, got %q", c.Redis.URL))
	}
	if c.Stream.Key == "" {
		errs = append(errs, errors.New("stream.key is required"))
	}
	if c.Stream.MaxLen < 0 {
		errs = append(errs, fmt.Errorf("stream.max_len must be >= 0, got %d", c.Stream.MaxLen))
	}
	if c.Relay.Enabled && c.Relay.URL == "" {
		errs = append(errs, errors.New("relay.url is required when relay is enabled"))
	}
	if c.Correlator.Enabled && c.Correlator.MaxCorrelations <= 0 {
		errs = append(errs, fmt.Errorf("correlator.max_correlations must be > 0, got %d", c.Correlator.MaxCorrelations))
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("shutdown timeout must be positive"))
	}
	if c.Observability.EnableTelemetry && c.Observability.ServiceName == "" {
		errs = append(errs, errors.New("service name required when telemetry is enabled"))
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be 'json' or 'console', got %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}

// ConsumerSettings returns the eventbus consumer config described by c.
// An empty consumer name falls back to the host-derived default.
func (c *Config) ConsumerSettings() eventbus.ConsumerConfig {
	cc := eventbus.DefaultConsumerConfig(c.Redis.URL, c.Consumer.Group)
	cc.Password = c.Redis.Password.Value()
	cc.Stream = c.Stream.Key
	if c.Consumer.Name != "" {
		cc.Consumer = c.Consumer.Name
	}
	if c.Consumer.StartID != "" {
		cc.StartID = c.Consumer.StartID
	}
	cc.BatchSize = c.Consumer.BatchSize
	cc.BlockTimeout = c.Consumer.BlockTimeout.Duration()
	cc.RecoveryBatch = c.Consumer.RecoveryBatch
	cc.ErrorBackoff = c.Consumer.ErrorBackoff.Duration()
	cc.StopGrace = c.Consumer.StopGrace.Duration()
	return cc
}

// PublisherSettings returns the eventbus publisher config described by c.
func (c *Config) PublisherSettings() eventbus.PublisherConfig {
	pc := eventbus.DefaultPublisherConfig(c.Redis.URL, c.Publisher.Service)
	pc.Password = c.Redis.Password.Value()
	pc.Stream = c.Stream.Key
	pc.MaxLen = c.Stream.MaxLen
	if c.Publisher.Instance != "" {
		pc.Instance = c.Publisher.Instance
	}
	pc.QueueSize = c.Publisher.QueueSize
	pc.ConnectAttempts = c.Publisher.ConnectAttempts
	pc.ConnectBackoff = c.Publisher.ConnectBackoff.Duration()
	pc.ConnectBackoffMax = c.Publisher.ConnectBackoffMax.Duration()
	pc.WriteTimeout = c.Publisher.WriteTimeout.Duration()
	return pc
}

// CorrelatorSettings returns the tracker bounds described by c.
func (c *Config) CorrelatorSettings() correlate.Config {
	return correlate.Config{
		MaxCorrelations: c.Correlator.MaxCorrelations,
		MaxEvents:       c.Correlator.MaxEvents,
	}
}
