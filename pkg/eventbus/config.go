package eventbus

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Defaults applied by DefaultPublisherConfig and DefaultConsumerConfig.
const (
	DefaultStream            = "telemetry:events"
	DefaultMaxLen            = 100000
	DefaultBatchSize         = 10
	DefaultBlockTimeout      = 5 * time.Second
	DefaultRecoveryBatch     = 100
	DefaultErrorBackoff      = time.Second
	DefaultStopGrace         = time.Second
	DefaultQueueSize         = 1024
	DefaultConnectAttempts   = 10
	DefaultConnectBackoff    = 100 * time.Millisecond
	DefaultConnectBackoffMax = 3 * time.Second
	DefaultWriteTimeout      = 5 * time.Second
)

// PublisherConfig configures a Publisher.
type PublisherConfig struct {
	// RedisURL is the connection target, e.g. redis://localhost:6379/0.
	RedisURL string
	// Password overrides any password in RedisURL when set.
	Password string

	Stream string
	// MaxLen is the approximate number of entries the stream is trimmed to on
	// every append. Zero disables trimming.
	MaxLen int64

	// Service and Instance fill the origin of events that leave them empty.
	Service  string
	Instance string

	// QueueSize bounds the events waiting for the background writer.
	QueueSize int

	ConnectAttempts   int
	ConnectBackoff    time.Duration
	ConnectBackoffMax time.Duration
	WriteTimeout      time.Duration
}

// DefaultPublisherConfig returns a config for service publishing to the
// default stream at redisURL.
func DefaultPublisherConfig(redisURL, service string) PublisherConfig {
	return PublisherConfig{
		RedisURL:          redisURL,
		Stream:            DefaultStream,
		MaxLen:            DefaultMaxLen,
		Service:           service,
		Instance:          defaultInstance(),
		QueueSize:         DefaultQueueSize,
		ConnectAttempts:   DefaultConnectAttempts,
		ConnectBackoff:    DefaultConnectBackoff,
		ConnectBackoffMax: DefaultConnectBackoffMax,
		WriteTimeout:      DefaultWriteTimeout,
	}
}

// Validate checks the config for errors.
func (c *PublisherConfig) Validate() error {
	var errs []error
	if c.RedisURL == "" {
		errs = append(errs, errors.New("redis url is required"))
	}
	if c.Stream == "" {
		errs = append(errs, errors.New("stream is required"))
	}
	if c.Service == "" {
		errs = append(errs, errors.New("service is required"))
	}
	if c.MaxLen < 0 {
		errs = append(errs, fmt.Errorf("max len must be >= 0, got %d", c.MaxLen))
	}
	if c.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("queue size must be > 0, got %d", c.QueueSize))
	}
	if c.ConnectAttempts <= 0 {
		errs = append(errs, fmt.Errorf("connect attempts must be > 0, got %d", c.ConnectAttempts))
	}
	if c.ConnectBackoff <= 0 || c.ConnectBackoffMax < c.ConnectBackoff {
		errs = append(errs, fmt.Errorf("connect backoff must be > 0 and <= max (%v, %v)", c.ConnectBackoff, c.ConnectBackoffMax))
	}
	if c.WriteTimeout <= 0 {
		errs = append(errs, errors.New("write timeout must be positive"))
	}
	return errors.Join(errs...)
}

// ConsumerConfig configures a Consumer.
type ConsumerConfig struct {
	RedisURL string
	Password string

	Stream string
	Group  string
	// Consumer is this member's identity within Group. It must be stable
	// across restarts for pending recovery to find the member's entries.
	Consumer string
	// StartID is the stream position a newly created group starts from.
	// "0" delivers the whole retained log, "$" only new entries.
	StartID string

	BatchSize     int64
	BlockTimeout  time.Duration
	RecoveryBatch int64
	ErrorBackoff  time.Duration
	StopGrace     time.Duration
}

// DefaultConsumerConfig returns a config for a member of group reading the
// default stream at redisURL under a host-derived name.
func DefaultConsumerConfig(redisURL, group string) ConsumerConfig {
	return ConsumerConfig{
		RedisURL:      redisURL,
		Stream:        DefaultStream,
		Group:         group,
		Consumer:      DefaultConsumerName(),
		StartID:       "0",
		BatchSize:     DefaultBatchSize,
		BlockTimeout:  DefaultBlockTimeout,
		RecoveryBatch: DefaultRecoveryBatch,
		ErrorBackoff:  DefaultErrorBackoff,
		StopGrace:     DefaultStopGrace,
	}
}

// Validate checks the config for errors.
func (c *ConsumerConfig) Validate() error {
	var errs []error
	if c.RedisURL == "" {
		errs = append(errs, errors.New("redis url is required"))
	}
	if c.Stream == "" {
		errs = append(errs, errors.New("stream is required"))
	}
	if c.Group == "" {
		errs = append(errs, errors.New("group is required"))
	}
	if c.Consumer == "" {
		errs = append(errs, errors.New("consumer name is required"))
	}
	if c.StartID == "" {
		errs = append(errs, errors.New("start id is required"))
	}
	if c.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("batch size must be > 0, got %d", c.BatchSize))
	}
	// BLOCK 0 waits forever, which would make Stop wait on the broker.
	if c.BlockTimeout < time.Millisecond {
		errs = append(errs, fmt.Errorf("block timeout must be >= 1ms, got %v", c.BlockTimeout))
	}
	if c.RecoveryBatch <= 0 {
		errs = append(errs, fmt.Errorf("recovery batch must be > 0, got %d", c.RecoveryBatch))
	}
	if c.ErrorBackoff <= 0 {
		errs = append(errs, errors.New("error backoff must be positive"))
	}
	if c.StopGrace <= 0 {
		errs = append(errs, errors.New("stop grace must be positive"))
	}
	return errors.Join(errs...)
}

// DefaultConsumerName derives a consumer name from the host name.
func DefaultConsumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return "consumer-" + host
}

func defaultInstance() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return host + "-" + strconv.Itoa(os.Getpid())
}
