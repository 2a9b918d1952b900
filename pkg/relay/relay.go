// Package relay republishes consumed telemetry events on NATS for live
// listeners.
//
// Events are published to subjects of the form:
//
//	<prefix>.<service>.<phase>
//
// so a listener can follow one service (telemetry.graphrag.*), one phase
// across services (telemetry.*.error) or everything (telemetry.>). Each
// message carries the correlation ID in a header for filtering without
// decoding the body.
package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/telemetrybus/pkg/event"
)

// DefaultPrefix is the subject prefix used when none is configured.
const DefaultPrefix = "telemetry"

// Header names set on relayed messages.
const (
	HeaderCorrelationID = "Telemetry-Correlation-Id"
	HeaderEventID       = "Telemetry-Event-Id"
)

// Conn is the subset of *nats.Conn the relay needs.
type Conn interface {
	PublishMsg(m *nats.Msg) error
}

// Relay is an eventbus handler publishing every event it receives.
type Relay struct {
	conn   Conn
	prefix string
	logger *zap.Logger
}

// New creates a relay publishing under prefix. An empty prefix uses
// DefaultPrefix; a nil logger disables logging.
func New(conn Conn, prefix string, logger *zap.Logger) (*Relay, error) {
	if conn == nil {
		return nil, errors.New("nats connection is required")
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if strings.ContainsAny(prefix, "*> \t") || strings.HasPrefix(prefix, ".") || strings.HasSuffix(prefix, ".") {
		return nil, fmt.Errorf("invalid subject prefix %q", prefix)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		conn:   conn,
		prefix: prefix,
		logger: logger.Named("relay"),
	}, nil
}

// Prefix returns the subject prefix.
func (r *Relay) Prefix() string {
	return r.prefix
}

// Handle publishes ev. A publish failure is returned to the caller and not
// retried.
func (r *Relay) Handle(_ context.Context, ev *event.TelemetryEvent) error {
	data, err := ev.Encode()
	if err != nil {
		return err
	}

	msg := nats.NewMsg(Subject(r.prefix, ev))
	msg.Data = data
	msg.Header.Set(HeaderCorrelationID, ev.CorrelationID)
	msg.Header.Set(HeaderEventID, ev.EventID)
	// JetStream uses this for duplicate detection when the subject is
	// captured by a stream.
	msg.Header.Set(nats.MsgIdHdr, ev.EventID)

	if err := r.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("relay event %s: %w", ev.EventID, err)
	}
	r.logger.Debug("Relayed event",
		zap.String("subject", msg.Subject),
		zap.String("event_id", ev.EventID))
	return nil
}

// Subject returns the subject ev is relayed on under prefix.
func Subject(prefix string, ev *event.TelemetryEvent) string {
	return prefix + "." + Token(ev.Service) + "." + Token(string(ev.Phase))
}

// Token makes s usable as a single subject token: separators, wildcards
// and whitespace become underscores and an empty value becomes "unknown".
func Token(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}
