// Package event defines the wire shape of a telemetry event.
//
// One event is stored per log entry under the field named by PayloadField;
// its value is the JSON encoding of TelemetryEvent. Field name and JSON keys
// are the interoperability contract between producers and consumers written
// in any language.
package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"
)

// PayloadField is the log entry field carrying the serialized event.
const PayloadField = "event"

// TimestampLayout is the producer-local ISO-8601 layout used for Timestamp.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

var (
	// ErrMissingPayload is returned by Decode when an entry has no payload field.
	ErrMissingPayload = errors.New("event payload missing")

	// ErrInvalidPayload is returned by Decode when the payload cannot be parsed.
	ErrInvalidPayload = errors.New("event payload invalid")
)

// Phase is the lifecycle position of the action an event describes.
type Phase string

const (
	PhaseStart Phase = "start"
	PhaseEnd   Phase = "end"
	PhaseError Phase = "error"
)

// Valid reports whether p is one of the known phases.
func (p Phase) Valid() bool {
	switch p {
	case PhaseStart, PhaseEnd, PhaseError:
		return true
	}
	return false
}

// Terminal reports whether p closes a span.
func (p Phase) Terminal() bool {
	return p == PhaseEnd || p == PhaseError
}

// TelemetryEvent is one observation of a cross-service operation.
//
// EventID, CorrelationID, Service, Instance, Phase and Timestamp are always
// present on published events; the publisher fills them when the caller
// leaves them empty.
type TelemetryEvent struct {
	EventID       string `json:"eventId"`
	CorrelationID string `json:"correlationId"`
	SpanID        string `json:"spanId,omitempty"`
	ParentSpanID  string `json:"parentSpanId,omitempty"`

	Service  string `json:"service"`
	Instance string `json:"instance"`

	Method    string `json:"method,omitempty"`
	Path      string `json:"path,omitempty"`
	Operation string `json:"operation,omitempty"`

	ResourceType string `json:"resourceType,omitempty"`
	ResourceID   string `json:"resourceId,omitempty"`

	// StatusCode and DurationMs are populated on end and error events.
	StatusCode *int     `json:"statusCode,omitempty"`
	DurationMs *float64 `json:"durationMs,omitempty"`

	Phase     Phase          `json:"phase"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp string         `json:"timestamp"`
}

// Clone returns a copy of e that shares no maps or pointers with it.
// Nested metadata values are copied shallowly.
func (e *TelemetryEvent) Clone() *TelemetryEvent {
	if e == nil {
		return nil
	}
	c := *e
	if e.Metadata != nil {
		c.Metadata = maps.Clone(e.Metadata)
	}
	if e.StatusCode != nil {
		v := *e.StatusCode
		c.StatusCode = &v
	}
	if e.DurationMs != nil {
		v := *e.DurationMs
		c.DurationMs = &v
	}
	return &c
}

// Time parses Timestamp. The producer clock is not authoritative for
// ordering; use the event ID for that.
func (e *TelemetryEvent) Time() (time.Time, error) {
	return time.Parse(time.RFC3339Nano, e.Timestamp)
}

// Encode serializes e as the payload field value.
func (e *TelemetryEvent) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return data, nil
}

// Decode extracts and parses the event carried by a log entry's fields.
//
// Returns ErrMissingPayload when the payload field is absent or empty and
// ErrInvalidPayload when it is not a JSON object.
func Decode(fields map[string]any) (*TelemetryEvent, error) {
	raw, ok := fields[PayloadField]
	if !ok || raw == nil {
		return nil, ErrMissingPayload
	}

	var data []byte
	switch v := raw.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return nil, fmt.Errorf("%w: unexpected field type %T", ErrInvalidPayload, raw)
	}
	if len(data) == 0 {
		return nil, ErrMissingPayload
	}
	// Unmarshal accepts null into a struct, so check the shape first.
	if trimmed := bytes.TrimLeft(data, " \t\r\n"); len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: payload is not a JSON object", ErrInvalidPayload)
	}

	var ev TelemetryEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return &ev, nil
}

// FormatTimestamp renders t in TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// Int returns a pointer to v, for StatusCode.
func Int(v int) *int { return &v }

// Float returns a pointer to v, for DurationMs.
func Float(v float64) *float64 { return &v }
