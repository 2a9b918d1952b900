package correlate

import (
	"maps"
	"slices"
	"time"

	"github.com/fyrsmithlabs/telemetrybus/pkg/event"
)

// Status summarises a correlation from its root spans.
type Status string

const (
	// StatusOpen: some root span has not reached a terminal phase.
	StatusOpen Status = "open"
	// StatusCompleted: every root span ended without error.
	StatusCompleted Status = "completed"
	// StatusFailed: at least one root span ended in the error phase.
	StatusFailed Status = "failed"
)

// ViolationKind names a breach of span discipline.
type ViolationKind string

const (
	ViolationOrphanParent         ViolationKind = "orphan_parent"
	ViolationDuplicateStart       ViolationKind = "duplicate_start"
	ViolationDuplicateTerminal    ViolationKind = "duplicate_terminal"
	ViolationTerminalWithoutStart ViolationKind = "terminal_without_start"
)

// Violation records an event that broke span discipline. The event is kept
// regardless.
type Violation struct {
	Kind    ViolationKind `json:"kind"`
	EventID string        `json:"event_id"`
	SpanID  string        `json:"span_id"`
}

// Span is the folded state of one span within a correlation.
type Span struct {
	SpanID       string `json:"span_id"`
	ParentSpanID string `json:"parent_span_id,omitempty"`
	Service      string `json:"service"`
	Operation    string `json:"operation,omitempty"`

	Started bool `json:"started"`
	// Terminal is PhaseEnd or PhaseError once the span has closed.
	Terminal   event.Phase `json:"terminal,omitempty"`
	StatusCode *int        `json:"status_code,omitempty"`
	DurationMs *float64    `json:"duration_ms,omitempty"`
}

// Root reports whether the span has no parent.
func (s *Span) Root() bool {
	return s.ParentSpanID == ""
}

func (s *Span) clone() *Span {
	c := *s
	if s.StatusCode != nil {
		v := *s.StatusCode
		c.StatusCode = &v
	}
	if s.DurationMs != nil {
		v := *s.DurationMs
		c.DurationMs = &v
	}
	return &c
}

// Timeline is everything observed for one correlation ID.
type Timeline struct {
	CorrelationID string `json:"correlation_id"`
	// Events are ordered by event ID, which orders them by creation time.
	Events     []*event.TelemetryEvent `json:"events"`
	Spans      map[string]*Span        `json:"spans"`
	Violations []Violation             `json:"violations,omitempty"`
	// Dropped counts events evicted to respect the per-timeline cap.
	Dropped   int       `json:"dropped"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`

	// droppedThrough is the highest event ID evicted so far. Redeliveries
	// at or below it are ignored.
	droppedThrough string
}

func newTimeline(correlationID string, now time.Time) *Timeline {
	return &Timeline{
		CorrelationID: correlationID,
		Spans:         make(map[string]*Span),
		FirstSeen:     now,
		LastSeen:      now,
	}
}

// Status derives the correlation's status from its root spans. A timeline
// without root spans is open.
func (tl *Timeline) Status() Status {
	roots, closed := 0, 0
	for _, s := range tl.Spans {
		if !s.Root() {
			continue
		}
		roots++
		switch s.Terminal {
		case event.PhaseError:
			return StatusFailed
		case event.PhaseEnd:
			closed++
		}
	}
	if roots > 0 && closed == roots {
		return StatusCompleted
	}
	return StatusOpen
}

// Clone returns a deep copy of tl.
func (tl *Timeline) Clone() *Timeline {
	c := *tl
	c.Events = make([]*event.TelemetryEvent, len(tl.Events))
	for i, ev := range tl.Events {
		c.Events[i] = ev.Clone()
	}
	c.Spans = make(map[string]*Span, len(tl.Spans))
	for id, s := range tl.Spans {
		c.Spans[id] = s.clone()
	}
	c.Violations = slices.Clone(tl.Violations)
	return &c
}

// add folds ev into the timeline. It reports false for an event already
// seen.
func (tl *Timeline) add(ev *event.TelemetryEvent, maxEvents int, now time.Time) bool {
	if tl.droppedThrough != "" && ev.EventID <= tl.droppedThrough {
		return false
	}
	i, found := slices.BinarySearchFunc(tl.Events, ev.EventID, func(e *event.TelemetryEvent, id string) int {
		switch {
		case e.EventID < id:
			return -1
		case e.EventID > id:
			return 1
		}
		return 0
	})
	if found {
		return false
	}

	stored := ev.Clone()
	tl.Events = slices.Insert(tl.Events, i, stored)
	tl.LastSeen = now
	if ev.SpanID != "" {
		tl.foldSpan(stored)
	}

	if maxEvents > 0 && len(tl.Events) > maxEvents {
		excess := len(tl.Events) - maxEvents
		tl.droppedThrough = tl.Events[excess-1].EventID
		tl.Events = slices.Delete(tl.Events, 0, excess)
		tl.Dropped += excess
	}
	return true
}

func (tl *Timeline) foldSpan(ev *event.TelemetryEvent) {
	s, ok := tl.Spans[ev.SpanID]
	if !ok {
		s = &Span{
			SpanID:       ev.SpanID,
			ParentSpanID: ev.ParentSpanID,
			Service:      ev.Service,
			Operation:    ev.Operation,
		}
		tl.Spans[ev.SpanID] = s
		if ev.ParentSpanID != "" {
			if _, ok := tl.Spans[ev.ParentSpanID]; !ok {
				tl.violate(ViolationOrphanParent, ev)
			}
		}
	}
	if s.Operation == "" {
		s.Operation = ev.Operation
	}

	switch {
	case ev.Phase == event.PhaseStart:
		if s.Started {
			tl.violate(ViolationDuplicateStart, ev)
			return
		}
		s.Started = true
	case ev.Phase.Terminal():
		if s.Terminal != "" {
			tl.violate(ViolationDuplicateTerminal, ev)
			return
		}
		if !s.Started {
			tl.violate(ViolationTerminalWithoutStart, ev)
		}
		s.Terminal = ev.Phase
		if ev.StatusCode != nil {
			v := *ev.StatusCode
			s.StatusCode = &v
		}
		if ev.DurationMs != nil {
			v := *ev.DurationMs
			s.DurationMs = &v
		}
	}
}

func (tl *Timeline) violate(kind ViolationKind, ev *event.TelemetryEvent) {
	tl.Violations = append(tl.Violations, Violation{
		Kind:    kind,
		EventID: ev.EventID,
		SpanID:  ev.SpanID,
	})
}

// Summary is a compact view of a timeline for listings.
type Summary struct {
	CorrelationID string    `json:"correlation_id"`
	Status        Status    `json:"status"`
	Events        int       `json:"events"`
	Spans         int       `json:"spans"`
	Violations    int       `json:"violations"`
	Services      []string  `json:"services"`
	LastSeen      time.Time `json:"last_seen"`
}

func (tl *Timeline) summary() Summary {
	services := make(map[string]struct{})
	for _, ev := range tl.Events {
		services[ev.Service] = struct{}{}
	}
	return Summary{
		CorrelationID: tl.CorrelationID,
		Status:        tl.Status(),
		Events:        len(tl.Events),
		Spans:         len(tl.Spans),
		Violations:    len(tl.Violations),
		Services:      slices.Sorted(maps.Keys(services)),
		LastSeen:      tl.LastSeen,
	}
}
