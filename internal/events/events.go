// Package events publishes the observability stream consumed by status pages
// and metric pipelines: one "transition" event per confirmed state change and
// one "health" event per change of health status.
package events

import (
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hramov/floatkeeper/internal/fsm"
)

const (
	TypeTransition = "transition"
	TypeHealth     = "health"
)

type Event struct {
	ID        string     `json:"id"`
	Type      string     `json:"event"`
	NodeID    string     `json:"nodeId"`
	From      *fsm.State `json:"from,omitempty"`
	To        *fsm.State `json:"to,omitempty"`
	OK        *bool      `json:"ok,omitempty"`
	Detail    string     `json:"detail,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

func Transition(t fsm.Transition) Event {
	from, to := t.From, t.To
	return Event{
		ID:        uuid.NewString(),
		Type:      TypeTransition,
		NodeID:    t.NodeID,
		From:      &from,
		To:        &to,
		Timestamp: t.At,
	}
}

func Health(nodeID string, ok bool, detail string, at time.Time) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      TypeHealth,
		NodeID:    nodeID,
		OK:        &ok,
		Detail:    detail,
		Timestamp: at,
	}
}

// Sink receives events. Emit must not block for long: it is called from the
// election loop.
type Sink interface {
	Emit(e Event)
}

type SinkFunc func(e Event)

func (f SinkFunc) Emit(e Event) { f(e) }

type multi []Sink

func (m multi) Emit(e Event) {
	for _, s := range m {
		s.Emit(e)
	}
}

// Multi fans an event out to every non-nil sink.
func Multi(sinks ...Sink) Sink {
	var m multi
	for _, s := range sinks {
		if s != nil {
			m = append(m, s)
		}
	}
	return m
}

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

type logSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) Sink {
	return logSink{logger: logger.Named("events")}
}

func (s logSink) Emit(e Event) {
	fields := []zap.Field{
		zap.String("event", e.Type),
		zap.String("event_id", e.ID),
		zap.String("node_id", e.NodeID),
		zap.Time("timestamp", e.Timestamp),
	}
	if e.From != nil && e.To != nil {
		fields = append(fields, zap.Stringer("from", *e.From), zap.Stringer("to", *e.To))
	}
	if e.OK != nil {
		fields = append(fields, zap.Bool("ok", *e.OK), zap.String("detail", e.Detail))
	}
	s.logger.Info("event", fields...)
}

// Ring keeps the most recent events in memory.
type Ring struct {
	mu     sync.Mutex
	events []Event
	next   int
	full   bool
}

func NewRing(size int) *Ring {
	if size < 1 {
		size = 1
	}
	return &Ring{events: make([]Event, size)}
}

func (r *Ring) Emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events[r.next] = e
	r.next = (r.next + 1) % len(r.events)
	if r.next == 0 {
		r.full = true
	}
}

// Recent returns the retained events, oldest first.
func (r *Ring) Recent() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		return append([]Event(nil), r.events[:r.next]...)
	}
	out := make([]Event, 0, len(r.events))
	out = append(out, r.events[r.next:]...)
	out = append(out, r.events[:r.next]...)
	return out
}

// JSONLines writes one JSON document per event.
type JSONLines struct {
	mu     sync.Mutex
	enc    *json.Encoder
	logger *zap.Logger
}

func NewJSONLines(w io.Writer, logger *zap.Logger) *JSONLines {
	return &JSONLines{enc: json.NewEncoder(w), logger: logger}
}

func (j *JSONLines) Emit(e Event) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.enc.Encode(e); err != nil {
		j.logger.Warn("cannot write event", zap.String("event_id", e.ID), zap.Error(err))
	}
}
