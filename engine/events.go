package engine

import (
	"sync"
	"time"
)

// EventType identifies a point in the run lifecycle.
type EventType string

const (
	EventRunStarted         EventType = "run_started"
	EventRunFinished        EventType = "run_finished"
	EventNodeStarted        EventType = "node_started"
	EventNodeFinished       EventType = "node_finished"
	EventNodeSkipped        EventType = "node_skipped"
	EventNodeRetried        EventType = "node_retried"
	EventIterationStarted   EventType = "iteration_started"
	EventIterationFinished  EventType = "iteration_finished"
	EventCycleFinished      EventType = "cycle_finished"
	EventConvergenceWarning EventType = "convergence_warning"
)

// Event is one structured observation emitted during a run. NodeID,
// GroupID, and Iteration are filled only where they apply.
type Event struct {
	Type      EventType     `json:"type"`
	RunID     string        `json:"run_id"`
	NodeID    string        `json:"node_id,omitempty"`
	GroupID   string        `json:"group_id,omitempty"`
	Iteration int           `json:"iteration,omitempty"`
	Status    Status        `json:"status,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	Detail    string        `json:"detail,omitempty"`
	Err       error         `json:"-"`
	Timestamp time.Time     `json:"timestamp"`
}

// Sink receives run events. Implementations must be safe for concurrent
// use; the executor emits from multiple goroutines.
type Sink interface {
	Emit(ev Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ev Event)

// Emit implements Sink.
func (f SinkFunc) Emit(ev Event) { f(ev) }

type nopSink struct{}

func (nopSink) Emit(Event) {}

// NopSink discards all events.
func NopSink() Sink { return nopSink{} }

// Recorder is an in-memory sink that keeps every event, mostly for tests
// and debugging.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder { return &Recorder{} }

// Emit implements Sink.
func (r *Recorder) Emit(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of the recorded events in emission order.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// ByType returns the recorded events of one type.
func (r *Recorder) ByType(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
