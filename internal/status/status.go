// Package status tracks the runtime state of the bridge for the /status
// endpoint and the CLI.
package status

import (
	"sync"
	"time"
)

// Recorder receives one call per dispatch attempt from either transport.
type Recorder interface {
	RecordEvent(eventType string, err error)
	RecordError(err error)
}

// Snapshot is a point-in-time copy of the tracked state.
type Snapshot struct {
	Running       bool              `json:"running"`
	StartedAt     *time.Time        `json:"started_at,omitempty"`
	StoppedAt     *time.Time        `json:"stopped_at,omitempty"`
	LastEventAt   *time.Time        `json:"last_event_at,omitempty"`
	LastEventType string            `json:"last_event_type,omitempty"`
	TotalEvents   int64             `json:"total_events"`
	EventCounts   map[string]int64  `json:"event_counts"`
	LastError     string            `json:"last_error,omitempty"`
	Transports    map[string]string `json:"transports,omitempty"`
}

// Tracker is a mutex-guarded Recorder.
type Tracker struct {
	mu         sync.Mutex
	running    bool
	startedAt  time.Time
	stoppedAt  time.Time
	lastAt     time.Time
	lastType   string
	total      int64
	counts     map[string]int64
	lastErr    string
	transports map[string]string

	now func() time.Time
}

// NewTracker creates an idle Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		counts:     make(map[string]int64),
		transports: make(map[string]string),
		now:        time.Now,
	}
}

// MarkStarted flips the tracker to running and clears the stop time.
func (t *Tracker) MarkStarted() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running = true
	t.startedAt = t.now()
	t.stoppedAt = time.Time{}
}

// MarkStopped flips the tracker to stopped.
func (t *Tracker) MarkStopped() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running = false
	t.stoppedAt = t.now()
}

// SetTransportState records the state of a named transport ("ws", "webhook").
func (t *Tracker) SetTransportState(name, state string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.transports[name] = state
}

// RecordEvent implements Recorder.
func (t *Tracker) RecordEvent(eventType string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastAt = t.now()
	t.lastType = eventType
	t.total++
	t.counts[eventType]++
	if err != nil {
		t.lastErr = err.Error()
	}
}

// RecordError implements Recorder.
func (t *Tracker) RecordError(err error) {
	if err == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastErr = err.Error()
}

// Snapshot returns a copy safe to marshal while the tracker keeps changing.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Snapshot{
		Running:       t.running,
		LastEventType: t.lastType,
		TotalEvents:   t.total,
		EventCounts:   make(map[string]int64, len(t.counts)),
		LastError:     t.lastErr,
		StartedAt:     timePtr(t.startedAt),
		StoppedAt:     timePtr(t.stoppedAt),
		LastEventAt:   timePtr(t.lastAt),
	}
	for k, v := range t.counts {
		s.EventCounts[k] = v
	}
	if len(t.transports) > 0 {
		s.Transports = make(map[string]string, len(t.transports))
		for k, v := range t.transports {
			s.Transports[k] = v
		}
	}
	return s
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// Multi fans each call out to several recorders. Nil entries are skipped.
func Multi(recorders ...Recorder) Recorder {
	var out multi
	for _, r := range recorders {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

type multi []Recorder

func (m multi) RecordEvent(eventType string, err error) {
	for _, r := range m {
		r.RecordEvent(eventType, err)
	}
}

func (m multi) RecordError(err error) {
	for _, r := range m {
		r.RecordError(err)
	}
}

// Discard is a Recorder that drops everything.
var Discard Recorder = multi(nil)
