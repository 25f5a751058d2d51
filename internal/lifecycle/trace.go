// Package lifecycle records and canonicalizes the sequence of task-lifecycle
// transitions a test run produced, so assertions like "happy full pipeline"
// or "transient then success" can compare an exact, deterministic event
// sequence instead of polling task state by hand.
//
// The trace is observational only and must never feed back into worker
// decisions; nothing in internal/worker imports this package, only its
// tests do, via a worker.Metrics implementation that records each outcome
// into a Recorder.
package lifecycle

import (
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"sync"
)

// EventKind is the stable, canonical discriminator for an Event. The string
// values are part of the trace's canonical bytes; do not rename them.
type EventKind string

const (
	EventEnqueued       EventKind = "Enqueued"
	EventClaimed        EventKind = "Claimed"
	EventCompleted      EventKind = "Completed"
	EventRetryScheduled EventKind = "RetryScheduled"
	EventFailed         EventKind = "Failed"
	EventDead           EventKind = "Dead"
	EventCancelled      EventKind = "Cancelled"
)

var kindOrder = map[EventKind]int{
	EventEnqueued:       10,
	EventClaimed:        20,
	EventCompleted:      30,
	EventRetryScheduled: 40,
	EventFailed:         50,
	EventDead:           60,
	EventCancelled:      70,
}

// Event is a single logical transition for one task, with no timestamps or
// pointer-derived fields so two runs of the same scenario produce byte-equal
// traces.
type Event struct {
	Kind    EventKind
	TaskID  string
	Stage   string
	Attempt int // retry_count at the time of this event
}

// Trace is the canonical, deterministic record of a scenario's task
// transitions, keyed by the episode under test.
type Trace struct {
	EpisodeID string
	Events    []Event
}

// Sink is what a scenario driver records events into. Record must never
// panic or block.
type Sink interface {
	Record(Event)
}

// Recorder is a concurrency-safe in-memory Sink; a worker pool with more
// than one loop may record concurrently.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder builds an empty Recorder.
func NewRecorder() *Recorder { return &Recorder{} }

// Record appends event. Safe for concurrent use.
func (r *Recorder) Record(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Snapshot returns a point-in-time copy of every recorded event, in
// insertion order.
func (r *Recorder) Snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Trace builds a canonical Trace for episodeID from the events recorded so
// far.
func (r *Recorder) Trace(episodeID string) Trace {
	tr := Trace{EpisodeID: episodeID, Events: r.Snapshot()}
	tr.Canonicalize()
	return tr
}

// Canonicalize sorts events into a total order independent of goroutine
// scheduling: by task id, then by the lifecycle-defined kind order, then by
// attempt. Two interleavings of the same logical scenario canonicalize to
// the same Trace.
func (t *Trace) Canonicalize() {
	if t == nil {
		return
	}
	sort.SliceStable(t.Events, func(i, j int) bool {
		a, b := t.Events[i], t.Events[j]
		if a.TaskID != b.TaskID {
			return a.TaskID < b.TaskID
		}
		if kindOrder[a.Kind] != kindOrder[b.Kind] {
			return kindOrder[a.Kind] < kindOrder[b.Kind]
		}
		return a.Attempt < b.Attempt
	})
}

// Validate checks that every event carries the fields its kind requires.
func (t *Trace) Validate() error {
	if t == nil {
		return errors.New("lifecycle: trace is nil")
	}
	if t.EpisodeID == "" {
		return errors.New("lifecycle: episodeID is required")
	}
	for i, e := range t.Events {
		if e.Kind == "" {
			return errFieldRequired(i, "kind")
		}
		if e.TaskID == "" {
			return errFieldRequired(i, "taskId")
		}
	}
	return nil
}

func errFieldRequired(i int, field string) error {
	return &fieldError{index: i, field: field}
}

type fieldError struct {
	index int
	field string
}

func (e *fieldError) Error() string {
	return "lifecycle: events[" + strconv.Itoa(e.index) + "]." + e.field + " is required"
}

// CanonicalJSON returns the canonical JSON encoding of a copy of t, leaving
// the receiver untouched.
func (t Trace) CanonicalJSON() ([]byte, error) {
	cp := Trace{EpisodeID: t.EpisodeID, Events: append([]Event(nil), t.Events...)}
	cp.Canonicalize()
	if err := cp.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(cp)
}

// Stages renders the trace as a flat "stage:kind" slice, the shape most
// scenario assertions compare against (§8's "Expected trace:" lines).
func (t Trace) Stages() []string {
	out := make([]string, 0, len(t.Events))
	for _, e := range t.Events {
		out = append(out, e.Stage+":"+string(e.Kind))
	}
	return out
}
