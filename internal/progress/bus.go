// Package progress implements the in-process, best-effort pub/sub channel
// handlers use to report stage progress to streaming consumers.
//
// It deliberately mirrors the mutex-guarded map + snapshot idiom used
// elsewhere in this codebase for shared in-memory state: writers take the
// lock only long enough to mutate the map or copy out subscriber channels,
// never while blocked on a channel send.
package progress

import (
	"sync"

	"orchestrator/internal/task"
)

// DefaultSubscriberBuffer is the per-subscriber channel capacity beyond which
// events are dropped for that subscriber (drop policy, never the publisher).
const DefaultSubscriberBuffer = 16

type entry struct {
	last        task.ProgressEvent
	hasLast     bool
	subscribers map[int]chan task.ProgressEvent
	nextSubID   int
}

// Bus is a per-task in-process pub/sub with a last-value cache.
type Bus struct {
	mu             sync.Mutex
	tasks          map[string]*entry
	subscriberBuf  int
}

// NewBus constructs a Bus whose subscriber channels have the given buffer
// size (the configured subscriber buffer depth).
func NewBus(subscriberBuffer int) *Bus {
	if subscriberBuffer <= 0 {
		subscriberBuffer = DefaultSubscriberBuffer
	}
	return &Bus{
		tasks:         make(map[string]*entry),
		subscriberBuf: subscriberBuffer,
	}
}

// Publish records ev as the last event for taskID and non-blockingly delivers
// it to every current subscriber. A subscriber whose buffer is full is
// skipped for this event (correctness never depends on progress delivery).
func (b *Bus) Publish(taskID string, ev task.ProgressEvent) {
	b.mu.Lock()
	e, ok := b.tasks[taskID]
	if !ok {
		e = &entry{subscribers: make(map[int]chan task.ProgressEvent)}
		b.tasks[taskID] = e
	}
	e.last = ev
	e.hasLast = true

	chans := make([]chan task.ProgressEvent, 0, len(e.subscribers))
	for _, ch := range e.subscribers {
		chans = append(chans, ch)
	}
	terminal := ev.Terminal()
	noSubs := len(e.subscribers) == 0
	b.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- ev:
		default:
			// slow subscriber: drop this event for it, never block the publisher.
		}
	}

	if terminal {
		b.closeAll(taskID)
	} else if noSubs {
		// nothing to garbage collect yet; entry stays for Current() / future subscribers.
		_ = noSubs
	}
}

// Subscribe returns a channel that immediately receives the last event (if
// any), then live events, and is closed when a terminal event is published or
// cancel is invoked. Callers must always invoke the returned cancel func.
func (b *Bus) Subscribe(taskID string) (ch <-chan task.ProgressEvent, cancel func()) {
	b.mu.Lock()
	e, ok := b.tasks[taskID]
	if !ok {
		e = &entry{subscribers: make(map[int]chan task.ProgressEvent)}
		b.tasks[taskID] = e
	}
	id := e.nextSubID
	e.nextSubID++
	sub := make(chan task.ProgressEvent, b.subscriberBuf)
	if e.hasLast {
		sub <- e.last
	}
	e.subscribers[id] = sub
	b.mu.Unlock()

	var once sync.Once
	cancelFn := func() {
		once.Do(func() {
			b.mu.Lock()
			if ent, ok := b.tasks[taskID]; ok {
				if s, ok := ent.subscribers[id]; ok {
					close(s)
					delete(ent.subscribers, id)
				}
				b.gcLocked(taskID, ent)
			}
			b.mu.Unlock()
		})
	}
	return sub, cancelFn
}

// Current returns the last published event for taskID, if any.
func (b *Bus) Current(taskID string) (task.ProgressEvent, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.tasks[taskID]
	if !ok || !e.hasLast {
		return task.ProgressEvent{}, false
	}
	return e.last, true
}

// closeAll closes every live subscriber channel for taskID (terminal event)
// and removes the entry once nobody is subscribed.
func (b *Bus) closeAll(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.tasks[taskID]
	if !ok {
		return
	}
	for id, ch := range e.subscribers {
		close(ch)
		delete(e.subscribers, id)
	}
	b.gcLocked(taskID, e)
}

// gcLocked removes the entry for taskID when it has no subscribers left and
// its last event (if any) was terminal. Must be called with b.mu held.
func (b *Bus) gcLocked(taskID string, e *entry) {
	if len(e.subscribers) > 0 {
		return
	}
	if e.hasLast && !e.last.Terminal() {
		return
	}
	delete(b.tasks, taskID)
}
