// Package bus implements the Progress Bus (spec.md §4.2): per-job
// fan-out of progress/log/error/complete events to N subscribers. The
// subscriber-map-keyed-by-id shape is grounded in the teacher corpus's
// SSE fan-out handler (ternarybob-quaero's SSELogsHandler, which keys
// jobSubs by job id behind a sync.RWMutex); the bounded,
// drop-oldest-plus-sentinel channel is dubcast's own, since nothing in
// the teacher's own NZB pipeline needed backpressure-aware broadcast.
package bus

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dubcastio/dubcast/internal/domain"
)

// EventKind tags the union carried by Event.
type EventKind string

const (
	EventProgress EventKind = "progress"
	EventLog      EventKind = "log"
	EventError    EventKind = "error"
	EventComplete EventKind = "complete"
	EventDropped  EventKind = "dropped"
)

// Event is the tagged union delivered to subscribers.
type Event struct {
	Kind      EventKind
	Progress  domain.Progress
	Log       domain.LogEntry
	Error     *domain.JobError
	Output    string
	ElapsedMs int64
	Dropped   int
}

const (
	// DefaultBufferSize is the per-subscriber bounded channel depth
	// (spec.md §5 resource caps: "Progress-bus subscriber buffer depth
	// >= 64 events").
	DefaultBufferSize = 64
	// DefaultGraceWindow is how long a terminal event (Error, Complete)
	// is retained after the last subscriber would otherwise be torn
	// down, so late subscribers still observe it (spec.md §4.2).
	DefaultGraceWindow = 5 * time.Second
)

// subscriber is one delivery stream. id is a unique handle assigned at
// subscribe time (not the jobId, which is the bus's map key) — useful
// for correlating a specific SSE connection in logs when a job has
// more than one live subscriber.
type subscriber struct {
	id   uuid.UUID
	ch   chan Event
	done chan struct{}
	once sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() {
		close(s.done)
		close(s.ch)
	})
}

// Bus is the Progress Bus. The zero value is not usable; use New.
type Bus struct {
	bufferSize int

	mu   sync.RWMutex
	subs map[string]map[*subscriber]struct{}

	// terminal retains the last terminal event per job for the grace
	// window, so a subscriber that connects just after Complete/Error
	// still sees it.
	terminalMu sync.Mutex
	terminal   map[string]Event
}

// New constructs a Bus with the given per-subscriber buffer size. A
// bufferSize <= 0 uses DefaultBufferSize.
func New(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Bus{
		bufferSize: bufferSize,
		subs:       make(map[string]map[*subscriber]struct{}),
		terminal:   make(map[string]Event),
	}
}

// Subscribe returns a new delivery stream for jobId along with an
// unsubscribe function. The returned channel receives every event
// published after this call. If jobId already reached a terminal
// event within the grace window, that event is replayed first so a
// late subscriber still observes it (spec.md §4.2).
func (b *Bus) Subscribe(jobId string) (<-chan Event, func()) {
	sub := &subscriber{
		id:   uuid.New(),
		ch:   make(chan Event, b.bufferSize),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if b.subs[jobId] == nil {
		b.subs[jobId] = make(map[*subscriber]struct{})
	}
	b.subs[jobId][sub] = struct{}{}
	b.mu.Unlock()

	b.terminalMu.Lock()
	terminal, hasTerminal := b.terminal[jobId]
	b.terminalMu.Unlock()
	if hasTerminal {
		sub.ch <- terminal
	}

	unsubscribe := func() { b.unsubscribe(jobId, sub) }
	return sub.ch, unsubscribe
}

func (b *Bus) unsubscribe(jobId string, sub *subscriber) {
	b.mu.Lock()
	if set, ok := b.subs[jobId]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subs, jobId)
		}
	}
	sub.close()
	b.mu.Unlock()
}

// UnsubscribeAll tears down every subscriber for jobId. Each
// subscriber's channel is closed so readers observe end-of-stream.
func (b *Bus) UnsubscribeAll(jobId string) {
	b.mu.Lock()
	for sub := range b.subs[jobId] {
		sub.close()
	}
	delete(b.subs, jobId)
	b.mu.Unlock()

	b.terminalMu.Lock()
	delete(b.terminal, jobId)
	b.terminalMu.Unlock()
}

// Publish delivers event to every current subscriber of jobId. It
// never blocks: a subscriber whose buffer is full has its oldest
// buffered events dropped to make room for a Dropped sentinel
// followed by event.
//
// Publish is the critical backpressure rule from spec.md §4.2:
// producers (the orchestrator, the worker pool) must never stall on a
// slow subscriber.
func (b *Bus) Publish(jobId string, event Event) {
	// Delivery happens under the read lock so an unsubscribe (which
	// closes the channel under the write lock) cannot race a send.
	b.mu.RLock()
	for sub := range b.subs[jobId] {
		b.deliver(sub, event)
	}
	b.mu.RUnlock()

	if event.Kind == EventError || event.Kind == EventComplete {
		b.retainTerminal(jobId, event)
	}
}

func (b *Bus) deliver(sub *subscriber, event Event) {
	select {
	case sub.ch <- event:
		return
	default:
	}

	// Buffer full: drop the two oldest queued events to make room for a
	// Dropped sentinel followed by event. A dropped sentinel's own count
	// is carried into the new one. If this races a concurrent publish,
	// give up silently rather than block the producer.
	dropped := 0
	for i := 0; i < 2; i++ {
		select {
		case old := <-sub.ch:
			if old.Kind == EventDropped {
				dropped += old.Dropped
			} else {
				dropped++
			}
		default:
		}
	}
	select {
	case sub.ch <- Event{Kind: EventDropped, Dropped: dropped}:
	default:
	}
	select {
	case sub.ch <- event:
	default:
	}
}

func (b *Bus) retainTerminal(jobId string, event Event) {
	b.terminalMu.Lock()
	b.terminal[jobId] = event
	b.terminalMu.Unlock()

	time.AfterFunc(DefaultGraceWindow, func() {
		b.UnsubscribeAll(jobId)
	})
}
