package device

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Logger defines the logging interface used by the Manager.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// EventType names a lifecycle event.
type EventType string

// Lifecycle event types.
const (
	EventRegistered    EventType = "node.registered"
	EventProbed        EventType = "node.probed"
	EventBound         EventType = "node.bound"
	EventBindFailed    EventType = "node.bind_failed"
	EventNoMatch       EventType = "probe.no_match"
	EventDriverError   EventType = "driver.error"
	EventUnbound       EventType = "node.unbound"
	EventEvicted       EventType = "node.evicted"
	EventRemoved       EventType = "node.removed"
	EventDestroyed     EventType = "node.destroyed"
	EventScanStarted   EventType = "scan.started"
	EventScanCompleted EventType = "scan.completed"
)

// Event describes one lifecycle transition.
type Event struct {
	ID         uuid.UUID `json:"id"`
	Type       EventType `json:"type"`
	Node       Handle    `json:"node"`
	Parent     Handle    `json:"parent"`
	Module     string    `json:"module,omitempty"`
	Driver     string    `json:"driver,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
	Cycle      uint64    `json:"cycle"`
	State      string    `json:"state,omitempty"`
	Error      string    `json:"error,omitempty"`
	Time       time.Time `json:"time"`
}

// EventSink receives lifecycle events. HandleEvent must not block; slow
// consumers should be wrapped in an AsyncSink.
type EventSink interface {
	HandleEvent(Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(Event)

// HandleEvent calls f(ev).
func (f EventSinkFunc) HandleEvent(ev Event) { f(ev) }

// MultiSink delivers each event to every sink in order.
type MultiSink []EventSink

// HandleEvent implements EventSink.
func (m MultiSink) HandleEvent(ev Event) {
	for _, s := range m {
		s.HandleEvent(ev)
	}
}

// AsyncSink decouples a slow sink from the controller with a bounded
// buffer. Events arriving while the buffer is full are dropped and counted.
type AsyncSink struct {
	next    EventSink
	ch      chan Event
	done    chan struct{}
	dropped atomic.Uint64

	mu     sync.RWMutex
	closed bool
}

// NewAsyncSink starts a goroutine delivering buffered events to next.
func NewAsyncSink(next EventSink, buffer int) *AsyncSink {
	if buffer <= 0 {
		buffer = 256
	}
	s := &AsyncSink{
		next: next,
		ch:   make(chan Event, buffer),
		done: make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *AsyncSink) run() {
	defer close(s.done)
	for ev := range s.ch {
		s.next.HandleEvent(ev)
	}
}

// HandleEvent implements EventSink. Events after Close are dropped.
func (s *AsyncSink) HandleEvent(ev Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.dropped.Add(1)
		return
	}
	select {
	case s.ch <- ev:
	default:
		s.dropped.Add(1)
	}
}

// Dropped returns the number of events discarded because the buffer was
// full or the sink was closed.
func (s *AsyncSink) Dropped() uint64 { return s.dropped.Load() }

// Close flushes buffered events and stops the delivery goroutine.
func (s *AsyncSink) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	s.mu.Unlock()
	<-s.done
}

// newEvent builds an event for node, filling the common fields.
func newEvent(typ EventType, n *Node) Event {
	ev := Event{
		ID:   uuid.New(),
		Type: typ,
		Time: time.Now().UTC(),
	}
	if n != nil {
		ev.Node = n.handle
		ev.Module = n.module
		ev.Cycle = n.cycle.Load()
		ev.State = n.State().String()
		if n.parent != nil {
			ev.Parent = n.parent.handle
		}
		if b := n.bound.Load(); b != nil {
			ev.Driver = b.name
			ev.Confidence = b.confidence
		}
	}
	return ev
}
