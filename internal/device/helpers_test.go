package device

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// newTestManager creates a started manager that is closed at test cleanup.
// sink may be nil.
func newTestManager(t *testing.T, reg *Registry, sink EventSink) *Manager {
	t.Helper()
	if reg == nil {
		reg = NewRegistry()
	}
	m := NewManager(reg, Options{ReclaimWorkers: 2, ProbeConcurrency: 4})
	if sink != nil {
		m.SetEventSink(sink)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m
}

// claimableNode returns a root-less node with its claim window open, for
// exercising the ledger directly.
func claimableNode(m *Manager) *Node {
	n := newNode(m, nil, "test", nil, false)
	n.handle = m.arena.alloc(n)
	n.state.Store(uint32(StateDriverBound))
	n.claimable.Store(true)
	return n
}

// testDriver is a configurable Driver with instrumentation counters.
type testDriver struct {
	name   string
	score  func(*Node) float64
	init   func(ctx context.Context, n *Node) error
	uninit func(n *Node) error

	inits   atomic.Int32
	uninits atomic.Int32
	overlap atomic.Int32 // times init/uninit ran concurrently for one node

	mu     sync.Mutex
	busy   map[*Node]bool
	record *callLog
}

type testHandle struct {
	node *Node
	open atomic.Int32
}

func newTestDriver(name string, score float64) *testDriver {
	return &testDriver{
		name:  name,
		score: func(*Node) float64 { return score },
		busy:  make(map[*Node]bool),
	}
}

func (d *testDriver) enter(n *Node) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.busy[n] {
		d.overlap.Add(1)
	}
	d.busy[n] = true
}

func (d *testDriver) leave(n *Node) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.busy, n)
}

func (d *testDriver) log(call string, n *Node) {
	if d.record != nil {
		d.record.add(fmt.Sprintf("%s %s %s", d.name, call, n.Module()))
	}
}

func (d *testDriver) SupportsDevice(n *Node) float64 { return d.score(n) }

func (d *testDriver) InitDriver(ctx context.Context, n *Node) (DriverHandle, error) {
	d.enter(n)
	defer d.leave(n)
	d.inits.Add(1)
	d.log("init", n)
	if d.init != nil {
		if err := d.init(ctx, n); err != nil {
			return nil, err
		}
	}
	return &testHandle{node: n}, nil
}

func (d *testDriver) UninitDriver(h DriverHandle) error {
	th := h.(*testHandle)
	d.enter(th.node)
	defer d.leave(th.node)
	d.uninits.Add(1)
	d.log("uninit", th.node)
	if d.uninit != nil {
		return d.uninit(th.node)
	}
	return nil
}

// removableDriver adds DeviceRemoved and OpenReferences to testDriver.
type removableDriver struct {
	*testDriver
}

func (d removableDriver) DeviceRemoved(h DriverHandle) {
	d.log("removed", h.(*testHandle).node)
}

func (d removableDriver) OpenReferences(h DriverHandle) int {
	return int(h.(*testHandle).open.Load())
}

// busTestDriver enumerates a configurable set of children on every call.
type busTestDriver struct {
	*testDriver
	m *Manager

	mu       sync.Mutex
	children []string // unique ids to register
	fixed    []string // modules registered from RegisterDevice
	regDev   atomic.Int32
	regKids  atomic.Int32
}

func (d *busTestDriver) setChildren(ids ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.children = ids
}

func (d *busTestDriver) RegisterDevice(ctx context.Context, n *Node) error {
	d.regDev.Add(1)
	for _, mod := range d.fixed {
		if _, err := d.m.Register(ctx, n, mod, []Attr{String(AttrPrettyName, mod)}); err != nil {
			return err
		}
	}
	return nil
}

func (d *busTestDriver) RegisterChildDevices(ctx context.Context, h DriverHandle) error {
	d.regKids.Add(1)
	n := h.(*testHandle).node
	d.mu.Lock()
	ids := append([]string(nil), d.children...)
	d.mu.Unlock()
	for _, id := range ids {
		attrs := []Attr{String(AttrUniqueID, id), String(AttrCompatible, "widget-a")}
		if _, err := d.m.Register(ctx, n, "", attrs); err != nil {
			return err
		}
	}
	return nil
}

// callLog records hook calls in order across goroutines.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, s)
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

// eventRecorder collects events and lets tests wait for a given type.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
	notify chan struct{}
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{notify: make(chan struct{}, 1)}
}

func (r *eventRecorder) HandleEvent(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

func (r *eventRecorder) count(typ EventType, h Handle) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == typ && (h.IsZero() || ev.Node == h) {
			n++
		}
	}
	return n
}

// waitFor blocks until at least want events of typ for h were recorded.
func (r *eventRecorder) waitFor(t *testing.T, typ EventType, h Handle, want int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for r.count(typ, h) < want {
		select {
		case <-r.notify:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timed out waiting for %d %s events for %s (got %d)", want, typ, h, r.count(typ, h))
		}
	}
}

// gatedBus registers one child per enumerating node and can hold a single
// enumeration or RegisterDevice call open until the test releases it.
type gatedBus struct {
	*testDriver
	m        *Manager
	children map[string]string // enumerating node's module -> child module
	fixed    string            // module registered from RegisterDevice

	mu      sync.Mutex
	gates   map[string]chan struct{} // consumed by the next call for that module
	entered chan string

	active atomic.Int32 // enumerations in progress
}

func newGatedBus(name string) *gatedBus {
	return &gatedBus{
		testDriver: newTestDriver(name, 0),
		children:   map[string]string{},
		gates:      map[string]chan struct{}{},
		entered:    make(chan string, 4),
	}
}

// hold makes the next hook call for a node with module wait on the
// returned channel.
func (d *gatedBus) hold(module string) chan struct{} {
	gate := make(chan struct{})
	d.mu.Lock()
	d.gates[module] = gate
	d.mu.Unlock()
	return gate
}

func (d *gatedBus) wait(module string) {
	d.mu.Lock()
	gate := d.gates[module]
	delete(d.gates, module)
	d.mu.Unlock()
	if gate != nil {
		d.entered <- module
		<-gate
	}
}

func (d *gatedBus) RegisterDevice(ctx context.Context, n *Node) error {
	if d.fixed != "" {
		if _, err := d.m.Register(ctx, n, d.fixed, []Attr{String(AttrPrettyName, d.fixed)}); err != nil {
			return err
		}
	}
	d.wait("register:" + n.Module())
	return nil
}

func (d *gatedBus) RegisterChildDevices(ctx context.Context, h DriverHandle) error {
	d.active.Add(1)
	defer d.active.Add(-1)
	n := h.(*testHandle).node
	if mod, ok := d.children[n.Module()]; ok {
		if _, err := d.m.Register(ctx, n, mod, []Attr{String(AttrUniqueID, mod)}); err != nil {
			return err
		}
	}
	d.wait(n.Module())
	return nil
}

// waitEntered blocks until a held call for module has started.
func (d *gatedBus) waitEntered(t *testing.T, module string) {
	t.Helper()
	select {
	case got := <-d.entered:
		if got != module {
			t.Fatalf("held call for %q, want %q", got, module)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for held call for %q", module)
	}
}
