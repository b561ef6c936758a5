package device

import (
	"context"
	"fmt"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// Options tunes a Manager. Zero values select defaults.
type Options struct {
	// ReclaimWorkers is the number of goroutines destroying released nodes.
	ReclaimWorkers int

	// ProbeConcurrency bounds how many driver probes run at once.
	ProbeConcurrency int

	// EvictInterval enables periodic unused-driver eviction when > 0.
	EvictInterval time.Duration

	// RescanInterval enables periodic rescans of every root when > 0.
	RescanInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.ReclaimWorkers <= 0 {
		o.ReclaimWorkers = 1
	}
	if o.ProbeConcurrency <= 0 {
		o.ProbeConcurrency = runtime.GOMAXPROCS(0)
	}
	return o
}

// Stats is a point-in-time summary of a manager.
type Stats struct {
	Nodes          int    `json:"nodes"`
	Roots          int    `json:"roots"`
	Bound          int    `json:"bound"`
	Removed        int    `json:"removed"` // removed, awaiting destruction
	Ranges         int    `json:"ranges"`
	Generation     uint64 `json:"generation"`
	Registered     uint64 `json:"registered_total"`
	Destroyed      uint64 `json:"destroyed_total"`
	BindFailures   uint64 `json:"bind_failures_total"`
	Evicted        uint64 `json:"evicted_total"`
	ReclaimPending int    `json:"reclaim_pending"`
}

// Manager owns the device tree and drives every node through its lifecycle.
//
// All public methods are thread-safe.
type Manager struct {
	registry *Registry
	ledger   *Ledger
	arena    arena
	opts     Options
	logger   Logger
	sink     EventSink

	rootMu sync.RWMutex
	roots  []*Node

	generation atomic.Uint64
	probeSem   *semaphore.Weighted
	scans      singleflight.Group
	reclaim    *reclaimQueue

	started atomic.Bool
	closed  atomic.Bool
	cancel  context.CancelFunc
	loops   sync.WaitGroup

	registered   atomic.Uint64
	removed      atomic.Int64 // removed but not yet destroyed
	destroyed    atomic.Uint64
	bindFailures atomic.Uint64
	evictions    atomic.Uint64
}

// NewManager creates a manager that resolves drivers from registry.
func NewManager(registry *Registry, opts Options) *Manager {
	opts = opts.withDefaults()
	m := &Manager{
		registry: registry,
		ledger:   NewLedger(),
		opts:     opts,
		logger:   noopLogger{},
		probeSem: semaphore.NewWeighted(int64(opts.ProbeConcurrency)),
	}
	m.reclaim = newReclaimQueue(m.destroy)
	return m
}

// SetLogger sets the logger for the manager. Call before Start.
func (m *Manager) SetLogger(logger Logger) {
	m.logger = logger
}

// SetEventSink sets the receiver of lifecycle events. Call before Start.
func (m *Manager) SetEventSink(sink EventSink) {
	m.sink = sink
}

// Registry returns the driver registry the manager resolves against.
func (m *Manager) Registry() *Registry { return m.registry }

// Ledger returns the resource ledger shared by every node.
func (m *Manager) Ledger() *Ledger { return m.ledger }

// Generation returns the current update cycle.
func (m *Manager) Generation() uint64 { return m.generation.Load() }

func (m *Manager) emit(ev Event) {
	if m.sink != nil {
		m.sink.HandleEvent(ev)
	}
}

// Start launches the reclaim workers and the optional periodic loops.
func (m *Manager) Start(ctx context.Context) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if !m.started.CompareAndSwap(false, true) {
		return nil
	}

	ctx, m.cancel = context.WithCancel(ctx)
	m.reclaim.start(m.opts.ReclaimWorkers)

	if m.opts.EvictInterval > 0 {
		m.runEvery(ctx, m.opts.EvictInterval, func(ctx context.Context) {
			if n := m.EvictUnused(ctx); n > 0 {
				m.logger.Info("evicted unused drivers", "count", n)
			}
		})
	}
	if m.opts.RescanInterval > 0 {
		m.runEvery(ctx, m.opts.RescanInterval, func(ctx context.Context) {
			for _, r := range m.Roots() {
				if err := m.RescanSubtree(ctx, r); err != nil {
					m.logger.Warn("periodic rescan failed", "node", r.handle.String(), "error", err)
				}
			}
		})
	}

	m.logger.Info("device manager started",
		"reclaim_workers", m.opts.ReclaimWorkers,
		"probe_concurrency", m.opts.ProbeConcurrency,
	)
	return nil
}

func (m *Manager) runEvery(ctx context.Context, every time.Duration, fn func(context.Context)) {
	m.loops.Add(1)
	go func() {
		defer m.loops.Done()
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
}

// Close removes every root subtree, waits for all pending destruction and
// stops the workers. Nodes still referenced by external holders are
// destroyed when their last reference is put.
func (m *Manager) Close(ctx context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.loops.Wait()

	for _, r := range m.Roots() {
		if err := m.remove(ctx, r, false); err != nil {
			m.logger.Warn("removing root on close", "node", r.handle.String(), "error", err)
		}
	}

	m.reclaim.stop()
	m.logger.Info("device manager stopped", "nodes_remaining", m.arena.count())
	return nil
}

// Register inserts a node under parent (nil for a root) and returns it.
//
// Registering a node whose module and identity attributes match an
// existing sibling returns that sibling instead of creating a duplicate.
// A removed or removing parent is rejected with ErrInvalidParent.
func (m *Manager) Register(ctx context.Context, parent *Node, module string, attrs []Attr) (*Node, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateAttrs(attrs); err != nil {
		return nil, err
	}
	if parent != nil && parent.m != m {
		return nil, fmt.Errorf("%w: parent belongs to another manager", ErrInvalidParent)
	}

	fixed := parent != nil && fixedParent(ctx) == parent
	n, created, err := m.insert(parent, module, attrs, fixed)
	if err != nil {
		return nil, err
	}
	if created {
		m.registered.Add(1)
		m.logger.Debug("node registered", "node", n.handle.String(), "module", module, "fixed", fixed)
		m.emit(newEvent(EventRegistered, n))
	}
	return n, nil
}

func (m *Manager) insert(parent *Node, module string, attrs []Attr, fixed bool) (*Node, bool, error) {
	var (
		mu   *sync.RWMutex
		list *[]*Node
	)
	if parent != nil {
		mu, list = &parent.childMu, &parent.children
	} else {
		mu, list = &m.rootMu, &m.roots
	}

	mu.Lock()
	defer mu.Unlock()

	if parent != nil && parent.isRemoved() {
		return nil, false, fmt.Errorf("%w: %s: %w", ErrInvalidParent, parent.handle, ErrNodeRemoved)
	}

	gen := m.generation.Load()
	for _, sib := range *list {
		if sib.isRemoved() || sib.module != module || sib.CompareIdentity(attrs) != 0 {
			continue
		}
		sib.touch(gen)
		return sib, false, nil
	}

	n := newNode(m, parent, module, attrs, fixed)
	n.handle = m.arena.alloc(n)
	n.touch(gen)
	n.state.Store(uint32(StateRegistered))
	*list = append(*list, n)
	return n, true, nil
}

// AttachAttr extends a live node's attribute set.
func (m *Manager) AttachAttr(n *Node, attr Attr) error {
	if n.isRemoved() {
		return fmt.Errorf("%w: %s", ErrNodeRemoved, n.handle)
	}
	return n.attach(attr)
}

// Lookup returns the node named by h without taking a reference.
func (m *Manager) Lookup(h Handle) (*Node, error) {
	n, ok := m.arena.get(h)
	if !ok {
		return nil, fmt.Errorf("%w: node %s", ErrNotFound, h)
	}
	return n, nil
}

// Acquire returns the node named by h with its reference count
// incremented. The caller must Put it when done.
func (m *Manager) Acquire(h Handle) (*Node, error) {
	n, ok := m.arena.get(h)
	if !ok || !n.tryRef() {
		return nil, fmt.Errorf("%w: node %s", ErrNotFound, h)
	}
	return n, nil
}

// Put releases a reference taken with Acquire. Dropping the last
// reference of a removed node queues it for destruction.
func (m *Manager) Put(n *Node) error {
	last, err := n.unref()
	if err != nil {
		return err
	}
	if last {
		m.reclaim.push(n)
	}
	return nil
}

// GetDriver returns the name and handle of the driver bound to n.
func (m *Manager) GetDriver(n *Node) (string, DriverHandle, error) {
	b := n.bound.Load()
	if b == nil {
		return "", nil, fmt.Errorf("%w: %s", ErrNotBound, n.handle)
	}
	return b.name, b.handle, nil
}

// Roots returns a snapshot of the root nodes in registration order.
func (m *Manager) Roots() []*Node {
	m.rootMu.RLock()
	defer m.rootMu.RUnlock()
	return slices.Clone(m.roots)
}

// Walk visits every node of the tree depth-first, parents before children.
// It stops early when fn returns false.
func (m *Manager) Walk(fn func(*Node) bool) {
	var visit func(n *Node) bool
	visit = func(n *Node) bool {
		if !fn(n) {
			return false
		}
		for _, c := range n.Children() {
			if !visit(c) {
				return false
			}
		}
		return true
	}
	for _, r := range m.Roots() {
		if !visit(r) {
			return
		}
	}
}

// Stats returns a snapshot of counters and tree size.
func (m *Manager) Stats() Stats {
	s := Stats{
		Nodes:          m.arena.count(),
		Removed:        int(m.removed.Load()),
		Ranges:         m.ledger.Count(),
		Generation:     m.generation.Load(),
		Registered:     m.registered.Load(),
		Destroyed:      m.destroyed.Load(),
		BindFailures:   m.bindFailures.Load(),
		Evicted:        m.evictions.Load(),
		ReclaimPending: m.reclaim.pending(),
	}
	s.Roots = len(m.Roots())
	m.Walk(func(n *Node) bool {
		if !n.isRemoved() && n.bound.Load() != nil {
			s.Bound++
		}
		return true
	})
	return s
}
