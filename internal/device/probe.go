package device

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Probe resolves and binds a driver for n, then populates and probes its
// children. Driver failures of children stay local to them; Probe reports
// only the outcome for n itself.
//
// Probing a node that was already resolved in the current update cycle
// against the current driver table returns the previous outcome without
// calling any driver.
func (m *Manager) Probe(ctx context.Context, n *Node) error {
	if m.closed.Load() {
		return ErrClosed
	}
	n.evicted.Store(false)

	bound, err := m.probeNode(ctx, n)
	if err != nil {
		return err
	}
	b := n.bound.Load()
	if b == nil {
		return nil
	}
	if bound {
		m.enumerate(ctx, n, b)
	}
	m.probeChildren(ctx, n)
	return nil
}

// enumerate runs RegisterChildDevices under n's operation lock, so unbind
// and removal of n wait for it. It does nothing unless b is still n's
// binding and reports whether enumeration ran and succeeded.
func (m *Manager) enumerate(ctx context.Context, n *Node, b *binding) bool {
	if _, ok := b.driver.(ChildRegistrar); !ok {
		return false
	}
	n.opMu.Lock()
	defer n.opMu.Unlock()
	if n.isRemoved() || n.bound.Load() != b {
		return false
	}
	if err := callRegisterChildren(ctx, b.driver, b.handle); err != nil {
		m.driverError(n, "RegisterChildDevices", err)
		return false
	}
	return true
}

// probeNode resolves and binds n under its operation lock. It reports
// whether this call bound a driver.
func (m *Manager) probeNode(ctx context.Context, n *Node) (bool, error) {
	if err := m.probeSem.Acquire(ctx, 1); err != nil {
		return false, err
	}
	defer m.probeSem.Release(1)

	n.opMu.Lock()
	defer n.opMu.Unlock()

	if n.isRemoved() {
		return false, fmt.Errorf("%w: %s", ErrNodeRemoved, n.handle)
	}
	gen := m.generation.Load()
	n.touch(gen)
	if n.bound.Load() != nil {
		return false, nil
	}

	ver := m.registry.Version()
	if n.State() == StateProbed && n.probedCycle == gen && n.probedVersion == ver {
		return false, n.LastError()
	}
	n.probedCycle, n.probedVersion = gen, ver

	match, diags, err := m.registry.FindBestDriver(n)
	for _, d := range diags {
		m.logger.Warn("driver rejected node with an error",
			"node", n.handle.String(), "driver", d.Driver, "score", d.Score, "error", d.Err)
		ev := newEvent(EventDriverError, n)
		ev.Driver = d.Driver
		ev.Error = d.Err.Error()
		m.emit(ev)
	}
	n.state.Store(uint32(StateProbed))
	if err != nil {
		n.setLastError(err)
		m.logger.Debug("no driver for node", "node", n.handle.String(), "bus", BusKind(n))
		ev := newEvent(EventNoMatch, n)
		ev.Error = err.Error()
		m.emit(ev)
		return false, err
	}
	ev := newEvent(EventProbed, n)
	ev.Driver, ev.Confidence = match.Name, match.Confidence
	m.emit(ev)

	if !n.fixedDone {
		n.fixedDone = true
		m.registerFixed(ctx, n, match)
	}

	if err := m.bind(ctx, n, match); err != nil {
		return false, err
	}
	return true, nil
}

type fixedParentKey struct{}

// withFixedParent marks children registered under parent with the returned
// context as fixed children.
func withFixedParent(ctx context.Context, parent *Node) context.Context {
	return context.WithValue(ctx, fixedParentKey{}, parent)
}

func fixedParent(ctx context.Context) *Node {
	p, _ := ctx.Value(fixedParentKey{}).(*Node)
	return p
}

// registerFixed adds the children that exist regardless of discovery: one
// per device/fixed child attribute, then whatever RegisterDevice adds.
func (m *Manager) registerFixed(ctx context.Context, n *Node, match Match) {
	ctx = withFixedParent(ctx, n)
	for _, a := range n.FindAll(AttrFixedChild) {
		if a.typ != AttrString || a.str == "" {
			continue
		}
		if _, err := m.Register(ctx, n, a.str, []Attr{String(AttrPrettyName, a.str)}); err != nil {
			m.logger.Warn("registering fixed child", "node", n.handle.String(), "module", a.str, "error", err)
		}
	}
	if err := callRegisterDevice(ctx, match.Driver, n); err != nil {
		m.driverError(n, "RegisterDevice", err)
	}
}

// bind runs InitDriver with the node's claim window open. On failure every
// range claimed during the call is released and the node stays Probed.
func (m *Manager) bind(ctx context.Context, n *Node, match Match) error {
	n.claimable.Store(true)
	h, err := callInit(ctx, match.Driver, n)
	if err != nil {
		n.claimable.Store(false)
		released := m.ledger.releaseAll(n, false)
		n.setLastError(err)
		m.bindFailures.Add(1)

		m.logger.Warn("driver init failed",
			"node", n.handle.String(), "driver", match.Name, "released_ranges", released, "error", err)
		ev := newEvent(EventBindFailed, n)
		ev.Driver, ev.Confidence = match.Name, match.Confidence
		ev.Error = err.Error()
		m.emit(ev)
		return fmt.Errorf("initializing driver %s for %s: %w", match.Name, n.handle, err)
	}

	n.bound.Store(&binding{name: match.Name, driver: match.Driver, handle: h, confidence: match.Confidence})
	n.state.Store(uint32(StateDriverBound))
	n.setLastError(nil)

	m.logger.Info("driver bound",
		"node", n.handle.String(), "driver", match.Name, "confidence", match.Confidence, "fixed", match.Fixed)
	m.emit(newEvent(EventBound, n))
	return nil
}

// probeChildren probes every live child of n in parallel.
func (m *Manager) probeChildren(ctx context.Context, n *Node) {
	var g errgroup.Group
	for _, c := range n.Children() {
		if c.isRemoved() || !c.tryRef() {
			continue
		}
		g.Go(func() error {
			defer m.putScanRef(c)
			if err := m.Probe(ctx, c); err != nil && !errors.Is(err, ErrNoMatch) {
				m.logger.Debug("child probe failed", "node", c.handle.String(), "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// RescanSubtree starts a new update cycle for the subtree rooted at n. Bound
// nodes re-enumerate their children, dynamic children that were not
// re-discovered are removed, and nodes without a driver are probed again.
// Concurrent rescans of the same node share one pass.
func (m *Manager) RescanSubtree(ctx context.Context, n *Node) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if n.isRemoved() {
		return fmt.Errorf("%w: %s", ErrNodeRemoved, n.handle)
	}
	_, err, _ := m.scans.Do(n.handle.String(), func() (any, error) {
		gen := m.generation.Add(1)
		m.logger.Debug("rescan started", "node", n.handle.String(), "cycle", gen)
		m.emit(newEvent(EventScanStarted, n))

		m.rescanNode(ctx, n, gen)

		m.emit(newEvent(EventScanCompleted, n))
		return nil, ctx.Err()
	})
	return err
}

func (m *Manager) rescanNode(ctx context.Context, n *Node, gen uint64) {
	if n.isRemoved() || ctx.Err() != nil {
		return
	}
	n.touch(gen)

	if n.bound.Load() == nil && !n.evicted.Load() {
		if _, err := m.probeNode(ctx, n); err != nil && !errors.Is(err, ErrNoMatch) {
			m.logger.Debug("rescan probe failed", "node", n.handle.String(), "error", err)
		}
	}

	// Only a completed enumeration can tell which children are gone.
	if b := n.bound.Load(); b != nil && m.enumerate(ctx, n, b) {
		m.pruneStale(ctx, n, gen)
	}

	var g errgroup.Group
	for _, c := range n.Children() {
		if c.isRemoved() || !c.tryRef() {
			continue
		}
		g.Go(func() error {
			defer m.putScanRef(c)
			m.rescanNode(ctx, c, gen)
			return nil
		})
	}
	_ = g.Wait()
}

// pruneStale removes dynamic children of n not seen during cycle gen.
func (m *Manager) pruneStale(ctx context.Context, n *Node, gen uint64) {
	for _, c := range n.Children() {
		if c.fixed || c.isRemoved() || c.cycle.Load() >= gen {
			continue
		}
		m.logger.Info("removing stale node", "node", c.handle.String(), "cycle", c.cycle.Load(), "generation", gen)
		if err := m.remove(ctx, c, true); err != nil && !errors.Is(err, ErrNodeRemoved) {
			m.logger.Warn("removing stale node failed", "node", c.handle.String(), "error", err)
		}
	}
}

// putScanRef drops a reference taken for an in-progress scan.
func (m *Manager) putScanRef(n *Node) {
	if err := m.Put(n); err != nil {
		m.logger.Error("releasing scan reference", "node", n.handle.String(), "error", err)
	}
}

func (m *Manager) driverError(n *Node, hook string, err error) {
	b := n.bound.Load()
	name := ""
	if b != nil {
		name = b.name
	}
	m.logger.Warn("driver hook failed", "node", n.handle.String(), "driver", name, "hook", hook, "error", err)
	ev := newEvent(EventDriverError, n)
	ev.Error = fmt.Sprintf("%s: %v", hook, err)
	m.emit(ev)
}
