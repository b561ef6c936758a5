package device

import (
	"context"
	"fmt"
	"slices"
)

// Unbind detaches the driver from n and returns it to Registered.
//
// Without force, Unbind fails with ErrBusy while external references are
// held, any child is bound, or the driver reports open references. With
// force, bound children are unbound first.
func (m *Manager) Unbind(ctx context.Context, n *Node, force bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.opMu.Lock()
	defer n.opMu.Unlock()
	return m.unbindLocked(ctx, n, force)
}

func (m *Manager) unbindLocked(ctx context.Context, n *Node, force bool) error {
	b := n.bound.Load()
	if b == nil {
		return fmt.Errorf("%w: %s", ErrNotBound, n.handle)
	}

	children := n.Children()
	if !force {
		if refs := n.refs.Load(); refs > 1 {
			return fmt.Errorf("%w: %s has %d external references", ErrBusy, n.handle, refs-1)
		}
		for _, c := range children {
			if c.bound.Load() != nil {
				return fmt.Errorf("%w: %s has bound child %s", ErrBusy, n.handle, c.handle)
			}
		}
		if open, err := callOpenReferences(b.driver, b.handle); err != nil {
			m.driverError(n, "OpenReferences", err)
			return fmt.Errorf("%w: %s: %w", ErrBusy, n.handle, err)
		} else if open > 0 {
			return fmt.Errorf("%w: %s driver has %d open references", ErrBusy, n.handle, open)
		}
	} else {
		for _, c := range slices.Backward(children) {
			c.opMu.Lock()
			if c.bound.Load() != nil {
				if err := m.unbindLocked(ctx, c, true); err != nil {
					m.logger.Warn("unbinding child", "node", c.handle.String(), "error", err)
				}
			}
			c.opMu.Unlock()
		}
	}

	n.claimable.Store(false)
	uninitErr := callUninit(b.driver, b.handle)
	n.bound.Store(nil)
	if n.State() == StateDriverBound {
		n.state.Store(uint32(StateRegistered))
	}

	ev := newEvent(EventUnbound, n)
	ev.Driver, ev.Confidence = b.name, b.confidence
	if uninitErr != nil {
		// The driver's state is unrecoverable. Its ranges stay claimed so
		// no other driver can reach hardware that may still be live.
		leaked := m.ledger.quarantine(n)
		m.logger.Error("driver uninit failed, leaking ranges",
			"node", n.handle.String(), "driver", b.name, "ranges", leaked, "error", uninitErr)
		ev.Error = uninitErr.Error()
	} else {
		m.ledger.releaseAll(n, false)
		m.logger.Info("driver unbound", "node", n.handle.String(), "driver", b.name)
	}
	m.emit(ev)
	return nil
}

// NotifyRemoved starts the removal cascade for hardware that disappeared.
// Bound drivers in the subtree get DeviceRemoved before they are unbound.
func (m *Manager) NotifyRemoved(ctx context.Context, n *Node) error {
	return m.remove(ctx, n, true)
}

// Unregister administratively removes n and its subtree.
func (m *Manager) Unregister(ctx context.Context, n *Node) error {
	return m.remove(ctx, n, false)
}

// remove takes n and its subtree out of the tree depth-first: every child
// finishes removal before n itself is unbound.
func (m *Manager) remove(ctx context.Context, n *Node, notify bool) error {
	if n.m != m {
		return fmt.Errorf("%w: node belongs to another manager", ErrNotFound)
	}
	if !n.removing.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: %s", ErrNodeRemoved, n.handle)
	}

	for _, c := range n.Children() {
		if err := m.remove(ctx, c, notify); err != nil {
			// Another caller owns that removal; wait for it to finish.
			select {
			case <-c.gone:
			case <-ctx.Done():
				m.logger.Warn("waiting for child removal", "node", c.handle.String(), "error", ctx.Err())
			}
		}
	}

	n.opMu.Lock()
	if b := n.bound.Load(); b != nil {
		if notify {
			if err := callDeviceRemoved(b.driver, b.handle); err != nil {
				m.driverError(n, "DeviceRemoved", err)
			}
		}
		if err := m.unbindLocked(ctx, n, true); err != nil {
			m.logger.Warn("unbinding removed node", "node", n.handle.String(), "error", err)
		}
	}
	n.state.Store(uint32(StateRemoved))
	n.opMu.Unlock()
	m.removed.Add(1)

	m.logger.Debug("node removed", "node", n.handle.String(), "notify", notify)
	m.emit(newEvent(EventRemoved, n))

	m.detach(n)
	close(n.gone)
	return m.Put(n)
}

func (m *Manager) detach(n *Node) {
	drop := func(list []*Node) []*Node {
		return slices.DeleteFunc(list, func(c *Node) bool { return c == n })
	}
	if p := n.parent; p != nil {
		p.childMu.Lock()
		p.children = drop(p.children)
		p.childMu.Unlock()
		return
	}
	m.rootMu.Lock()
	m.roots = drop(m.roots)
	m.rootMu.Unlock()
}

// EvictUnused unbinds drivers that report zero open references and have no
// bound children and no external holders. Leaves are visited first so a
// bus whose children were all evicted can go in the same pass. It returns
// the number of drivers evicted.
func (m *Manager) EvictUnused(ctx context.Context) int {
	var order []*Node
	var visit func(n *Node)
	visit = func(n *Node) {
		for _, c := range n.Children() {
			visit(c)
		}
		order = append(order, n)
	}
	for _, r := range m.Roots() {
		visit(r)
	}

	evicted := 0
	for _, n := range order {
		if ctx.Err() != nil {
			break
		}
		b := n.bound.Load()
		if b == nil || n.isRemoved() {
			continue
		}
		if _, ok := b.driver.(ReferenceReporter); !ok {
			continue
		}

		n.opMu.Lock()
		var err error
		if n.bound.Load() != b {
			err = ErrNotBound
		} else if err = m.unbindLocked(ctx, n, false); err == nil {
			n.evicted.Store(true)
		}
		n.opMu.Unlock()
		if err != nil {
			continue
		}

		evicted++
		m.evictions.Add(1)
		ev := newEvent(EventEvicted, n)
		ev.Driver = b.name
		m.emit(ev)
	}
	return evicted
}
