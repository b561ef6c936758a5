package device

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
)

// State is the lifecycle state of a node.
type State uint32

const (
	StateUnregistered State = iota
	StateRegistered
	StateProbed
	StateDriverBound
	StateRemoved
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateUnregistered:
		return "unregistered"
	case StateRegistered:
		return "registered"
	case StateProbed:
		return "probed"
	case StateDriverBound:
		return "driver_bound"
	case StateRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// binding records the driver bound to a node.
type binding struct {
	name       string
	driver     Driver
	handle     DriverHandle
	confidence float64
}

type errBox struct{ err error }

// Node is one hardware or logical device in the tree.
//
// Lock map:
//   - childMu guards children and is the per-subtree structural lock.
//   - opMu serializes probe, bind, unbind and removal of this node.
//   - attributes, state, references and the binding are read lock-free.
type Node struct {
	m        *Manager
	handle   Handle
	module   string
	identity []Attr
	parent   *Node
	fixed    bool

	attrs  atomic.Pointer[[]Attr]
	attrMu sync.Mutex

	childMu  sync.RWMutex
	children []*Node
	removing atomic.Bool
	gone     chan struct{} // closed once removal completes

	opMu          sync.Mutex
	fixedDone     bool   // RegisterDevice has run; guarded by opMu
	probedCycle   uint64 // generation of the last resolution; guarded by opMu
	probedVersion uint64 // registry version of the last resolution; guarded by opMu

	state     atomic.Uint32
	claimable atomic.Bool
	refs      atomic.Int32
	bound     atomic.Pointer[binding]
	cycle     atomic.Uint64
	lastErr   atomic.Pointer[errBox]
	evicted   atomic.Bool
	destroyed atomic.Bool
}

func newNode(m *Manager, parent *Node, module string, attrs []Attr, fixed bool) *Node {
	n := &Node{
		m:        m,
		module:   module,
		identity: slices.Clone(attrs),
		parent:   parent,
		fixed:    fixed,
		gone:     make(chan struct{}),
	}
	initial := slices.Clone(attrs)
	n.attrs.Store(&initial)
	n.refs.Store(1)
	return n
}

// Handle returns the node's stable handle.
func (n *Node) Handle() Handle { return n.handle }

// Module returns the driver module name the node was registered with.
func (n *Node) Module() string { return n.module }

// State returns the current lifecycle state.
func (n *Node) State() State { return State(n.state.Load()) }

// Refs returns the current reference count.
func (n *Node) Refs() int { return int(n.refs.Load()) }

// Parent returns the parent node, or nil for a root.
func (n *Node) Parent() *Node { return n.parent }

// Fixed reports whether the node was registered as a fixed child.
func (n *Node) Fixed() bool { return n.fixed }

// UpdateCycle returns the update cycle the node was last seen or probed in.
func (n *Node) UpdateCycle() uint64 { return n.cycle.Load() }

// touch raises the node's update cycle to gen. A pass from an older cycle
// never lowers it.
func (n *Node) touch(gen uint64) {
	for {
		cur := n.cycle.Load()
		if cur >= gen || n.cycle.CompareAndSwap(cur, gen) {
			return
		}
	}
}

// LastError returns the error of the last failed probe or bind, if any.
func (n *Node) LastError() error {
	if b := n.lastErr.Load(); b != nil {
		return b.err
	}
	return nil
}

func (n *Node) setLastError(err error) {
	if err == nil {
		n.lastErr.Store(nil)
		return
	}
	n.lastErr.Store(&errBox{err: err})
}

// Children returns a snapshot of the node's children in registration order.
func (n *Node) Children() []*Node {
	n.childMu.RLock()
	defer n.childMu.RUnlock()
	return slices.Clone(n.children)
}

// isRemoved reports whether the node is removed or being removed.
func (n *Node) isRemoved() bool {
	return n.removing.Load() || n.State() == StateRemoved
}

// String returns a short description used in logs.
func (n *Node) String() string {
	name, _ := n.AttrString(AttrPrettyName)
	if name == "" {
		name = n.module
	}
	return fmt.Sprintf("%s(%s)", n.handle, name)
}

// --- Attribute store ---

// Attrs returns a snapshot of the node's attributes in attach order.
func (n *Node) Attrs() []Attr {
	return slices.Clone(*n.attrs.Load())
}

// Identity returns the attribute set the node was registered with.
func (n *Node) Identity() []Attr {
	return slices.Clone(n.identity)
}

// CompareIdentity compares the node's registration attributes with attrs.
// It returns 0 when the two sets are identical.
func (n *Node) CompareIdentity(attrs []Attr) int {
	return CompareAttrs(n.identity, attrs)
}

// Find returns the first attribute with the given name and type.
func (n *Node) Find(name string, typ AttrType) (Attr, error) {
	if a, ok := findAttr(*n.attrs.Load(), name, typ); ok {
		return a, nil
	}
	return Attr{}, fmt.Errorf("%w: attribute %s(%s)", ErrNotFound, name, typ)
}

// FindAll returns every attribute with the given name, in attach order.
func (n *Node) FindAll(name string) []Attr {
	var out []Attr
	for _, a := range *n.attrs.Load() {
		if a.name == name {
			out = append(out, a)
		}
	}
	return out
}

// AttrString returns the value of a string attribute.
func (n *Node) AttrString(name string) (string, error) {
	a, err := n.Find(name, AttrString)
	return a.str, err
}

// AttrUint8 returns the value of an 8-bit integer attribute.
func (n *Node) AttrUint8(name string) (uint8, error) {
	a, err := n.Find(name, AttrUint8)
	return uint8(a.num), err
}

// AttrUint16 returns the value of a 16-bit integer attribute.
func (n *Node) AttrUint16(name string) (uint16, error) {
	a, err := n.Find(name, AttrUint16)
	return uint16(a.num), err
}

// AttrUint32 returns the value of a 32-bit integer attribute.
func (n *Node) AttrUint32(name string) (uint32, error) {
	a, err := n.Find(name, AttrUint32)
	return uint32(a.num), err
}

// AttrUint64 returns the value of a 64-bit integer attribute.
func (n *Node) AttrUint64(name string) (uint64, error) {
	a, err := n.Find(name, AttrUint64)
	return a.num, err
}

// AttrBlob returns a copy of the value of a blob attribute.
func (n *Node) AttrBlob(name string) ([]byte, error) {
	a, err := n.Find(name, AttrBlob)
	return a.BlobValue(), err
}

// attach appends attr to the node's attribute set. Readers keep seeing
// the previous immutable slice until the new one is published.
func (n *Node) attach(attr Attr) error {
	if attr.typ == 0 || attr.name == "" {
		return fmt.Errorf("%w: missing name or type", ErrInvalidAttribute)
	}

	n.attrMu.Lock()
	defer n.attrMu.Unlock()

	cur := *n.attrs.Load()
	if IsReservedAttr(attr.name) {
		for _, a := range cur {
			if a.name == attr.name {
				return fmt.Errorf("%w: %s", ErrDuplicateAttribute, attr.name)
			}
		}
	}
	next := append(slices.Clip(cur), attr)
	n.attrs.Store(&next)
	return nil
}

// --- Resource access ---

// checkClaimable reports whether the node may currently claim resources.
func (n *Node) checkClaimable() error {
	if n.isRemoved() {
		return fmt.Errorf("%w: %s", ErrNodeRemoved, n.handle)
	}
	if !n.claimable.Load() {
		return fmt.Errorf("%w: %s cannot claim resources", ErrNotBound, n.handle)
	}
	return nil
}

// Claim claims [base, base+length) in the given resource space.
// It is only valid from InitDriver or while the node's driver is bound.
func (n *Node) Claim(kind ResourceKind, space uint32, base, length uint64) error {
	return n.m.ledger.Claim(n, kind, space, base, length)
}

// ClaimMemory claims an MMIO range in the default memory space.
func (n *Node) ClaimMemory(base, length uint64) error {
	return n.Claim(ResourceMemory, 0, base, length)
}

// ClaimIOPort claims an I/O port range in the default port space.
func (n *Node) ClaimIOPort(base, length uint64) error {
	return n.Claim(ResourceIOPort, 0, base, length)
}

// ClaimIRQ claims a single interrupt line.
func (n *Node) ClaimIRQ(irq uint64) error {
	return n.Claim(ResourceIRQ, 0, irq, 1)
}

// Release releases a range previously claimed by this node.
func (n *Node) Release(kind ResourceKind, space uint32, base, length uint64) {
	n.m.ledger.Release(n, kind, space, base, length)
}

// Ranges returns the node's claimed ranges of kind (all kinds when zero).
func (n *Node) Ranges(kind ResourceKind) []Range {
	return n.m.ledger.Ranges(n, kind)
}

// --- References ---

// tryRef increments the reference count unless it already reached zero.
func (n *Node) tryRef() bool {
	for {
		cur := n.refs.Load()
		if cur <= 0 {
			return false
		}
		if n.refs.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// unref decrements the reference count. It reports whether this call
// dropped the last reference. Unless the node is removed, the reference
// owned by the tree cannot be dropped.
func (n *Node) unref() (last bool, err error) {
	for {
		cur := n.refs.Load()
		if cur <= 0 {
			return false, fmt.Errorf("%w: %s", ErrRefUnderflow, n.handle)
		}
		if cur == 1 && n.State() != StateRemoved {
			return false, fmt.Errorf("%w: %s still owned by the tree", ErrRefUnderflow, n.handle)
		}
		if n.refs.CompareAndSwap(cur, cur-1) {
			return cur == 1, nil
		}
	}
}
