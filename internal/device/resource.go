package device

import (
	"cmp"
	"fmt"
	"math"
	"slices"
	"sync"
)

// ResourceKind identifies a hardware resource space.
type ResourceKind uint8

const (
	ResourceMemory ResourceKind = iota + 1
	ResourceIOPort
	ResourceIRQ
)

// String returns the resource kind name.
func (k ResourceKind) String() string {
	switch k {
	case ResourceMemory:
		return "memory"
	case ResourceIOPort:
		return "io"
	case ResourceIRQ:
		return "irq"
	default:
		return "unknown"
	}
}

// ParseResourceKind converts a kind name back to a ResourceKind.
func ParseResourceKind(s string) (ResourceKind, bool) {
	switch s {
	case "memory", "mmio":
		return ResourceMemory, true
	case "io", "ioport":
		return ResourceIOPort, true
	case "irq":
		return ResourceIRQ, true
	default:
		return 0, false
	}
}

// Range is a claimed, half-open span [Base, Base+Length) of one resource space.
type Range struct {
	Kind   ResourceKind
	Space  uint32
	Base   uint64
	Length uint64
	Owner  Handle
	Leaked bool
}

// End returns the first address past the range.
func (r Range) End() uint64 { return r.Base + r.Length }

func (r Range) overlaps(base, length uint64) bool {
	return base < r.End() && r.Base < base+length
}

// String renders the range as "kind[space]:[base,end)".
func (r Range) String() string {
	return fmt.Sprintf("%s[%d]:[%#x,%#x)", r.Kind, r.Space, r.Base, r.End())
}

type spaceKey struct {
	kind  ResourceKind
	space uint32
}

type claim struct {
	Range
	owner *Node
}

// Ledger tracks claimed resource ranges across every node of a manager.
//
// The conflict check and the insertion of a claim happen under one lock,
// so two claimants of overlapping ranges can never both succeed.
type Ledger struct {
	mu     sync.RWMutex
	spaces map[spaceKey][]claim // sorted by base
}

// NewLedger creates an empty resource ledger.
func NewLedger() *Ledger {
	return &Ledger{spaces: make(map[spaceKey][]claim)}
}

// Claim records [base, base+length) of kind/space as owned by node.
func (l *Ledger) Claim(node *Node, kind ResourceKind, space uint32, base, length uint64) error {
	if length == 0 || base > math.MaxUint64-length {
		return fmt.Errorf("%w: %s base %#x length %#x", ErrInvalidRange, kind, base, length)
	}
	key := spaceKey{kind: kind, space: space}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Checked under the ledger lock so an unbind that flips the node's
	// claim window and then releases its ranges cannot miss a late claim.
	if err := node.checkClaimable(); err != nil {
		return err
	}

	claims := l.spaces[key]
	for _, c := range claims {
		if c.overlaps(base, length) {
			return fmt.Errorf("%w: %s[%d]:[%#x,%#x) held by %s",
				ErrResourceConflict, kind, space, base, base+length, c.Owner)
		}
		if c.Base >= base+length {
			break
		}
	}

	nc := claim{
		Range: Range{Kind: kind, Space: space, Base: base, Length: length, Owner: node.Handle()},
		owner: node,
	}
	i, _ := slices.BinarySearchFunc(claims, base, func(c claim, b uint64) int { return cmp.Compare(c.Base, b) })
	l.spaces[key] = slices.Insert(claims, i, nc)
	return nil
}

// Release drops node's claim on exactly [base, base+length). Releasing a
// range the node does not hold is a no-op.
func (l *Ledger) Release(node *Node, kind ResourceKind, space uint32, base, length uint64) {
	key := spaceKey{kind: kind, space: space}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.spaces[key] = slices.DeleteFunc(l.spaces[key], func(c claim) bool {
		return c.owner == node && !c.Leaked && c.Base == base && c.Length == length
	})
	if len(l.spaces[key]) == 0 {
		delete(l.spaces, key)
	}
}

// Ranges returns node's claimed ranges of the given kind, ordered by space
// and base. A zero kind returns ranges of every kind.
func (l *Ledger) Ranges(node *Node, kind ResourceKind) []Range {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Range
	for key, claims := range l.spaces {
		if kind != 0 && key.kind != kind {
			continue
		}
		for _, c := range claims {
			if c.owner == node {
				out = append(out, c.Range)
			}
		}
	}
	slices.SortFunc(out, func(a, b Range) int {
		if c := cmp.Compare(a.Kind, b.Kind); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Space, b.Space); c != 0 {
			return c
		}
		return cmp.Compare(a.Base, b.Base)
	})
	return out
}

// releaseAll drops the claims held by node and returns how many were dropped.
// Leaked claims survive unless withLeaked is set.
func (l *Ledger) releaseAll(node *Node, withLeaked bool) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for key, claims := range l.spaces {
		before := len(claims)
		claims = slices.DeleteFunc(claims, func(c claim) bool {
			return c.owner == node && (withLeaked || !c.Leaked)
		})
		n += before - len(claims)
		if len(claims) == 0 {
			delete(l.spaces, key)
		} else {
			l.spaces[key] = claims
		}
	}
	return n
}

// quarantine marks node's claims as leaked. Leaked ranges keep conflicting
// with every claimant until the node is destroyed.
func (l *Ledger) quarantine(node *Node) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for _, claims := range l.spaces {
		for i := range claims {
			if claims[i].owner == node && !claims[i].Leaked {
				claims[i].Leaked = true
				n++
			}
		}
	}
	return n
}

// Count returns the number of ranges currently held across all nodes.
func (l *Ledger) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := 0
	for _, claims := range l.spaces {
		n += len(claims)
	}
	return n
}
