package device

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// Handle is a stable, generation-checked reference to a node slot.
// A handle outlives its node safely: once the slot is reused the
// generation no longer matches and lookups fail with ErrNotFound.
type Handle struct {
	Index      uint32
	Generation uint32
}

// IsZero reports whether h is the zero handle, which never names a node.
func (h Handle) IsZero() bool { return h.Generation == 0 }

// String returns the "index.generation" form of the handle.
func (h Handle) String() string {
	return fmt.Sprintf("%d.%d", h.Index, h.Generation)
}

// MarshalText implements encoding.TextMarshaler.
func (h Handle) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Handle) UnmarshalText(b []byte) error {
	parsed, err := ParseHandle(string(b))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHandle parses the "index.generation" form produced by Handle.String.
func ParseHandle(s string) (Handle, error) {
	idx, gen, ok := strings.Cut(s, ".")
	if !ok {
		return Handle{}, fmt.Errorf("%w: malformed handle %q", ErrNotFound, s)
	}
	i, err := strconv.ParseUint(idx, 10, 32)
	if err != nil {
		return Handle{}, fmt.Errorf("%w: malformed handle %q", ErrNotFound, s)
	}
	g, err := strconv.ParseUint(gen, 10, 32)
	if err != nil || g == 0 {
		return Handle{}, fmt.Errorf("%w: malformed handle %q", ErrNotFound, s)
	}
	return Handle{Index: uint32(i), Generation: uint32(g)}, nil
}

type arenaSlot struct {
	generation uint32
	node       *Node
}

// arena maps handles to live nodes. Freed slots are reused with a bumped
// generation.
type arena struct {
	mu    sync.RWMutex
	slots []arenaSlot
	free  []uint32
	live  int
}

func (a *arena) alloc(n *Node) Handle {
	a.mu.Lock()
	defer a.mu.Unlock()

	var idx uint32
	if k := len(a.free); k > 0 {
		idx = a.free[k-1]
		a.free = a.free[:k-1]
	} else {
		idx = uint32(len(a.slots))
		a.slots = append(a.slots, arenaSlot{})
	}

	slot := &a.slots[idx]
	slot.generation++
	if slot.generation == 0 {
		slot.generation = 1
	}
	slot.node = n
	a.live++
	return Handle{Index: idx, Generation: slot.generation}
}

func (a *arena) get(h Handle) (*Node, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if h.IsZero() || int(h.Index) >= len(a.slots) {
		return nil, false
	}
	slot := a.slots[h.Index]
	if slot.generation != h.Generation || slot.node == nil {
		return nil, false
	}
	return slot.node, true
}

// release frees the slot named by h. It reports false for stale handles.
func (a *arena) release(h Handle) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if h.IsZero() || int(h.Index) >= len(a.slots) {
		return false
	}
	slot := &a.slots[h.Index]
	if slot.generation != h.Generation || slot.node == nil {
		return false
	}
	slot.node = nil
	a.free = append(a.free, h.Index)
	a.live--
	return true
}

func (a *arena) count() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.live
}
