package device

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestHandleRoundTripText(t *testing.T) {
	h := Handle{Index: 7, Generation: 3}
	text, err := h.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText() error = %v", err)
	}
	if string(text) != "7.3" {
		t.Errorf("MarshalText() = %q, want %q", text, "7.3")
	}
	var got Handle
	if err := got.UnmarshalText(text); err != nil || got != h {
		t.Errorf("UnmarshalText() = %v, %v; want %v", got, err, h)
	}
}

func TestParseHandleRejectsMalformed(t *testing.T) {
	for _, in := range []string{"", "7", "7.", ".3", "a.b", "7.0", "-1.2", "1.2.3"} {
		t.Run(in, func(t *testing.T) {
			if _, err := ParseHandle(in); !errors.Is(err, ErrNotFound) {
				t.Errorf("ParseHandle(%q) error = %v, want ErrNotFound", in, err)
			}
		})
	}
}

func TestArenaGenerations(t *testing.T) {
	var a arena
	n1 := &Node{}
	h1 := a.alloc(n1)
	if got, ok := a.get(h1); !ok || got != n1 {
		t.Fatalf("get(h1) = %v, %v", got, ok)
	}
	if !a.release(h1) {
		t.Fatal("release(h1) = false")
	}
	if a.release(h1) {
		t.Error("second release(h1) = true")
	}

	n2 := &Node{}
	h2 := a.alloc(n2)
	if h2.Index != h1.Index || h2.Generation == h1.Generation {
		t.Errorf("reused slot handle = %v, want index %d with new generation", h2, h1.Index)
	}
	if _, ok := a.get(h1); ok {
		t.Error("stale handle resolved after slot reuse")
	}
	if got, _ := a.get(h2); got != n2 {
		t.Error("get(h2) did not return the new node")
	}
	if _, ok := a.get(Handle{}); ok {
		t.Error("zero handle resolved")
	}
	if a.count() != 1 {
		t.Errorf("count() = %d, want 1", a.count())
	}
}

func TestAcquireStaleHandle(t *testing.T) {
	rec := newEventRecorder()
	m := newTestManager(t, nil, rec)
	ctx := context.Background()

	n, err := m.Register(ctx, nil, "", []Attr{String(AttrBus, "virtual")})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	h := n.Handle()

	if err := m.Unregister(ctx, n); err != nil {
		t.Fatalf("Unregister() error = %v", err)
	}
	rec.waitFor(t, EventDestroyed, h, 1)

	if _, err := m.Acquire(h); !errors.Is(err, ErrNotFound) {
		t.Errorf("Acquire(stale) error = %v, want ErrNotFound", err)
	}
	if _, err := m.Lookup(h); !errors.Is(err, ErrNotFound) {
		t.Errorf("Lookup(stale) error = %v, want ErrNotFound", err)
	}
}

func TestReferenceCounting(t *testing.T) {
	rec := newEventRecorder()
	m := newTestManager(t, nil, rec)
	ctx := context.Background()

	n, err := m.Register(ctx, nil, "", []Attr{String(AttrBus, "virtual")})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if n.Refs() != 1 {
		t.Fatalf("Refs() after Register = %d, want 1", n.Refs())
	}

	t.Run("tree reference cannot be put", func(t *testing.T) {
		if err := m.Put(n); !errors.Is(err, ErrRefUnderflow) {
			t.Errorf("Put() error = %v, want ErrRefUnderflow", err)
		}
		if n.Refs() != 1 {
			t.Errorf("Refs() = %d, want 1", n.Refs())
		}
	})

	held, err := m.Acquire(n.Handle())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	if err := m.Unregister(ctx, n); err != nil {
		t.Fatalf("Unregister() error = %v", err)
	}
	if n.State() != StateRemoved {
		t.Errorf("State() = %v, want removed", n.State())
	}
	// Still reachable while the external reference is held.
	if _, err := m.Lookup(n.Handle()); err != nil {
		t.Errorf("Lookup() while held error = %v", err)
	}
	if got := rec.count(EventDestroyed, n.Handle()); got != 0 {
		t.Fatalf("destroyed while referenced (%d events)", got)
	}

	if err := m.Put(held); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	rec.waitFor(t, EventDestroyed, n.Handle(), 1)

	if err := m.Put(held); !errors.Is(err, ErrRefUnderflow) {
		t.Errorf("Put() after zero error = %v, want ErrRefUnderflow", err)
	}
	if n.Refs() != 0 {
		t.Errorf("Refs() = %d, want 0", n.Refs())
	}
}

func TestDestroyExactlyOnceUnderContention(t *testing.T) {
	rec := newEventRecorder()
	m := newTestManager(t, nil, rec)
	ctx := context.Background()

	n, err := m.Register(ctx, nil, "", []Attr{String(AttrBus, "virtual")})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	const holders = 32
	for range holders {
		if _, err := m.Acquire(n.Handle()); err != nil {
			t.Fatalf("Acquire() error = %v", err)
		}
	}
	if err := m.Unregister(ctx, n); err != nil {
		t.Fatalf("Unregister() error = %v", err)
	}

	var wg sync.WaitGroup
	for range holders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Put(n); err != nil {
				t.Errorf("Put() error = %v", err)
			}
		}()
	}
	wg.Wait()

	rec.waitFor(t, EventDestroyed, n.Handle(), 1)
	if err := m.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if got := rec.count(EventDestroyed, n.Handle()); got != 1 {
		t.Errorf("destroyed %d times, want 1", got)
	}
	if got := m.Stats().Destroyed; got != 1 {
		t.Errorf("Stats().Destroyed = %d, want 1", got)
	}
}
