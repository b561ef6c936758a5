package device

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
)

// DriverEntry is one row of the driver table.
type DriverEntry struct {
	Name    string
	BusKind string
	Driver  Driver
}

// Registry holds the candidate drivers for each bus kind in declaration
// order. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries []DriverEntry
	byName  map[string]int

	version atomic.Uint64
}

// NewRegistry creates an empty driver registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]int)}
}

// Register appends a driver for busKind. Names are unique across kinds.
func (r *Registry) Register(busKind, name string, d Driver) error {
	if name == "" || d == nil {
		return fmt.Errorf("registering driver: name and driver are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("%w: %s", ErrDriverExists, name)
	}
	r.byName[name] = len(r.entries)
	r.entries = append(r.entries, DriverEntry{Name: name, BusKind: busKind, Driver: d})
	r.version.Add(1)
	return nil
}

// MustRegister is like Register but panics on error. Intended for static
// driver tables built at startup.
func (r *Registry) MustRegister(busKind, name string, d Driver) {
	if err := r.Register(busKind, name, d); err != nil {
		panic(err)
	}
}

// Unregister removes the named driver. Nodes already bound keep their binding.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	i, ok := r.byName[name]
	if !ok {
		return fmt.Errorf("%w: driver %s", ErrNotFound, name)
	}
	r.entries = slices.Delete(r.entries, i, i+1)
	r.byName = make(map[string]int, len(r.entries))
	for j, e := range r.entries {
		r.byName[e.Name] = j
	}
	r.version.Add(1)
	return nil
}

// Lookup returns the driver registered under name.
func (r *Registry) Lookup(name string) (DriverEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i, ok := r.byName[name]
	if !ok {
		return DriverEntry{}, false
	}
	return r.entries[i], true
}

// Candidates returns the drivers declared for busKind, in declaration order.
func (r *Registry) Candidates(busKind string) []DriverEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []DriverEntry
	for _, e := range r.entries {
		if e.BusKind == busKind {
			out = append(out, e)
		}
	}
	return out
}

// Entries returns the whole driver table in declaration order.
func (r *Registry) Entries() []DriverEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.entries)
}

// Version increases on every change to the table. The manager re-probes
// driver-less nodes whose last probe saw an older version.
func (r *Registry) Version() uint64 {
	return r.version.Load()
}
