package virtual

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/nerrad567/gray-logic-devmgr/internal/device"
)

// compatiblePenalty lowers the score for each position a matching
// compatible string sits away from the node's most specific one.
const compatiblePenalty = 0.1

// WidgetDriver binds virtual devices whose compatible string it knows.
type WidgetDriver struct {
	compatible []string
	logger     device.Logger

	mu      sync.Mutex
	widgets map[device.Handle]*Widget
}

// Widget is the driver state of one bound virtual device.
type Widget struct {
	node   *device.Node
	ranges []ResourceSpec

	mu      sync.Mutex
	opens   int
	removed bool
	stopped bool
}

// NewWidgetDriver creates a widget driver accepting the given compatible strings.
func NewWidgetDriver(compatible []string) *WidgetDriver {
	return &WidgetDriver{
		compatible: slices.Clone(compatible),
		logger:     noopLogger{},
		widgets:    make(map[device.Handle]*Widget),
	}
}

// SetLogger sets the logger for driver diagnostics.
func (d *WidgetDriver) SetLogger(logger device.Logger) {
	d.logger = logger
}

// SupportsDevice scores the node's compatible strings in order: a match on
// the first scores 1.0, each later position scores 0.1 less.
func (d *WidgetDriver) SupportsDevice(n *device.Node) float64 {
	for i, a := range n.FindAll(device.AttrCompatible) {
		if a.Type() != device.AttrString || !slices.Contains(d.compatible, a.StringValue()) {
			continue
		}
		score := 1 - float64(i)*compatiblePenalty
		if score <= 0 {
			return 0
		}
		return score
	}
	return 0
}

// InitDriver claims every range the node describes. A conflicting or
// malformed range fails the bind; the manager releases what was claimed.
func (d *WidgetDriver) InitDriver(ctx context.Context, n *device.Node) (device.DriverHandle, error) {
	w := &Widget{node: n}
	for _, a := range n.FindAll(AttrResource) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		spec, err := ParseResource(a.StringValue())
		if err != nil {
			return nil, err
		}
		if err := n.Claim(spec.Kind, spec.Space, spec.Base, spec.Length); err != nil {
			return nil, fmt.Errorf("claiming %s: %w", spec, err)
		}
		w.ranges = append(w.ranges, spec)
	}

	d.mu.Lock()
	d.widgets[n.Handle()] = w
	d.mu.Unlock()
	return w, nil
}

// UninitDriver stops the widget. Clients still holding it open see
// ErrDeviceGone on their next Open.
func (d *WidgetDriver) UninitDriver(h device.DriverHandle) error {
	w, ok := h.(*Widget)
	if !ok {
		return fmt.Errorf("%w: %T", ErrWrongHandle, h)
	}

	w.mu.Lock()
	w.stopped = true
	opens := w.opens
	w.mu.Unlock()
	if opens > 0 {
		d.logger.Warn("widget unbound while open", "node", w.node.Handle().String(), "opens", opens)
	}

	d.mu.Lock()
	delete(d.widgets, w.node.Handle())
	d.mu.Unlock()
	return nil
}

// DeviceRemoved quiesces the widget; no further opens succeed.
func (d *WidgetDriver) DeviceRemoved(h device.DriverHandle) {
	if w, ok := h.(*Widget); ok {
		w.mu.Lock()
		w.removed = true
		w.mu.Unlock()
	}
}

// OpenReferences reports how many clients hold the widget open.
func (d *WidgetDriver) OpenReferences(h device.DriverHandle) int {
	w, ok := h.(*Widget)
	if !ok {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.opens
}

// Widget returns the bound widget of the node named by h.
func (d *WidgetDriver) Widget(h device.Handle) (*Widget, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	w, ok := d.widgets[h]
	return w, ok
}

// Bound returns the number of widgets currently bound.
func (d *WidgetDriver) Bound() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.widgets)
}

// Open takes a client reference on the widget.
func (w *Widget) Open() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.removed || w.stopped {
		return fmt.Errorf("%w: %s", ErrDeviceGone, w.node.Handle())
	}
	w.opens++
	return nil
}

// Close drops a client reference taken with Open.
func (w *Widget) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.opens == 0 {
		return ErrNotOpen
	}
	w.opens--
	return nil
}

// Removed reports whether the widget was told its hardware is gone.
func (w *Widget) Removed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.removed
}

// Ranges returns the ranges claimed at bind.
func (w *Widget) Ranges() []ResourceSpec {
	return slices.Clone(w.ranges)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
