package virtual

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/nerrad567/gray-logic-devmgr/internal/device"
	"github.com/nerrad567/gray-logic-devmgr/internal/infrastructure/config"
)

// Module names and bus kinds of the virtual drivers.
const (
	// BusKind is the device/bus value of the virtual root; its children
	// draw drivers from this kind.
	BusKind = "virtual"

	// RootBusKind groups drivers for root nodes.
	RootBusKind = "root"

	ModuleBus     = "virtual/bus"
	ModuleWidget  = "virtual/widget"
	ModuleConsole = "virtual/console"

	// AttrResource describes one decoded range in ResourceSpec format.
	AttrResource = "virtual/resource"

	// consoleID is the unique id of the fixed console child.
	consoleID = "console"
)

// Registrar is the slice of the manager the bus driver needs to add children.
type Registrar interface {
	Register(ctx context.Context, parent *device.Node, module string, attrs []device.Attr) (*device.Node, error)
}

// BusDriver binds the virtual root and enumerates its devices.
type BusDriver struct {
	reg Registrar

	mu      sync.RWMutex
	devices []config.VirtualDeviceConfig
}

// busHandle is the driver state of a bound virtual bus.
type busHandle struct {
	node *device.Node
}

// NewBusDriver creates a bus driver presenting devices.
func NewBusDriver(reg Registrar, devices []config.VirtualDeviceConfig) *BusDriver {
	return &BusDriver{reg: reg, devices: slices.Clone(devices)}
}

// SetDevices replaces the devices present on the bus. The change is seen
// by the next RegisterChildDevices call, normally a rescan.
func (d *BusDriver) SetDevices(devices []config.VirtualDeviceConfig) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.devices = slices.Clone(devices)
}

// Devices returns the devices currently present on the bus.
func (d *BusDriver) Devices() []config.VirtualDeviceConfig {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.devices)
}

// SupportsDevice claims root nodes whose device/bus is "virtual".
func (d *BusDriver) SupportsDevice(n *device.Node) float64 {
	if n.Parent() != nil {
		return 0
	}
	if kind, err := n.AttrString(device.AttrBus); err != nil || kind != BusKind {
		return 0
	}
	return 1
}

// InitDriver binds the bus. It claims nothing.
func (d *BusDriver) InitDriver(_ context.Context, n *device.Node) (device.DriverHandle, error) {
	return &busHandle{node: n}, nil
}

// UninitDriver releases the bus.
func (d *BusDriver) UninitDriver(h device.DriverHandle) error {
	if _, ok := h.(*busHandle); !ok {
		return fmt.Errorf("%w: %T", ErrWrongHandle, h)
	}
	return nil
}

// RegisterDevice adds the fixed console child.
func (d *BusDriver) RegisterDevice(ctx context.Context, n *device.Node) error {
	_, err := d.reg.Register(ctx, n, ModuleConsole, []device.Attr{
		device.String(device.AttrUniqueID, consoleID),
		device.String(device.AttrPrettyName, "Virtual Console"),
	})
	if err != nil {
		return fmt.Errorf("registering console: %w", err)
	}
	return nil
}

// RegisterChildDevices registers one child per device present on the bus.
// Devices already in the tree are matched by identity and kept.
func (d *BusDriver) RegisterChildDevices(ctx context.Context, h device.DriverHandle) error {
	bh, ok := h.(*busHandle)
	if !ok {
		return fmt.Errorf("%w: %T", ErrWrongHandle, h)
	}
	for _, dev := range d.Devices() {
		attrs, err := deviceAttrs(dev)
		if err != nil {
			return err
		}
		if _, err := d.reg.Register(ctx, bh.node, "", attrs); err != nil {
			return fmt.Errorf("registering device %s: %w", dev.ID, err)
		}
	}
	return nil
}

// deviceAttrs builds the attribute set of a configured device.
func deviceAttrs(dev config.VirtualDeviceConfig) ([]device.Attr, error) {
	attrs := []device.Attr{
		device.String(device.AttrUniqueID, dev.ID),
		device.String(device.AttrCompatible, dev.Compatible),
	}
	if dev.Name != "" {
		attrs = append(attrs, device.String(device.AttrPrettyName, dev.Name))
	}
	for _, rc := range dev.Resources {
		spec, err := specFromConfig(rc)
		if err != nil {
			return nil, fmt.Errorf("device %s: %w", dev.ID, err)
		}
		attrs = append(attrs, device.String(AttrResource, spec.String()))
	}
	return attrs, nil
}
