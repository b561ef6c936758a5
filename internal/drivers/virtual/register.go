package virtual

import (
	"context"
	"fmt"

	"github.com/nerrad567/gray-logic-devmgr/internal/device"
	"github.com/nerrad567/gray-logic-devmgr/internal/infrastructure/config"
)

// Drivers are the virtual drivers registered with one manager.
type Drivers struct {
	Bus     *BusDriver
	Widget  *WidgetDriver
	Console ConsoleDriver
}

// Register adds the virtual drivers to the manager's driver table. The bus
// driver is declared for root nodes; the widget and console drivers for
// children of the virtual bus, widget first.
func Register(m *device.Manager, cfg config.VirtualBusConfig, logger device.Logger) (*Drivers, error) {
	d := &Drivers{
		Bus:    NewBusDriver(m, cfg.Devices),
		Widget: NewWidgetDriver(cfg.Compatible),
	}
	if logger != nil {
		d.Widget.SetLogger(logger)
	}

	reg := m.Registry()
	if err := reg.Register(RootBusKind, ModuleBus, d.Bus); err != nil {
		return nil, err
	}
	if err := reg.Register(BusKind, ModuleWidget, d.Widget); err != nil {
		return nil, err
	}
	if err := reg.Register(BusKind, ModuleConsole, d.Console); err != nil {
		return nil, err
	}
	return d, nil
}

// AddRoot registers the virtual bus root. Registering twice returns the
// existing root.
func AddRoot(ctx context.Context, m *device.Manager, cfg config.VirtualBusConfig) (*device.Node, error) {
	name := cfg.Name
	if name == "" {
		name = "Virtual Bus"
	}
	root, err := m.Register(ctx, nil, ModuleBus, []device.Attr{
		device.String(device.AttrBus, BusKind),
		device.String(device.AttrUniqueID, "virtual0"),
		device.String(device.AttrPrettyName, name),
	})
	if err != nil {
		return nil, fmt.Errorf("registering virtual root: %w", err)
	}
	return root, nil
}
