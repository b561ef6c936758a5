package virtual

import (
	"context"
	"fmt"

	"github.com/nerrad567/gray-logic-devmgr/internal/device"
)

// ConsoleDriver drives the bus's fixed console child. It is bound by
// module name only and never wins a score-based match.
type ConsoleDriver struct{}

type consoleHandle struct {
	node *device.Node
}

// SupportsDevice always returns zero.
func (ConsoleDriver) SupportsDevice(*device.Node) float64 { return 0 }

// InitDriver binds the console.
func (ConsoleDriver) InitDriver(_ context.Context, n *device.Node) (device.DriverHandle, error) {
	return &consoleHandle{node: n}, nil
}

// UninitDriver releases the console.
func (ConsoleDriver) UninitDriver(h device.DriverHandle) error {
	if _, ok := h.(*consoleHandle); !ok {
		return fmt.Errorf("%w: %T", ErrWrongHandle, h)
	}
	return nil
}
