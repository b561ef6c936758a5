package virtual

import "errors"

// Domain errors for the virtual drivers.
var (
	// ErrInvalidResource is returned for malformed virtual/resource attributes.
	ErrInvalidResource = errors.New("virtual: invalid resource description")

	// ErrWrongHandle is returned when a hook receives another driver's handle.
	ErrWrongHandle = errors.New("virtual: unexpected driver handle")

	// ErrDeviceGone is returned when opening a widget whose hardware was removed.
	ErrDeviceGone = errors.New("virtual: device removed")

	// ErrNotOpen is returned when closing a widget that has no open references.
	ErrNotOpen = errors.New("virtual: widget not open")
)
