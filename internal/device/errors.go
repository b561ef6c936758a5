package device

import "errors"

// Domain errors for the device package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, device.ErrResourceConflict) {
//	    // unwind and fail InitDriver
//	}
var (
	// ErrInvalidParent is returned when registering under a parent that is removed.
	ErrInvalidParent = errors.New("device: invalid parent")

	// ErrDuplicateAttribute is returned when a unique identity attribute is attached twice.
	ErrDuplicateAttribute = errors.New("device: duplicate attribute")

	// ErrInvalidAttribute is returned for attributes without a name or type.
	ErrInvalidAttribute = errors.New("device: invalid attribute")

	// ErrNotFound is returned for missing attributes and stale or unknown handles.
	ErrNotFound = errors.New("device: not found")

	// ErrInvalidRange is returned for zero-length or overflowing resource ranges.
	ErrInvalidRange = errors.New("device: invalid range")

	// ErrResourceConflict is returned when a claim overlaps a range held by another node.
	ErrResourceConflict = errors.New("device: resource conflict")

	// ErrNoMatch is returned when no candidate driver scored above zero.
	ErrNoMatch = errors.New("device: no matching driver")

	// ErrInvalidScore is reported for NaN or out-of-range confidence scores.
	// Negative scores are how drivers signal a hard error inspecting a node.
	ErrInvalidScore = errors.New("device: invalid confidence score")

	// ErrNodeRemoved is returned for operations on a removed node.
	ErrNodeRemoved = errors.New("device: node removed")

	// ErrBusy is returned when a non-forced unbind finds outstanding references.
	ErrBusy = errors.New("device: busy")

	// ErrNotBound is returned when a node has no bound driver.
	ErrNotBound = errors.New("device: driver not bound")

	// ErrDriverExists is returned when registering a driver name twice.
	ErrDriverExists = errors.New("device: driver already registered")

	// ErrDriverPanic is returned when a driver hook panics.
	ErrDriverPanic = errors.New("device: driver hook panicked")

	// ErrRefUnderflow is returned when a reference is released that was never held.
	ErrRefUnderflow = errors.New("device: reference count underflow")

	// ErrClosed is returned by a manager that has been shut down.
	ErrClosed = errors.New("device: manager closed")
)
