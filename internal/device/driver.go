package device

import (
	"context"
	"fmt"
)

// DriverHandle is the opaque per-binding state returned by InitDriver.
// The framework never inspects it; it is passed back to the driver's
// other hooks.
type DriverHandle any

// Driver is the contract every bus or device driver fulfils.
//
// All hooks are invoked by the Manager only. For one node, InitDriver and
// UninitDriver never run concurrently with each other or with another hook
// of the same binding.
type Driver interface {
	// SupportsDevice returns a confidence score in [0, 1] for driving node.
	// Zero means "not supported". Negative scores are treated as errors.
	SupportsDevice(node *Node) float64

	// InitDriver binds the driver to node. Resources must be claimed through
	// the node's Claim* methods; on error the framework releases every range
	// the node claimed during this call.
	InitDriver(ctx context.Context, node *Node) (DriverHandle, error)

	// UninitDriver quiesces the hardware and frees driver state. It must
	// tolerate being called on a device that is already gone.
	UninitDriver(handle DriverHandle) error
}

// DeviceRegistrar is implemented by drivers that register fixed children
// before InitDriver. It runs at most once per node. Only children
// registered under node with the ctx passed in are marked fixed.
type DeviceRegistrar interface {
	RegisterDevice(ctx context.Context, node *Node) error
}

// ChildRegistrar is implemented by bus drivers that enumerate dynamic
// children. It runs after a successful InitDriver and on every rescan,
// holding off unbind and removal of the node until it returns.
type ChildRegistrar interface {
	RegisterChildDevices(ctx context.Context, handle DriverHandle) error
}

// RemovalNotifiee is implemented by drivers that want to be told the
// hardware is gone before they are unbound.
type RemovalNotifiee interface {
	DeviceRemoved(handle DriverHandle)
}

// ReferenceReporter is implemented by drivers that can report how many
// clients hold the bound device open. It enables unused-driver eviction.
type ReferenceReporter interface {
	OpenReferences(handle DriverHandle) int
}

// recoverHook converts a panic in a driver hook into ErrDriverPanic.
func recoverHook(hook string, err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("%w: %s: %v", ErrDriverPanic, hook, r)
	}
}

func callSupports(d Driver, node *Node) (score float64, err error) {
	defer recoverHook("SupportsDevice", &err)
	return d.SupportsDevice(node), nil
}

func callInit(ctx context.Context, d Driver, node *Node) (h DriverHandle, err error) {
	defer recoverHook("InitDriver", &err)
	return d.InitDriver(ctx, node)
}

func callUninit(d Driver, h DriverHandle) (err error) {
	defer recoverHook("UninitDriver", &err)
	return d.UninitDriver(h)
}

func callRegisterDevice(ctx context.Context, d Driver, node *Node) (err error) {
	r, ok := d.(DeviceRegistrar)
	if !ok {
		return nil
	}
	defer recoverHook("RegisterDevice", &err)
	return r.RegisterDevice(ctx, node)
}

func callRegisterChildren(ctx context.Context, d Driver, h DriverHandle) (err error) {
	r, ok := d.(ChildRegistrar)
	if !ok {
		return nil
	}
	defer recoverHook("RegisterChildDevices", &err)
	return r.RegisterChildDevices(ctx, h)
}

func callDeviceRemoved(d Driver, h DriverHandle) (err error) {
	r, ok := d.(RemovalNotifiee)
	if !ok {
		return nil
	}
	defer recoverHook("DeviceRemoved", &err)
	r.DeviceRemoved(h)
	return nil
}

// callOpenReferences returns the driver's open reference count, or -1 when
// the driver cannot report one.
func callOpenReferences(d Driver, h DriverHandle) (refs int, err error) {
	r, ok := d.(ReferenceReporter)
	if !ok {
		return -1, nil
	}
	defer recoverHook("OpenReferences", &err)
	return r.OpenReferences(h), nil
}
