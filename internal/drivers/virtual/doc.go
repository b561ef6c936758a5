// Package virtual implements a software bus and its device drivers.
//
// The virtual bus has no hardware behind it. Its topology comes from the
// virtual_bus section of the configuration, which makes it the reference
// client of the driver contract and the demo tree of devmgrd:
//
//	virtual/bus (root, device/bus = "virtual")
//	├── virtual/console         fixed child, registered once
//	├── widget w1               dynamic, bound by virtual/widget
//	└── widget w2               dynamic, bound by virtual/widget
//
// Widgets describe the ranges they decode with virtual/resource attributes
// in the form "kind[space]:base+length", for example "memory[0]:0x1000+0x100"
// or "irq[0]:5+1". The widget driver claims every described range on bind.
//
// Devices can be plugged and unplugged at runtime through BusDriver.SetDevices;
// the next rescan of the bus registers new widgets and removes the missing ones.
package virtual
