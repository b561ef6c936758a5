// Package device implements the device manager: the tree of device nodes,
// the driver table, and the controller that binds drivers to nodes.
//
// Bus scanners register nodes; the Manager resolves the best driver for
// each node by confidence score, binds it, and lets the bound driver claim
// hardware resources and enumerate children of its own. Removal runs the
// same path in reverse, children first.
//
// # Architecture
//
//	┌─────────────────────────────────────────────────────────────────────┐
//	│                              Manager                                │
//	│                                                                     │
//	│  ┌─────────────────┐   ┌─────────────────┐   ┌──────────────────┐   │
//	│  │    Registry     │   │     Ledger      │   │   reclaimQueue   │   │
//	│  │  (registry.go)  │   │  (resource.go)  │   │   (reclaim.go)   │   │
//	│  │                 │   │                 │   │                  │   │
//	│  │ • driver table  │   │ • claimed spans │   │ • deferred free  │   │
//	│  │ • bus kinds     │   │ • conflicts     │   │ • worker pool    │   │
//	│  │ • FindBestDriver│   │ • quarantine    │   │                  │   │
//	│  └─────────────────┘   └─────────────────┘   └──────────────────┘   │
//	│                                                                     │
//	│  Node tree (node.go, arena.go): attributes, children, refcount      │
//	└─────────────────────────────────────────────────────────────────────┘
//	            │ hooks (driver.go)
//	            ▼
//	   SupportsDevice / RegisterDevice / InitDriver / RegisterChildDevices
//	   DeviceRemoved / UninitDriver
//
// # Lifecycle
//
//	Unregistered ─Register─▶ Registered ─Probe─▶ Probed ─InitDriver─▶ DriverBound
//	                             ▲                                        │
//	                             └──────────────── Unbind ◀───────────────┘
//	Registered / Probed / DriverBound ─NotifyRemoved / Unregister─▶ Removed
//
// A removed node stays reachable through existing references until the
// last one is put, then it is destroyed on a reclaim worker.
//
// # Locking
//
// Each node has an operation mutex serializing its probe, bind, unbind and
// removal, and a child mutex guarding its child list. Attribute reads,
// state, reference counts and driver lookups are lock-free. The ledger's
// single mutex makes the conflict check and the claim one atomic step.
// Lock order is parent before child; driver hooks must not call Probe,
// Unbind or removal on their own node.
//
// # Usage
//
//	reg := device.NewRegistry()
//	reg.MustRegister("virtual", "virtual/widget", widgetDriver)
//
//	mgr := device.NewManager(reg, device.Options{ReclaimWorkers: 2})
//	mgr.SetLogger(log)
//	if err := mgr.Start(ctx); err != nil {
//	    return err
//	}
//	defer mgr.Close(ctx)
//
//	root, err := mgr.Register(ctx, nil, "virtual/bus", []device.Attr{
//	    device.String(device.AttrBus, "virtual"),
//	})
//	if err != nil {
//	    return err
//	}
//	if err := mgr.Probe(ctx, root); err != nil {
//	    return err
//	}
package device
