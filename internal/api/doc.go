// Package api implements the HTTP admin API and WebSocket event stream of
// the device manager.
//
// This package provides:
//   - REST endpoints over the device tree: inspect, probe, rescan, unbind, remove
//   - Driver table, manager statistics, journal queries and the audit log
//   - Audit entries for every mutation, with the caller's token subject
//   - WebSocket hub streaming lifecycle events (it is a device.EventSink)
//   - JWT bearer authentication with ticket-based WebSocket auth
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//   - TLS support for production deployments
//
// # Errors
//
// Device errors map onto statuses: unknown or stale handles are 404,
// removed nodes 410, busy nodes and resource conflicts 409, and a node no
// driver accepts 422.
//
// # Lifecycle
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api
