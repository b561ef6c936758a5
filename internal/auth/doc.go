// Package auth provides authentication and authorisation for the device
// manager's admin API.
//
// It implements a 3-tier role model (viewer → operator → admin) with:
//   - HS256 JWT access tokens minted out of band (devmgrd token)
//   - Single-use tickets for WebSocket upgrades
//   - Static role-permission mapping (compile-time, no database lookup)
//
// Destructive operations (forced unbind, node removal, eviction) require
// the admin role.
package auth
