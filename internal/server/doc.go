// Package server owns the build server's connection manager.
//
// Ownership boundary:
// - dual-stack listener binding (degraded single-stack is allowed)
// - websocket upgrade and admin routes on the same listeners
// - the peer registry and per-connection reader/writer pair
// - shutdown fan-out of close notifications
//
// A peer is in the registry exactly while its handler runs. Build work is
// delegated to a Dispatcher; its failures never end the connection.
package server
