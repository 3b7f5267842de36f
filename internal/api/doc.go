// Package api implements the HTTP REST API and WebSocket server for the
// receiver bridge.
//
// This package provides:
//   - REST endpoints to read and set receiver state
//   - State history queries backed by the history store
//   - WebSocket hub for real-time state change broadcasts
//   - Prometheus metrics exposition
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//
// # Architecture
//
// The server sits in front of a denon.Controller, usually the reconnecting
// Supervisor. Reads come from the controller's cache (GET on a missing key
// queries the receiver and polls), writes are fire-and-forget commands. State
// reports flow back through Hub.HandleUpdate and are broadcast to subscribed
// WebSocket clients on the "state.changed" channel.
//
// # Graceful Degradation
//
// The server starts while the receiver is unreachable. Health reports
// connected=false, reads return what the cache holds and writes fail with 503.
package api
