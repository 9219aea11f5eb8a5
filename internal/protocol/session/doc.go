// Package session owns the lifecycle of the streaming connection to the gateway.
//
// Ownership boundary:
// - the Disconnected/Connecting/Connected/Closing state machine
// - heartbeat send + inbound liveness timeout
// - reconnect scheduling with capped exponential backoff
// - the single loop goroutine every registry mutation and dispatch runs on
//
// Transport framing lives in internal/transport; topic bookkeeping in
// internal/subscription.
package session
