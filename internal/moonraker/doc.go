// Package moonraker implements a JSON-RPC 2.0 client for the Moonraker
// printer daemon over a persistent websocket.
//
// One supervisor goroutine owns the connection: it dials, identifies the
// client, runs a single reader, and on any drop reconnects with exponential
// backoff (500ms doubling to a 5s cap) until Close is called. Concurrent
// callers block in Call on their own request id; sends are serialized onto
// the connection.
//
// Inbound frames are either responses (matched to pending requests by id)
// or notifications. The reserved notify_status_update method carries
// incremental printer state deltas and is delivered through a dedicated
// callback; every other notification reaches the generic event callback.
// Malformed frames are dropped silently so they can never destabilize the
// long-lived connection loop.
package moonraker
