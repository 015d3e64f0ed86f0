// Package session owns the harness<->engine connection.
//
// Ownership boundary:
// - synchronous request/response correlation by envelope id
// - out-of-band event subscription feed
// - connection liveness and teardown
//
// One connection carries both directions of traffic; a single reader
// goroutine demultiplexes responses from push events.
package session
