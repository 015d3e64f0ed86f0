// Package engine owns the reference engine server.
//
// Ownership boundary:
// - entity store and id allocation
// - request dispatch state machine (running -> stopping)
// - outbound telemetry sender with idle synthesis
//
// The server is a protocol-conformance fixture for the harness, not a
// model of real simulation timing. It accepts exactly one connection.
package engine
