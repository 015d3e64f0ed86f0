// Package harness owns the engine process lifecycle for tests.
//
// Ownership boundary:
// - spawning the engine binary and the startup address handshake
// - stdout/stderr/event stream collection
// - the tick-synchronized Session facade and its two-phase shutdown
//
// A Session must be closed by its owner (defer session.Close()); Close is
// idempotent and never fails outward.
package harness
