// Package protocol owns the engine wire contract.
//
// Ownership boundary:
// - request/response envelopes and their payload unions
// - server push events
// - entity telemetry records and summaries
//
// Framing lives in protocol/wire; the synchronous client lives in
// protocol/session.
package protocol
