// Package engine implements the cross-chain message correlation engine:
// a persistent, idempotent, timeout-aware join across unordered,
// independently-arriving per-chain event streams.
//
// The engine is a single-writer actor. One goroutine owns the pending-rows
// KV namespace and consumes an inbound mailbox of normalized events and
// janitor sweeps strictly sequentially, so two events for the same
// message hash never read-then-write without observing each other's
// effect. Resolution against a concurrent sweep is decided by the KV's
// revision-checked delete: at most one of match or timeout wins per
// correlation key, whichever observes the row first.
//
// Arrival order between chains is never assumed: onSent followed by
// onReceived yields the same terminal journey as the reverse. Block
// numbers are per-chain coordinates and never compared across chains; the
// timeout is a fixed wall-clock budget from the first observed leg.
package engine
