// Package switchboard owns the active subscription set and the wiring
// between the matching engine's notification output and the egress layer.
//
// Each subscription carries compiled control queries, one per filter
// dimension. On every engine notification the switchboard snapshots the
// live set, evaluates the queries and forwards exactly one delivery per
// (subscription, distinct channel) to the sink. Chain streams are
// refcounted and shared: many subscriptions watching the same chain hold
// one underlying stream, and a chain with no watchers costs nothing.
//
// Unsubscribe is synchronous: the entry leaves the live set under the
// lock before the call returns, and queued deliveries are suppressed by
// the delivery-time liveness check. Updates are applied to an immutable
// clone and swapped in atomically together with freshly compiled queries.
package switchboard
