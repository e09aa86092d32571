// Package xcmon correlates cross-chain message events into journeys and
// delivers filtered notifications to subscribers.
//
// Normalized per-chain events (sent, received, relayed, hop, bridge) arrive
// over NATS JetStream. The matching engine joins the send and receive legs
// of each message by hash and terminating chain, persisting partial state in
// a JetStream KV bucket so matching survives restarts. Legs that never find
// their counterpart expire through a KV-backed scheduler and surface as
// timeout or orphaned journeys.
//
// Subscriptions declare interest with per-dimension filters over senders,
// origin chains, destination chains and event types. The switchboard routes
// each notification to the matching subscriptions and hands deliveries to
// the configured channels: structured log output, webhook POSTs with
// retry, or websocket streams.
//
// The cmd/xcmon command assembles and runs the full agent.
package xcmon
