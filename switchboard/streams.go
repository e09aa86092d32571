package switchboard

import (
	"github.com/sodazone/xcmon/types"
)

// wildcardStream is the refcount key for subscriptions watching every
// chain on some dimension.
const wildcardStream = types.NetworkURN(types.Wildcard)

// subscriptionChains lists the chain streams a subscription needs: the
// union of its origin and destination filters. A wildcard on either
// dimension collapses to the shared wildcard stream.
func subscriptionChains(sub types.Subscription) []types.NetworkURN {
	if sub.Origins.IsWildcard() || sub.Destinations.IsWildcard() {
		return []types.NetworkURN{wildcardStream}
	}

	seen := make(map[types.NetworkURN]struct{}, len(sub.Origins)+len(sub.Destinations))
	chains := make([]types.NetworkURN, 0, len(sub.Origins)+len(sub.Destinations))
	for _, list := range []types.FilterList{sub.Origins, sub.Destinations} {
		for _, raw := range list {
			urn := types.NetworkURN(raw)
			if _, dup := seen[urn]; dup {
				continue
			}
			seen[urn] = struct{}{}
			chains = append(chains, urn)
		}
	}
	return chains
}

// acquireStreamsLocked bumps the refcount of every chain stream the
// subscription needs. Streams are shared: many subscriptions on the same
// chain hold one underlying stream. Caller holds s.mu.
func (s *Switchboard) acquireStreamsLocked(sub types.Subscription) {
	for _, chain := range subscriptionChains(sub) {
		if s.streams[chain] == 0 {
			s.logger.Debug("Chain stream acquired", "chain", string(chain))
		}
		s.streams[chain]++
	}
}

// releaseStreamsLocked drops the subscription's stream references,
// releasing any stream no other subscription uses. Caller holds s.mu.
func (s *Switchboard) releaseStreamsLocked(sub types.Subscription) {
	for _, chain := range subscriptionChains(sub) {
		if s.streams[chain] <= 1 {
			delete(s.streams, chain)
			s.logger.Debug("Chain stream released", "chain", string(chain))
			continue
		}
		s.streams[chain]--
	}
}

// chainWatchedLocked reports whether any live subscription holds a stream
// covering the chain. Caller holds s.mu (read).
func (s *Switchboard) chainWatchedLocked(chain types.NetworkURN) bool {
	if s.streams[wildcardStream] > 0 {
		return true
	}
	if chain == "" {
		// Notifications without a chain tag are only routable through
		// wildcard streams.
		return false
	}
	return s.streams[chain] > 0
}
