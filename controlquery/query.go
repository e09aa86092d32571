// Package controlquery compiles declarative subscription filters into pure
// predicates evaluated against event contexts. A compiled query is
// immutable and reused across many incoming journeys for the life of its
// subscription.
package controlquery

import (
	"fmt"

	"github.com/sodazone/xcmon/errors"
	"github.com/sodazone/xcmon/types"
)

// EventContext is the structured context a query is evaluated against.
type EventContext struct {
	// Sender identifies the message signer; nil when the origin side of
	// a journey was never observed.
	Sender      *types.SignerIdentity
	Origin      types.NetworkURN
	Destination types.NetworkURN
	Type        types.NotificationType
}

// Query is a compiled boolean predicate over an EventContext. Evaluation
// is pure and side-effect free.
type Query struct {
	dimension string
	match     func(EventContext) bool
}

// Dimension names the filter dimension this query covers.
func (q *Query) Dimension() string { return q.dimension }

// Match evaluates the predicate.
func (q *Query) Match(ctx EventContext) bool { return q.match(ctx) }

// matchAll is the trivially-true clause a wildcard compiles to.
func matchAll(_ EventContext) bool { return true }

// Senders compiles the sender filter dimension. A non-wildcard filter
// matches by address OR public key OR any extra co-signer of a
// multi-signer transaction; a context without sender identity matches
// only the wildcard.
func Senders(fl types.FilterList) *Query {
	if fl.IsWildcard() {
		return &Query{dimension: "senders", match: matchAll}
	}

	allowed := make(map[string]struct{}, len(fl))
	for _, s := range fl {
		allowed[s] = struct{}{}
	}

	return &Query{dimension: "senders", match: func(ctx EventContext) bool {
		if ctx.Sender == nil {
			return false
		}
		if _, ok := allowed[ctx.Sender.Address]; ok {
			return true
		}
		if ctx.Sender.PublicKey != "" {
			if _, ok := allowed[ctx.Sender.PublicKey]; ok {
				return true
			}
		}
		for _, signer := range ctx.Sender.ExtraSigners {
			if _, ok := allowed[signer]; ok {
				return true
			}
		}
		return false
	}}
}

// Origins compiles the origin-chain filter dimension.
func Origins(fl types.FilterList) *Query {
	return chainQuery("origins", fl, func(ctx EventContext) types.NetworkURN {
		return ctx.Origin
	})
}

// Destinations compiles the destination-chain filter dimension.
func Destinations(fl types.FilterList) *Query {
	return chainQuery("destinations", fl, func(ctx EventContext) types.NetworkURN {
		return ctx.Destination
	})
}

func chainQuery(dimension string, fl types.FilterList, pick func(EventContext) types.NetworkURN) *Query {
	if fl.IsWildcard() {
		return &Query{dimension: dimension, match: matchAll}
	}

	allowed := make(map[types.NetworkURN]struct{}, len(fl))
	for _, urn := range fl {
		allowed[types.NetworkURN(urn)] = struct{}{}
	}

	return &Query{dimension: dimension, match: func(ctx EventContext) bool {
		_, ok := allowed[pick(ctx)]
		return ok
	}}
}

// Events compiles the notification-type filter dimension.
func Events(fl types.FilterList) *Query {
	if fl.IsWildcard() {
		return &Query{dimension: "events", match: matchAll}
	}

	allowed := make(map[types.NotificationType]struct{}, len(fl))
	for _, t := range fl {
		allowed[types.NotificationType(t)] = struct{}{}
	}

	return &Query{dimension: "events", match: func(ctx EventContext) bool {
		_, ok := allowed[ctx.Type]
		return ok
	}}
}

// Compiled is the full set of per-dimension queries derived from one
// subscription. All dimensions must match for a notification to pass.
type Compiled struct {
	queries []*Query
}

// Compile validates the subscription's filter dimensions and derives one
// query per dimension. Unknown notification types in the events filter are
// rejected so malformed filters never enter the switchboard.
func Compile(sub types.Subscription) (*Compiled, error) {
	if !sub.Events.IsWildcard() {
		for _, t := range sub.Events {
			switch types.NotificationType(t) {
			case types.NotifySent, types.NotifyReceived, types.NotifyRelayed,
				types.NotifyHop, types.NotifyBridge, types.NotifyMatched,
				types.NotifyTrapped, types.NotifyTimeout, types.NotifyOrphaned:
			default:
				return nil, errors.WrapInvalid(
					fmt.Errorf("unknown notification type %q: %w", t, errors.ErrInvalidFilter),
					"controlquery", "Compile", "validate events filter")
			}
		}
	}

	return &Compiled{queries: []*Query{
		Senders(sub.Senders),
		Origins(sub.Origins),
		Destinations(sub.Destinations),
		Events(sub.Events),
	}}, nil
}

// Match reports whether every dimension accepts the context.
func (c *Compiled) Match(ctx EventContext) bool {
	for _, q := range c.queries {
		if !q.Match(ctx) {
			return false
		}
	}
	return true
}

// Queries exposes the per-dimension queries, mainly for diagnostics.
func (c *Compiled) Queries() []*Query {
	out := make([]*Query, len(c.queries))
	copy(out, c.queries)
	return out
}
