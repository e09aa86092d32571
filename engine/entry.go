package engine

import (
	"time"

	"github.com/sodazone/xcmon/types"
)

// entryKind discriminates which side of a leg arrived first.
type entryKind string

const (
	kindSent     entryKind = "sent"
	kindReceived entryKind = "received"
)

// correlationEntry is the persisted partial state of one leg awaiting its
// counterpart. Exactly one entry exists per correlation key before
// resolution.
type correlationEntry struct {
	Key       string           `json:"key"`
	Kind      entryKind        `json:"kind"`
	Sent      *types.Sent      `json:"sent,omitempty"`
	Received  *types.Received  `json:"received,omitempty"`
	Leg       *types.Leg       `json:"leg,omitempty"`
	Waypoints []types.Waypoint `json:"waypoints,omitempty"`
	CreatedAt time.Time        `json:"createdAt"`
	ExpiresAt time.Time        `json:"expiresAt"`
}
