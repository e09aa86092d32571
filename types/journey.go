package types

// JourneyStatus is the terminal (or in-flight) state of a correlated journey.
type JourneyStatus string

// Journey statuses. Matched, trapped, timeout and orphaned are terminal;
// a terminal Journey is emitted exactly once per leg.
const (
	StatusMatched  JourneyStatus = "matched"
	StatusTrapped  JourneyStatus = "trapped"
	StatusTimeout  JourneyStatus = "timeout"
	StatusOrphaned JourneyStatus = "orphaned"
)

// NotificationFor maps a journey status to its notification type.
func (s JourneyStatus) NotificationFor() NotificationType {
	switch s {
	case StatusMatched:
		return NotifyMatched
	case StatusTrapped:
		return NotifyTrapped
	case StatusTimeout:
		return NotifyTimeout
	case StatusOrphaned:
		return NotifyOrphaned
	default:
		return NotificationType(s)
	}
}

// Journey is the resolved, correlated record of a cross-chain message leg
// from send to receipt, timeout, or orphaned receipt.
type Journey struct {
	MessageHash string        `json:"messageHash"`
	TopicID     string        `json:"topicId,omitempty"`
	Origin      NetworkURN    `json:"origin"`
	Destination NetworkURN    `json:"destination"`
	Sent        *Sent         `json:"sent,omitempty"`
	Received    *Received     `json:"received,omitempty"`
	Waypoints   []Waypoint    `json:"waypoints,omitempty"`
	Status      JourneyStatus `json:"status"`
}

// SenderIdentity returns the signer identity of the originating Sent event, or nil
// for orphaned journeys with no observed send.
func (j Journey) SenderIdentity() *SignerIdentity {
	if j.Sent == nil {
		return nil
	}
	return j.Sent.Sender
}
