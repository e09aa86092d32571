package types

import (
	"encoding/json"
	"fmt"
)

// Wildcard matches every value in a subscription filter dimension.
const Wildcard = "*"

// FilterList is a subscription filter dimension: either the wildcard "*"
// or an explicit list of values. The JSON form is the string "*" or an
// array of strings.
type FilterList []string

// IsWildcard reports whether the list matches everything.
func (fl FilterList) IsWildcard() bool {
	return len(fl) == 1 && fl[0] == Wildcard
}

// Contains reports whether v is matched by the list. A wildcard list
// matches any value.
func (fl FilterList) Contains(v string) bool {
	if fl.IsWildcard() {
		return true
	}
	for _, item := range fl {
		if item == v {
			return true
		}
	}
	return false
}

// WildcardFilter returns a filter list matching everything.
func WildcardFilter() FilterList {
	return FilterList{Wildcard}
}

// UnmarshalJSON accepts either the string "*" or an array of strings.
func (fl *FilterList) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s != Wildcard {
			return fmt.Errorf("filter string must be %q, got %q", Wildcard, s)
		}
		*fl = WildcardFilter()
		return nil
	}

	var items []string
	if err := json.Unmarshal(data, &items); err != nil {
		return fmt.Errorf("filter must be %q or a string array: %w", Wildcard, err)
	}
	*fl = items
	return nil
}

// MarshalJSON emits "*" for wildcard lists and an array otherwise.
func (fl FilterList) MarshalJSON() ([]byte, error) {
	if fl.IsWildcard() {
		return json.Marshal(Wildcard)
	}
	return json.Marshal([]string(fl))
}

// ChannelType identifies a delivery channel implementation.
type ChannelType string

// Delivery channel types
const (
	ChannelLog       ChannelType = "log"
	ChannelWebhook   ChannelType = "webhook"
	ChannelWebsocket ChannelType = "websocket"
)

// Channel configures one delivery channel of a subscription.
type Channel struct {
	Type ChannelType `json:"type"`
	// URL is the delivery endpoint for webhook channels.
	URL string `json:"url,omitempty"`
	// Template selects an optional payload template for webhook channels.
	Template string `json:"template,omitempty"`
}

// Subscription describes a consumer's interest in correlated cross-chain
// notifications. Ephemeral subscriptions are held only in memory and vanish
// on restart; persistent ones are reloaded and re-wired on start.
type Subscription struct {
	ID           string     `json:"id"`
	Owner        string     `json:"owner,omitempty"`
	Origins      FilterList `json:"origins"`
	Senders      FilterList `json:"senders"`
	Destinations FilterList `json:"destinations"`
	Events       FilterList `json:"events"`
	Channels     []Channel  `json:"channels"`
	Ephemeral    bool       `json:"ephemeral,omitempty"`
}

// Validate checks the subscription for structural soundness.
func (s Subscription) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("subscription id is required")
	}
	if len(s.Channels) == 0 {
		return fmt.Errorf("subscription %s: at least one channel is required", s.ID)
	}
	for i, ch := range s.Channels {
		switch ch.Type {
		case ChannelLog, ChannelWebsocket:
		case ChannelWebhook:
			if ch.URL == "" {
				return fmt.Errorf("subscription %s: webhook channel %d requires a url", s.ID, i)
			}
		default:
			return fmt.Errorf("subscription %s: unknown channel type %q", s.ID, ch.Type)
		}
	}
	if len(s.Origins) == 0 || len(s.Destinations) == 0 {
		return fmt.Errorf("subscription %s: origins and destinations are required", s.ID)
	}
	// An empty senders list matches no sender at all, so the subscription
	// would never fire; require the wildcard to be spelled out.
	if len(s.Senders) == 0 {
		return fmt.Errorf("subscription %s: senders filter is required, use %q to match all", s.ID, Wildcard)
	}
	for _, fl := range []FilterList{s.Origins, s.Destinations} {
		if fl.IsWildcard() {
			continue
		}
		for _, urn := range fl {
			if !NetworkURN(urn).Valid() {
				return fmt.Errorf("subscription %s: malformed network URN %q", s.ID, urn)
			}
		}
	}
	if len(s.Events) == 0 {
		return fmt.Errorf("subscription %s: events filter is required", s.ID)
	}
	return nil
}

// Clone returns a deep copy of the subscription. Updates operate on clones
// so compiled filter predicates are never mutated in place.
func (s Subscription) Clone() Subscription {
	out := s
	out.Origins = append(FilterList(nil), s.Origins...)
	out.Senders = append(FilterList(nil), s.Senders...)
	out.Destinations = append(FilterList(nil), s.Destinations...)
	out.Events = append(FilterList(nil), s.Events...)
	out.Channels = append([]Channel(nil), s.Channels...)
	return out
}

// NotificationMeta describes the provenance of a delivered notification.
type NotificationMeta struct {
	// UniqueID identifies this emission; consumers use it to deduplicate
	// redeliveries.
	UniqueID       string           `json:"uniqueId"`
	Type           NotificationType `json:"type"`
	AgentID        string           `json:"agentId"`
	SubscriptionID string           `json:"subscriptionId"`
}

// NotificationMessage is the unit handed to the egress layer: one per
// (subscription, distinct channel type) per correlated event.
type NotificationMessage struct {
	Metadata NotificationMeta `json:"metadata"`
	Payload  json.RawMessage  `json:"payload"`
}
