package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// NotificationType identifies the kind of notification flowing through the
// system, covering both raw chain events and correlated journey outcomes.
type NotificationType string

// Notification types for raw events and correlated outcomes
const (
	NotifySent     NotificationType = "sent"
	NotifyReceived NotificationType = "received"
	NotifyRelayed  NotificationType = "relayed"
	NotifyHop      NotificationType = "hop"
	NotifyBridge   NotificationType = "bridge"
	NotifyMatched  NotificationType = "matched"
	NotifyTrapped  NotificationType = "trapped"
	NotifyTimeout  NotificationType = "timeout"
	NotifyOrphaned NotificationType = "orphaned"
)

// Outcome is the execution result reported by a destination chain.
type Outcome string

// Execution outcomes
const (
	OutcomeSuccess Outcome = "success"
	OutcomeFail    Outcome = "fail"
)

// Waypoint is a chain/block/time coordinate where an event was observed.
type Waypoint struct {
	ChainID     NetworkURN `json:"chainId"`
	BlockNumber uint64     `json:"blockNumber"`
	BlockHash   string     `json:"blockHash"`
	Timestamp   time.Time  `json:"timestamp"`
}

// LegType classifies a single hop of a journey.
type LegType string

// Leg types
const (
	LegHop    LegType = "hop"
	LegHRMP   LegType = "hrmp"
	LegBridge LegType = "bridge"
)

// Leg is one origin-to-destination hop of a possibly multi-hop journey.
// A Sent event with N legs implies N correlation obligations.
type Leg struct {
	From NetworkURN `json:"from"`
	To   NetworkURN `json:"to"`
	Type LegType    `json:"type"`
}

// SignerIdentity carries the identity representations of a message sender.
// Multi-signer transactions list co-signers in ExtraSigners.
type SignerIdentity struct {
	Address      string   `json:"address"`
	PublicKey    string   `json:"publicKey,omitempty"`
	ExtraSigners []string `json:"extraSigners,omitempty"`
}

// Event is the closed sum type of normalized per-chain events consumed by
// the matching engine. Variants: Sent, Received, Relayed, Hop, Bridge.
type Event interface {
	// Hash returns the cross-chain message hash shared by all legs.
	Hash() string
	// Type returns the notification type of the event.
	Type() NotificationType

	isEvent()
}

// Sent records a cross-chain message dispatched on an origin chain.
type Sent struct {
	MessageHash string          `json:"messageHash"`
	TopicID     string          `json:"topicId,omitempty"`
	Origin      Waypoint        `json:"origin"`
	Destination NetworkURN      `json:"destination"`
	Legs        []Leg           `json:"legs,omitempty"`
	Sender      *SignerIdentity `json:"sender,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Received records a cross-chain message delivered and executed on a
// destination chain.
type Received struct {
	MessageHash string   `json:"messageHash"`
	Waypoint    Waypoint `json:"waypoint"`
	Outcome     Outcome  `json:"outcome"`
	Error       string   `json:"error,omitempty"`
}

// Relayed records a message observed at a relay hop, without execution.
type Relayed struct {
	MessageHash string   `json:"messageHash"`
	Waypoint    Waypoint `json:"waypoint"`
}

// Hop records a message observed at an intermediate forwarding point.
type Hop struct {
	MessageHash string   `json:"messageHash"`
	Waypoint    Waypoint `json:"waypoint"`
}

// Bridge records a message observed at a bridging point.
type Bridge struct {
	MessageHash string   `json:"messageHash"`
	Waypoint    Waypoint `json:"waypoint"`
}

// Hash implements Event.
func (s Sent) Hash() string { return s.MessageHash }

// Type implements Event.
func (s Sent) Type() NotificationType { return NotifySent }

func (s Sent) isEvent() {}

// Hash implements Event.
func (r Received) Hash() string { return r.MessageHash }

// Type implements Event.
func (r Received) Type() NotificationType { return NotifyReceived }

func (r Received) isEvent() {}

// Hash implements Event.
func (r Relayed) Hash() string { return r.MessageHash }

// Type implements Event.
func (r Relayed) Type() NotificationType { return NotifyRelayed }

func (r Relayed) isEvent() {}

// Hash implements Event.
func (h Hop) Hash() string { return h.MessageHash }

// Type implements Event.
func (h Hop) Type() NotificationType { return NotifyHop }

func (h Hop) isEvent() {}

// Hash implements Event.
func (b Bridge) Hash() string { return b.MessageHash }

// Type implements Event.
func (b Bridge) Type() NotificationType { return NotifyBridge }

func (b Bridge) isEvent() {}

// eventEnvelope is the tagged wire form of an Event.
type eventEnvelope struct {
	Type    NotificationType `json:"type"`
	Payload json.RawMessage  `json:"payload"`
}

// EncodeEvent marshals an event into its tagged wire envelope.
func EncodeEvent(ev Event) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", ev.Type(), err)
	}
	return json.Marshal(eventEnvelope{Type: ev.Type(), Payload: payload})
}

// DecodeEvent unmarshals a tagged wire envelope into its concrete variant.
func DecodeEvent(data []byte) (Event, error) {
	var env eventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal event envelope: %w", err)
	}

	switch env.Type {
	case NotifySent:
		var ev Sent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return nil, fmt.Errorf("unmarshal sent payload: %w", err)
		}
		return ev, nil
	case NotifyReceived:
		var ev Received
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return nil, fmt.Errorf("unmarshal received payload: %w", err)
		}
		return ev, nil
	case NotifyRelayed:
		var ev Relayed
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return nil, fmt.Errorf("unmarshal relayed payload: %w", err)
		}
		return ev, nil
	case NotifyHop:
		var ev Hop
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return nil, fmt.Errorf("unmarshal hop payload: %w", err)
		}
		return ev, nil
	case NotifyBridge:
		var ev Bridge
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return nil, fmt.Errorf("unmarshal bridge payload: %w", err)
		}
		return ev, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", env.Type)
	}
}
