package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterListJSON(t *testing.T) {
	var fl FilterList
	require.NoError(t, json.Unmarshal([]byte(`"*"`), &fl))
	assert.True(t, fl.IsWildcard())

	out, err := json.Marshal(fl)
	require.NoError(t, err)
	assert.Equal(t, `"*"`, string(out))

	require.NoError(t, json.Unmarshal([]byte(`["a","b"]`), &fl))
	assert.Equal(t, FilterList{"a", "b"}, fl)
	assert.False(t, fl.IsWildcard())

	out, err = json.Marshal(fl)
	require.NoError(t, err)
	assert.Equal(t, `["a","b"]`, string(out))

	assert.Error(t, json.Unmarshal([]byte(`"not-a-wildcard"`), &fl))
	assert.Error(t, json.Unmarshal([]byte(`42`), &fl))
}

func TestFilterListContains(t *testing.T) {
	assert.True(t, WildcardFilter().Contains("anything"))
	assert.True(t, FilterList{"a", "b"}.Contains("b"))
	assert.False(t, FilterList{"a", "b"}.Contains("c"))
}

func TestNetworkURN(t *testing.T) {
	u, err := ParseNetworkURN("urn:ocn:polkadot:2004")
	require.NoError(t, err)
	assert.Equal(t, "polkadot", u.Consensus())
	assert.Equal(t, "2004", u.ChainID())
	assert.Equal(t, "urn-ocn-polkadot-2004", u.Token())

	for _, bad := range []string{"", "urn:ocn:polkadot", "urn:x:polkadot:0", "nope:ocn:a:b", "urn:ocn::0"} {
		_, err := ParseNetworkURN(bad)
		assert.Error(t, err, bad)
	}
}

func TestEventEnvelopeRoundTrip(t *testing.T) {
	sent := Sent{
		MessageHash: "0xabc",
		TopicID:     "0xtopic",
		Origin:      Waypoint{ChainID: "urn:ocn:local:0", BlockNumber: 7},
		Destination: "urn:ocn:local:1",
		Sender:      &SignerIdentity{Address: "alice"},
		Timestamp:   time.Now().UTC().Truncate(time.Second),
	}

	data, err := EncodeEvent(sent)
	require.NoError(t, err)

	got, err := DecodeEvent(data)
	require.NoError(t, err)
	assert.Equal(t, sent, got)
	assert.Equal(t, NotifySent, got.Type())
	assert.Equal(t, "0xabc", got.Hash())
}

func TestDecodeEventVariants(t *testing.T) {
	for _, ev := range []Event{
		Received{MessageHash: "0x1", Waypoint: Waypoint{ChainID: "urn:ocn:local:1"}, Outcome: OutcomeFail, Error: "trapped"},
		Relayed{MessageHash: "0x2", Waypoint: Waypoint{ChainID: "urn:ocn:local:2"}},
		Hop{MessageHash: "0x3", Waypoint: Waypoint{ChainID: "urn:ocn:local:3"}},
		Bridge{MessageHash: "0x4", Waypoint: Waypoint{ChainID: "urn:ocn:local:4"}},
	} {
		data, err := EncodeEvent(ev)
		require.NoError(t, err)
		got, err := DecodeEvent(data)
		require.NoError(t, err)
		assert.Equal(t, ev, got)
	}
}

func TestDecodeEventRejectsGarbage(t *testing.T) {
	_, err := DecodeEvent([]byte(`{"type":"teleport","payload":{}}`))
	assert.Error(t, err)

	_, err = DecodeEvent([]byte(`not json`))
	assert.Error(t, err)

	_, err = DecodeEvent([]byte(`{"type":"sent","payload":"not-an-object"}`))
	assert.Error(t, err)
}

func validSub() Subscription {
	return Subscription{
		ID:           "s1",
		Origins:      FilterList{"urn:ocn:local:0"},
		Senders:      WildcardFilter(),
		Destinations: WildcardFilter(),
		Events:       WildcardFilter(),
		Channels:     []Channel{{Type: ChannelLog}},
	}
}

func TestSubscriptionValidate(t *testing.T) {
	require.NoError(t, validSub().Validate())

	cases := []struct {
		name   string
		mutate func(*Subscription)
	}{
		{"missing id", func(s *Subscription) { s.ID = "" }},
		{"no channels", func(s *Subscription) { s.Channels = nil }},
		{"unknown channel type", func(s *Subscription) { s.Channels = []Channel{{Type: "carrier-pigeon"}} }},
		{"webhook without url", func(s *Subscription) { s.Channels = []Channel{{Type: ChannelWebhook}} }},
		{"empty origins", func(s *Subscription) { s.Origins = nil }},
		{"empty destinations", func(s *Subscription) { s.Destinations = nil }},
		{"empty senders", func(s *Subscription) { s.Senders = nil }},
		{"malformed origin urn", func(s *Subscription) { s.Origins = FilterList{"local:0"} }},
		{"empty events", func(s *Subscription) { s.Events = nil }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sub := validSub()
			tc.mutate(&sub)
			assert.Error(t, sub.Validate())
		})
	}
}

func TestSubscriptionCloneIsDeep(t *testing.T) {
	orig := validSub()
	clone := orig.Clone()

	clone.Origins[0] = "urn:ocn:local:9"
	clone.Channels[0].Type = ChannelWebsocket

	assert.Equal(t, FilterList{"urn:ocn:local:0"}, orig.Origins)
	assert.Equal(t, ChannelLog, orig.Channels[0].Type)
}

func TestJourneyStatusNotificationFor(t *testing.T) {
	assert.Equal(t, NotifyMatched, StatusMatched.NotificationFor())
	assert.Equal(t, NotifyTrapped, StatusTrapped.NotificationFor())
	assert.Equal(t, NotifyTimeout, StatusTimeout.NotificationFor())
	assert.Equal(t, NotifyOrphaned, StatusOrphaned.NotificationFor())
}

func TestJourneySenderIdentity(t *testing.T) {
	j := Journey{Sent: &Sent{Sender: &SignerIdentity{Address: "alice"}}}
	require.NotNil(t, j.SenderIdentity())
	assert.Equal(t, "alice", j.SenderIdentity().Address)

	orphan := Journey{Status: StatusOrphaned}
	assert.Nil(t, orphan.SenderIdentity())
}
