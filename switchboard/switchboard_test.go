package switchboard

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sodazone/xcmon/engine"
	"github.com/sodazone/xcmon/errors"
	"github.com/sodazone/xcmon/notifier"
	"github.com/sodazone/xcmon/substore"
	"github.com/sodazone/xcmon/testutil"
	"github.com/sodazone/xcmon/types"
)

const (
	chainZero = types.NetworkURN("urn:ocn:local:0")
	chainOne  = types.NetworkURN("urn:ocn:local:1")
	chainTwo  = types.NetworkURN("urn:ocn:local:2")
)

// captureSink records enqueued deliveries.
type captureSink struct {
	mu         sync.Mutex
	deliveries []notifier.Delivery
}

func (c *captureSink) Enqueue(d notifier.Delivery) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deliveries = append(c.deliveries, d)
	return nil
}

func (c *captureSink) all() []notifier.Delivery {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]notifier.Delivery, len(c.deliveries))
	copy(out, c.deliveries)
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newSwitchboard(t *testing.T, opts ...Option) (*Switchboard, *captureSink) {
	t.Helper()
	sink := &captureSink{}
	sb := New(sink, "xcm", testLogger(), opts...)
	require.NoError(t, sb.Start(context.Background()))
	t.Cleanup(func() { _ = sb.Stop(time.Second) })
	return sb, sink
}

func mustSubscribe(t *testing.T, sb *Switchboard, sub types.Subscription) types.Subscription {
	t.Helper()
	registered, err := sb.Subscribe(context.Background(), sub)
	require.NoError(t, err)
	return registered
}

func wildcardSub(id string) types.Subscription {
	return types.Subscription{
		ID:           id,
		Owner:        "tester",
		Origins:      types.WildcardFilter(),
		Senders:      types.WildcardFilter(),
		Destinations: types.WildcardFilter(),
		Events:       types.WildcardFilter(),
		Channels:     []types.Channel{{Type: types.ChannelLog}},
		Ephemeral:    true,
	}
}

func matchedNotification(origin, destination types.NetworkURN) engine.Notification {
	return engine.Notification{
		Type:  types.NotifyMatched,
		Chain: origin,
		Journey: &types.Journey{
			MessageHash: "0xcafe",
			Origin:      origin,
			Destination: destination,
			Sent: &types.Sent{
				MessageHash: "0xcafe",
				Origin:      types.Waypoint{ChainID: origin},
				Destination: destination,
				Sender:      &types.SignerIdentity{Address: "alice"},
			},
			Status: types.StatusMatched,
		},
	}
}

func TestSubscribeRejectsInvalid(t *testing.T) {
	sb, _ := newSwitchboard(t)

	sub := wildcardSub("bad")
	sub.Channels = nil
	_, err := sb.Subscribe(context.Background(), sub)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestSubscribeAfterStopRejected(t *testing.T) {
	sink := &captureSink{}
	sb := New(sink, "xcm", testLogger())

	require.NoError(t, sb.Start(context.Background()))
	require.NoError(t, sb.Stop(time.Second))

	_, err := sb.Subscribe(context.Background(), wildcardSub("late"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrShuttingDown)
	assert.False(t, sb.IsLive("late"))

	// A restart accepts subscriptions again.
	require.NoError(t, sb.Start(context.Background()))
	defer func() { _ = sb.Stop(time.Second) }()
	mustSubscribe(t, sb, wildcardSub("late"))
	assert.True(t, sb.IsLive("late"))
}

func TestSubscribeRejectsOmittedSenders(t *testing.T) {
	sb, _ := newSwitchboard(t)

	// A nil senders list would match nothing and the subscription would
	// sit dead; it must be rejected up front.
	sub := wildcardSub("no-senders")
	sub.Senders = nil
	_, err := sb.Subscribe(context.Background(), sub)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
	assert.False(t, sb.IsLive("no-senders"))
}

func TestSubscribeGeneratesMissingID(t *testing.T) {
	sb, _ := newSwitchboard(t)

	sub := wildcardSub("")
	registered, err := sb.Subscribe(context.Background(), sub)
	require.NoError(t, err)
	assert.NotEmpty(t, registered.ID)
	assert.True(t, sb.IsLive(registered.ID))
}

func TestSubscribeDuplicateID(t *testing.T) {
	sb, _ := newSwitchboard(t)

	mustSubscribe(t, sb, wildcardSub("dup"))
	_, err := sb.Subscribe(context.Background(), wildcardSub("dup"))
	assert.ErrorIs(t, err, errors.ErrSubscriptionExists)
}

func TestDestinationFilterRouting(t *testing.T) {
	sb, sink := newSwitchboard(t)

	all := wildcardSub("all-destinations")
	mustSubscribe(t, sb, all)

	only1 := wildcardSub("only-chain-1")
	only1.Destinations = types.FilterList{string(chainOne)}
	mustSubscribe(t, sb, only1)

	// A journey to chain 2 notifies only the wildcard subscription.
	sb.Emit(context.Background(), matchedNotification(chainZero, chainTwo))

	deliveries := sink.all()
	require.Len(t, deliveries, 1)
	assert.Equal(t, "all-destinations", deliveries[0].Subscription.ID)
	assert.Equal(t, types.NotifyMatched, deliveries[0].Message.Metadata.Type)
	assert.NotEmpty(t, deliveries[0].Message.Metadata.UniqueID)
}

func TestSenderFilterRouting(t *testing.T) {
	sb, sink := newSwitchboard(t)

	sub := wildcardSub("alice-only")
	sub.Senders = types.FilterList{"alice"}
	mustSubscribe(t, sb, sub)

	sb.Emit(context.Background(), matchedNotification(chainZero, chainOne))
	require.Len(t, sink.all(), 1)

	// A journey with a different sender passes nothing.
	n := matchedNotification(chainZero, chainOne)
	n.Journey.Sent.Sender = &types.SignerIdentity{Address: "bob"}
	sb.Emit(context.Background(), n)
	assert.Len(t, sink.all(), 1)
}

func TestChannelDeduplication(t *testing.T) {
	sb, sink := newSwitchboard(t)

	sub := wildcardSub("dedupe")
	sub.Channels = []types.Channel{
		{Type: types.ChannelWebhook, URL: "http://a.example"},
		{Type: types.ChannelWebhook, URL: "http://b.example"},
		{Type: types.ChannelWebhook, URL: "http://a.example"},
		{Type: types.ChannelLog},
		{Type: types.ChannelLog},
	}
	mustSubscribe(t, sb, sub)

	sb.Emit(context.Background(), matchedNotification(chainZero, chainOne))

	// Two distinct webhooks plus one log channel.
	deliveries := sink.all()
	require.Len(t, deliveries, 3)
	urls := map[string]int{}
	for _, d := range deliveries {
		urls[string(d.Channel.Type)+"|"+d.Channel.URL]++
	}
	assert.Equal(t, 1, urls["webhook|http://a.example"])
	assert.Equal(t, 1, urls["webhook|http://b.example"])
	assert.Equal(t, 1, urls["log|"])
}

func TestUnsubscribeIsSynchronous(t *testing.T) {
	sb, sink := newSwitchboard(t)

	mustSubscribe(t, sb, wildcardSub("s1"))
	assert.True(t, sb.IsLive("s1"))

	require.NoError(t, sb.Unsubscribe(context.Background(), "s1"))
	assert.False(t, sb.IsLive("s1"))

	sb.Emit(context.Background(), matchedNotification(chainZero, chainOne))
	assert.Empty(t, sink.all())

	assert.ErrorIs(t, sb.Unsubscribe(context.Background(), "s1"), errors.ErrSubscriptionNotFound)
}

func TestUpdateRecompilesQueries(t *testing.T) {
	sb, sink := newSwitchboard(t)

	sub := wildcardSub("mutable")
	mustSubscribe(t, sb, sub)

	updated, err := sb.Update(context.Background(), "mutable", []PatchOp{
		{Op: opReplace, Path: "/destinations", Value: []byte(`["` + string(chainOne) + `"]`)},
	})
	require.NoError(t, err)
	assert.Equal(t, types.FilterList{string(chainOne)}, updated.Destinations)

	sb.Emit(context.Background(), matchedNotification(chainZero, chainTwo))
	assert.Empty(t, sink.all())

	sb.Emit(context.Background(), matchedNotification(chainZero, chainOne))
	assert.Len(t, sink.all(), 1)
}

func TestUpdateInvalidPatchLeavesSubscriptionUntouched(t *testing.T) {
	sb, sink := newSwitchboard(t)

	mustSubscribe(t, sb, wildcardSub("stable"))

	_, err := sb.Update(context.Background(), "stable", []PatchOp{
		{Op: opReplace, Path: "/owner", Value: []byte(`"mallory"`)},
	})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	// Routing still uses the original wildcard filters.
	sb.Emit(context.Background(), matchedNotification(chainZero, chainOne))
	assert.Len(t, sink.all(), 1)
}

func TestUpdateUnknownSubscription(t *testing.T) {
	sb, _ := newSwitchboard(t)

	_, err := sb.Update(context.Background(), "ghost", nil)
	assert.ErrorIs(t, err, errors.ErrSubscriptionNotFound)
}

func TestStreamRefcounting(t *testing.T) {
	sb, sink := newSwitchboard(t)

	s1 := wildcardSub("s1")
	s1.Origins = types.FilterList{string(chainZero)}
	s1.Destinations = types.FilterList{string(chainOne)}
	mustSubscribe(t, sb, s1)

	s2 := wildcardSub("s2")
	s2.Origins = types.FilterList{string(chainZero)}
	s2.Destinations = types.FilterList{string(chainOne)}
	mustSubscribe(t, sb, s2)

	// Both subscriptions share the chain 0 and chain 1 streams.
	sb.mu.RLock()
	assert.Equal(t, 2, sb.streams[chainZero])
	assert.Equal(t, 2, sb.streams[chainOne])
	sb.mu.RUnlock()

	require.NoError(t, sb.Unsubscribe(context.Background(), "s1"))
	sb.mu.RLock()
	assert.Equal(t, 1, sb.streams[chainZero])
	sb.mu.RUnlock()

	require.NoError(t, sb.Unsubscribe(context.Background(), "s2"))
	sb.mu.RLock()
	assert.Empty(t, sb.streams)
	sb.mu.RUnlock()

	// With no streams held, notifications for that chain are skipped.
	sb.Emit(context.Background(), matchedNotification(chainZero, chainOne))
	assert.Empty(t, sink.all())
}

func TestRawEventRouting(t *testing.T) {
	sb, sink := newSwitchboard(t)

	sub := wildcardSub("sent-only")
	sub.Events = types.FilterList{string(types.NotifySent)}
	mustSubscribe(t, sb, sub)

	sent := types.Sent{
		MessageHash: "0xbeef",
		Origin:      types.Waypoint{ChainID: chainZero},
		Destination: chainOne,
		Sender:      &types.SignerIdentity{Address: "alice"},
	}
	sb.Emit(context.Background(), engine.Notification{
		Type:  types.NotifySent,
		Chain: chainZero,
		Event: sent,
	})
	require.Len(t, sink.all(), 1)

	// Terminal notifications do not pass the events filter.
	sb.Emit(context.Background(), matchedNotification(chainZero, chainOne))
	assert.Len(t, sink.all(), 1)
}

func TestPersistentSubscriptionsReloadOnStart(t *testing.T) {
	kv := testutil.NewMemKV()
	store := substore.NewStore(kv)

	sink := &captureSink{}
	first := New(sink, "xcm", testLogger(), WithStore(store))
	require.NoError(t, first.Start(context.Background()))

	durable := wildcardSub("durable")
	durable.Ephemeral = false
	mustSubscribe(t, first, durable)

	ephemeral := wildcardSub("fleeting")
	mustSubscribe(t, first, ephemeral)
	require.NoError(t, first.Stop(time.Second))

	// A fresh switchboard over the same store sees only the durable one.
	second := New(sink, "xcm", testLogger(), WithStore(store))
	require.NoError(t, second.Start(context.Background()))
	defer func() { _ = second.Stop(time.Second) }()

	assert.True(t, second.IsLive("durable"))
	assert.False(t, second.IsLive("fleeting"))

	second.Emit(context.Background(), matchedNotification(chainZero, chainOne))
	deliveries := sink.all()
	require.Len(t, deliveries, 1)
	assert.Equal(t, "durable", deliveries[0].Subscription.ID)
}

func TestGetAndList(t *testing.T) {
	sb, _ := newSwitchboard(t)

	mustSubscribe(t, sb, wildcardSub("a"))
	mustSubscribe(t, sb, wildcardSub("b"))

	got, err := sb.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "a", got.ID)

	_, err = sb.Get("missing")
	assert.ErrorIs(t, err, errors.ErrSubscriptionNotFound)

	assert.Len(t, sb.List(), 2)
}
