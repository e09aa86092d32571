package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sodazone/xcmon/errors"
	"github.com/sodazone/xcmon/scheduler"
	"github.com/sodazone/xcmon/testutil"
	"github.com/sodazone/xcmon/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func chain(id string) types.NetworkURN {
	return types.NetworkURN("urn:ocn:local:" + id)
}

// captureSink records notifications emitted by the engine. Emissions happen
// on the actor goroutine, so access is locked.
type captureSink struct {
	mu  sync.Mutex
	all []Notification
}

func (c *captureSink) Emit(_ context.Context, n Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.all = append(c.all, n)
}

func (c *captureSink) byType(t types.NotificationType) []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Notification
	for _, n := range c.all {
		if n.Type == t {
			out = append(out, n)
		}
	}
	return out
}

func sentEvent(hash string, from, to string) types.Sent {
	return types.Sent{
		MessageHash: hash,
		Origin: types.Waypoint{
			ChainID:     chain(from),
			BlockNumber: 100,
			Timestamp:   time.Now(),
		},
		Destination: chain(to),
		Sender:      &types.SignerIdentity{Address: "alice"},
		Timestamp:   time.Now(),
	}
}

func receivedEvent(hash string, at string, outcome types.Outcome) types.Received {
	return types.Received{
		MessageHash: hash,
		Waypoint: types.Waypoint{
			ChainID:     chain(at),
			BlockNumber: 200,
			Timestamp:   time.Now(),
		},
		Outcome: outcome,
	}
}

type engineFixture struct {
	rowKV  *testutil.MemKV
	taskKV *testutil.MemKV
	sched  *scheduler.Scheduler
	eng    *Engine
	sink   *captureSink
}

func newEngineFixture(t *testing.T, opts ...Option) *engineFixture {
	t.Helper()

	rowKV := testutil.NewMemKV()
	taskKV := testutil.NewMemKV()
	sched := scheduler.New(taskKV, testLogger(), scheduler.WithTickInterval(10*time.Millisecond))
	janitor := scheduler.NewJanitor(sched, testLogger())
	sink := &captureSink{}

	eng := New(rowKV, janitor, sink, testLogger(), opts...)
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(func() { _ = eng.Stop(time.Second) })

	return &engineFixture{rowKV: rowKV, taskKV: taskKV, sched: sched, eng: eng, sink: sink}
}

// startScheduler runs the timeout sweeps for tests that need expiries to fire.
func (f *engineFixture) startScheduler(t *testing.T) {
	t.Helper()
	require.NoError(t, f.sched.Start(context.Background()))
	t.Cleanup(func() { _ = f.sched.Stop(time.Second) })
}

func TestMatchSentThenReceived(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	require.NoError(t, f.eng.OnEvent(ctx, sentEvent("0xM0", "0", "1")))
	require.NoError(t, f.eng.OnEvent(ctx, receivedEvent("0xM0", "1", types.OutcomeSuccess)))

	matched := f.sink.byType(types.NotifyMatched)
	require.Len(t, matched, 1)

	j := matched[0].Journey
	require.NotNil(t, j)
	assert.Equal(t, "0xM0", j.MessageHash)
	assert.Equal(t, chain("0"), j.Origin)
	assert.Equal(t, chain("1"), j.Destination)
	assert.Equal(t, types.StatusMatched, j.Status)
	require.NotNil(t, j.Sent)
	require.NotNil(t, j.Received)

	// Raw observations are emitted alongside the resolution.
	assert.Len(t, f.sink.byType(types.NotifySent), 1)
	assert.Len(t, f.sink.byType(types.NotifyReceived), 1)

	assert.Equal(t, 0, f.rowKV.Len(), "resolved row is deleted")
}

func TestMatchReceivedThenSent(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	// Arrival order is not guaranteed across chains; the join commutes.
	require.NoError(t, f.eng.OnEvent(ctx, receivedEvent("0xM0", "1", types.OutcomeSuccess)))
	require.NoError(t, f.eng.OnEvent(ctx, sentEvent("0xM0", "0", "1")))

	matched := f.sink.byType(types.NotifyMatched)
	require.Len(t, matched, 1)
	assert.Equal(t, chain("0"), matched[0].Journey.Origin)
	assert.Equal(t, chain("1"), matched[0].Journey.Destination)
	assert.Equal(t, 0, f.rowKV.Len())
}

func TestFailedOutcomeResolvesTrapped(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	require.NoError(t, f.eng.OnEvent(ctx, sentEvent("0xM1", "0", "1")))
	require.NoError(t, f.eng.OnEvent(ctx, receivedEvent("0xM1", "1", types.OutcomeFail)))

	assert.Empty(t, f.sink.byType(types.NotifyMatched))
	trapped := f.sink.byType(types.NotifyTrapped)
	require.Len(t, trapped, 1)
	assert.Equal(t, types.StatusTrapped, trapped[0].Journey.Status)
}

func TestDuplicateSentIsIdempotent(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	ev := sentEvent("0xM2", "0", "1")
	require.NoError(t, f.eng.OnEvent(ctx, ev))
	require.NoError(t, f.eng.OnEvent(ctx, ev))
	assert.Equal(t, 1, f.rowKV.Len(), "redelivered send reuses the pending row")

	require.NoError(t, f.eng.OnEvent(ctx, receivedEvent("0xM2", "1", types.OutcomeSuccess)))
	assert.Len(t, f.sink.byType(types.NotifyMatched), 1)
}

func TestMultiLegSentTracksEachLeg(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	ev := sentEvent("0xM3", "0", "2")
	ev.Legs = []types.Leg{
		{From: chain("0"), To: chain("1"), Type: types.LegHop},
		{From: chain("1"), To: chain("2"), Type: types.LegHRMP},
	}
	require.NoError(t, f.eng.OnEvent(ctx, ev))
	assert.Equal(t, 2, f.rowKV.Len(), "one pending row per leg")

	require.NoError(t, f.eng.OnEvent(ctx, receivedEvent("0xM3", "2", types.OutcomeSuccess)))

	matched := f.sink.byType(types.NotifyMatched)
	require.Len(t, matched, 1)
	assert.Equal(t, chain("2"), matched[0].Journey.Destination)
	assert.Equal(t, 1, f.rowKV.Len(), "the other leg stays pending")
}

func TestTimeoutEmitsExactlyOnce(t *testing.T) {
	f := newEngineFixture(t, WithTimeout(time.Millisecond))
	ctx := context.Background()

	require.NoError(t, f.eng.OnEvent(ctx, sentEvent("0xM4", "0", "1")))
	f.startScheduler(t)

	require.Eventually(t, func() bool {
		return len(f.sink.byType(types.NotifyTimeout)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	j := f.sink.byType(types.NotifyTimeout)[0].Journey
	assert.Equal(t, types.StatusTimeout, j.Status)
	assert.Equal(t, chain("0"), j.Origin)
	assert.Equal(t, chain("1"), j.Destination)
	assert.Equal(t, 0, f.rowKV.Len())

	// Further ticks must not re-emit.
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, f.sink.byType(types.NotifyTimeout), 1)
}

func TestOrphanReceiptExpires(t *testing.T) {
	f := newEngineFixture(t, WithTimeout(time.Millisecond))
	ctx := context.Background()

	require.NoError(t, f.eng.OnEvent(ctx, receivedEvent("0xM5", "1", types.OutcomeSuccess)))
	f.startScheduler(t)

	require.Eventually(t, func() bool {
		return len(f.sink.byType(types.NotifyOrphaned)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	j := f.sink.byType(types.NotifyOrphaned)[0].Journey
	assert.Equal(t, types.StatusOrphaned, j.Status)
	assert.Equal(t, chain("1"), j.Destination)
	assert.Empty(t, j.Origin)
	assert.Nil(t, j.Sent)
}

func TestNoTimeoutAfterResolution(t *testing.T) {
	f := newEngineFixture(t, WithTimeout(time.Millisecond))
	ctx := context.Background()

	// Match completes before the sweeps run; the overdue sweep must
	// then find nothing.
	require.NoError(t, f.eng.OnEvent(ctx, sentEvent("0xM6", "0", "1")))
	require.NoError(t, f.eng.OnEvent(ctx, receivedEvent("0xM6", "1", types.OutcomeSuccess)))

	f.startScheduler(t)
	require.Eventually(t, func() bool {
		return f.taskKV.Len() == 0
	}, 2*time.Second, 10*time.Millisecond)

	assert.Len(t, f.sink.byType(types.NotifyMatched), 1)
	assert.Empty(t, f.sink.byType(types.NotifyTimeout))
}

func TestTrailObservationsJoinTheJourney(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	require.NoError(t, f.eng.OnEvent(ctx, sentEvent("0xM7", "0", "2")))

	hopAt := types.Waypoint{ChainID: chain("1"), BlockNumber: 150, Timestamp: time.Now()}
	require.NoError(t, f.eng.OnEvent(ctx, types.Hop{MessageHash: "0xM7", Waypoint: hopAt}))
	assert.Len(t, f.sink.byType(types.NotifyHop), 1)

	require.NoError(t, f.eng.OnEvent(ctx, receivedEvent("0xM7", "2", types.OutcomeSuccess)))

	matched := f.sink.byType(types.NotifyMatched)
	require.Len(t, matched, 1)
	require.Len(t, matched[0].Journey.Waypoints, 1)
	assert.Equal(t, chain("1"), matched[0].Journey.Waypoints[0].ChainID)
}

func TestTrailIgnoresOtherMessages(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	require.NoError(t, f.eng.OnEvent(ctx, sentEvent("0xAA", "0", "1")))
	require.NoError(t, f.eng.OnEvent(ctx, types.Relayed{
		MessageHash: "0xBB",
		Waypoint:    types.Waypoint{ChainID: chain("9")},
	}))

	require.NoError(t, f.eng.OnEvent(ctx, receivedEvent("0xAA", "1", types.OutcomeSuccess)))
	matched := f.sink.byType(types.NotifyMatched)
	require.Len(t, matched, 1)
	assert.Empty(t, matched[0].Journey.Waypoints)
}

func TestStorageFailurePropagatesForRedelivery(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	f.rowKV.FailNext = true
	err := f.eng.OnEvent(ctx, sentEvent("0xM8", "0", "1"))
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, 0, f.rowKV.Len())

	// Redelivery after the outage succeeds.
	require.NoError(t, f.eng.OnEvent(ctx, sentEvent("0xM8", "0", "1")))
	assert.Equal(t, 1, f.rowKV.Len())
}

func TestNilEventRejected(t *testing.T) {
	f := newEngineFixture(t)

	err := f.eng.OnEvent(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestOnEventAfterStop(t *testing.T) {
	f := newEngineFixture(t)
	require.NoError(t, f.eng.Stop(time.Second))

	err := f.eng.OnEvent(context.Background(), sentEvent("0xM9", "0", "1"))
	assert.Error(t, err)
}

func TestCorrelationKeyIsKVSafe(t *testing.T) {
	key := correlationKey("0xdead", chain("2000"))
	assert.Equal(t, "0xdead.urn-ocn-local-2000", key)
	assert.NotContains(t, key, ":")

	assert.Equal(t, "0xdead.", hashPrefix("0xdead"))
}
