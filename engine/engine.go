package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sodazone/xcmon/errors"
	"github.com/sodazone/xcmon/natsclient"
	"github.com/sodazone/xcmon/scheduler"
	"github.com/sodazone/xcmon/types"
)

// Notification is the engine's output unit: a raw event observation, a
// journey progress update, or a terminal journey resolution, tagged with
// the chain whose stream it belongs to.
type Notification struct {
	Type    types.NotificationType
	Chain   types.NetworkURN
	Journey *types.Journey
	Event   types.Event
}

// Emitter receives engine notifications. The switchboard's stream registry
// implements it.
type Emitter interface {
	Emit(ctx context.Context, n Notification)
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(ctx context.Context, n Notification)

// Emit implements Emitter.
func (f EmitterFunc) Emit(ctx context.Context, n Notification) { f(ctx, n) }

// op is one unit of actor work: an inbound event or a janitor sweep.
type op struct {
	event types.Event
	sweep *scheduler.Sweep
	// result reports processing outcome to the submitting watcher; nil
	// for fire-and-forget sweeps.
	result chan error
}

// Engine is the matching engine: a persistent, idempotent, timeout-aware
// join across unordered, independently-arriving event streams.
//
// A single goroutine owns the KV handle and processes events strictly
// sequentially, so per-key mutual exclusion holds by construction. The
// janitor's sweep deletes race resolutions only through the KV's
// revision-checked delete, which lets exactly one of {match, timeout} win.
type Engine struct {
	kv      natsclient.KV
	janitor *scheduler.Janitor
	emitter Emitter
	logger  *slog.Logger
	timeout time.Duration

	input chan op

	lifecycleMu sync.Mutex
	running     bool
	shutdown    chan struct{}
	wg          sync.WaitGroup

	metrics *engineMetrics
}

// Option configures an Engine.
type Option func(*Engine)

// WithTimeout sets the wall-clock budget a leg may stay pending before a
// timeout sweep fires.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithQueueSize sets the actor mailbox capacity.
func WithQueueSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.input = make(chan op, n)
		}
	}
}

// New creates a matching engine over the given pending-rows KV namespace.
// The janitor must sweep the same namespace; the engine registers itself
// as sublevel owner and sweep listener.
func New(kv natsclient.KV, janitor *scheduler.Janitor, emitter Emitter, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		kv:      kv,
		janitor: janitor,
		emitter: emitter,
		logger:  logger,
		timeout: 2 * time.Minute,
		input:   make(chan op, 1024),
	}
	for _, opt := range opts {
		opt(e)
	}

	janitor.RegisterSublevel(Sublevel, kv)
	janitor.OnSweep(e.onSweep)

	return e
}

// SetMetrics wires engine metrics; call before Start.
func (e *Engine) SetMetrics(m *engineMetrics) { e.metrics = m }

// Name implements component.Lifecycle.
func (e *Engine) Name() string { return "engine" }

// Initialize implements component.Lifecycle.
func (e *Engine) Initialize() error { return nil }

// Start launches the actor goroutine.
func (e *Engine) Start(ctx context.Context) error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()

	if e.running {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Engine", "Start", "check running state")
	}
	e.running = true
	e.shutdown = make(chan struct{})

	e.wg.Add(1)
	go e.loop(ctx)

	e.logger.Info("Matching engine started", "timeout", e.timeout)
	return nil
}

// Stop drains the actor. Submitted events still in the mailbox are
// processed before the goroutine exits.
func (e *Engine) Stop(timeout time.Duration) error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()

	if !e.running {
		return nil
	}
	e.running = false
	close(e.shutdown)

	waitCh := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(
			fmt.Errorf("shutdown timeout after %v", timeout),
			"Engine", "Stop", "graceful shutdown")
	}
}

// OnEvent submits a normalized event and blocks until the actor has
// processed it. Storage failures are returned to the caller so the
// upstream watcher can redeliver the event; the matching logic itself
// provides the at-most-once notification guarantee on top of that
// at-least-once delivery.
func (e *Engine) OnEvent(ctx context.Context, ev types.Event) error {
	if ev == nil {
		return errors.WrapInvalid(errors.ErrInvalidEvent, "Engine", "OnEvent", "nil event")
	}

	select {
	case <-e.shutdown:
		return errors.WrapTransient(errors.ErrShuttingDown, "Engine", "OnEvent", "submit event")
	default:
	}

	result := make(chan error, 1)
	select {
	case e.input <- op{event: ev, result: result}:
	case <-e.shutdown:
		return errors.WrapTransient(errors.ErrShuttingDown, "Engine", "OnEvent", "submit event")
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "Engine", "OnEvent", "submit event")
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "Engine", "OnEvent", "await result")
	case <-e.shutdown:
		// The shutdown drain may still process the submitted op; collect
		// its result if so, otherwise report for redelivery.
		select {
		case err := <-result:
			return err
		default:
			return errors.WrapTransient(errors.ErrShuttingDown, "Engine", "OnEvent", "await result")
		}
	}
}

// onSweep forwards janitor sweeps of the matching sublevel into the actor
// mailbox. The row is already deleted; only the emission remains.
func (e *Engine) onSweep(_ context.Context, sw scheduler.Sweep) {
	if sw.Sublevel != Sublevel {
		return
	}
	swCopy := sw
	select {
	case e.input <- op{sweep: &swCopy}:
	case <-e.shutdown:
		e.logger.Warn("Dropping sweep during shutdown", "key", sw.Key)
	}
}

func (e *Engine) loop(ctx context.Context) {
	defer e.wg.Done()

	for {
		select {
		case <-e.shutdown:
			// Drain the mailbox so submitted watchers are not left
			// hanging on their result channel.
			for {
				select {
				case o := <-e.input:
					e.process(ctx, o)
				default:
					return
				}
			}
		case o := <-e.input:
			e.process(ctx, o)
		}
	}
}

func (e *Engine) process(ctx context.Context, o op) {
	var err error
	start := time.Now()

	switch {
	case o.sweep != nil:
		e.processSweep(ctx, *o.sweep)
	default:
		switch ev := o.event.(type) {
		case types.Sent:
			err = e.onSent(ctx, ev)
		case types.Received:
			err = e.onReceived(ctx, ev)
		case types.Relayed:
			err = e.onTrail(ctx, ev, ev.Waypoint)
		case types.Hop:
			err = e.onTrail(ctx, ev, ev.Waypoint)
		case types.Bridge:
			err = e.onTrail(ctx, ev, ev.Waypoint)
		default:
			err = errors.WrapInvalid(errors.ErrUnknownEvent, "Engine", "process",
				fmt.Sprintf("dispatch %T", o.event))
		}
	}

	if e.metrics != nil && o.event != nil {
		e.metrics.recordProcessed(string(o.event.Type()), err == nil, time.Since(start))
	}

	if o.result != nil {
		o.result <- err
	}
}

// legs returns the correlation obligations implied by a Sent event: one
// per declared leg, or a single origin-to-destination leg when absent.
func sentLegs(ev types.Sent) []types.Leg {
	if len(ev.Legs) > 0 {
		return ev.Legs
	}
	return []types.Leg{{
		From: ev.Origin.ChainID,
		To:   ev.Destination,
		Type: types.LegHop,
	}}
}

// onSent handles a message dispatch: for each leg, either resolve against
// a waiting receipt or persist a pending row and schedule its expiry.
func (e *Engine) onSent(ctx context.Context, ev types.Sent) error {
	for _, leg := range sentLegs(ev) {
		key := correlationKey(ev.MessageHash, leg.To)

		entry, err := e.kv.Get(ctx, key)
		switch {
		case err == nil && entry != nil:
			var stored correlationEntry
			if uerr := json.Unmarshal(entry.Value, &stored); uerr != nil {
				return errors.WrapFatal(uerr, "Engine", "onSent", "unmarshal pending row")
			}
			if stored.Kind == kindSent {
				// Duplicate send observation; the first one owns the row.
				e.logger.Debug("Duplicate sent for pending leg", "key", key)
				continue
			}
			// Receipt arrived first: resolve now.
			if rerr := e.resolve(ctx, key, entry.Revision, &ev, stored.Received, leg, stored.Waypoints); rerr != nil {
				return rerr
			}
		case err == natsclient.ErrKVKeyNotFound:
			if perr := e.persistPending(ctx, key, correlationEntry{
				Key:       key,
				Kind:      kindSent,
				Sent:      &ev,
				Leg:       &leg,
				CreatedAt: time.Now(),
				ExpiresAt: time.Now().Add(e.timeout),
			}); perr != nil {
				return perr
			}
		default:
			return errors.WrapTransient(err, "Engine", "onSent", "read pending row")
		}
	}

	e.emit(ctx, Notification{
		Type:  types.NotifySent,
		Chain: ev.Origin.ChainID,
		Event: ev,
	})
	return nil
}

// onReceived handles a delivery/execution receipt, symmetric to onSent.
func (e *Engine) onReceived(ctx context.Context, ev types.Received) error {
	key := correlationKey(ev.MessageHash, ev.Waypoint.ChainID)

	entry, err := e.kv.Get(ctx, key)
	switch {
	case err == nil && entry != nil:
		var stored correlationEntry
		if uerr := json.Unmarshal(entry.Value, &stored); uerr != nil {
			return errors.WrapFatal(uerr, "Engine", "onReceived", "unmarshal pending row")
		}
		if stored.Kind == kindReceived {
			e.logger.Debug("Duplicate received for pending leg", "key", key)
			break
		}
		leg := types.Leg{From: stored.Sent.Origin.ChainID, To: ev.Waypoint.ChainID}
		if stored.Leg != nil {
			leg = *stored.Leg
		}
		if rerr := e.resolve(ctx, key, entry.Revision, stored.Sent, &ev, leg, stored.Waypoints); rerr != nil {
			return rerr
		}
	case err == natsclient.ErrKVKeyNotFound:
		if perr := e.persistPending(ctx, key, correlationEntry{
			Key:       key,
			Kind:      kindReceived,
			Received:  &ev,
			CreatedAt: time.Now(),
			ExpiresAt: time.Now().Add(e.timeout),
		}); perr != nil {
			return perr
		}
	default:
		return errors.WrapTransient(err, "Engine", "onReceived", "read pending row")
	}

	e.emit(ctx, Notification{
		Type:  types.NotifyReceived,
		Chain: ev.Waypoint.ChainID,
		Event: ev,
	})
	return nil
}

// persistPending stores a partial and schedules its expiry sweep.
func (e *Engine) persistPending(ctx context.Context, key string, entry correlationEntry) error {
	value, err := json.Marshal(entry)
	if err != nil {
		return errors.WrapFatal(err, "Engine", "persistPending", "marshal pending row")
	}
	if _, err := e.kv.Create(ctx, key, value); err != nil {
		if err == natsclient.ErrKVKeyExists {
			// The actor is the only writer; an existing row means a
			// duplicate delivery raced an earlier submission.
			e.logger.Debug("Pending row already present", "key", key)
			return nil
		}
		return errors.WrapTransient(err, "Engine", "persistPending", "create pending row")
	}
	if err := e.janitor.ScheduleSweep(ctx, entry.ExpiresAt, Sublevel, key); err != nil {
		return errors.WrapTransient(err, "Engine", "persistPending", "schedule sweep")
	}
	if e.metrics != nil {
		e.metrics.recordPending(string(entry.Kind))
	}
	return nil
}

// resolve performs the atomic get-then-delete that terminates a leg. The
// revision-checked delete guarantees at most one of {match, timeout} wins
// even against a concurrent janitor sweep.
func (e *Engine) resolve(ctx context.Context, key string, revision uint64,
	sent *types.Sent, received *types.Received, leg types.Leg, trail []types.Waypoint) error {

	if err := e.kv.DeleteRevision(ctx, key, revision); err != nil {
		if err == natsclient.ErrKVKeyNotFound || err == natsclient.ErrKVRevisionMismatch {
			// The sweep consumed the row first; its emission stands.
			e.logger.Debug("Lost resolution race to sweep", "key", key)
			return nil
		}
		return errors.WrapTransient(err, "Engine", "resolve", "delete pending row")
	}

	status := types.StatusMatched
	if received.Outcome == types.OutcomeFail {
		status = types.StatusTrapped
	}

	journey := &types.Journey{
		MessageHash: sent.MessageHash,
		TopicID:     sent.TopicID,
		Origin:      sent.Origin.ChainID,
		Destination: leg.To,
		Sent:        sent,
		Received:    received,
		Waypoints:   trail,
		Status:      status,
	}

	e.logger.Info("Journey resolved",
		"hash", journey.MessageHash,
		"origin", journey.Origin,
		"destination", journey.Destination,
		"status", journey.Status)

	if e.metrics != nil {
		e.metrics.recordResolved(string(status))
	}

	e.emit(ctx, Notification{
		Type:    status.NotificationFor(),
		Chain:   journey.Origin,
		Journey: journey,
	})
	return nil
}

// onTrail appends a waypoint observation to every pending leg of the
// message, for multi-hop visibility, and emits a progress notification.
// It never resolves a leg.
func (e *Engine) onTrail(ctx context.Context, ev types.Event, wp types.Waypoint) error {
	keys, err := e.kv.Keys(ctx)
	if err != nil {
		return errors.WrapTransient(err, "Engine", "onTrail", "list pending rows")
	}

	prefix := hashPrefix(ev.Hash())
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}

		entry, err := e.kv.Get(ctx, key)
		if err != nil {
			if err == natsclient.ErrKVKeyNotFound {
				continue
			}
			return errors.WrapTransient(err, "Engine", "onTrail", "read pending row")
		}

		var stored correlationEntry
		if err := json.Unmarshal(entry.Value, &stored); err != nil {
			return errors.WrapFatal(err, "Engine", "onTrail", "unmarshal pending row")
		}
		stored.Waypoints = append(stored.Waypoints, wp)

		value, err := json.Marshal(stored)
		if err != nil {
			return errors.WrapFatal(err, "Engine", "onTrail", "marshal pending row")
		}
		if _, err := e.kv.Update(ctx, key, value, entry.Revision); err != nil {
			if err == natsclient.ErrKVRevisionMismatch {
				// Swept underneath us; the trail update is moot.
				continue
			}
			return errors.WrapTransient(err, "Engine", "onTrail", "update pending row")
		}
	}

	e.emit(ctx, Notification{
		Type:  ev.Type(),
		Chain: wp.ChainID,
		Event: ev,
	})
	return nil
}

// processSweep emits the terminal notification for an expired row. The
// janitor already deleted it; whichever partial was stored decides the
// outcome: sent-only means the message never arrived (timeout),
// received-only is an orphan receipt with no observed send.
func (e *Engine) processSweep(ctx context.Context, sw scheduler.Sweep) {
	var stored correlationEntry
	if err := json.Unmarshal(sw.Value, &stored); err != nil {
		e.logger.Error("Corrupt swept row", "key", sw.Key, "error", err)
		return
	}

	switch stored.Kind {
	case kindSent:
		journey := &types.Journey{
			MessageHash: stored.Sent.MessageHash,
			TopicID:     stored.Sent.TopicID,
			Origin:      stored.Sent.Origin.ChainID,
			Destination: legDestination(stored),
			Sent:        stored.Sent,
			Waypoints:   stored.Waypoints,
			Status:      types.StatusTimeout,
		}
		e.logger.Info("Journey timed out",
			"hash", journey.MessageHash,
			"origin", journey.Origin,
			"destination", journey.Destination)
		if e.metrics != nil {
			e.metrics.recordResolved(string(types.StatusTimeout))
		}
		e.emit(ctx, Notification{
			Type:    types.NotifyTimeout,
			Chain:   journey.Origin,
			Journey: journey,
		})

	case kindReceived:
		// Orphan receipt: no corresponding send was ever observed.
		// Emitted with a distinct status rather than silently dropped.
		journey := &types.Journey{
			MessageHash: stored.Received.MessageHash,
			Destination: stored.Received.Waypoint.ChainID,
			Received:    stored.Received,
			Waypoints:   stored.Waypoints,
			Status:      types.StatusOrphaned,
		}
		e.logger.Warn("Orphan receipt expired without matching send",
			"hash", journey.MessageHash,
			"destination", journey.Destination)
		if e.metrics != nil {
			e.metrics.recordResolved(string(types.StatusOrphaned))
		}
		e.emit(ctx, Notification{
			Type:    types.NotifyOrphaned,
			Chain:   journey.Destination,
			Journey: journey,
		})

	default:
		e.logger.Error("Swept row with unknown kind", "key", sw.Key, "kind", stored.Kind)
	}
}

func legDestination(entry correlationEntry) types.NetworkURN {
	if entry.Leg != nil {
		return entry.Leg.To
	}
	if entry.Sent != nil {
		return entry.Sent.Destination
	}
	return ""
}

func (e *Engine) emit(ctx context.Context, n Notification) {
	if e.emitter == nil {
		return
	}
	e.emitter.Emit(ctx, n)
}
