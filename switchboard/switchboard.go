package switchboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sodazone/xcmon/controlquery"
	"github.com/sodazone/xcmon/engine"
	"github.com/sodazone/xcmon/errors"
	"github.com/sodazone/xcmon/metric"
	"github.com/sodazone/xcmon/notifier"
	"github.com/sodazone/xcmon/substore"
	"github.com/sodazone/xcmon/types"
)

// Sink accepts routed deliveries for asynchronous egress. The notifier
// dispatcher implements it.
type Sink interface {
	Enqueue(notifier.Delivery) error
}

// entry pairs a subscription with its compiled control queries. Entries
// are immutable; Update swaps a whole new entry in.
type entry struct {
	sub   types.Subscription
	query *controlquery.Compiled
}

// Switchboard owns the active subscription set, evaluates control queries
// against every engine notification, and forwards matches to the egress
// sink, one delivery per distinct channel per subscription.
type Switchboard struct {
	logger  *slog.Logger
	store   *substore.Store
	sink    Sink
	agentID string

	mu      sync.RWMutex
	subs    map[string]*entry
	streams map[types.NetworkURN]int

	lifecycleMu sync.Mutex
	running     bool
	stopped     bool

	metrics *switchboardMetrics
}

// Option configures a Switchboard.
type Option func(*Switchboard)

// WithStore wires the persistence layer for non-ephemeral subscriptions.
func WithStore(store *substore.Store) Option {
	return func(s *Switchboard) { s.store = store }
}

// WithMetrics registers routing metrics.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(s *Switchboard) {
		m, err := newSwitchboardMetrics(registry)
		if err != nil {
			s.logger.Error("Failed to initialize switchboard metrics", "error", err)
			return
		}
		s.metrics = m
	}
}

// New creates a switchboard forwarding matches to the sink.
func New(sink Sink, agentID string, logger *slog.Logger, opts ...Option) *Switchboard {
	s := &Switchboard{
		logger:  logger,
		sink:    sink,
		agentID: agentID,
		subs:    make(map[string]*entry),
		streams: make(map[types.NetworkURN]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name implements component.Lifecycle.
func (s *Switchboard) Name() string { return "switchboard" }

// Initialize implements component.Lifecycle.
func (s *Switchboard) Initialize() error { return nil }

// Start reloads persistent subscriptions and re-wires their queries and
// chain streams. Ephemeral subscriptions never survive a restart.
func (s *Switchboard) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.running {
		return errors.ErrAlreadyStarted
	}
	s.stopped = false

	if s.store != nil {
		subs, err := s.store.List(ctx)
		if err != nil {
			return errors.WrapTransient(err, "Switchboard", "Start", "reload subscriptions")
		}
		for _, sub := range subs {
			if err := s.register(sub); err != nil {
				s.logger.Error("Skipping stored subscription that no longer compiles",
					"subscription", sub.ID, "error", err)
				continue
			}
			s.logger.Info("Subscription reloaded", "subscription", sub.ID)
		}
	}

	s.running = true
	return nil
}

// Stop drops the active set. Queued deliveries still in the sink are
// suppressed by the liveness check.
func (s *Switchboard) Stop(time.Duration) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if !s.running {
		return nil
	}

	s.mu.Lock()
	s.subs = make(map[string]*entry)
	s.streams = make(map[types.NetworkURN]int)
	s.mu.Unlock()

	s.running = false
	s.stopped = true
	return nil
}

// Subscribe validates the subscription, compiles its control queries,
// persists it unless ephemeral, and wires it into the live set. A
// subscription without an id gets a generated one; the registered form is
// returned. A stopped switchboard accepts no new subscriptions.
func (s *Switchboard) Subscribe(ctx context.Context, sub types.Subscription) (types.Subscription, error) {
	s.lifecycleMu.Lock()
	stopped := s.stopped
	s.lifecycleMu.Unlock()
	if stopped {
		return types.Subscription{}, errors.WrapTransient(errors.ErrShuttingDown, "Switchboard", "Subscribe", "accept subscription")
	}

	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if err := sub.Validate(); err != nil {
		return types.Subscription{}, errors.WrapInvalid(err, "Switchboard", "Subscribe", "validate subscription")
	}

	s.mu.RLock()
	_, exists := s.subs[sub.ID]
	s.mu.RUnlock()
	if exists {
		return types.Subscription{}, errors.WrapInvalid(errors.ErrSubscriptionExists, "Switchboard", "Subscribe", "register subscription")
	}

	if !sub.Ephemeral && s.store != nil {
		if err := s.store.Create(ctx, sub); err != nil {
			return types.Subscription{}, err
		}
	}

	if err := s.register(sub); err != nil {
		return types.Subscription{}, err
	}

	s.logger.Info("Subscription registered",
		"subscription", sub.ID,
		"owner", sub.Owner,
		"ephemeral", sub.Ephemeral)
	if s.metrics != nil {
		s.metrics.recordActive(s.activeCount())
	}
	return sub.Clone(), nil
}

// Unsubscribe tears the subscription down. Forwarding stops before this
// returns: the entry leaves the live set under the lock, and in-flight
// batches re-check liveness at delivery time. Unknown ids return
// ErrSubscriptionNotFound.
func (s *Switchboard) Unsubscribe(ctx context.Context, id string) error {
	s.mu.Lock()
	ent, ok := s.subs[id]
	if ok {
		delete(s.subs, id)
		s.releaseStreamsLocked(ent.sub)
	}
	s.mu.Unlock()

	if !ok {
		return errors.ErrSubscriptionNotFound
	}

	if !ent.sub.Ephemeral && s.store != nil {
		if err := s.store.Delete(ctx, id); err != nil {
			return err
		}
	}

	s.logger.Info("Subscription removed", "subscription", id)
	if s.metrics != nil {
		s.metrics.recordActive(s.activeCount())
	}
	return nil
}

// Update applies patch operations to an immutable copy of the
// subscription, re-validates, recompiles its queries and swaps the new
// entry in atomically. A patch that fails validation leaves the live
// subscription untouched.
func (s *Switchboard) Update(ctx context.Context, id string, patch []PatchOp) (types.Subscription, error) {
	s.mu.RLock()
	ent, ok := s.subs[id]
	s.mu.RUnlock()
	if !ok {
		return types.Subscription{}, errors.ErrSubscriptionNotFound
	}

	updated := ent.sub.Clone()
	if err := applyPatch(&updated, patch); err != nil {
		return types.Subscription{}, err
	}
	if updated.ID != id {
		return types.Subscription{}, errors.WrapInvalid(
			fmt.Errorf("patch may not change the subscription id: %w", errors.ErrInvalidPatch),
			"Switchboard", "Update", "apply patch")
	}
	if err := updated.Validate(); err != nil {
		return types.Subscription{}, errors.WrapInvalid(err, "Switchboard", "Update", "validate patched subscription")
	}

	query, err := controlquery.Compile(updated)
	if err != nil {
		return types.Subscription{}, err
	}

	if !updated.Ephemeral && s.store != nil {
		if err := s.store.Save(ctx, updated); err != nil {
			return types.Subscription{}, err
		}
	}

	s.mu.Lock()
	if current, ok := s.subs[id]; ok {
		s.releaseStreamsLocked(current.sub)
	}
	s.subs[id] = &entry{sub: updated, query: query}
	s.acquireStreamsLocked(updated)
	s.mu.Unlock()

	s.logger.Info("Subscription updated", "subscription", id, "ops", len(patch))
	return updated, nil
}

// Get returns the live subscription with the given id.
func (s *Switchboard) Get(id string) (types.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ent, ok := s.subs[id]
	if !ok {
		return types.Subscription{}, errors.ErrSubscriptionNotFound
	}
	return ent.sub.Clone(), nil
}

// List returns all live subscriptions.
func (s *Switchboard) List() []types.Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Subscription, 0, len(s.subs))
	for _, ent := range s.subs {
		out = append(out, ent.sub.Clone())
	}
	return out
}

// IsLive reports whether a subscription is still active. The egress
// dispatcher consults it at delivery time so unsubscribing synchronously
// stops forwarding even for already-queued work.
func (s *Switchboard) IsLive(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.subs[id]
	return ok
}

// Emit implements engine.Emitter: it routes one engine notification to
// every interested subscription. The active set is snapshotted once per
// notification, so a concurrent unsubscribe either excludes the
// subscription here or via the delivery-time liveness check.
func (s *Switchboard) Emit(_ context.Context, n engine.Notification) {
	s.mu.RLock()
	if !s.chainWatchedLocked(n.Chain) {
		s.mu.RUnlock()
		return
	}
	snapshot := make([]*entry, 0, len(s.subs))
	for _, ent := range s.subs {
		snapshot = append(snapshot, ent)
	}
	s.mu.RUnlock()

	evctx, payload, err := notificationContext(n)
	if err != nil {
		s.logger.Error("Dropping unroutable notification", "type", string(n.Type), "error", err)
		return
	}

	for _, ent := range snapshot {
		if !ent.query.Match(evctx) {
			continue
		}
		s.forward(ent.sub, n.Type, payload)
	}
	if s.metrics != nil {
		s.metrics.recordRouted(string(n.Type))
	}
}

// forward emits one delivery per distinct channel of the subscription.
// Listing the same channel twice yields a single emission.
func (s *Switchboard) forward(sub types.Subscription, t types.NotificationType, payload json.RawMessage) {
	msg := types.NotificationMessage{
		Metadata: types.NotificationMeta{
			// Redeliveries reuse the engine's at-least-once path; the
			// unique id lets consumers deduplicate.
			UniqueID:       uuid.NewString(),
			Type:           t,
			AgentID:        s.agentID,
			SubscriptionID: sub.ID,
		},
		Payload: payload,
	}

	seen := make(map[string]struct{}, len(sub.Channels))
	for _, ch := range sub.Channels {
		key := string(ch.Type) + "|" + ch.URL
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		if err := s.sink.Enqueue(notifier.Delivery{
			Subscription: sub,
			Channel:      ch,
			Message:      msg,
		}); err != nil {
			s.logger.Warn("Egress enqueue failed",
				"subscription", sub.ID,
				"channel", string(ch.Type),
				"error", err)
		}
	}
}

// notificationContext derives the query context and the JSON payload from
// an engine notification.
func notificationContext(n engine.Notification) (controlquery.EventContext, json.RawMessage, error) {
	if n.Journey != nil {
		payload, err := json.Marshal(n.Journey)
		if err != nil {
			return controlquery.EventContext{}, nil, err
		}
		return controlquery.EventContext{
			Sender:      n.Journey.SenderIdentity(),
			Origin:      n.Journey.Origin,
			Destination: n.Journey.Destination,
			Type:        n.Type,
		}, payload, nil
	}

	if n.Event == nil {
		return controlquery.EventContext{}, nil, fmt.Errorf("notification carries neither journey nor event")
	}

	payload, err := types.EncodeEvent(n.Event)
	if err != nil {
		return controlquery.EventContext{}, nil, err
	}

	evctx := controlquery.EventContext{Type: n.Type}
	switch ev := n.Event.(type) {
	case types.Sent:
		evctx.Sender = ev.Sender
		evctx.Origin = ev.Origin.ChainID
		evctx.Destination = ev.Destination
	case types.Received:
		evctx.Destination = ev.Waypoint.ChainID
	case types.Relayed:
		evctx.Destination = ev.Waypoint.ChainID
	case types.Hop:
		evctx.Destination = ev.Waypoint.ChainID
	case types.Bridge:
		evctx.Destination = ev.Waypoint.ChainID
	}
	return evctx, payload, nil
}

// register compiles and wires a subscription into the live set. Caller
// has already validated and persisted it.
func (s *Switchboard) register(sub types.Subscription) error {
	query, err := controlquery.Compile(sub)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.subs[sub.ID]; exists {
		return errors.WrapInvalid(errors.ErrSubscriptionExists, "Switchboard", "register", "register subscription")
	}
	s.subs[sub.ID] = &entry{sub: sub, query: query}
	s.acquireStreamsLocked(sub)
	return nil
}

func (s *Switchboard) activeCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}
