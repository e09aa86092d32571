// Package notifier implements the egress delivery channels for matched
// notifications: structured log, HTTP POST webhook and websocket broadcast.
package notifier

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sodazone/xcmon/errors"
	"github.com/sodazone/xcmon/metric"
	"github.com/sodazone/xcmon/pkg/worker"
	"github.com/sodazone/xcmon/types"
)

// Notifier delivers one notification over one channel type.
type Notifier interface {
	// ChannelType identifies which subscription channels this notifier
	// serves.
	ChannelType() types.ChannelType
	// Notify delivers the message to the given channel of the
	// subscription.
	Notify(ctx context.Context, sub types.Subscription, ch types.Channel, msg types.NotificationMessage) error
}

// Delivery is one queued (subscription, channel, message) emission.
type Delivery struct {
	Subscription types.Subscription
	Channel      types.Channel
	Message      types.NotificationMessage
}

// Dispatcher fans deliveries out to the registered notifiers through a
// worker pool, so a slow webhook endpoint never blocks the switchboard's
// routing loop.
type Dispatcher struct {
	logger *slog.Logger

	mu        sync.RWMutex
	notifiers map[types.ChannelType]Notifier

	// isLive lets the dispatcher drop deliveries for subscriptions that
	// were torn down after the routing decision but before delivery.
	isLive func(subscriptionID string) bool

	pool    *worker.Pool[Delivery]
	metrics *dispatcherMetrics
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithLivenessCheck installs the subscription liveness probe.
func WithLivenessCheck(fn func(string) bool) DispatcherOption {
	return func(d *Dispatcher) { d.isLive = fn }
}

// WithDispatcherMetrics registers delivery metrics.
func WithDispatcherMetrics(registry *metric.MetricsRegistry) DispatcherOption {
	return func(d *Dispatcher) {
		m, err := newDispatcherMetrics(registry)
		if err != nil {
			d.logger.Error("Failed to initialize dispatcher metrics", "error", err)
			return
		}
		d.metrics = m
	}
}

// NewDispatcher creates a dispatcher with the given delivery concurrency.
func NewDispatcher(logger *slog.Logger, workers, queueSize int, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		logger:    logger,
		notifiers: make(map[types.ChannelType]Notifier),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.pool = worker.NewPool(workers, queueSize, d.deliver)
	return d
}

// Register adds a notifier for its channel type, replacing any previous
// one.
func (d *Dispatcher) Register(n Notifier) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notifiers[n.ChannelType()] = n
}

// Name implements component.Lifecycle.
func (d *Dispatcher) Name() string { return "notifier" }

// Initialize implements component.Lifecycle.
func (d *Dispatcher) Initialize() error { return nil }

// Start launches the delivery workers.
func (d *Dispatcher) Start(ctx context.Context) error {
	return d.pool.Start(ctx)
}

// Stop drains queued deliveries within the timeout.
func (d *Dispatcher) Stop(timeout time.Duration) error {
	return d.pool.Stop(timeout)
}

// Enqueue queues a delivery; it never blocks the caller. A full queue
// drops the delivery and reports it through metrics and the log.
func (d *Dispatcher) Enqueue(delivery Delivery) error {
	if err := d.pool.Submit(delivery); err != nil {
		d.logger.Error("Dropping notification, delivery queue full",
			"subscription", delivery.Subscription.ID,
			"channel", string(delivery.Channel.Type))
		if d.metrics != nil {
			d.metrics.recordDropped(string(delivery.Channel.Type))
		}
		return errors.WrapTransient(errors.ErrQueueFull, "Dispatcher", "Enqueue", "submit delivery")
	}
	return nil
}

// deliver is the worker-pool processor for one delivery.
func (d *Dispatcher) deliver(ctx context.Context, delivery Delivery) error {
	if d.isLive != nil && !d.isLive(delivery.Subscription.ID) {
		// Torn down between routing and delivery.
		return nil
	}

	d.mu.RLock()
	n, ok := d.notifiers[delivery.Channel.Type]
	d.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no notifier for channel type %q", delivery.Channel.Type)
	}

	err := n.Notify(ctx, delivery.Subscription, delivery.Channel, delivery.Message)
	if d.metrics != nil {
		d.metrics.recordDelivery(string(delivery.Channel.Type), err == nil)
	}
	if err != nil {
		d.logger.Error("Notification delivery failed",
			"subscription", delivery.Subscription.ID,
			"channel", string(delivery.Channel.Type),
			"error", err)
		return err
	}
	return nil
}
