// Package service assembles the xcmon agent: NATS connectivity, KV
// buckets, the matching engine, scheduler, switchboard, ingest and egress
// components, wired together with ordered startup and reverse-order
// shutdown.
package service

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/sodazone/xcmon/component"
	"github.com/sodazone/xcmon/config"
	"github.com/sodazone/xcmon/engine"
	"github.com/sodazone/xcmon/errors"
	"github.com/sodazone/xcmon/health"
	"github.com/sodazone/xcmon/ingest"
	"github.com/sodazone/xcmon/metric"
	"github.com/sodazone/xcmon/natsclient"
	"github.com/sodazone/xcmon/notifier"
	"github.com/sodazone/xcmon/pkg/tlsutil"
	"github.com/sodazone/xcmon/scheduler"
	"github.com/sodazone/xcmon/substore"
	"github.com/sodazone/xcmon/switchboard"
	"github.com/sodazone/xcmon/types"
)

// Agent is the assembled xcmon service.
type Agent struct {
	cfg    config.Config
	logger *slog.Logger

	natsClient  *natsclient.Client
	registry    *metric.MetricsRegistry
	metricSrv   *metric.Server
	monitor     *health.Monitor
	switchboard *switchboard.Switchboard

	// components in start order; stopped in reverse.
	components []component.Lifecycle

	metricErrCh chan error
}

// New assembles an agent from configuration. Nothing is connected or
// started yet.
func New(cfg config.Config, logger *slog.Logger) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	tlsConfig, err := tlsutil.LoadClient(cfg.NATS.TLS)
	if err != nil {
		return nil, err
	}

	clientOpts := []natsclient.ClientOption{
		natsclient.WithLogger(logger),
		natsclient.WithName(cfg.NATS.Name),
		natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
		natsclient.WithReconnectWait(cfg.NATS.ReconnectWait.Std()),
		natsclient.WithTimeout(cfg.NATS.Timeout.Std()),
	}
	if tlsConfig != nil {
		clientOpts = append(clientOpts, natsclient.WithTLS(tlsConfig))
	}

	client, err := natsclient.NewClient(cfg.NATS.URL, clientOpts...)
	if err != nil {
		return nil, errors.WrapFatal(err, "Agent", "New", "create NATS client")
	}

	return &Agent{
		cfg:         cfg,
		logger:      logger,
		natsClient:  client,
		registry:    metric.NewMetricsRegistry(),
		monitor:     health.NewMonitor(cfg.AgentID),
		metricErrCh: make(chan error, 1),
	}, nil
}

// Switchboard exposes the subscription surface for management callers.
func (a *Agent) Switchboard() *switchboard.Switchboard { return a.switchboard }

// Run connects, assembles and starts every component, then blocks until
// the context is cancelled, and shuts everything down in reverse order.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.natsClient.Connect(ctx); err != nil {
		return errors.WrapTransient(err, "Agent", "Run", "connect to NATS")
	}
	defer func() { _ = a.natsClient.Close(context.Background()) }()

	if err := a.assemble(ctx); err != nil {
		return err
	}

	if a.cfg.Metrics.Enabled {
		a.metricSrv = metric.NewServer(a.cfg.Metrics.Port, "/metrics", a.registry)
		a.metricSrv.Handle("/healthz", a.monitor.Handler())
		a.metricSrv.Start(a.metricErrCh)
	}

	started, err := a.startComponents(ctx)
	if err != nil {
		a.stopComponents(started)
		return err
	}

	if err := a.registerStaticSubscriptions(ctx); err != nil {
		a.stopComponents(started)
		return err
	}

	a.logger.Info("Agent running", "agent", a.cfg.AgentID)

	select {
	case <-ctx.Done():
		a.logger.Info("Shutdown requested")
	case err := <-a.metricErrCh:
		a.logger.Error("Metrics server failed", "error", err)
	}

	a.stopComponents(started)
	if a.metricSrv != nil {
		if err := a.metricSrv.Stop(a.cfg.ShutdownGrace.Std()); err != nil {
			a.logger.Error("Metrics server shutdown failed", "error", err)
		}
	}
	return nil
}

// assemble builds every component and wires the pipeline:
// ingest → engine → switchboard → dispatcher → notifiers.
func (a *Agent) assemble(ctx context.Context) error {
	engineKV, err := a.openBucket(ctx, a.cfg.Engine.Bucket)
	if err != nil {
		return err
	}
	schedulerKV, err := a.openBucket(ctx, a.cfg.Scheduler.Bucket)
	if err != nil {
		return err
	}
	subsKV, err := a.openBucket(ctx, a.cfg.Subscriptions.Bucket)
	if err != nil {
		return err
	}

	dispatcher := notifier.NewDispatcher(a.logger,
		a.cfg.Dispatcher.Workers, a.cfg.Dispatcher.QueueSize,
		notifier.WithLivenessCheck(func(id string) bool {
			return a.switchboard != nil && a.switchboard.IsLive(id)
		}),
		notifier.WithDispatcherMetrics(a.registry),
	)
	dispatcher.Register(notifier.NewLogNotifier(a.logger))

	webhook, err := notifier.NewWebhookNotifier(a.cfg.Webhook, a.logger)
	if err != nil {
		return err
	}
	dispatcher.Register(webhook)

	hub := notifier.NewWebsocketHub(a.cfg.Websocket, a.logger,
		notifier.WithDisconnectCallback(a.onWebsocketGone))
	dispatcher.Register(hub)

	a.switchboard = switchboard.New(dispatcher, a.cfg.AgentID, a.logger,
		switchboard.WithStore(substore.NewStore(subsKV)),
		switchboard.WithMetrics(a.registry),
	)

	sched := scheduler.New(schedulerKV, a.logger,
		scheduler.WithTickInterval(a.cfg.Scheduler.TickInterval.Std()),
		scheduler.WithMetrics(a.registry),
	)
	janitor := scheduler.NewJanitor(sched, a.logger)

	eng := engine.New(engineKV, janitor, a.switchboard, a.logger,
		engine.WithTimeout(a.cfg.Engine.Timeout.Std()),
		engine.WithQueueSize(a.cfg.Engine.QueueSize),
	)
	if m, err := engine.NewMetrics(a.registry); err == nil {
		eng.SetMetrics(m)
	} else {
		a.logger.Error("Failed to initialize engine metrics", "error", err)
	}

	feed := ingest.New(a.cfg.Ingest, a.natsClient, eng, a.logger,
		ingest.WithMetrics(a.registry))

	// Start order: egress first, ingest last, so no component ever
	// forwards into one that is not yet running.
	a.components = []component.Lifecycle{
		dispatcher,
		hub,
		a.switchboard,
		eng,
		sched,
		feed,
	}

	a.monitor.Register(func() health.Status {
		if a.natsClient.IsHealthy() {
			return health.Healthy("nats")
		}
		return health.Unhealthy("nats", "connection down")
	})

	return nil
}

// openBucket creates or binds the named KV bucket.
func (a *Agent) openBucket(ctx context.Context, bucket string) (natsclient.KV, error) {
	kv, err := a.natsClient.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:  bucket,
		Storage: jetstream.FileStorage,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "Agent", "openBucket",
			fmt.Sprintf("create bucket %s", bucket))
	}
	return a.natsClient.NewKVStore(kv), nil
}

func (a *Agent) startComponents(ctx context.Context) ([]component.Lifecycle, error) {
	started := make([]component.Lifecycle, 0, len(a.components))
	for _, c := range a.components {
		if err := c.Initialize(); err != nil {
			return started, errors.WrapFatal(err, "Agent", "startComponents",
				fmt.Sprintf("initialize %s", c.Name()))
		}
		if err := c.Start(ctx); err != nil {
			return started, errors.WrapFatal(err, "Agent", "startComponents",
				fmt.Sprintf("start %s", c.Name()))
		}
		started = append(started, c)
		a.logger.Info("Component started", "component", c.Name())
	}
	return started, nil
}

func (a *Agent) stopComponents(started []component.Lifecycle) {
	grace := a.cfg.ShutdownGrace.Std()
	for i := len(started) - 1; i >= 0; i-- {
		c := started[i]
		if err := c.Stop(grace); err != nil {
			a.logger.Error("Component stop failed", "component", c.Name(), "error", err)
			continue
		}
		a.logger.Info("Component stopped", "component", c.Name())
	}
}

// registerStaticSubscriptions loads fixed subscriptions from
// configuration. Already-known ids are fine: they were persisted by a
// previous run and reloaded by the switchboard.
func (a *Agent) registerStaticSubscriptions(ctx context.Context) error {
	for i, raw := range a.cfg.Subscriptions.Static {
		var sub types.Subscription
		if err := json.Unmarshal(raw, &sub); err != nil {
			return errors.WrapInvalid(err, "Agent", "registerStaticSubscriptions",
				fmt.Sprintf("decode static subscription %d", i))
		}
		_, err := a.switchboard.Subscribe(ctx, sub)
		switch {
		case err == nil:
			a.logger.Info("Static subscription registered", "subscription", sub.ID)
		case stderrors.Is(err, errors.ErrSubscriptionExists):
			a.logger.Debug("Static subscription already present", "subscription", sub.ID)
		default:
			return err
		}
	}
	return nil
}

// onWebsocketGone tears down ephemeral subscriptions when their last
// websocket connection closes.
func (a *Agent) onWebsocketGone(subscriptionID string) {
	sub, err := a.switchboard.Get(subscriptionID)
	if err != nil || !sub.Ephemeral {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.switchboard.Unsubscribe(ctx, subscriptionID); err != nil {
		a.logger.Warn("Failed to drop ephemeral subscription",
			"subscription", subscriptionID, "error", err)
	}
}
