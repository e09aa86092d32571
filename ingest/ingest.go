// Package ingest consumes the normalized per-chain event feed from
// JetStream and drives the matching engine. Delivery into the engine is
// at-least-once: a storage failure naks the message so JetStream
// redelivers it, and the engine's own matching logic provides the
// at-most-once notification guarantee on top.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/sodazone/xcmon/errors"
	"github.com/sodazone/xcmon/metric"
	"github.com/sodazone/xcmon/natsclient"
	"github.com/sodazone/xcmon/types"
)

// EventSink consumes decoded events. The matching engine implements it.
type EventSink interface {
	OnEvent(ctx context.Context, ev types.Event) error
}

// Config configures the ingest consumer.
type Config struct {
	// StreamName is the JetStream stream holding the event feed.
	StreamName string `json:"streamName"`
	// SubjectPrefix is the feed's subject root; watchers publish to
	// <prefix>.<chain-token>.
	SubjectPrefix string `json:"subjectPrefix"`
	// Durable names the consumer so redelivery state survives restarts.
	Durable string `json:"durable"`
	// AckWait bounds how long a message may stay unacknowledged before
	// redelivery.
	AckWait time.Duration `json:"ackWait"`
}

// DefaultConfig returns the ingest defaults.
func DefaultConfig() Config {
	return Config{
		StreamName:    "XCMON_EVENTS",
		SubjectPrefix: "xcmon.events",
		Durable:       "xcmon-ingest",
		AckWait:       30 * time.Second,
	}
}

// Validate checks configuration values.
func (c Config) Validate() error {
	if c.StreamName == "" {
		return fmt.Errorf("ingest stream name is required")
	}
	if c.SubjectPrefix == "" || strings.HasSuffix(c.SubjectPrefix, ".") {
		return fmt.Errorf("ingest subject prefix must be a non-empty subject root, got %q", c.SubjectPrefix)
	}
	if c.Durable == "" {
		return fmt.Errorf("ingest durable consumer name is required")
	}
	if c.AckWait <= 0 {
		return fmt.Errorf("ingest ack wait must be positive, got %v", c.AckWait)
	}
	return nil
}

// Ingest is the JetStream consumer feeding the engine.
type Ingest struct {
	config Config
	client *natsclient.Client
	sink   EventSink
	logger *slog.Logger

	consumeCtx jetstream.ConsumeContext

	lifecycleMu sync.Mutex
	running     bool

	metrics *ingestMetrics
}

// Option configures an Ingest.
type Option func(*Ingest)

// WithMetrics registers ingest metrics.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(i *Ingest) {
		m, err := newIngestMetrics(registry)
		if err != nil {
			i.logger.Error("Failed to initialize ingest metrics", "error", err)
			return
		}
		i.metrics = m
	}
}

// New creates an ingest consumer over the given sink.
func New(config Config, client *natsclient.Client, sink EventSink, logger *slog.Logger, opts ...Option) *Ingest {
	i := &Ingest{
		config: config,
		client: client,
		sink:   sink,
		logger: logger,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Name implements component.Lifecycle.
func (i *Ingest) Name() string { return "ingest" }

// Initialize implements component.Lifecycle.
func (i *Ingest) Initialize() error {
	return i.config.Validate()
}

// Start provisions the stream and durable consumer, then begins
// consuming.
func (i *Ingest) Start(ctx context.Context) error {
	i.lifecycleMu.Lock()
	defer i.lifecycleMu.Unlock()

	if i.running {
		return errors.ErrAlreadyStarted
	}

	js, err := i.client.JetStream()
	if err != nil {
		return errors.WrapTransient(err, "Ingest", "Start", "get jetstream context")
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      i.config.StreamName,
		Subjects:  []string{i.config.SubjectPrefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
	})
	if err != nil {
		return errors.WrapTransient(err, "Ingest", "Start", "create event stream")
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       i.config.Durable,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       i.config.AckWait,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return errors.WrapTransient(err, "Ingest", "Start", "create durable consumer")
	}

	cc, err := consumer.Consume(i.handleMessage)
	if err != nil {
		return errors.WrapTransient(err, "Ingest", "Start", "start consuming")
	}
	i.consumeCtx = cc

	i.running = true
	i.logger.Info("Ingest started",
		"stream", i.config.StreamName,
		"subjects", i.config.SubjectPrefix+".>",
		"durable", i.config.Durable)
	return nil
}

// Stop halts consumption. Unacknowledged messages are redelivered to the
// next consumer instance.
func (i *Ingest) Stop(time.Duration) error {
	i.lifecycleMu.Lock()
	defer i.lifecycleMu.Unlock()

	if !i.running {
		return nil
	}
	if i.consumeCtx != nil {
		i.consumeCtx.Stop()
	}
	i.running = false
	return nil
}

// handleMessage decodes one feed message and hands it to the sink.
//
// Ack/nak policy: malformed payloads are acked and dropped, since
// redelivering a poison message cannot succeed; transient sink failures
// (KV storage) are naked for redelivery; anything else is acked after
// logging.
func (i *Ingest) handleMessage(msg jetstream.Msg) {
	chain := i.chainToken(msg.Subject())

	ev, err := types.DecodeEvent(msg.Data())
	if err != nil {
		i.logger.Warn("Dropping undecodable event",
			"subject", msg.Subject(),
			"error", err)
		i.metrics.recordDropped(chain)
		i.ack(msg)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), i.config.AckWait)
	defer cancel()

	if err := i.sink.OnEvent(ctx, ev); err != nil {
		if errors.IsTransient(err) {
			i.logger.Warn("Engine rejected event, requesting redelivery",
				"subject", msg.Subject(),
				"hash", ev.Hash(),
				"error", err)
			i.metrics.recordRetried(chain)
			if nerr := msg.Nak(); nerr != nil {
				i.logger.Error("Nak failed", "error", nerr)
			}
			return
		}
		i.logger.Error("Engine failed event",
			"subject", msg.Subject(),
			"hash", ev.Hash(),
			"error", err)
		i.metrics.recordDropped(chain)
		i.ack(msg)
		return
	}

	i.metrics.recordIngested(chain, string(ev.Type()))
	i.ack(msg)
}

func (i *Ingest) ack(msg jetstream.Msg) {
	if err := msg.Ack(); err != nil {
		i.logger.Error("Ack failed", "subject", msg.Subject(), "error", err)
	}
}

// chainToken extracts the chain segment from a feed subject,
// "<prefix>.<chain-token>".
func (i *Ingest) chainToken(subject string) string {
	token := strings.TrimPrefix(subject, i.config.SubjectPrefix+".")
	if idx := strings.IndexByte(token, '.'); idx >= 0 {
		token = token[:idx]
	}
	return token
}

// Subject returns the feed subject a watcher publishes to for a chain.
func Subject(prefix string, chain types.NetworkURN) string {
	return prefix + "." + chain.Token()
}
