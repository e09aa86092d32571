// Package config loads and validates the service configuration from a
// JSON file, with defaults applied for every omitted section.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sodazone/xcmon/errors"
	"github.com/sodazone/xcmon/ingest"
	"github.com/sodazone/xcmon/notifier"
	"github.com/sodazone/xcmon/pkg/tlsutil"
)

// Duration wraps time.Duration with JSON string forms like "30s".
type Duration time.Duration

// UnmarshalJSON accepts either a duration string or nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("invalid duration %q: %w", s, perr)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("duration must be a string or integer: %w", err)
	}
	*d = Duration(n)
	return nil
}

// MarshalJSON emits the string form.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// NATSConfig configures the NATS connection.
type NATSConfig struct {
	URL           string               `json:"url"`
	Name          string               `json:"name"`
	MaxReconnects int                  `json:"maxReconnects"`
	ReconnectWait Duration             `json:"reconnectWait"`
	Timeout       Duration             `json:"timeout"`
	TLS           tlsutil.ClientConfig `json:"tls,omitempty"`
}

// EngineConfig configures the matching engine.
type EngineConfig struct {
	// Timeout is the global wall-clock budget before a pending leg
	// expires.
	Timeout Duration `json:"timeout"`
	// QueueSize is the engine mailbox capacity.
	QueueSize int `json:"queueSize"`
	// Bucket names the KV bucket holding pending correlation rows.
	Bucket string `json:"bucket"`
}

// SchedulerConfig configures the timeout scheduler.
type SchedulerConfig struct {
	// TickInterval is the sweep cadence.
	TickInterval Duration `json:"tickInterval"`
	// Bucket names the KV bucket holding scheduled tasks.
	Bucket string `json:"bucket"`
}

// SubscriptionsConfig configures the switchboard and its persistence.
type SubscriptionsConfig struct {
	// Bucket names the KV bucket holding persistent subscriptions.
	Bucket string `json:"bucket"`
	// Static subscriptions are registered at startup, useful for
	// fixed monitoring setups without the management surface.
	Static []json.RawMessage `json:"static,omitempty"`
}

// DispatcherConfig configures the egress worker pool.
type DispatcherConfig struct {
	Workers   int `json:"workers"`
	QueueSize int `json:"queueSize"`
}

// MetricsConfig configures the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `json:"enabled"`
	Port    int  `json:"port"`
}

// Config is the root service configuration.
type Config struct {
	AgentID       string                   `json:"agentId"`
	LogLevel      string                   `json:"logLevel"`
	NATS          NATSConfig               `json:"nats"`
	Engine        EngineConfig             `json:"engine"`
	Scheduler     SchedulerConfig          `json:"scheduler"`
	Ingest        ingest.Config            `json:"ingest"`
	Subscriptions SubscriptionsConfig      `json:"subscriptions"`
	Dispatcher    DispatcherConfig         `json:"dispatcher"`
	Webhook       notifier.WebhookConfig   `json:"webhook"`
	Websocket     notifier.WebsocketConfig `json:"websocket"`
	Metrics       MetricsConfig            `json:"metrics"`
	ShutdownGrace Duration                 `json:"shutdownGrace"`
}

// Default returns the full default configuration.
func Default() Config {
	return Config{
		AgentID:  "xcm",
		LogLevel: "info",
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			Name:          "xcmon",
			MaxReconnects: -1,
			ReconnectWait: Duration(2 * time.Second),
			Timeout:       Duration(5 * time.Second),
		},
		Engine: EngineConfig{
			Timeout:   Duration(2 * time.Minute),
			QueueSize: 1024,
			Bucket:    "xcmon-matching",
		},
		Scheduler: SchedulerConfig{
			TickInterval: Duration(5 * time.Second),
			Bucket:       "xcmon-scheduler",
		},
		Ingest: ingest.DefaultConfig(),
		Subscriptions: SubscriptionsConfig{
			Bucket: "xcmon-subscriptions",
		},
		Dispatcher: DispatcherConfig{
			Workers:   8,
			QueueSize: 1024,
		},
		Webhook:       notifier.DefaultWebhookConfig(),
		Websocket:     notifier.DefaultWebsocketConfig(),
		Metrics:       MetricsConfig{Enabled: true, Port: 9090},
		ShutdownGrace: Duration(15 * time.Second),
	}
}

// Load reads the configuration file at path over the defaults. An empty
// path returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return cfg, errors.WrapFatal(err, "config", "Load", "open config file")
	}
	defer func() { _ = f.Close() }()

	if err := decode(f, &cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Parse reads configuration JSON over the defaults, for embedded and
// test use.
func Parse(r io.Reader) (Config, error) {
	cfg := Default()
	if err := decode(r, &cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func decode(r io.Reader, cfg *Config) error {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return errors.WrapInvalid(err, "config", "decode", "decode config JSON")
	}
	return nil
}

// Validate checks the whole configuration tree.
func (c Config) Validate() error {
	if c.AgentID == "" {
		return invalid("agentId is required")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return invalid(fmt.Sprintf("logLevel must be debug|info|warn|error, got %q", c.LogLevel))
	}
	if c.NATS.URL == "" {
		return invalid("nats.url is required")
	}
	if c.Engine.Timeout.Std() <= 0 {
		return invalid("engine.timeout must be positive")
	}
	if c.Engine.Bucket == "" || c.Scheduler.Bucket == "" || c.Subscriptions.Bucket == "" {
		return invalid("engine, scheduler and subscriptions KV buckets are required")
	}
	if c.Scheduler.TickInterval.Std() <= 0 {
		return invalid("scheduler.tickInterval must be positive")
	}
	if err := c.Ingest.Validate(); err != nil {
		return errors.WrapInvalid(err, "config", "Validate", "validate ingest section")
	}
	if err := c.Webhook.Validate(); err != nil {
		return errors.WrapInvalid(err, "config", "Validate", "validate webhook section")
	}
	if err := c.Websocket.Validate(); err != nil {
		return errors.WrapInvalid(err, "config", "Validate", "validate websocket section")
	}
	if c.Dispatcher.Workers <= 0 || c.Dispatcher.QueueSize <= 0 {
		return invalid("dispatcher.workers and dispatcher.queueSize must be positive")
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return invalid(fmt.Sprintf("metrics.port must be 1-65535, got %d", c.Metrics.Port))
	}
	return nil
}

func invalid(msg string) error {
	return errors.WrapInvalid(
		fmt.Errorf("%s: %w", msg, errors.ErrInvalidConfig),
		"config", "Validate", "validate configuration")
}
