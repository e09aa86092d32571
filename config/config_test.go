package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"agentId": "xcm-prod",
		"logLevel": "debug",
		"nats": {"url": "nats://nats.internal:4222"},
		"engine": {"timeout": "45s"},
		"scheduler": {"tickInterval": "1s"}
	}`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "xcm-prod", cfg.AgentID)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "nats://nats.internal:4222", cfg.NATS.URL)
	assert.Equal(t, 45*time.Second, cfg.Engine.Timeout.Std())
	assert.Equal(t, time.Second, cfg.Scheduler.TickInterval.Std())

	// Untouched sections keep their defaults.
	assert.Equal(t, Default().Webhook, cfg.Webhook)
	assert.Equal(t, Default().Metrics, cfg.Metrics)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse(strings.NewReader(`{"agentid_typo": "x"}`))
	assert.Error(t, err)
}

func TestDurationForms(t *testing.T) {
	cfg, err := Parse(strings.NewReader(`{"engine": {"timeout": "90s"}}`))
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.Engine.Timeout.Std())

	cfg, err = Parse(strings.NewReader(`{"engine": {"timeout": 1000000000}}`))
	require.NoError(t, err)
	assert.Equal(t, time.Second, cfg.Engine.Timeout.Std())

	_, err = Parse(strings.NewReader(`{"engine": {"timeout": "soon"}}`))
	assert.Error(t, err)
}

func TestValidateFailures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty agent id", func(c *Config) { c.AgentID = "" }},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }},
		{"missing nats url", func(c *Config) { c.NATS.URL = "" }},
		{"zero engine timeout", func(c *Config) { c.Engine.Timeout = 0 }},
		{"missing bucket", func(c *Config) { c.Engine.Bucket = "" }},
		{"zero tick", func(c *Config) { c.Scheduler.TickInterval = 0 }},
		{"zero dispatcher workers", func(c *Config) { c.Dispatcher.Workers = 0 }},
		{"bad metrics port", func(c *Config) { c.Metrics.Port = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
