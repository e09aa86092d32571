package main

import (
	"flag"
	"os"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath  string
	LogLevel    string
	LogFormat   string
	NATSURL     string
	ShowVersion bool
	Validate    bool
}

func parseFlags(args []string) (*CLIConfig, error) {
	cfg := &CLIConfig{}
	fs := flag.NewFlagSet("xcmon", flag.ContinueOnError)

	// Define flags with environment variable fallback
	fs.StringVar(&cfg.ConfigPath, "config",
		getEnv("XCMON_CONFIG", ""),
		"Path to configuration file (env: XCMON_CONFIG)")

	fs.StringVar(&cfg.ConfigPath, "c",
		getEnv("XCMON_CONFIG", ""),
		"Path to configuration file (env: XCMON_CONFIG)")

	fs.StringVar(&cfg.LogLevel, "log-level",
		getEnv("XCMON_LOG_LEVEL", ""),
		"Log level override: debug, info, warn, error (env: XCMON_LOG_LEVEL)")

	fs.StringVar(&cfg.LogFormat, "log-format",
		getEnv("XCMON_LOG_FORMAT", "json"),
		"Log format: json, text (env: XCMON_LOG_FORMAT)")

	fs.StringVar(&cfg.NATSURL, "nats-url",
		getEnv("XCMON_NATS_URL", ""),
		"NATS server URL override (env: XCMON_NATS_URL)")

	fs.BoolVar(&cfg.ShowVersion, "version", false, "Print version and exit")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}
