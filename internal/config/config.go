package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config holds all runtime configuration for the prolinkd peer.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	Iface        string // network interface to bind (e.g. "eth0")
	DeviceNumber int    // requested device number, 0 means auto-select in 1..4
	LogLevel     string
	LogFormat    string // log output format: "text" or "json"
	MIDIPort     string // MIDI output port name to match against available drivers
	HTTPAddr     string // bind address for the debug/introspection HTTP surface
	Metrics      bool   // whether to expose Prometheus metrics on the HTTP surface
}

// defaults
const (
	defaultDeviceNumber = 0
	defaultLogLevel     = "info"
	defaultLogFormat    = "text"
	defaultHTTPAddr     = "127.0.0.1:7670"
)

// envPrefix is the prefix for all prolinkd environment variables.
const envPrefix = "PROLINKD_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("prolinkd", flag.ContinueOnError)

	fs.StringVar(&cfg.Iface, "iface", "", "network interface to bind for ProDJ Link traffic (required)")
	fs.IntVar(&cfg.DeviceNumber, "device-number", defaultDeviceNumber, "requested device number, 1-4 (0 selects the lowest free number)")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.MIDIPort, "midi-port", "", "MIDI output port name to send clock to (empty selects the first available)")
	fs.StringVar(&cfg.HTTPAddr, "http-addr", defaultHTTPAddr, "bind address for the debug/introspection HTTP surface")
	fs.BoolVar(&cfg.Metrics, "metrics", true, "expose Prometheus metrics on the debug HTTP surface")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	envMap := map[string]string{
		"iface":         envPrefix + "IFACE",
		"device-number": envPrefix + "DEVICE_NUMBER",
		"log-level":     envPrefix + "LOG_LEVEL",
		"log-format":    envPrefix + "LOG_FORMAT",
		"midi-port":     envPrefix + "MIDI_PORT",
		"http-addr":     envPrefix + "HTTP_ADDR",
		"metrics":       envPrefix + "METRICS",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "iface":
			cfg.Iface = val
		case "device-number":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.DeviceNumber = v
			}
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		case "midi-port":
			cfg.MIDIPort = val
		case "http-addr":
			cfg.HTTPAddr = val
		case "metrics":
			if v, err := strconv.ParseBool(val); err == nil {
				cfg.Metrics = v
			}
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.Iface == "" {
		return fmt.Errorf("iface must be specified")
	}
	if c.DeviceNumber < 0 || c.DeviceNumber > 4 {
		return fmt.Errorf("device-number must be between 0 and 4, got %d", c.DeviceNumber)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	return nil
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
