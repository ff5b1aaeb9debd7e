package config

import (
	"strings"
	"time"

	"github.com/marmos91/pvaserver/pkg/server"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and environment
// variables to fill in any missing values with sensible defaults.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
//   - Address lists are split on commas and whitespace
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
	applyStoreDefaults(&cfg.Store)
	applyMetricsDefaults(&cfg.Metrics)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyServerDefaults sets PVAccess defaults.
func applyServerDefaults(cfg *ServerConfig) {
	cfg.Interfaces = splitList(cfg.Interfaces)
	cfg.IgnoreAddrs = splitList(cfg.IgnoreAddrs)
	cfg.BeaconAddrs = splitList(cfg.BeaconAddrs)

	if cfg.TCPPort == 0 {
		cfg.TCPPort = server.DefaultTCPPort
	}
	if cfg.UDPPort == 0 {
		cfg.UDPPort = server.DefaultUDPPort
	}
	if cfg.TLS.Port == 0 {
		cfg.TLS.Port = server.DefaultTLSPort
	}

	if cfg.EPICSConnTimeout > 0 {
		cfg.IdleTimeout = time.Duration(cfg.EPICSConnTimeout * 4 / 3 * float64(time.Second))
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = server.DefaultIdleTimeout
	}
	if cfg.IdleTimeout < server.MinIdleTimeout {
		cfg.IdleTimeout = server.MinIdleTimeout
	}

	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = 64 << 20
	}
	if cfg.SearchRate == 0 {
		cfg.SearchRate = server.DefaultSearchRate
	}
	if cfg.SearchBurst == 0 {
		cfg.SearchBurst = server.DefaultSearchBurst
	}
	if cfg.BeaconShortInterval == 0 {
		cfg.BeaconShortInterval = server.DefaultBeaconShort
	}
	if cfg.BeaconLongInterval == 0 {
		cfg.BeaconLongInterval = server.DefaultBeaconLong
	}
	if cfg.BeaconBurst == 0 {
		cfg.BeaconBurst = server.DefaultBeaconBurst
	}
}

// applyStoreDefaults sets value store defaults.
func applyStoreDefaults(cfg *StoreConfig) {
	if cfg.Type == "" {
		cfg.Type = "memory"
	}

	if cfg.Badger == nil {
		cfg.Badger = make(map[string]any)
	}
	// Filled for all types so generated config files show the option
	if _, ok := cfg.Badger["path"]; !ok {
		cfg.Badger["path"] = "/tmp/pvaserver-values"
	}
}

// applyMetricsDefaults sets metrics defaults.
func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Port == 0 {
		cfg.Port = 9090
	}
}

// splitList flattens entries that hold several addresses separated by
// commas or whitespace.
func splitList(in []string) []string {
	out := []string{}
	for _, s := range in {
		out = append(out, strings.FieldsFunc(s, func(r rune) bool {
			return r == ',' || r == ' ' || r == '\t' || r == '\n'
		})...)
	}
	return out
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
//   - Documentation
func GetDefaultConfig() *Config {
	cfg := &Config{
		Store: StoreConfig{
			Badger: make(map[string]any),
		},
		PVs: []PVConfig{},
	}

	ApplyDefaults(cfg)
	return cfg
}
