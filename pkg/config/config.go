package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete pvaserver configuration.
//
// This structure captures all configurable aspects of the server including:
//   - Logging configuration
//   - PVAccess network settings (ports, interfaces, beacons, TLS)
//   - Value store selection for the builtin static source
//   - Prometheus metrics endpoint
//   - PVs seeded into the builtin static source at startup
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (PVASERVER_*, then the EPICS_PVA* aliases)
//  3. Configuration file (YAML or TOML)
//  4. Default values (lowest priority)
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Server contains the PVAccess network settings
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// Store selects the value store behind the builtin static source
	Store StoreConfig `mapstructure:"store" yaml:"store"`

	// Metrics configures the Prometheus endpoint
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// PVs are created in the builtin static source at startup
	PVs []PVConfig `mapstructure:"pvs" yaml:"pvs" validate:"dive"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" yaml:"format" validate:"required,oneof=text json"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" yaml:"output" validate:"required"`
}

// ServerConfig contains the PVAccess network settings.
//
// Address lists accept entries separated by commas or whitespace, so
// EPICS style values such as "10.0.0.255 10.1.0.255" work unchanged.
type ServerConfig struct {
	// Interfaces lists local addresses to bind. Empty means every interface.
	Interfaces []string `mapstructure:"interfaces" yaml:"interfaces"`

	// TCPPort is the plain stream port. Negative requests an ephemeral port.
	TCPPort int `mapstructure:"tcp_port" yaml:"tcp_port" validate:"lte=65535"`

	// UDPPort is the search and beacon port.
	UDPPort int `mapstructure:"udp_port" yaml:"udp_port" validate:"lte=65535"`

	// IgnoreAddrs lists "host[:port]" senders whose searches are dropped
	IgnoreAddrs []string `mapstructure:"ignore_addrs" yaml:"ignore_addrs"`

	// BeaconAddrs lists "host[:port]" beacon destinations
	BeaconAddrs []string `mapstructure:"beacon_addrs" yaml:"beacon_addrs"`

	// AutoBeacon adds every local broadcast address to BeaconAddrs
	AutoBeacon bool `mapstructure:"auto_beacon" yaml:"auto_beacon"`

	// IdleTimeout closes connections that received nothing for this long
	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout" validate:"gte=0"`

	// EPICSConnTimeout mirrors EPICS_PVA_CONN_TMO, in seconds. When set it
	// overrides IdleTimeout, scaled by 4/3.
	EPICSConnTimeout float64 `mapstructure:"epics_conn_tmo" yaml:"-" validate:"gte=0"`

	// MaxMessageSize bounds a single reassembled message, in bytes
	MaxMessageSize int `mapstructure:"max_message_size" yaml:"max_message_size" validate:"gte=0"`

	// ClusterLabel derives the server GUID from a fixed label
	ClusterLabel string `mapstructure:"cluster_label" yaml:"cluster_label"`

	// SearchRate and SearchBurst limit UDP search replies per sender
	SearchRate  uint `mapstructure:"search_rate" yaml:"search_rate"`
	SearchBurst uint `mapstructure:"search_burst" yaml:"search_burst"`

	// Beacon schedule
	BeaconShortInterval time.Duration `mapstructure:"beacon_short_interval" yaml:"beacon_short_interval" validate:"gte=0"`
	BeaconLongInterval  time.Duration `mapstructure:"beacon_long_interval" yaml:"beacon_long_interval" validate:"gte=0"`
	BeaconBurst         int           `mapstructure:"beacon_burst" yaml:"beacon_burst" validate:"gte=0"`

	// TLS configures the secured listener
	TLS TLSConfig `mapstructure:"tls" yaml:"tls"`
}

// TLSConfig configures the secured stream listener.
type TLSConfig struct {
	// Enabled turns the TLS listener on
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the TLS listen port
	Port int `mapstructure:"port" yaml:"port" validate:"lte=65535"`

	// CertFile and KeyFile hold the server certificate (PEM)
	CertFile string `mapstructure:"cert_file" yaml:"cert_file" validate:"required_if=Enabled true"`
	KeyFile  string `mapstructure:"key_file" yaml:"key_file" validate:"required_if=Enabled true"`

	// ClientCAFile, when set, enables verification of client certificates
	// and with it the x509 authentication method
	ClientCAFile string `mapstructure:"client_ca_file" yaml:"client_ca_file"`
}

// StoreConfig specifies the value store configuration.
//
// The Type field determines which store implementation is used.
// Only the corresponding type-specific configuration section is used.
type StoreConfig struct {
	// Type specifies which value store implementation to use
	// Valid values: memory, badger
	Type string `mapstructure:"type" yaml:"type" validate:"required,oneof=memory badger"`

	// Badger contains BadgerDB-specific configuration
	// Only used when Type = "badger"
	Badger map[string]any `mapstructure:"badger" yaml:"badger"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Enabled starts the metrics HTTP server
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the HTTP port serving /metrics and /report
	Port int `mapstructure:"port" yaml:"port" validate:"required_if=Enabled true,lte=65535"`
}

// PVConfig declares a string PV in the builtin static source.
type PVConfig struct {
	Name  string `mapstructure:"name" yaml:"name" validate:"required"`
	Value string `mapstructure:"value" yaml:"value"`
}

// epicsAliases maps configuration keys to the EPICS environment
// variables consulted after the PVASERVER_* variable, in order.
var epicsAliases = map[string][]string{
	"server.tcp_port":       {"EPICS_PVAS_SERVER_PORT", "EPICS_PVA_SERVER_PORT"},
	"server.udp_port":       {"EPICS_PVAS_BROADCAST_PORT", "EPICS_PVA_BROADCAST_PORT"},
	"server.interfaces":     {"EPICS_PVAS_INTF_ADDR_LIST"},
	"server.ignore_addrs":   {"EPICS_PVAS_IGNORE_ADDR_LIST"},
	"server.beacon_addrs":   {"EPICS_PVAS_BEACON_ADDR_LIST", "EPICS_PVA_ADDR_LIST"},
	"server.auto_beacon":    {"EPICS_PVAS_AUTO_BEACON_ADDR_LIST", "EPICS_PVA_AUTO_ADDR_LIST"},
	"server.epics_conn_tmo": {"EPICS_PVA_CONN_TMO"},
	"server.tls.port":       {"EPICS_PVAS_TLS_PORT", "EPICS_PVA_TLS_PORT"},
}

// envKeys are bound to PVASERVER_* variables so they reach Unmarshal even
// when absent from the config file.
var envKeys = []string{
	"logging.level", "logging.format", "logging.output",
	"server.max_message_size", "server.idle_timeout", "server.cluster_label",
	"server.search_rate", "server.search_burst",
	"server.beacon_short_interval", "server.beacon_long_interval", "server.beacon_burst",
	"server.tls.enabled", "server.tls.cert_file", "server.tls.key_file", "server.tls.client_ca_file",
	"store.type", "metrics.enabled", "metrics.port",
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (PVASERVER_*, then EPICS aliases)
//  2. Configuration file
//  3. Default values
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: Configuration loading or validation error
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}
	normalizeBool(v, "server.auto_beacon")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Example: PVASERVER_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("PVASERVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}
	for key, aliases := range epicsAliases {
		names := append([]string{"PVASERVER_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))}, aliases...)
		_ = v.BindEnv(append([]string{key}, names...)...)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Default location: $XDG_CONFIG_HOME/pvaserver/config.{yaml,toml}
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// normalizeBool accepts the EPICS spellings YES and NO for a boolean key.
func normalizeBool(v *viper.Viper, key string) {
	if !v.IsSet(key) {
		return
	}
	switch strings.ToUpper(strings.TrimSpace(v.GetString(key))) {
	case "YES", "Y", "TRUE", "ON", "1":
		v.Set(key, true)
	case "NO", "N", "FALSE", "OFF", "0", "":
		v.Set(key, false)
	}
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to the
// current directory if the home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "pvaserver")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "pvaserver")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// ConfigExists checks if a config file exists at the default location.
func ConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path.
func GetConfigDir() string {
	return getConfigDir()
}
