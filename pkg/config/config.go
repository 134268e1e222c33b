package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete DittoGate configuration.
//
// This structure captures every configurable aspect of the device:
//   - Logging configuration
//   - Server-wide settings (shutdown, metrics endpoint)
//   - The access controller (auth port, timeouts, grant policy)
//   - TLS material
//   - One section per gate (firewall, exports, storage, advertiser)
//   - Grant ledger and audit sink backends
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (DITTOGATE_*)
//  3. Configuration file (YAML or TOML)
//  4. Default values (lowest priority)
//
// Backend Configuration Pattern:
// Sections with a Type field select a backend. Backend-specific options live
// in a map decoded by the matching factory; only the map for the selected
// type is used.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Server contains process-wide settings
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// Gate configures the access controller
	Gate GateConfig `mapstructure:"gate" yaml:"gate"`

	// TLS points at the certificate material used for mutual TLS
	TLS TLSConfig `mapstructure:"tls" yaml:"tls"`

	// Firewall selects and configures the packet filter backend
	Firewall FirewallConfig `mapstructure:"firewall" yaml:"firewall"`

	// Exports configures the NFS exports table
	Exports ExportsConfig `mapstructure:"exports" yaml:"exports"`

	// Storage configures the protected volume
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`

	// Advertiser configures discovery broadcasts
	Advertiser AdvertiserConfig `mapstructure:"advertiser" yaml:"advertiser"`

	// Ledger selects where outstanding grants are recorded
	Ledger LedgerConfig `mapstructure:"ledger" yaml:"ledger"`

	// Audit selects where session events are recorded
	Audit AuditConfig `mapstructure:"audit" yaml:"audit"`
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

// ServerConfig contains process-wide settings.
type ServerConfig struct {
	// ShutdownTimeout bounds how long stopping all services may take
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" validate:"required,gt=0"`

	// Metrics configures the Prometheus endpoint
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Enabled turns metrics collection and the HTTP endpoint on
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// BindAddress is the interface the endpoint listens on
	BindAddress string `mapstructure:"bind_address" yaml:"bind_address" validate:"omitempty,ip"`

	// Port is the HTTP port of the endpoint
	Port int `mapstructure:"port" yaml:"port" validate:"min=1,max=65535"`
}

// GateConfig configures the access controller.
type GateConfig struct {
	// BindAddress is the interface the auth port listens on
	BindAddress string `mapstructure:"bind_address" yaml:"bind_address" validate:"required,ip"`

	// AuthPort is the mTLS port clients authenticate on
	AuthPort int `mapstructure:"auth_port" yaml:"auth_port" validate:"min=1,max=65535"`

	// DataPort is the NFS port opened to authenticated clients
	DataPort int `mapstructure:"data_port" yaml:"data_port" validate:"min=1,max=65535,nefield=AuthPort"`

	// InactivityTimeout closes a session that sends nothing for this long
	InactivityTimeout time.Duration `mapstructure:"inactivity_timeout" yaml:"inactivity_timeout" validate:"gt=0"`

	// HandshakeTimeout bounds the TLS handshake
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout" yaml:"handshake_timeout" validate:"gt=0"`

	// AcceptPollInterval is how often the accept loop checks for shutdown
	AcceptPollInterval time.Duration `mapstructure:"accept_poll_interval" yaml:"accept_poll_interval" validate:"gt=0"`

	// ShutdownTimeout is how long sessions may drain on shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" validate:"gt=0"`

	// GrantFailurePolicy decides whether a session continues when its grant
	// is incomplete
	// Valid values: continue, abort
	GrantFailurePolicy string `mapstructure:"grant_failure_policy" yaml:"grant_failure_policy" validate:"required,oneof=continue abort"`

	// AllowedNetworks lists CIDR prefixes or addresses that may attempt a
	// handshake. Empty list means all sources are allowed
	AllowedNetworks []string `mapstructure:"allowed_networks" yaml:"allowed_networks" validate:"dive,cidr|ip"`

	// HandshakeRate limits handshake attempts per source address per second
	// (0 = unlimited)
	HandshakeRate float64 `mapstructure:"handshake_rate" yaml:"handshake_rate" validate:"gte=0"`

	// HandshakeBurst is the burst size of the handshake limiter
	HandshakeBurst uint `mapstructure:"handshake_burst" yaml:"handshake_burst"`
}

// TLSConfig points at the certificate material.
type TLSConfig struct {
	// CertFile is the device certificate (PEM)
	CertFile string `mapstructure:"cert_file" yaml:"cert_file" validate:"required"`

	// KeyFile is the device private key (PEM)
	KeyFile string `mapstructure:"key_file" yaml:"key_file" validate:"required"`

	// TrustAnchorFile holds the certificate(s) client certificates must
	// chain to (PEM)
	TrustAnchorFile string `mapstructure:"trust_anchor_file" yaml:"trust_anchor_file" validate:"required"`
}

// FirewallConfig selects the packet filter backend.
type FirewallConfig struct {
	// Type specifies which backend to use
	// Valid values: iptables, memory
	Type string `mapstructure:"type" yaml:"type" validate:"required,oneof=iptables memory"`

	// Table is the iptables table rules are placed in
	Table string `mapstructure:"table" yaml:"table" validate:"required"`

	// Chain is the chain rules are placed in
	Chain string `mapstructure:"chain" yaml:"chain" validate:"required"`

	// IPv6 also manages ip6tables so IPv6 clients can be admitted
	IPv6 bool `mapstructure:"ipv6" yaml:"ipv6"`
}

// ExportsConfig configures the NFS exports table.
type ExportsConfig struct {
	// Type specifies how the table is applied
	// Valid values: exportfs (edit the file, run the reload command),
	// memory (in-memory table, no reload)
	Type string `mapstructure:"type" yaml:"type" validate:"required,oneof=exportfs memory"`

	// File is the exports table path
	File string `mapstructure:"file" yaml:"file" validate:"required"`

	// Options are the per-client export options
	Options string `mapstructure:"options" yaml:"options" validate:"required"`

	// ReloadCommand makes the NFS server pick up the table
	ReloadCommand string `mapstructure:"reload_command" yaml:"reload_command"`
}

// StorageConfig configures the protected volume.
type StorageConfig struct {
	// Path is the mounted volume directory that gets exported
	Path string `mapstructure:"path" yaml:"path" validate:"required,startswith=/"`

	// UnlockCommand optionally runs when the volume is unlocked
	UnlockCommand string `mapstructure:"unlock_command" yaml:"unlock_command"`

	// LockCommand optionally runs when the volume is locked
	LockCommand string `mapstructure:"lock_command" yaml:"lock_command"`
}

// AdvertiserConfig configures discovery broadcasts.
type AdvertiserConfig struct {
	// Type specifies which backend to use
	// Valid values: zeroconf, memory
	Type string `mapstructure:"type" yaml:"type" validate:"required,oneof=zeroconf memory"`

	// Instance is the advertised instance name
	Instance string `mapstructure:"instance" yaml:"instance" validate:"required"`

	// Service is the DNS-SD service type
	Service string `mapstructure:"service" yaml:"service" validate:"required"`

	// Domain is the DNS-SD domain
	Domain string `mapstructure:"domain" yaml:"domain" validate:"required"`

	// Interfaces restricts announcements to these network interfaces
	// Empty list means all multicast-capable interfaces
	Interfaces []string `mapstructure:"interfaces" yaml:"interfaces"`
}

// LedgerConfig selects where outstanding grants are recorded.
type LedgerConfig struct {
	// Type specifies which backend to use
	// Valid values: memory, badger
	Type string `mapstructure:"type" yaml:"type" validate:"required,oneof=memory badger"`

	// Badger contains BadgerDB-specific configuration
	// Only used when Type = "badger"
	Badger map[string]any `mapstructure:"badger" yaml:"badger"`
}

// AuditConfig selects where session events are recorded.
type AuditConfig struct {
	// Type specifies which sink to use
	// Valid values: none, log, memory, s3
	Type string `mapstructure:"type" yaml:"type" validate:"required,oneof=none log memory s3"`

	// S3 contains S3-specific configuration
	// Only used when Type = "s3"
	S3 map[string]any `mapstructure:"s3" yaml:"s3"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (DITTOGATE_*)
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
	// Example: DITTOGATE_GATE_AUTH_PORT=9443
	v.SetEnvPrefix("DITTOGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only applies to keys viper already knows about, so the
	// scalar keys are registered up front.
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Default location: $XDG_CONFIG_HOME/dittogate/config.{yaml,toml}
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// envKeys are the settings that can be overridden from the environment.
var envKeys = []string{
	"logging.level",
	"logging.format",
	"logging.output",
	"server.shutdown_timeout",
	"server.metrics.enabled",
	"server.metrics.bind_address",
	"server.metrics.port",
	"gate.bind_address",
	"gate.auth_port",
	"gate.data_port",
	"gate.inactivity_timeout",
	"gate.handshake_timeout",
	"gate.accept_poll_interval",
	"gate.shutdown_timeout",
	"gate.grant_failure_policy",
	"gate.handshake_rate",
	"gate.handshake_burst",
	"tls.cert_file",
	"tls.key_file",
	"tls.trust_anchor_file",
	"firewall.type",
	"firewall.table",
	"firewall.chain",
	"firewall.ipv6",
	"exports.type",
	"exports.file",
	"exports.options",
	"exports.reload_command",
	"storage.path",
	"storage.unlock_command",
	"storage.lock_command",
	"advertiser.type",
	"advertiser.instance",
	"advertiser.service",
	"advertiser.domain",
	"ledger.type",
	"audit.type",
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found is acceptable - use defaults
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to current
// directory (.) if home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "dittogate")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "dittogate")
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

// GetConfigDir returns the configuration directory path (exposed for init command).
func GetConfigDir() string {
	return getConfigDir()
}
