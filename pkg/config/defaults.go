package config

import (
	"strings"
	"time"

	"github.com/marmos91/dittogate/pkg/gate/advertise"
	"github.com/marmos91/dittogate/pkg/gate/export"
)

// Default locations of the TLS material installed with the device.
const (
	DefaultCertFile        = "/etc/dittogate/pki/server_cert.pem"
	DefaultKeyFile         = "/etc/dittogate/pki/server_key.pem"
	DefaultTrustAnchorFile = "/etc/dittogate/pki/client_cert.pem"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and environment
// variables to fill in any missing values with sensible defaults.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
//   - Backend-specific defaults are handled by the factories
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
	applyGateDefaults(&cfg.Gate)
	applyTLSDefaults(&cfg.TLS)
	applyFirewallDefaults(&cfg.Firewall)
	applyExportsDefaults(&cfg.Exports)
	applyStorageDefaults(&cfg.Storage)
	applyAdvertiserDefaults(&cfg.Advertiser)
	applyLedgerDefaults(&cfg.Ledger)
	applyAuditDefaults(&cfg.Audit)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
}

func applyGateDefaults(cfg *GateConfig) {
	if cfg.BindAddress == "" {
		cfg.BindAddress = "0.0.0.0"
	}
	if cfg.AuthPort == 0 {
		cfg.AuthPort = 8443
	}
	if cfg.DataPort == 0 {
		cfg.DataPort = 2049
	}
	if cfg.InactivityTimeout == 0 {
		cfg.InactivityTimeout = 300 * time.Second
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.AcceptPollInterval == 0 {
		cfg.AcceptPollInterval = time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.GrantFailurePolicy == "" {
		cfg.GrantFailurePolicy = "continue"
	}
	cfg.GrantFailurePolicy = strings.ToLower(cfg.GrantFailurePolicy)

	if cfg.AllowedNetworks == nil {
		cfg.AllowedNetworks = []string{}
	}
	// A rate without a burst would reject every attempt
	if cfg.HandshakeRate > 0 && cfg.HandshakeBurst == 0 {
		cfg.HandshakeBurst = 3
	}
}

func applyTLSDefaults(cfg *TLSConfig) {
	if cfg.CertFile == "" {
		cfg.CertFile = DefaultCertFile
	}
	if cfg.KeyFile == "" {
		cfg.KeyFile = DefaultKeyFile
	}
	if cfg.TrustAnchorFile == "" {
		cfg.TrustAnchorFile = DefaultTrustAnchorFile
	}
}

func applyFirewallDefaults(cfg *FirewallConfig) {
	if cfg.Type == "" {
		cfg.Type = "iptables"
	}
	if cfg.Table == "" {
		cfg.Table = "filter"
	}
	if cfg.Chain == "" {
		cfg.Chain = "INPUT"
	}
}

func applyExportsDefaults(cfg *ExportsConfig) {
	if cfg.Type == "" {
		cfg.Type = "exportfs"
	}
	if cfg.File == "" {
		cfg.File = export.DefaultExportsFile
	}
	if cfg.Options == "" {
		cfg.Options = export.DefaultOptions
	}
	if cfg.ReloadCommand == "" {
		cfg.ReloadCommand = export.DefaultReload
	}
}

func applyStorageDefaults(cfg *StorageConfig) {
	if cfg.Path == "" {
		cfg.Path = "/mnt/secure_nas"
	}
}

func applyAdvertiserDefaults(cfg *AdvertiserConfig) {
	if cfg.Type == "" {
		cfg.Type = "zeroconf"
	}
	if cfg.Instance == "" {
		cfg.Instance = advertise.DefaultInstance
	}
	if cfg.Service == "" {
		cfg.Service = advertise.DefaultService
	}
	if cfg.Domain == "" {
		cfg.Domain = advertise.DefaultDomain
	}
	if cfg.Interfaces == nil {
		cfg.Interfaces = []string{}
	}
}

func applyLedgerDefaults(cfg *LedgerConfig) {
	if cfg.Type == "" {
		cfg.Type = "badger"
	}
	if cfg.Badger == nil {
		cfg.Badger = make(map[string]any)
	}
	// Applied for every type so generated config files show the option
	if _, ok := cfg.Badger["path"]; !ok {
		cfg.Badger["path"] = "/var/lib/dittogate/ledger"
	}
}

func applyAuditDefaults(cfg *AuditConfig) {
	if cfg.Type == "" {
		cfg.Type = "log"
	}
	if cfg.S3 == nil {
		cfg.S3 = make(map[string]any)
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
//   - Documentation
func GetDefaultConfig() *Config {
	cfg := &Config{
		Ledger: LedgerConfig{
			Badger: make(map[string]any),
		},
		Audit: AuditConfig{
			S3: map[string]any{
				"region":         "us-east-1",
				"bucket":         "",
				"key_prefix":     "dittogate",
				"batch_size":     100,
				"flush_interval": "1m",
				"max_buffered":   1000,
				"upload_timeout": "30s",
			},
		},
	}

	ApplyDefaults(cfg)
	return cfg
}
