package controller

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"time"

	"go4.org/netipx"
)

// GrantFailurePolicy decides what happens to a session whose grant could
// not be fully applied.
type GrantFailurePolicy string

const (
	// PolicyContinue keeps the session and sends the welcome line anyway.
	PolicyContinue GrantFailurePolicy = "continue"

	// PolicyAbort releases whatever was applied and closes the connection
	// without a welcome line.
	PolicyAbort GrantFailurePolicy = "abort"
)

// Config holds the controller settings. It is a plain value; the controller
// never reads the environment.
type Config struct {
	// BindAddress is the interface the auth port listens on. Default: 0.0.0.0.
	BindAddress string

	// AuthPort is the mTLS port. Zero picks an ephemeral port.
	AuthPort int

	// StoragePath is the exported volume directory (informational; the
	// gates carry their own copy).
	StoragePath string

	CertFile        string
	KeyFile         string
	TrustAnchorFile string

	// InactivityTimeout closes a session that sends nothing for this long.
	// Default: 300s.
	InactivityTimeout time.Duration

	// HandshakeTimeout bounds the TLS handshake. Default: 10s.
	HandshakeTimeout time.Duration

	// AcceptPollInterval is how often the accept loop checks for shutdown.
	// Default: 1s.
	AcceptPollInterval time.Duration

	// ShutdownTimeout is how long sessions may drain before their
	// connections are closed. Default: 10s.
	ShutdownTimeout time.Duration

	// GrantFailurePolicy. Default: PolicyContinue.
	GrantFailurePolicy GrantFailurePolicy

	// AllowedNetworks restricts which source addresses may even attempt a
	// handshake. Entries are CIDR prefixes or single addresses. Empty
	// allows everyone.
	AllowedNetworks []string

	// HandshakeRate limits handshake attempts per source address per
	// second; zero disables limiting.
	HandshakeRate  float64
	HandshakeBurst uint
}

func (c *Config) applyDefaults() {
	if c.BindAddress == "" {
		c.BindAddress = "0.0.0.0"
	}
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = 300 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.AcceptPollInterval <= 0 {
		c.AcceptPollInterval = time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	if c.GrantFailurePolicy == "" {
		c.GrantFailurePolicy = PolicyContinue
	}
	if c.HandshakeRate > 0 && c.HandshakeBurst == 0 {
		c.HandshakeBurst = 1
	}
}

// ConfigurationError reports a setting that prevents the controller from
// starting.
type ConfigurationError struct {
	Field string
	Value string
	Err   error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %v", e.Field, e.Value, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

func (c *Config) validate() error {
	if c.AuthPort < 0 || c.AuthPort > 65535 {
		return &ConfigurationError{Field: "auth port", Value: fmt.Sprint(c.AuthPort), Err: errors.New("out of range")}
	}

	files := []struct{ field, path string }{
		{"certificate file", c.CertFile},
		{"key file", c.KeyFile},
		{"trust anchor file", c.TrustAnchorFile},
	}
	for _, f := range files {
		if f.path == "" {
			return &ConfigurationError{Field: f.field, Err: errors.New("not set")}
		}
		info, err := os.Stat(f.path)
		if err != nil {
			return &ConfigurationError{Field: f.field, Value: f.path, Err: err}
		}
		if info.IsDir() {
			return &ConfigurationError{Field: f.field, Value: f.path, Err: errors.New("is a directory")}
		}
	}

	switch c.GrantFailurePolicy {
	case PolicyContinue, PolicyAbort:
	default:
		return &ConfigurationError{
			Field: "grant failure policy",
			Value: string(c.GrantFailurePolicy),
			Err:   errors.New("must be continue or abort"),
		}
	}

	if _, err := buildAllowedSet(c.AllowedNetworks); err != nil {
		return err
	}
	return nil
}

// buildAllowedSet returns nil when every source is allowed.
func buildAllowedSet(networks []string) (*netipx.IPSet, error) {
	if len(networks) == 0 {
		return nil, nil
	}

	var b netipx.IPSetBuilder
	for _, n := range networks {
		if prefix, err := netip.ParsePrefix(n); err == nil {
			b.AddPrefix(prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(n)
		if err != nil {
			return nil, &ConfigurationError{Field: "allowed network", Value: n, Err: err}
		}
		b.Add(addr)
	}

	set, err := b.IPSet()
	if err != nil {
		return nil, &ConfigurationError{Field: "allowed networks", Err: err}
	}
	return set, nil
}
