package config

import (
	"fmt"
	"net/netip"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags and custom rules.
//
// This function uses go-playground/validator for declarative validation
// via struct tags, with additional custom validation for complex rules
// that cannot be expressed in tags.
//
// Note: Log level normalization is handled in ApplyDefaults, not here.
// Validation accepts both uppercase and lowercase log levels.
//
// Returns an error describing validation failures.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	if err := validateCustomRules(cfg); err != nil {
		return err
	}

	return nil
}

// validateCustomRules performs custom validation beyond struct tags.
func validateCustomRules(cfg *Config) error {
	if cfg.Server.Metrics.Enabled && cfg.Server.Metrics.Port == cfg.Gate.AuthPort {
		return fmt.Errorf("server.metrics.port: %d is already used by gate.auth_port", cfg.Server.Metrics.Port)
	}

	if cfg.Audit.Type == "s3" {
		bucket, _ := cfg.Audit.S3["bucket"].(string)
		if bucket == "" {
			return fmt.Errorf("audit.s3.bucket: required when audit.type is s3")
		}
	}

	// IPv6 clients get no data-port rule unless ip6tables is managed too
	for i, n := range cfg.Gate.AllowedNetworks {
		if is6(n) && cfg.Firewall.Type == "iptables" && !cfg.Firewall.IPv6 {
			return fmt.Errorf("gate.allowed_networks[%d]: %q is IPv6 but firewall.ipv6 is disabled", i, n)
		}
	}

	return nil
}

func is6(network string) bool {
	if p, err := netip.ParsePrefix(network); err == nil {
		return p.Addr().Is6() && !p.Addr().Is4In6()
	}
	if a, err := netip.ParseAddr(network); err == nil {
		return a.Is6() && !a.Is4In6()
	}
	return false
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		if len(validationErrs) > 0 {
			e := validationErrs[0]
			return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
				e.Namespace(), e.Tag(), e.Value())
		}
	}
	return err
}
