package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// sectionComments are written above each top-level key of a generated file.
var sectionComments = map[string]string{
	"logging":    "Logging: level (DEBUG, INFO, WARN, ERROR), format (text, json), output (stdout, stderr, or a file path)",
	"server":     "Process-wide settings and the Prometheus endpoint",
	"gate":       "Access controller: mTLS auth port, NFS data port, timeouts and admission rules",
	"tls":        "Device certificate, private key and the trust anchor client certificates must chain to",
	"firewall":   "Packet filter backend: iptables or memory",
	"exports":    "NFS exports table: exportfs (edit file + reload) or memory",
	"storage":    "Protected volume and optional unlock/lock commands",
	"advertiser": "Discovery broadcasts: zeroconf (mDNS) or memory",
	"ledger":     "Outstanding grants, revoked on the next start after a crash: badger or memory",
	"audit":      "Session events: none, log, memory or s3",
}

const fileHeader = `# DittoGate Configuration File
#
# Every setting can be overridden with an environment variable:
# DITTOGATE_<SECTION>_<KEY>, e.g. DITTOGATE_GATE_AUTH_PORT=9443
`

// InitConfig writes a sample configuration to the default location and
// returns its path. An existing file is only replaced when force is set.
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	if err := InitConfigToPath(path, force); err != nil {
		return "", err
	}
	return path, nil
}

// InitConfigToPath writes a sample configuration to path.
func InitConfigToPath(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := generateYAMLWithComments(GetDefaultConfig())
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// generateYAMLWithComments renders cfg as YAML with a comment above each
// section.
func generateYAMLWithComments(cfg *Config) ([]byte, error) {
	var doc yaml.Node
	if err := doc.Encode(cfg); err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}

	// Mapping content alternates key and value nodes
	for i := 0; i+1 < len(doc.Content); i += 2 {
		key := doc.Content[i]
		if comment, ok := sectionComments[key.Value]; ok {
			key.HeadComment = comment
		}
	}

	body, err := yaml.Marshal(&doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return append([]byte(fileHeader+"\n"), body...), nil
}
