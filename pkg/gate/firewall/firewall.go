// Package firewall admits authenticated clients to the NFS data port by
// managing per-client ACCEPT rules in the host packet filter.
//
// Every client rule carries a comment derived from the client address, so the
// set of rules owned by the gate can be found again after a crash and removed
// by Initialize.
package firewall

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"sync"

	"github.com/marmos91/dittogate/internal/logger"
)

const (
	// ClientRulePrefix starts the comment of every per-client rule.
	ClientRulePrefix = "DITTOGATE_CLIENT_"

	// BaselineComment tags the rules installed by Initialize.
	BaselineComment = "DITTOGATE_BASELINE"
)

// Config configures a Gate.
type Config struct {
	// Table is the iptables table to use. Default: "filter".
	Table string

	// Chain is the chain rules are placed in. Default: "INPUT".
	Chain string

	// AuthPort is the mTLS port that stays reachable for everyone.
	AuthPort int

	// DataPort is the NFS port opened per client.
	DataPort int
}

func (c *Config) applyDefaults() {
	if c.Table == "" {
		c.Table = "filter"
	}
	if c.Chain == "" {
		c.Chain = "INPUT"
	}
}

// Gate owns the per-client allow rules.
//
// Thread safety:
// All methods are safe for concurrent use; mutations are serialized.
type Gate struct {
	config Config
	v4     Table
	v6     Table

	mu sync.Mutex
}

// New creates a Gate. v6 may be nil, in which case IPv6 clients are refused.
func New(config Config, v4, v6 Table) *Gate {
	if v4 == nil {
		panic("firewall table cannot be nil")
	}
	config.applyDefaults()

	return &Gate{config: config, v4: v4, v6: v6}
}

// RuleID returns the deterministic rule name for a client address.
func RuleID(address string) string {
	r := strings.NewReplacer(".", "_", ":", "_")
	return ClientRulePrefix + r.Replace(address)
}

func (g *Gate) baselineRules() [][]string {
	return [][]string{
		{"-m", "conntrack", "--ctstate", "ESTABLISHED,RELATED", "-m", "comment", "--comment", BaselineComment, "-j", "ACCEPT"},
		{"-i", "lo", "-m", "comment", "--comment", BaselineComment, "-j", "ACCEPT"},
		{"-p", "tcp", "--dport", strconv.Itoa(g.config.AuthPort), "-m", "comment", "--comment", BaselineComment, "-j", "ACCEPT"},
	}
}

func (g *Gate) clientRule(address string) []string {
	return []string{
		"-p", "tcp", "-s", address, "--dport", strconv.Itoa(g.config.DataPort),
		"-m", "comment", "--comment", RuleID(address), "-j", "ACCEPT",
	}
}

func (g *Gate) tables() []Table {
	if g.v6 == nil {
		return []Table{g.v4}
	}
	return []Table{g.v4, g.v6}
}

func (g *Gate) tableFor(address string) (Table, error) {
	addr, err := netip.ParseAddr(address)
	if err != nil {
		return nil, fmt.Errorf("invalid client address %q: %w", address, err)
	}
	if addr.Unmap().Is4() {
		return g.v4, nil
	}
	if g.v6 == nil {
		return nil, fmt.Errorf("no IPv6 table configured for %s", address)
	}
	return g.v6, nil
}

// Initialize removes client rules left behind by a previous run and installs
// the baseline rules. It is idempotent and never installs a final deny.
func (g *Gate) Initialize() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, t := range g.tables() {
		removed, err := g.removeStaleLocked(t)
		if err != nil {
			return err
		}
		if removed > 0 {
			logger.Warn("Firewall: removed %d stale client rule(s) from %s", removed, g.config.Chain)
		}

		for _, spec := range g.baselineRules() {
			if err := t.AppendUnique(g.config.Table, g.config.Chain, spec...); err != nil {
				return fmt.Errorf("install baseline rule %q: %w", strings.Join(spec, " "), err)
			}
		}
	}

	logger.Info("Firewall: baseline ready (auth port %d, data port %d)", g.config.AuthPort, g.config.DataPort)
	return nil
}

func (g *Gate) removeStaleLocked(t Table) (int, error) {
	lines, err := t.List(g.config.Table, g.config.Chain)
	if err != nil {
		return 0, fmt.Errorf("list %s: %w", g.config.Chain, err)
	}

	removed := 0
	for _, line := range lines {
		spec, ok := parseRule(line, g.config.Chain)
		if !ok || !strings.Contains(line, "--comment "+ClientRulePrefix) {
			continue
		}
		if err := t.Delete(g.config.Table, g.config.Chain, spec...); err != nil {
			logger.Warn("Firewall: failed to remove stale rule %q: %v", line, err)
			continue
		}
		removed++
	}
	return removed, nil
}

// parseRule turns an `iptables -S` line for chain into a rule spec.
func parseRule(line, chain string) ([]string, bool) {
	fields := strings.Fields(line)
	if len(fields) < 3 || fields[0] != "-A" || fields[1] != chain {
		return nil, false
	}
	return fields[2:], true
}

// Allow admits address to the data port and returns the handle that revokes
// it. If a rule for address already exists it is not duplicated.
//
// On failure the returned handle is still non-nil and reports Applied() ==
// false; releasing it attempts cleanup anyway.
func (g *Gate) Allow(address string) (*Handle, error) {
	h := &Handle{gate: g, address: address, rule: RuleID(address)}

	t, err := g.tableFor(address)
	if err != nil {
		return h, err
	}
	spec := g.clientRule(address)

	g.mu.Lock()
	defer g.mu.Unlock()

	exists, err := t.Exists(g.config.Table, g.config.Chain, spec...)
	if err != nil {
		return h, fmt.Errorf("check rule %s: %w", h.rule, err)
	}
	if !exists {
		if err := t.Insert(g.config.Table, g.config.Chain, 1, spec...); err != nil {
			return h, fmt.Errorf("insert rule %s: %w", h.rule, err)
		}
	}

	h.applied = true
	logger.Info("Firewall: allowed %s -> data port %d (%s)", address, g.config.DataPort, h.rule)
	return h, nil
}

// Revoke removes the rule for address if present.
func (g *Gate) Revoke(address string) error {
	t, err := g.tableFor(address)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	spec := g.clientRule(address)
	exists, err := t.Exists(g.config.Table, g.config.Chain, spec...)
	if err != nil {
		return fmt.Errorf("check rule %s: %w", RuleID(address), err)
	}
	if !exists {
		return nil
	}
	if err := t.Delete(g.config.Table, g.config.Chain, spec...); err != nil {
		return fmt.Errorf("delete rule %s: %w", RuleID(address), err)
	}

	logger.Info("Firewall: revoked %s (%s)", address, RuleID(address))
	return nil
}

// ClientRules returns the rule IDs of every client rule currently installed.
func (g *Gate) ClientRules() ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var ids []string
	for _, t := range g.tables() {
		lines, err := t.List(g.config.Table, g.config.Chain)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", g.config.Chain, err)
		}
		for _, line := range lines {
			fields := strings.Fields(line)
			for i := 0; i+1 < len(fields); i++ {
				if fields[i] == "--comment" && strings.HasPrefix(fields[i+1], ClientRulePrefix) {
					ids = append(ids, fields[i+1])
				}
			}
		}
	}
	return ids, nil
}

// Handle revokes one client rule. Release is idempotent.
type Handle struct {
	gate    *Gate
	address string
	rule    string
	applied bool

	once sync.Once
	err  error
}

// RuleID returns the name of the rule this handle controls.
func (h *Handle) RuleID() string { return h.rule }

// Applied reports whether the rule was installed.
func (h *Handle) Applied() bool { return h.applied }

// Release removes the rule. Only the first call does any work; later calls
// return the first call's result.
func (h *Handle) Release() error {
	released := false
	h.once.Do(func() {
		released = true
		h.err = h.gate.Revoke(h.address)
		if h.err != nil {
			logger.Error("Firewall: failed to revoke %s: %v", h.address, h.err)
		}
	})
	if !released {
		logger.Debug("Firewall: %s already released", h.rule)
	}
	return h.err
}
