package firewall

import (
	"fmt"
	"strings"
	"sync"

	"github.com/coreos/go-iptables/iptables"
)

// Table is the slice of the iptables API the gate needs. *iptables.IPTables
// satisfies it directly.
type Table interface {
	Exists(table, chain string, rulespec ...string) (bool, error)
	Insert(table, chain string, pos int, rulespec ...string) error
	AppendUnique(table, chain string, rulespec ...string) error
	Delete(table, chain string, rulespec ...string) error
	List(table, chain string) ([]string, error)
}

// NewIPTables returns the kernel-backed table for IPv4, or IPv6 when ipv6 is set.
func NewIPTables(ipv6 bool) (Table, error) {
	proto := iptables.ProtocolIPv4
	if ipv6 {
		proto = iptables.ProtocolIPv6
	}

	ipt, err := iptables.NewWithProtocol(proto)
	if err != nil {
		return nil, fmt.Errorf("init iptables: %w", err)
	}
	return ipt, nil
}

// MemoryTable is an in-process Table. Rules are kept in insertion order per
// table/chain and List renders them the way `iptables -S` does.
type MemoryTable struct {
	mu    sync.Mutex
	rules map[string][]string

	// FailOn, if set, is consulted before every mutation with the operation
	// name ("insert", "append", "delete") and the joined rule spec.
	FailOn func(op, spec string) error
}

func NewMemoryTable() *MemoryTable {
	return &MemoryTable{rules: make(map[string][]string)}
}

func (m *MemoryTable) key(table, chain string) string {
	return table + "/" + chain
}

func (m *MemoryTable) fail(op string, rulespec []string) error {
	if m.FailOn == nil {
		return nil
	}
	return m.FailOn(op, strings.Join(rulespec, " "))
}

func (m *MemoryTable) indexLocked(k, spec string) int {
	for i, r := range m.rules[k] {
		if r == spec {
			return i
		}
	}
	return -1
}

func (m *MemoryTable) Exists(table, chain string, rulespec ...string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.indexLocked(m.key(table, chain), strings.Join(rulespec, " ")) >= 0, nil
}

func (m *MemoryTable) Insert(table, chain string, pos int, rulespec ...string) error {
	if err := m.fail("insert", rulespec); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	k := m.key(table, chain)
	rules := m.rules[k]
	idx := pos - 1
	if idx < 0 || idx > len(rules) {
		return fmt.Errorf("insert %s: index %d out of range", chain, pos)
	}
	rules = append(rules, "")
	copy(rules[idx+1:], rules[idx:])
	rules[idx] = strings.Join(rulespec, " ")
	m.rules[k] = rules
	return nil
}

func (m *MemoryTable) AppendUnique(table, chain string, rulespec ...string) error {
	if err := m.fail("append", rulespec); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	k := m.key(table, chain)
	spec := strings.Join(rulespec, " ")
	if m.indexLocked(k, spec) < 0 {
		m.rules[k] = append(m.rules[k], spec)
	}
	return nil
}

func (m *MemoryTable) Delete(table, chain string, rulespec ...string) error {
	if err := m.fail("delete", rulespec); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	k := m.key(table, chain)
	idx := m.indexLocked(k, strings.Join(rulespec, " "))
	if idx < 0 {
		return fmt.Errorf("delete %s: rule does not exist", chain)
	}
	m.rules[k] = append(m.rules[k][:idx], m.rules[k][idx+1:]...)
	return nil
}

func (m *MemoryTable) List(table, chain string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []string{"-P " + chain + " ACCEPT"}
	for _, r := range m.rules[m.key(table, chain)] {
		out = append(out, "-A "+chain+" "+r)
	}
	return out, nil
}
