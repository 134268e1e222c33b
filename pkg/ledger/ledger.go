// Package ledger remembers which access grants are outstanding, so grants
// orphaned by a crash can be revoked when the gate starts again.
package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/marmos91/dittogate/internal/logger"
)

// Entry records one outstanding grant.
type Entry struct {
	Address      string    `json:"address"`
	SessionID    string    `json:"session_id"`
	CommonName   string    `json:"common_name"`
	FirewallRule string    `json:"firewall_rule"`
	FirewallOK   bool      `json:"firewall_ok"`
	ExportOK     bool      `json:"export_ok"`
	GrantedAt    time.Time `json:"granted_at"`
}

// Ledger stores entries keyed by address.
type Ledger interface {
	Record(ctx context.Context, e Entry) error
	Delete(ctx context.Context, address string) error
	List(ctx context.Context) ([]Entry, error)
	Close() error
}

// FirewallRevoker removes a client's firewall rule.
type FirewallRevoker interface {
	Revoke(address string) error
}

// ExportRemover withdraws client exports.
type ExportRemover interface {
	RemoveAll(ctx context.Context, addresses []string) error
}

// Recover revokes every grant still listed in l and clears it. Entries are
// only deleted once both halves were revoked, so a failed recovery is
// retried on the next start. It returns the number of recovered grants.
func Recover(ctx context.Context, l Ledger, fw FirewallRevoker, exports ExportRemover) (int, error) {
	entries, err := l.List(ctx)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}

	addresses := make([]string, 0, len(entries))
	for _, e := range entries {
		logger.Warn("Ledger: revoking orphaned grant for %s (%s, session %s, granted %s)",
			e.Address, e.CommonName, e.SessionID, e.GrantedAt.Format(time.RFC3339))
		addresses = append(addresses, e.Address)
	}

	if err := exports.RemoveAll(ctx, addresses); err != nil {
		return 0, err
	}

	recovered := 0
	for _, e := range entries {
		if err := fw.Revoke(e.Address); err != nil {
			logger.Error("Ledger: failed to revoke firewall rule for %s: %v", e.Address, err)
			continue
		}
		if err := l.Delete(ctx, e.Address); err != nil {
			logger.Error("Ledger: failed to clear entry for %s: %v", e.Address, err)
			continue
		}
		recovered++
	}
	return recovered, nil
}

// Memory is a non-persistent Ledger.
type Memory struct {
	mu      sync.Mutex
	entries map[string]Entry
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[string]Entry)}
}

func (m *Memory) Record(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[e.Address] = e
	return nil
}

func (m *Memory) Delete(_ context.Context, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, address)
	return nil
}

func (m *Memory) List(_ context.Context) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

func (m *Memory) Close() error { return nil }
