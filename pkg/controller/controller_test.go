package controller

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/marmos91/dittogate/pkg/audit"
	"github.com/marmos91/dittogate/pkg/client"
	"github.com/marmos91/dittogate/pkg/gate/advertise"
	"github.com/marmos91/dittogate/pkg/gate/firewall"
	"github.com/marmos91/dittogate/pkg/ledger"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRespond(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"hello", "ACK: hello\n"},
		{"  status \n", "ACK: status\n"},
		{"LIST_FILES", UnsupportedReply},
		{"READ_FILE", UnsupportedReply},
		{"READ_FILE:notes.txt\n", UnsupportedReply},
		{"READ_FILES", "ACK: READ_FILES\n"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Respond(tt.in))
		})
	}
}

func TestNewRejectsMissingFiles(t *testing.T) {
	h := newHarness(t, nil)

	cfg := h.ctrl.config
	cfg.TrustAnchorFile = "/nonexistent/anchor.pem"

	_, err := New(cfg, h.ctrl.deps)
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "trust anchor file", cfgErr.Field)
	assert.Equal(t, Dormant, h.ctrl.State())
}

func TestNewRejectsCorruptCertificate(t *testing.T) {
	h := newHarness(t, nil)

	for _, field := range []string{"cert", "key", "anchor"} {
		t.Run(field, func(t *testing.T) {
			garbage := filepath.Join(t.TempDir(), "garbage.pem")
			require.NoError(t, os.WriteFile(garbage, []byte("garbage"), 0o600))

			cfg := h.ctrl.config
			switch field {
			case "cert":
				cfg.CertFile = garbage
			case "key":
				cfg.KeyFile = garbage
			case "anchor":
				cfg.TrustAnchorFile = garbage
			}

			ctrl, err := New(cfg, h.ctrl.deps)
			var cfgErr *ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, "tls identity", cfgErr.Field)
			assert.Nil(t, ctrl)
		})
	}

	_, ok := h.pub.Live()
	assert.False(t, ok, "nothing is advertised")
	assert.False(t, h.storage.IsUnlocked())
}

func TestNewRejectsBadPolicyAndNetworks(t *testing.T) {
	h := newHarness(t, nil)

	cfg := h.ctrl.config
	cfg.GrantFailurePolicy = "ignore"
	_, err := New(cfg, h.ctrl.deps)
	assert.ErrorAs(t, err, new(*ConfigurationError))

	cfg = h.ctrl.config
	cfg.AllowedNetworks = []string{"not-a-network"}
	_, err = New(cfg, h.ctrl.deps)
	assert.ErrorAs(t, err, new(*ConfigurationError))
}

func TestActivate(t *testing.T) {
	h := newHarness(t, nil)
	require.Equal(t, Dormant, h.ctrl.State())
	assert.False(t, h.storage.IsUnlocked())

	require.NoError(t, h.ctrl.Activate(context.Background()))

	assert.Equal(t, Advertising, h.ctrl.State())
	assert.True(t, h.storage.IsUnlocked())
	live, ok := h.pub.Live()
	require.True(t, ok)
	assert.Equal(t, advertise.StatusAdvertising, live.Status)

	rules, err := h.table.List("filter", "INPUT")
	require.NoError(t, err)
	assert.Len(t, rules, 4, "policy line plus baseline rules")

	require.NoError(t, h.ctrl.Activate(context.Background()), "activating twice is a logged no-op")
	assert.Equal(t, Advertising, h.ctrl.State())
	assert.Len(t, h.pub.History(), 1, "no extra broadcast")
}

func TestRunRequiresAdvertising(t *testing.T) {
	h := newHarness(t, nil)
	assert.ErrorIs(t, h.ctrl.Run(context.Background()), ErrNotAdvertising)
}

func TestActivateWithMissingVolumeStillAdvertises(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.fs.RemoveAll(testVolume))

	require.NoError(t, h.ctrl.Activate(context.Background()))

	assert.Equal(t, Advertising, h.ctrl.State())
	assert.False(t, h.storage.IsUnlocked())
}

func TestSessionLifecycle(t *testing.T) {
	h := newHarness(t, nil)
	h.start()

	rulesBefore, err := h.table.List("filter", "INPUT")
	require.NoError(t, err)
	exportsBefore, err := afero.ReadFile(h.fs, "/etc/exports")
	if err != nil {
		exportsBefore = nil
	}

	conn := h.dial("127.0.0.1", "client-laptop")
	assert.Equal(t, "Welcome client-laptop!", conn.Welcome())

	assert.Equal(t, Active, h.ctrl.State())
	assert.Equal(t, []string{"DITTOGATE_CLIENT_127_0_0_1"}, h.clientRules())

	entries := h.exportEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, "127.0.0.1", entries[0].Client)
	assert.Equal(t, testVolume, entries[0].Path)

	live, ok := h.pub.Live()
	require.True(t, ok)
	assert.Equal(t, advertise.StatusActive, live.Status)
	assert.Equal(t, 1, live.Clients)

	sessions := h.ctrl.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, "client-laptop", sessions[0].Identity.CommonName)
	assert.Len(t, h.ledgerEntries(), 1)

	reply, err := conn.Send("hello")
	require.NoError(t, err)
	assert.Equal(t, "ACK: hello", reply)

	reply, err = conn.Send("LIST_FILES")
	require.NoError(t, err)
	assert.Equal(t, "File operations are unsupported; mount the NFS share instead.", reply)

	require.NoError(t, conn.Close())

	h.eventually(func() bool { return h.ctrl.State() == Advertising }, "device returns to advertising")
	assert.Empty(t, h.clientRules())
	assert.Empty(t, h.exportEntries())
	assert.Empty(t, h.ledgerEntries())
	assert.Empty(t, h.ctrl.Sessions())

	rulesAfter, err := h.table.List("filter", "INPUT")
	require.NoError(t, err)
	assert.Equal(t, rulesBefore, rulesAfter)

	exportsAfter, err := afero.ReadFile(h.fs, "/etc/exports")
	if err == nil {
		assert.Equal(t, string(exportsBefore), string(exportsAfter))
	}

	live, ok = h.pub.Live()
	require.True(t, ok)
	assert.Equal(t, advertise.StatusAdvertising, live.Status)

	grants, revocations := h.metrics.snapshot()
	assert.Equal(t, grants, revocations)
	assert.Len(t, h.audit.OfType(audit.SessionOpened), 1)
	assert.Len(t, h.audit.OfType(audit.SessionClosed), 1)
	assert.Len(t, h.audit.OfType(audit.GrantRevoked), 1)
}

func TestTwoConcurrentClients(t *testing.T) {
	h := newHarness(t, nil)
	h.start()

	first := h.dial("127.0.0.1", "laptop")
	second := h.dial("127.0.0.2", "phone")

	assert.Equal(t, Active, h.ctrl.State())
	assert.ElementsMatch(t, []string{"DITTOGATE_CLIENT_127_0_0_1", "DITTOGATE_CLIENT_127_0_0_2"}, h.clientRules())
	assert.Len(t, h.exportEntries(), 2)

	live, ok := h.pub.Live()
	require.True(t, ok)
	assert.Equal(t, 2, live.Clients)

	require.NoError(t, first.Close())
	h.eventually(func() bool { return len(h.ctrl.Sessions()) == 1 }, "first session removed")

	assert.Equal(t, Active, h.ctrl.State())
	assert.Equal(t, []string{"DITTOGATE_CLIENT_127_0_0_2"}, h.clientRules())
	live, ok = h.pub.Live()
	require.True(t, ok)
	assert.Equal(t, advertise.StatusActive, live.Status)
	assert.Equal(t, 1, live.Clients)

	reply, err := second.Send("still here")
	require.NoError(t, err)
	assert.Equal(t, "ACK: still here", reply)

	require.NoError(t, second.Close())
	h.eventually(func() bool { return h.ctrl.State() == Advertising }, "last session ends")
	assert.Empty(t, h.clientRules())
	assert.Empty(t, h.exportEntries())
}

func TestUntrustedClientIsRejected(t *testing.T) {
	h := newHarness(t, nil)
	h.start()

	rogue := newTestCA(t, "rogue-ca")
	cert, _, _ := rogue.issue(t, "intruder")

	_, err := h.dialWith("127.0.0.1", []tls.Certificate{cert})
	require.Error(t, err)

	h.eventually(func() bool { return len(h.audit.OfType(audit.HandshakeFailed)) == 1 }, "handshake failure recorded")
	assert.Equal(t, Advertising, h.ctrl.State())
	assert.Empty(t, h.ctrl.Sessions())
	assert.Empty(t, h.clientRules())
	assert.Empty(t, h.exportEntries())

	conn := h.dial("127.0.0.1", "client-laptop")
	defer conn.Close()
	assert.Equal(t, Active, h.ctrl.State(), "the accept loop keeps serving after a failed handshake")
}

func TestClientWithoutCertificateIsRejected(t *testing.T) {
	h := newHarness(t, nil)
	h.start()

	_, err := h.dialWith("127.0.0.1", nil)
	require.Error(t, err)

	h.eventually(func() bool { return len(h.audit.OfType(audit.HandshakeFailed)) == 1 }, "handshake failure recorded")
	assert.Empty(t, h.ctrl.Sessions())
	assert.Empty(t, h.clientRules())
}

func TestDuplicateAddressIsRejected(t *testing.T) {
	h := newHarness(t, nil)
	h.start()

	first := h.dial("127.0.0.1", "laptop")
	defer first.Close()

	cert, _, _ := h.ca.issue(t, "laptop-again")
	_, err := h.dialWith("127.0.0.1", []tls.Certificate{cert})
	require.Error(t, err)

	h.eventually(func() bool { return len(h.audit.OfType(audit.SessionRejected)) == 1 }, "duplicate rejected")
	assert.Len(t, h.ctrl.Sessions(), 1)
	assert.Equal(t, []string{"DITTOGATE_CLIENT_127_0_0_1"}, h.clientRules())

	reply, err := first.Send("ping")
	require.NoError(t, err)
	assert.Equal(t, "ACK: ping", reply)
}

func TestGrantFailureContinuePolicy(t *testing.T) {
	h := newHarness(t, nil)
	h.table.FailOn = func(op, _ string) error {
		if op == "insert" {
			return errors.New("xtables lock held")
		}
		return nil
	}
	h.start()

	conn := h.dial("127.0.0.1", "laptop")
	assert.Equal(t, "Welcome laptop!", conn.Welcome())
	assert.Equal(t, Active, h.ctrl.State())
	assert.Empty(t, h.clientRules())
	assert.Len(t, h.exportEntries(), 1)
	assert.Len(t, h.audit.OfType(audit.GrantFailed), 1)

	entries := h.ledgerEntries()
	require.Len(t, entries, 1)
	assert.False(t, entries[0].FirewallOK)
	assert.True(t, entries[0].ExportOK)

	require.NoError(t, conn.Close())
	h.eventually(func() bool { return h.ctrl.State() == Advertising }, "session ends")
	assert.Empty(t, h.exportEntries())
	assert.Empty(t, h.ledgerEntries())
}

func TestGrantFailureAbortPolicy(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.GrantFailurePolicy = PolicyAbort })
	h.reload.Fail = func(string) error { return errors.New("exportfs: command not found") }
	h.start()

	cert, _, _ := h.ca.issue(t, "laptop")
	_, err := h.dialWith("127.0.0.1", []tls.Certificate{cert})
	require.Error(t, err, "no welcome line when the grant is incomplete")

	h.eventually(func() bool {
		return h.ctrl.State() == Advertising && len(h.audit.OfType(audit.SessionClosed)) == 1
	}, "session closed")
	assert.Empty(t, h.clientRules())
	assert.Len(t, h.audit.OfType(audit.GrantFailed), 1)

	// The export line is gone but the reload keeps failing, so the grant
	// stays in the ledger for the next start.
	assert.Empty(t, h.exportEntries())
	assert.Len(t, h.audit.OfType(audit.RevocationFailed), 1)
	assert.Len(t, h.ledgerEntries(), 1)
}

func TestInactivityTimeout(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.InactivityTimeout = 150 * time.Millisecond })
	h.start()

	conn := h.dial("127.0.0.1", "laptop")
	defer conn.Close()
	require.Equal(t, Active, h.ctrl.State())

	h.eventually(func() bool { return h.ctrl.State() == Advertising }, "idle session times out")
	assert.Empty(t, h.clientRules())
	assert.Empty(t, h.exportEntries())

	_, err := conn.Send("anyone there?")
	assert.Error(t, err)
}

func TestShutdownWhileActive(t *testing.T) {
	h := newHarness(t, nil)
	h.start()

	first := h.dial("127.0.0.1", "laptop")
	defer first.Close()
	second := h.dial("127.0.0.2", "phone")
	defer second.Close()
	require.Equal(t, Active, h.ctrl.State())
	addr := h.ctrl.Addr().String()

	h.stop()

	assert.Equal(t, Shutdown, h.ctrl.State())
	assert.False(t, h.storage.IsUnlocked())
	assert.Empty(t, h.clientRules())
	assert.Empty(t, h.exportEntries())
	assert.Empty(t, h.ledgerEntries())
	assert.Empty(t, h.ctrl.Sessions())
	_, ok := h.pub.Live()
	assert.False(t, ok)

	grants, revocations := h.metrics.snapshot()
	assert.Equal(t, grants, revocations)

	_, err := first.Send("hello?")
	assert.Error(t, err)

	cert, _, _ := h.ca.issue(t, "latecomer")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = client.Dial(ctx, client.Options{
		Address:      addr,
		Certificates: []tls.Certificate{cert},
		RootCAs:      h.ca.pool(),
		Timeout:      time.Second,
	})
	assert.Error(t, err, "no connections are accepted after shutdown")
	assert.Empty(t, h.ctrl.Sessions())

	require.NoError(t, h.ctrl.Activate(context.Background()))
	assert.Equal(t, Shutdown, h.ctrl.State(), "shutdown is terminal")
}

func TestStopWithoutRun(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.ctrl.Activate(context.Background()))

	require.NoError(t, h.ctrl.Stop(context.Background()))

	assert.Equal(t, Shutdown, h.ctrl.State())
	assert.False(t, h.storage.IsUnlocked())
	_, ok := h.pub.Live()
	assert.False(t, ok)
}

func TestShutdownFromDormantLocksStorage(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.ctrl.Stop(context.Background()))
	assert.Equal(t, Shutdown, h.ctrl.State())
	assert.False(t, h.storage.IsUnlocked())
}

func TestOrphanedGrantsAreRecovered(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.fw.Allow("10.0.0.9")
	require.NoError(t, err)
	_, err = h.exports.Export(ctx, "10.0.0.9")
	require.NoError(t, err)
	require.NoError(t, h.ledger.Record(ctx, ledger.Entry{
		Address:      "10.0.0.9",
		FirewallRule: firewall.RuleID("10.0.0.9"),
		GrantedAt:    time.Now().Add(-time.Hour),
	}))

	require.NoError(t, h.ctrl.Activate(ctx))

	assert.Empty(t, h.clientRules())
	assert.Empty(t, h.exportEntries())
	assert.Empty(t, h.ledgerEntries())
	assert.Len(t, h.audit.OfType(audit.OrphanedGrantRevoked), 1)
}

func TestAllowedNetworksFilter(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.AllowedNetworks = []string{"10.0.0.0/8", "127.0.0.2"} })
	h.start()

	cert, _, _ := h.ca.issue(t, "laptop")
	_, err := h.dialWith("127.0.0.1", []tls.Certificate{cert})
	require.Error(t, err)
	h.eventually(func() bool { return len(h.audit.OfType(audit.ConnectionRejected)) == 1 }, "source rejected")

	conn := h.dial("127.0.0.2", "phone")
	defer conn.Close()
	assert.Equal(t, Active, h.ctrl.State())
}

func TestSessionChurnKeepsInvariants(t *testing.T) {
	h := newHarness(t, nil)
	h.start()

	const clients = 6
	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			cert, _, _ := h.ca.issue(t, fmt.Sprintf("client-%d", i))
			conn, err := h.dialWith(fmt.Sprintf("127.0.1.%d", i+1), []tls.Certificate{cert})
			if !assert.NoError(t, err) {
				return
			}
			for j := 0; j < 3; j++ {
				reply, err := conn.Send(fmt.Sprintf("msg-%d", j))
				assert.NoError(t, err)
				assert.Equal(t, fmt.Sprintf("ACK: msg-%d", j), reply)

				count := len(h.ctrl.Sessions())
				assert.GreaterOrEqual(t, count, 1)
				assert.Equal(t, Active, h.ctrl.State(), "active while a session is open")
			}
			assert.NoError(t, conn.Close())
		}(i)
	}
	wg.Wait()

	h.eventually(func() bool { return h.ctrl.State() == Advertising }, "all sessions ended")
	assert.Empty(t, h.ctrl.Sessions())
	assert.Empty(t, h.clientRules())
	assert.Empty(t, h.exportEntries())

	grants, revocations := h.metrics.snapshot()
	assert.Equal(t, clients, grants["firewall"])
	assert.Equal(t, grants, revocations)
}
