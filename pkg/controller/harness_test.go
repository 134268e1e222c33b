package controller

import (
	"context"
	"crypto/tls"
	"sync"
	"testing"
	"time"

	"github.com/marmos91/dittogate/internal/command"
	"github.com/marmos91/dittogate/pkg/audit"
	"github.com/marmos91/dittogate/pkg/client"
	"github.com/marmos91/dittogate/pkg/gate/advertise"
	"github.com/marmos91/dittogate/pkg/gate/export"
	"github.com/marmos91/dittogate/pkg/gate/firewall"
	"github.com/marmos91/dittogate/pkg/gate/storage"
	"github.com/marmos91/dittogate/pkg/ledger"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

const testVolume = "/mnt/secure_nas"

// countingMetrics tallies grant and revocation halves.
type countingMetrics struct {
	mu          sync.Mutex
	grants      map[string]int
	revocations map[string]int
	handshakes  map[string]int
	rejected    map[string]int
	warnings    map[string]int
	state       string
	sessions    int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{
		grants:      map[string]int{},
		revocations: map[string]int{},
		handshakes:  map[string]int{},
		rejected:    map[string]int{},
		warnings:    map[string]int{},
	}
}

func (m *countingMetrics) SetState(s string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
}

func (m *countingMetrics) SetActiveSessions(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = n
}

func (m *countingMetrics) RecordHandshake(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handshakes[outcome]++
}

func (m *countingMetrics) RecordConnectionRejected(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejected[reason]++
}

func (m *countingMetrics) RecordGrant(half string, _ error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grants[half]++
}

func (m *countingMetrics) RecordRevocation(half string, _ error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revocations[half]++
}

func (m *countingMetrics) RecordConsistencyWarning(kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.warnings[kind]++
}

func (m *countingMetrics) snapshot() (grants, revocations map[string]int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	grants, revocations = map[string]int{}, map[string]int{}
	for k, v := range m.grants {
		grants[k] = v
	}
	for k, v := range m.revocations {
		revocations[k] = v
	}
	return grants, revocations
}

type harness struct {
	t *testing.T

	ctrl    *Controller
	ca      *testCA
	table   *firewall.MemoryTable
	fw      *firewall.Gate
	fs      afero.Fs
	exports *export.Gate
	reload  *command.Recorder
	storage *storage.Gate
	pub     *advertise.MemoryPublisher
	ledger  *ledger.Memory
	audit   *audit.Memory
	metrics *countingMetrics

	cancel context.CancelFunc
	runErr chan error
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()

	ca := newTestCA(t, "dittogate-test-ca")
	certFile, keyFile, anchorFile := writeServerFiles(t, ca)

	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll(testVolume, 0o755))

	h := &harness{
		t:       t,
		ca:      ca,
		table:   firewall.NewMemoryTable(),
		fs:      fs,
		reload:  &command.Recorder{},
		pub:     advertise.NewMemoryPublisher(),
		ledger:  ledger.NewMemory(),
		audit:   audit.NewMemory(),
		metrics: newCountingMetrics(),
	}
	h.fw = firewall.New(firewall.Config{AuthPort: 8443, DataPort: 2049}, h.table, nil)
	h.exports = export.New(export.Config{Path: testVolume}, fs, export.CommandReloader{Runner: h.reload})
	h.storage = storage.New(storage.Config{Path: testVolume}, fs, &command.Recorder{})

	cfg := Config{
		BindAddress:        "127.0.0.1",
		AuthPort:           0,
		StoragePath:        testVolume,
		CertFile:           certFile,
		KeyFile:            keyFile,
		TrustAnchorFile:    anchorFile,
		AcceptPollInterval: 20 * time.Millisecond,
		HandshakeTimeout:   2 * time.Second,
		ShutdownTimeout:    200 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	ctrl, err := New(cfg, Dependencies{
		Firewall:   h.fw,
		Exports:    h.exports,
		Storage:    h.storage,
		Advertiser: advertise.New(h.pub),
		Ledger:     h.ledger,
		Audit:      h.audit,
		Metrics:    h.metrics,
	})
	require.NoError(t, err)
	h.ctrl = ctrl

	t.Cleanup(func() {
		if h.cancel != nil {
			h.cancel()
			select {
			case <-h.runErr:
			case <-time.After(5 * time.Second):
				t.Error("controller did not stop")
			}
		}
	})
	return h
}

// start activates the controller and runs the accept loop in the background.
func (h *harness) start() {
	h.t.Helper()

	require.NoError(h.t, h.ctrl.Activate(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.runErr = make(chan error, 1)
	go func() { h.runErr <- h.ctrl.Run(ctx) }()

	select {
	case <-h.ctrl.Ready():
	case <-time.After(5 * time.Second):
		h.t.Fatal("controller did not start listening")
	}
}

// stop cancels Run and waits for it to return.
func (h *harness) stop() {
	h.t.Helper()

	h.cancel()
	select {
	case err := <-h.runErr:
		require.NoError(h.t, err)
	case <-time.After(5 * time.Second):
		h.t.Fatal("controller did not stop")
	}
	h.cancel = nil
}

func (h *harness) dialWith(localIP string, certs []tls.Certificate) (*client.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return client.Dial(ctx, client.Options{
		Address:      h.ctrl.Addr().String(),
		Certificates: certs,
		RootCAs:      h.ca.pool(),
		LocalAddr:    localIP,
		Timeout:      2 * time.Second,
	})
}

// dial connects as a trusted client named commonName from localIP.
func (h *harness) dial(localIP, commonName string) *client.Conn {
	h.t.Helper()

	cert, _, _ := h.ca.issue(h.t, commonName)
	conn, err := h.dialWith(localIP, []tls.Certificate{cert})
	require.NoError(h.t, err)
	return conn
}

func (h *harness) clientRules() []string {
	h.t.Helper()
	ids, err := h.fw.ClientRules()
	require.NoError(h.t, err)
	return ids
}

func (h *harness) exportEntries() []export.Entry {
	h.t.Helper()
	entries, err := h.exports.Entries()
	require.NoError(h.t, err)
	return entries
}

func (h *harness) ledgerEntries() []ledger.Entry {
	h.t.Helper()
	entries, err := h.ledger.List(context.Background())
	require.NoError(h.t, err)
	return entries
}

func (h *harness) eventually(cond func() bool, msg string) {
	h.t.Helper()
	require.Eventually(h.t, cond, 5*time.Second, 10*time.Millisecond, msg)
}
