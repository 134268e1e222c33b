// Package export publishes the storage volume to individual clients by
// editing the NFS exports table and asking the kernel server to reload it.
package export

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/marmos91/dittogate/internal/command"
	"github.com/marmos91/dittogate/internal/logger"
	"github.com/spf13/afero"
)

const (
	DefaultExportsFile = "/etc/exports"
	DefaultOptions     = "rw,sync,no_subtree_check,root_squash"
	DefaultReload      = "exportfs -ra"
)

// Config configures a Gate.
type Config struct {
	// ExportsFile is the exports table. Default: /etc/exports.
	ExportsFile string

	// Path is the exported directory.
	Path string

	// Options are the per-client export options.
	Options string
}

func (c *Config) applyDefaults() {
	if c.ExportsFile == "" {
		c.ExportsFile = DefaultExportsFile
	}
	if c.Options == "" {
		c.Options = DefaultOptions
	}
}

// Reloader makes the kernel NFS server pick up the exports table.
type Reloader interface {
	Reload(ctx context.Context) error
}

// CommandReloader reloads by running a command line, normally "exportfs -ra".
type CommandReloader struct {
	Runner command.Runner
	Line   string
}

func (r CommandReloader) Reload(ctx context.Context) error {
	line := r.Line
	if line == "" {
		line = DefaultReload
	}
	return command.RunLine(ctx, r.Runner, line)
}

// NopReloader never touches the kernel. Used with in-memory deployments.
type NopReloader struct{}

func (NopReloader) Reload(context.Context) error { return nil }

// Entry is one client clause of an export line.
type Entry struct {
	Path    string
	Client  string
	Options string
}

func (e Entry) String() string {
	return fmt.Sprintf("%s %s(%s)", e.Path, e.Client, e.Options)
}

// Gate edits the exports table. Edits are serialized and each write replaces
// the file atomically.
type Gate struct {
	config   Config
	fs       afero.Fs
	reloader Reloader

	mu sync.Mutex
}

// New creates a Gate over fs.
func New(config Config, fs afero.Fs, reloader Reloader) *Gate {
	if fs == nil {
		panic("export filesystem cannot be nil")
	}
	if reloader == nil {
		reloader = NopReloader{}
	}
	config.applyDefaults()

	return &Gate{config: config, fs: fs, reloader: reloader}
}

// Path returns the exported directory.
func (g *Gate) Path() string { return g.config.Path }

// Export publishes the volume to address and reloads. A line that already
// exports the volume to address is not duplicated.
//
// On failure the returned handle is non-nil with Applied() == false;
// releasing it still removes whatever was written.
func (g *Gate) Export(ctx context.Context, address string) (*Handle, error) {
	h := &Handle{gate: g, address: address}

	g.mu.Lock()
	defer g.mu.Unlock()

	lines, err := g.readLocked()
	if err != nil {
		return h, err
	}

	if !hasClient(lines, g.config.Path, address) {
		entry := Entry{Path: g.config.Path, Client: address, Options: g.config.Options}
		lines = append(lines, entry.String())
		if err := g.writeLocked(lines); err != nil {
			return h, err
		}
	}

	if err := g.reloader.Reload(ctx); err != nil {
		logger.Warn("Exports: reload after exporting to %s failed: %v", address, err)
		return h, fmt.Errorf("reload exports: %w", err)
	}

	h.applied = true
	logger.Info("Exports: %s exported to %s", g.config.Path, address)
	return h, nil
}

// Remove withdraws every export of any path to address and reloads.
func (g *Gate) Remove(ctx context.Context, address string) error {
	return g.RemoveAll(ctx, []string{address})
}

// RemoveAll withdraws exports for each address with a single reload. The
// reload is skipped when no line references any of them.
func (g *Gate) RemoveAll(ctx context.Context, addresses []string) error {
	if len(addresses) == 0 {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	lines, err := g.readLocked()
	if err != nil {
		return err
	}

	drop := make(map[string]bool, len(addresses))
	for _, a := range addresses {
		drop[a] = true
	}

	kept, removed := removeClients(lines, drop)
	if removed == 0 {
		logger.Debug("Exports: nothing to withdraw for %s", strings.Join(addresses, ", "))
		return nil
	}
	if err := g.writeLocked(kept); err != nil {
		return err
	}

	if err := g.reloader.Reload(ctx); err != nil {
		return fmt.Errorf("reload exports: %w", err)
	}

	logger.Info("Exports: withdrew %d client clause(s) for %s", removed, strings.Join(addresses, ", "))
	return nil
}

// Entries returns the client clauses in the exports table.
func (g *Gate) Entries() ([]Entry, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	lines, err := g.readLocked()
	if err != nil {
		return nil, err
	}

	var entries []Entry
	for _, line := range lines {
		path, clients, ok := parseLine(line)
		if !ok {
			continue
		}
		for _, c := range clients {
			host, opts := splitClient(c)
			entries = append(entries, Entry{Path: path, Client: host, Options: opts})
		}
	}
	return entries, nil
}

func (g *Gate) readLocked() ([]string, error) {
	data, err := afero.ReadFile(g.fs, g.config.ExportsFile)
	if err != nil {
		exists, statErr := afero.Exists(g.fs, g.config.ExportsFile)
		if statErr == nil && !exists {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", g.config.ExportsFile, err)
	}

	content := strings.TrimRight(string(data), "\n")
	if content == "" {
		return nil, nil
	}
	return strings.Split(content, "\n"), nil
}

func (g *Gate) writeLocked(lines []string) error {
	dir := filepath.Dir(g.config.ExportsFile)
	if err := g.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	tmp, err := afero.TempFile(g.fs, dir, ".exports-*")
	if err != nil {
		return fmt.Errorf("create temp exports file: %w", err)
	}
	tmpName := tmp.Name()

	content := ""
	if len(lines) > 0 {
		content = strings.Join(lines, "\n") + "\n"
	}
	if _, err := tmp.WriteString(content); err != nil {
		_ = tmp.Close()
		_ = g.fs.Remove(tmpName)
		return fmt.Errorf("write temp exports file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = g.fs.Remove(tmpName)
		return fmt.Errorf("close temp exports file: %w", err)
	}
	if err := g.fs.Chmod(tmpName, 0o644); err != nil {
		logger.Debug("Exports: chmod %s: %v", tmpName, err)
	}
	if err := g.fs.Rename(tmpName, g.config.ExportsFile); err != nil {
		_ = g.fs.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", g.config.ExportsFile, err)
	}
	return nil
}

// parseLine splits an exports line into its path and client clauses.
// Blank lines and comments are reported as not ok.
func parseLine(line string) (string, []string, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return "", nil, false
	}
	fields := strings.Fields(trimmed)
	return fields[0], fields[1:], true
}

// splitClient splits "10.0.0.5(rw,sync)" into host and options.
func splitClient(clause string) (string, string) {
	open := strings.IndexByte(clause, '(')
	if open < 0 {
		return clause, ""
	}
	return clause[:open], strings.TrimSuffix(clause[open+1:], ")")
}

func hasClient(lines []string, path, address string) bool {
	for _, line := range lines {
		p, clients, ok := parseLine(line)
		if !ok || p != path {
			continue
		}
		for _, c := range clients {
			if host, _ := splitClient(c); host == address {
				return true
			}
		}
	}
	return false
}

// removeClients strips the clauses whose host is in drop. Lines left
// without clients are removed; everything else is preserved verbatim.
func removeClients(lines []string, drop map[string]bool) ([]string, int) {
	kept := make([]string, 0, len(lines))
	removed := 0

	for _, line := range lines {
		path, clients, ok := parseLine(line)
		if !ok {
			kept = append(kept, line)
			continue
		}

		remaining := clients[:0:0]
		for _, c := range clients {
			if host, _ := splitClient(c); drop[host] {
				removed++
				continue
			}
			remaining = append(remaining, c)
		}

		switch {
		case len(remaining) == len(clients):
			kept = append(kept, line)
		case len(remaining) > 0:
			kept = append(kept, path+" "+strings.Join(remaining, " "))
		}
	}
	return kept, removed
}

// Handle withdraws one client's export. Release is idempotent.
type Handle struct {
	gate    *Gate
	address string
	applied bool

	once sync.Once
	err  error
}

// Applied reports whether the export was written and the reload succeeded.
func (h *Handle) Applied() bool { return h.applied }

// Release removes the client's export lines and reloads. It runs for
// handles that are not Applied too, since a line may have been written
// before the reload failed.
func (h *Handle) Release(ctx context.Context) error {
	h.once.Do(func() {
		h.err = h.gate.Remove(ctx, h.address)
		if h.err != nil {
			logger.Error("Exports: failed to withdraw %s: %v", h.address, h.err)
		}
	})
	return h.err
}
