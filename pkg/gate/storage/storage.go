// Package storage controls whether the protected volume is available.
package storage

import (
	"context"
	"sync"

	"github.com/marmos91/dittogate/internal/command"
	"github.com/marmos91/dittogate/internal/logger"
	"github.com/spf13/afero"
)

// Config configures a Gate.
type Config struct {
	// Path is the directory where the volume is mounted.
	Path string

	// UnlockCommand runs on unlock, e.g. "cryptsetup open ...". Optional.
	UnlockCommand string

	// LockCommand runs on lock. Optional.
	LockCommand string
}

// Gate tracks the locked/unlocked state of the volume.
//
// Unlock fails when the volume path is missing; no unlock command runs in
// that case. Lock always leaves the gate locked.
type Gate struct {
	config Config
	fs     afero.Fs
	runner command.Runner

	mu       sync.Mutex
	unlocked bool
}

// New creates a locked Gate.
func New(config Config, fs afero.Fs, runner command.Runner) *Gate {
	if fs == nil {
		panic("storage filesystem cannot be nil")
	}
	if runner == nil {
		runner = command.Exec{}
	}
	return &Gate{config: config, fs: fs, runner: runner}
}

// Path returns the volume directory.
func (g *Gate) Path() string { return g.config.Path }

// Unlock makes the volume available. It reports false when the volume is
// missing or the unlock command fails.
func (g *Gate) Unlock(ctx context.Context) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.unlocked {
		return true
	}

	ok, err := afero.DirExists(g.fs, g.config.Path)
	if err != nil || !ok {
		logger.Error("Storage: volume %s unavailable (err=%v)", g.config.Path, err)
		return false
	}

	if err := command.RunLine(ctx, g.runner, g.config.UnlockCommand); err != nil {
		logger.Error("Storage: unlock of %s failed: %v", g.config.Path, err)
		return false
	}

	g.unlocked = true
	logger.Info("Storage: %s unlocked", g.config.Path)
	return true
}

// Lock makes the volume unavailable. The gate ends locked even when the lock
// command fails; the result reports whether the command succeeded.
func (g *Gate) Lock(ctx context.Context) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.unlocked {
		return true
	}
	g.unlocked = false

	if err := command.RunLine(ctx, g.runner, g.config.LockCommand); err != nil {
		logger.Error("Storage: lock of %s failed: %v", g.config.Path, err)
		return false
	}

	logger.Info("Storage: %s locked", g.config.Path)
	return true
}

// IsUnlocked reports the current state.
func (g *Gate) IsUnlocked() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.unlocked
}
