// Package command runs the host tools the gates depend on (exportfs,
// cryptsetup and similar) behind an interface that tests can replace.
package command

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
)

// Runner executes an external command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// Exec runs commands with os/exec.
type Exec struct{}

func (Exec) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		return out.Bytes(), fmt.Errorf("%s %s: %w: %s",
			name, strings.Join(args, " "), err, strings.TrimSpace(out.String()))
	}
	return out.Bytes(), nil
}

// RunLine splits a configured command line on whitespace and runs it.
// An empty line is a no-op.
func RunLine(ctx context.Context, r Runner, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	_, err := r.Run(ctx, fields[0], fields[1:]...)
	return err
}

// Recorder is a Runner that records invocations and returns a scripted error.
type Recorder struct {
	mu    sync.Mutex
	calls []string
	// Fail, if set, decides the error returned for a command line.
	Fail func(line string) error
}

func (r *Recorder) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	line := strings.TrimSpace(name + " " + strings.Join(args, " "))

	r.mu.Lock()
	r.calls = append(r.calls, line)
	fail := r.Fail
	r.mu.Unlock()

	if fail != nil {
		if err := fail(line); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// Calls returns the recorded command lines in invocation order.
func (r *Recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}
