// Package transport is the boundary to the managed device. A Device can
// spawn processes with piped stdio, run one-shot commands, and manage
// files; it also signals when the device goes away.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"
)

// ErrNotExist reports that a remote file was absent.
var ErrNotExist = fs.ErrNotExist

// Process is a running remote process.
type Process interface {
	// Stdin is written once by the session and then closed.
	Stdin() io.WriteCloser
	// Stdout reaches EOF once the process has exited.
	Stdout() io.Reader
	// Stderr reaches EOF once the process has exited.
	Stderr() io.Reader
	// Wait blocks until the process exits. A non-nil error means the exit
	// status could not be determined at all.
	Wait() (exitCode int, err error)
}

type Device interface {
	// Spawn starts path on the device. Cancelling ctx kills the process.
	Spawn(ctx context.Context, path string, args ...string) (Process, error)
	// Run executes a command to completion and returns its stdout. A
	// non-zero exit is reported as a *RunError.
	Run(ctx context.Context, args ...string) ([]byte, error)
	// WriteFile replaces the remote file at path with the contents of r.
	WriteFile(ctx context.Context, path string, r io.Reader) error
	// Remove deletes a remote file. Absent files yield ErrNotExist.
	Remove(ctx context.Context, path string) error
	// Chmod marks a remote file executable.
	Chmod(ctx context.Context, path string) error
	// Disconnected is closed when the device is lost.
	Disconnected() <-chan struct{}
	// Name identifies the device in logs.
	Name() string
	Close() error
}

// RunError is a remote command that exited non-zero.
type RunError struct {
	Args     []string
	ExitCode int
	Stderr   string
}

func (e *RunError) Error() string {
	msg := fmt.Sprintf("%s: exit status %d", strings.Join(e.Args, " "), e.ExitCode)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += " (stderr: " + s + ")"
	}
	return msg
}

// IsNotExist reports whether err describes a missing remote file, either
// directly or through the stderr of a failed command.
func IsNotExist(err error) bool {
	if errors.Is(err, ErrNotExist) {
		return true
	}
	var re *RunError
	if errors.As(err, &re) {
		return strings.Contains(re.Stderr, "No such file")
	}
	return false
}
