package transport

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"
)

// Local treats a host directory as the device filesystem. Absolute remote
// paths are rooted at that directory. Commands are interpreted in-process
// by a POSIX shell interpreter, with sha256sum provided as a builtin so
// hash checks behave the same on every host.
type Local struct {
	root string

	disconnected chan struct{}
	closeOnce    sync.Once
}

func NewLocal(root string) (*Local, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("creating device root: %w", err)
	}
	return &Local{root: abs, disconnected: make(chan struct{})}, nil
}

func (l *Local) Name() string {
	return "local:" + l.root
}

// Disconnect simulates losing the device.
func (l *Local) Disconnect() {
	l.closeOnce.Do(func() { close(l.disconnected) })
}

func (l *Local) Disconnected() <-chan struct{} {
	return l.disconnected
}

func (l *Local) Close() error {
	return nil
}

func (l *Local) resolve(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Join(l.root, path)
	}
	return path
}

func (l *Local) Spawn(ctx context.Context, path string, args ...string) (Process, error) {
	cmd := exec.CommandContext(ctx, l.resolve(path), args...)
	cmd.Dir = l.root
	proc, err := startProcess(cmd)
	if err != nil {
		return nil, fmt.Errorf("spawning %s: %w", path, err)
	}
	return proc, nil
}

func (l *Local) Run(ctx context.Context, args ...string) ([]byte, error) {
	rooted := make([]string, len(args))
	for i, arg := range args {
		if strings.HasPrefix(arg, "/") {
			arg = l.resolve(arg)
		}
		rooted[i] = arg
	}
	line, err := shellLine(rooted)
	if err != nil {
		return nil, err
	}
	file, err := syntax.NewParser().Parse(strings.NewReader(line), "")
	if err != nil {
		return nil, fmt.Errorf("parsing %q: %w", line, err)
	}

	var stdout, stderr bytes.Buffer
	runner, err := interp.New(
		interp.Dir(l.root),
		interp.StdIO(nil, &stdout, &stderr),
		interp.ExecHandlers(builtins),
	)
	if err != nil {
		return nil, err
	}

	if err := runner.Run(ctx, file); err != nil {
		var status interp.ExitStatus
		if errors.As(err, &status) {
			return stdout.Bytes(), &RunError{Args: args, ExitCode: int(status), Stderr: stderr.String()}
		}
		return nil, fmt.Errorf("running %s: %w", strings.Join(args, " "), err)
	}
	return stdout.Bytes(), nil
}

func builtins(next interp.ExecHandlerFunc) interp.ExecHandlerFunc {
	return func(ctx context.Context, args []string) error {
		if args[0] != "sha256sum" {
			return next(ctx, args)
		}
		hc := interp.HandlerCtx(ctx)
		var failed bool
		for _, name := range args[1:] {
			path := name
			if !filepath.IsAbs(path) {
				path = filepath.Join(hc.Dir, path)
			}
			sum, err := hashFile(path)
			if err != nil {
				fmt.Fprintf(hc.Stderr, "sha256sum: %s: No such file or directory\n", name)
				failed = true
				continue
			}
			fmt.Fprintf(hc.Stdout, "%s  %s\n", sum, name)
		}
		if failed {
			return interp.ExitStatus(1)
		}
		return nil
	}
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (l *Local) WriteFile(ctx context.Context, path string, r io.Reader) error {
	target := l.resolve(path)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if _, err := io.Copy(f, contextReader{ctx, r}); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return f.Close()
}

func (l *Local) Remove(ctx context.Context, path string) error {
	if err := os.Remove(l.resolve(path)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotExist
		}
		return fmt.Errorf("removing %s: %w", path, err)
	}
	return nil
}

func (l *Local) Chmod(ctx context.Context, path string) error {
	target := l.resolve(path)
	info, err := os.Stat(target)
	if err != nil {
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	if err := os.Chmod(target, info.Mode()|0o111); err != nil {
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	return nil
}

// contextReader stops a copy once ctx is cancelled.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
