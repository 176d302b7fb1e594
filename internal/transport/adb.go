package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"
)

// ADB drives a device through the adb command-line client. Remote commands
// run under the device's POSIX shell, so every argument is quoted before
// it is handed to `adb shell`.
type ADB struct {
	bin    string
	serial string

	stop         context.CancelFunc
	disconnected chan struct{}
	closeOnce    sync.Once
}

// LookupADB resolves the adb binary. An explicit path wins; otherwise adb
// is searched for on $PATH.
func LookupADB(path string) (string, error) {
	if path == "" {
		path = "adb"
	}
	cwd, _ := os.Getwd()
	bin, err := interp.LookPathDir(cwd, expand.ListEnviron(os.Environ()...), path)
	if err != nil {
		return "", fmt.Errorf("locating adb: %w", err)
	}
	return bin, nil
}

// NewADB connects to the device with the given serial (empty selects the
// only attached device). A background `adb wait-for-disconnect` closes
// Disconnected when the device goes away.
func NewADB(bin, serial string) (*ADB, error) {
	ctx, cancel := context.WithCancel(context.Background())
	a := &ADB{
		bin:          bin,
		serial:       serial,
		stop:         cancel,
		disconnected: make(chan struct{}),
	}

	if _, err := a.output(ctx, nil, "get-state"); err != nil {
		cancel()
		return nil, fmt.Errorf("device %s not available: %w", a.Name(), err)
	}

	go a.watch(ctx)
	return a, nil
}

func (a *ADB) watch(ctx context.Context) {
	cmd := exec.CommandContext(ctx, a.bin, a.args("wait-for-disconnect")...)
	err := cmd.Run()
	if ctx.Err() != nil {
		return
	}
	slog.Warn("device disconnected", "device", a.Name(), "error", err)
	close(a.disconnected)
}

func (a *ADB) Name() string {
	if a.serial == "" {
		return "adb"
	}
	return "adb:" + a.serial
}

func (a *ADB) Disconnected() <-chan struct{} {
	return a.disconnected
}

func (a *ADB) Close() error {
	a.closeOnce.Do(a.stop)
	return nil
}

func (a *ADB) args(args ...string) []string {
	if a.serial == "" {
		return args
	}
	return append([]string{"-s", a.serial}, args...)
}

// shellLine quotes args into a single remote shell command line.
func shellLine(args []string) (string, error) {
	quoted := make([]string, len(args))
	for i, arg := range args {
		q, err := syntax.Quote(arg, syntax.LangPOSIX)
		if err != nil {
			return "", fmt.Errorf("quoting %q: %w", arg, err)
		}
		quoted[i] = q
	}
	return strings.Join(quoted, " "), nil
}

func (a *ADB) output(ctx context.Context, stdin io.Reader, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, a.bin, a.args(args...)...)
	cmd.Stdin = stdin
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return stdout.Bytes(), &RunError{Args: args, ExitCode: exitErr.ExitCode(), Stderr: stderr.String() + stdout.String()}
		}
		return nil, fmt.Errorf("running adb %s: %w", strings.Join(args, " "), err)
	}
	return stdout.Bytes(), nil
}

func (a *ADB) Spawn(ctx context.Context, path string, args ...string) (Process, error) {
	line, err := shellLine(append([]string{path}, args...))
	if err != nil {
		return nil, err
	}
	// -T: no pty, so stdio stays a clean byte pipe.
	cmd := exec.CommandContext(ctx, a.bin, a.args("shell", "-T", line)...)
	proc, err := startProcess(cmd)
	if err != nil {
		return nil, fmt.Errorf("spawning %s on %s: %w", path, a.Name(), err)
	}
	return proc, nil
}

func (a *ADB) Run(ctx context.Context, args ...string) ([]byte, error) {
	line, err := shellLine(args)
	if err != nil {
		return nil, err
	}
	out, err := a.output(ctx, nil, "shell", "-T", line)
	var re *RunError
	if errors.As(err, &re) {
		re.Args = args
	}
	return out, err
}

func (a *ADB) WriteFile(ctx context.Context, path string, r io.Reader) error {
	target, err := shellLine([]string{path})
	if err != nil {
		return err
	}
	// exec-in is binary-safe, unlike shell stdin.
	if _, err := a.output(ctx, r, "exec-in", "cat > "+target); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

func (a *ADB) Remove(ctx context.Context, path string) error {
	if _, err := a.Run(ctx, "rm", path); err != nil {
		if IsNotExist(err) {
			return ErrNotExist
		}
		return fmt.Errorf("removing %s: %w", path, err)
	}
	return nil
}

func (a *ADB) Chmod(ctx context.Context, path string) error {
	if _, err := a.Run(ctx, "chmod", "+x", path); err != nil {
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	return nil
}
