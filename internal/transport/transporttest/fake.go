// Package transporttest provides an in-memory Device and a scriptable
// Process for exercising provisioning and sessions without a device.
package transporttest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/modlink/modlink/internal/transport"
)

// Device is an in-memory transport.Device. Every method call is recorded
// in Calls as "<method> <path>".
type Device struct {
	// WriteHook, if set, runs before each WriteFile stores its data.
	// Returning an error fails the write.
	WriteHook func(ctx context.Context, path string) error
	// SpawnFunc builds the process returned by Spawn.
	SpawnFunc func(ctx context.Context, path string, args []string) (transport.Process, error)

	mu           sync.Mutex
	files        map[string][]byte
	exec         map[string]bool
	calls        []string
	disconnected chan struct{}
	once         sync.Once
}

func NewDevice() *Device {
	return &Device{
		files:        make(map[string][]byte),
		exec:         make(map[string]bool),
		disconnected: make(chan struct{}),
	}
}

func (d *Device) record(call string) {
	d.mu.Lock()
	d.calls = append(d.calls, call)
	d.mu.Unlock()
}

// Calls returns the recorded calls in order.
func (d *Device) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

// CallCount counts recorded calls to method.
func (d *Device) CallCount(method string) int {
	var n int
	for _, c := range d.Calls() {
		if strings.SplitN(c, " ", 2)[0] == method {
			n++
		}
	}
	return n
}

// SetFile places data at path without recording a call.
func (d *Device) SetFile(path string, data []byte, executable bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.files[path] = append([]byte(nil), data...)
	d.exec[path] = executable
}

// File returns the content at path and whether it is executable.
func (d *Device) File(path string) ([]byte, bool, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	data, ok := d.files[path]
	return data, d.exec[path], ok
}

func (d *Device) Name() string { return "fake" }

func (d *Device) Disconnect() {
	d.once.Do(func() { close(d.disconnected) })
}

func (d *Device) Disconnected() <-chan struct{} { return d.disconnected }

func (d *Device) Close() error { return nil }

// Run understands "sha256sum <path>". Anything else exits 127.
func (d *Device) Run(ctx context.Context, args ...string) ([]byte, error) {
	d.record(strings.Join(args, " "))
	if len(args) != 2 || args[0] != "sha256sum" {
		return nil, &transport.RunError{Args: args, ExitCode: 127, Stderr: args[0] + ": not found"}
	}

	d.mu.Lock()
	data, ok := d.files[args[1]]
	d.mu.Unlock()
	if !ok {
		return nil, &transport.RunError{
			Args:     args,
			ExitCode: 1,
			Stderr:   fmt.Sprintf("sha256sum: %s: No such file or directory", args[1]),
		}
	}
	sum := sha256.Sum256(data)
	return []byte(hex.EncodeToString(sum[:]) + "  " + args[1] + "\n"), nil
}

func (d *Device) WriteFile(ctx context.Context, path string, r io.Reader) error {
	d.record("write " + path)
	if d.WriteHook != nil {
		if err := d.WriteHook(ctx, path); err != nil {
			return err
		}
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.files[path] = data
	d.exec[path] = false
	d.mu.Unlock()
	return nil
}

func (d *Device) Remove(ctx context.Context, path string) error {
	d.record("remove " + path)
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.files[path]; !ok {
		return transport.ErrNotExist
	}
	delete(d.files, path)
	delete(d.exec, path)
	return nil
}

func (d *Device) Chmod(ctx context.Context, path string) error {
	d.record("chmod " + path)
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.files[path]; !ok {
		return fmt.Errorf("chmod %s: %w", path, transport.ErrNotExist)
	}
	d.exec[path] = true
	return nil
}

func (d *Device) Spawn(ctx context.Context, path string, args ...string) (transport.Process, error) {
	d.record("spawn " + path)
	if d.SpawnFunc == nil {
		return nil, fmt.Errorf("spawning %s: no process configured", path)
	}
	return d.SpawnFunc(ctx, path, args)
}

// Process is a scriptable transport.Process. Writes to stdout and stderr
// block until the consumer reads them, like a real pipe.
type Process struct {
	stdin  stdinBuffer
	outR   *io.PipeReader
	outW   *io.PipeWriter
	errR   *io.PipeReader
	errW   *io.PipeWriter
	done   chan struct{}
	once   sync.Once
	code   int
	waitMu sync.Mutex
}

func NewProcess() *Process {
	p := &Process{done: make(chan struct{})}
	p.outR, p.outW = io.Pipe()
	p.errR, p.errW = io.Pipe()
	return p
}

// KillOnCancel makes the process exit with code -1 when ctx is done, the
// way exec.CommandContext kills a child.
func (p *Process) KillOnCancel(ctx context.Context) *Process {
	go func() {
		select {
		case <-ctx.Done():
			p.Exit(-1)
		case <-p.done:
		}
	}()
	return p
}

func (p *Process) Stdin() io.WriteCloser { return &p.stdin }
func (p *Process) Stdout() io.Reader     { return p.outR }
func (p *Process) Stderr() io.Reader     { return p.errR }

// StdinData returns everything written to stdin and whether it was closed.
func (p *Process) StdinData() ([]byte, bool) {
	return p.stdin.snapshot()
}

// WriteStdout blocks until s has been read or the process has exited.
func (p *Process) WriteStdout(s string) error {
	_, err := p.outW.Write([]byte(s))
	return err
}

func (p *Process) WriteStderr(s string) error {
	_, err := p.errW.Write([]byte(s))
	return err
}

// Exit closes the output streams and reports code from Wait. Only the
// first call has any effect.
func (p *Process) Exit(code int) {
	p.once.Do(func() {
		p.waitMu.Lock()
		p.code = code
		p.waitMu.Unlock()
		p.outW.Close()
		p.errW.Close()
		close(p.done)
	})
}

func (p *Process) Wait() (int, error) {
	<-p.done
	p.waitMu.Lock()
	defer p.waitMu.Unlock()
	return p.code, nil
}

type stdinBuffer struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func (b *stdinBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, io.ErrClosedPipe
	}
	return b.buf.Write(p)
}

func (b *stdinBuffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *stdinBuffer) snapshot() ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...), b.closed
}
