// Package session runs one request against the agent: provision, spawn,
// send, stream, resolve.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/modlink/modlink/internal/config"
	"github.com/modlink/modlink/internal/metrics"
	"github.com/modlink/modlink/internal/protocol"
	"github.com/modlink/modlink/internal/provision"
	"github.com/modlink/modlink/internal/transport"
)

const (
	readChunkSize = 32 * 1024
	// stderrLimit caps how much agent stderr is kept for error messages.
	stderrLimit = 64 * 1024
)

// Driver runs sessions against one device. Sessions never overlap: a new
// Run waits until the previous one has resolved and released its process.
type Driver struct {
	dev  transport.Device
	prov *provision.Provisioner
	mets *metrics.Registry

	sem chan struct{}
}

func NewDriver(dev transport.Device, prov *provision.Provisioner) *Driver {
	return &Driver{
		dev:  dev,
		prov: prov,
		sem:  make(chan struct{}, 1),
	}
}

func (d *Driver) Device() transport.Device { return d.dev }

// SetMetrics enables session accounting. Call before the first Run.
func (d *Driver) SetMetrics(m *metrics.Registry) { d.mets = m }

// Run sends req to the agent and returns its terminal result. cfg is read
// but never modified; callers must not mutate it while Run is in flight.
// A failure's reason is also delivered to observe unless the agent already
// reported it as an error log.
func (d *Driver) Run(ctx context.Context, cfg *config.Config, req protocol.Request, observe protocol.Observer) (protocol.Terminal, error) {
	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-d.sem }()

	start := time.Now()
	result, reported, err := d.run(ctx, cfg, req, observe)
	if err != nil && !reported {
		protocol.Notify(observe, protocol.LogEvent{Level: protocol.LevelError, Message: err.Error()})
	}
	outcome := metrics.OutcomeSuccess
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		outcome = metrics.OutcomeCancelled
	default:
		outcome = protocol.KindName(protocol.KindOf(err))
	}
	d.mets.ObserveSession(protocol.RequestType(req), outcome, time.Since(start))
	return result, err
}

// Provision installs the agent without running a request. It waits for
// any running session like Run does.
func (d *Driver) Provision(ctx context.Context, cfg *config.Config, observe protocol.Observer) (bool, error) {
	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		return false, ctx.Err()
	}
	defer func() { <-d.sem }()

	installed, err := d.prov.Ensure(ctx, cfg.Agent, observe)
	if err != nil {
		protocol.Notify(observe, protocol.LogEvent{Level: protocol.LevelError, Message: err.Error()})
	}
	if installed {
		d.mets.AgentInstalled()
	}
	return installed, err
}

// RemoteHash reports the digest of the installed agent, or "" if none.
func (d *Driver) RemoteHash(ctx context.Context, cfg *config.Config) (string, error) {
	return d.prov.RemoteHash(ctx, cfg.Agent.RemotePath)
}

func (d *Driver) run(ctx context.Context, cfg *config.Config, req protocol.Request, observe protocol.Observer) (protocol.Terminal, bool, error) {
	if o, ok := req.(protocol.CoreModOverrider); ok && cfg.Mods.CoreModURL != "" {
		req = o.WithCoreModURL(cfg.Mods.CoreModURL)
	}

	select {
	case <-d.dev.Disconnected():
		return nil, false, protocol.TransportError(nil, "device %s is disconnected", d.dev.Name())
	default:
	}

	log := slog.With("session", uuid.NewString(), "request", protocol.RequestType(req), "device", d.dev.Name())
	log.Debug("session provisioning")
	installed, err := d.prov.Ensure(ctx, cfg.Agent, observe)
	if err != nil {
		return nil, false, err
	}
	if installed {
		d.mets.AgentInstalled()
	}

	frame, err := protocol.EncodeRequest(req)
	if err != nil {
		return nil, false, protocol.ProtocolError(err, "encoding request")
	}

	procCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	log.Debug("session spawning", "path", cfg.Agent.RemotePath)
	proc, err := d.dev.Spawn(procCtx, cfg.Agent.RemotePath)
	if err != nil {
		return nil, false, protocol.TransportError(err, "starting agent")
	}

	s := &session{
		log:     log,
		proc:    proc,
		cancel:  cancel,
		observe: observe,
		disc:    d.dev.Disconnected(),
	}
	s.send(frame)
	return s.stream(ctx)
}

// cancelled reports a session aborted by its caller. It carries no failure
// kind: the agent did nothing wrong.
func cancelled(ctx context.Context) error {
	return fmt.Errorf("session cancelled: %w", ctx.Err())
}

type exitStatus struct {
	code int
	err  error
}

// session owns one spawned agent process until it resolves.
type session struct {
	log     *slog.Logger
	proc    transport.Process
	cancel  context.CancelFunc
	observe protocol.Observer
	disc    <-chan struct{}

	dec protocol.Decoder
	res protocol.Resolution
}

// send writes the request frame and closes stdin. A failed write is not
// fatal by itself: an agent that died early is diagnosed from its exit.
func (s *session) send(frame []byte) {
	stdin := s.proc.Stdin()
	if _, err := stdin.Write(frame); err != nil {
		s.log.Warn("writing request to agent failed", "error", err)
	}
	if err := stdin.Close(); err != nil {
		s.log.Debug("closing agent stdin", "error", err)
	}
}

func (s *session) stream(ctx context.Context) (protocol.Terminal, bool, error) {
	chunks := make(chan []byte)
	stop := make(chan struct{})
	go readChunks(s.proc.Stdout(), chunks, stop)

	stderr := make(chan string, 1)
	go func() {
		var buf bytes.Buffer
		io.Copy(&buf, io.LimitReader(s.proc.Stderr(), stderrLimit))
		io.Copy(io.Discard, s.proc.Stderr())
		stderr <- buf.String()
	}()

	exitCh := make(chan exitStatus, 1)
	go func() {
		code, err := s.proc.Wait()
		exitCh <- exitStatus{code, err}
	}()

	var exit *exitStatus
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				if exit != nil {
					return s.resolve(ctx, *exit, <-stderr)
				}
				continue
			}
			msgs, err := s.dec.Feed(chunk)
			for _, m := range msgs {
				s.res = s.res.Apply(m, s.observe)
			}
			if err != nil {
				close(stop)
				s.cancel()
				if exit == nil {
					<-exitCh
				}
				return nil, false, err
			}

		case st := <-exitCh:
			exit = &st
			// Output read before the exit is still decoded; the reader
			// reaches EOF once the process's streams are closed.
			if chunks == nil {
				return s.resolve(ctx, st, <-stderr)
			}

		case <-ctx.Done():
			s.log.Info("session cancelled, stopping agent")
			close(stop)
			s.cancel()
			if exit == nil {
				<-exitCh
			}
			return nil, false, cancelled(ctx)

		case <-s.disc:
			s.log.Warn("device disconnected during session")
			close(stop)
			s.cancel()
			return nil, false, protocol.TransportError(nil, "device disconnected while the agent was running")
		}
	}
}

// readChunks is the only consumer of stdout. After stop is closed it keeps
// draining so the process never blocks on a full pipe.
func readChunks(r io.Reader, chunks chan<- []byte, stop <-chan struct{}) {
	defer close(chunks)
	buf := make([]byte, readChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			select {
			case chunks <- chunk:
			case <-stop:
				io.Copy(io.Discard, r)
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Debug("reading agent output", "error", err)
			}
			return
		}
	}
}

func (s *session) resolve(ctx context.Context, exit exitStatus, stderr string) (protocol.Terminal, bool, error) {
	stderr = strings.TrimSpace(stderr)
	s.log.Debug("agent exited", "code", exit.code, "logs", s.res.Logs())

	// A process killed by the caller's cancellation is not an agent fault.
	if (exit.err != nil || exit.code != 0) && ctx.Err() != nil {
		return nil, false, cancelled(ctx)
	}

	if exit.err != nil {
		return nil, false, protocol.TransportError(exit.err, "waiting for agent")
	}
	if exit.code != 0 {
		if stderr == "" {
			return nil, false, protocol.ProtocolError(nil, "agent invocation failed with exit code %d", exit.code)
		}
		return nil, false, protocol.ProtocolError(nil, "agent invocation failed with exit code %d: %s", exit.code, stderr)
	}

	if t, ok := s.res.Terminal(); ok {
		return t, false, nil
	}
	if ev, ok := s.res.ErrorLog(); ok {
		return nil, true, protocol.AgentError("%s", ev.Message)
	}
	if pending := s.dec.Pending(); len(pending) > 0 {
		s.log.Debug("agent output ended mid-frame", "pending", string(pending))
	}
	return nil, false, protocol.AgentError("agent exited without a response")
}
