package control

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/modlink/modlink/internal/cache"
	"github.com/modlink/modlink/internal/config"
	"github.com/modlink/modlink/internal/protocol"
	"github.com/modlink/modlink/internal/session"
)

// maxFrameSize bounds one JSON line on the socket. ModStatus responses
// carry the app manifest and can be large.
const maxFrameSize = 16 * 1024 * 1024

type Server struct {
	socketPath string
	driver     *session.Driver
	config     func() *config.Config
	bins       *cache.BinaryCache
	listener   net.Listener
	sem        chan struct{} // concurrency limiter for handler goroutines
	// run is held from session start until its result is written. Drain
	// takes it and never gives it back.
	run chan struct{}

	busy     atomic.Bool
	sessions atomic.Int64
}

// NewServer serves sessions through driver. cfg is consulted at the start
// of every request, so a reloaded config applies to the next session.
func NewServer(socketPath string, driver *session.Driver, cfg func() *config.Config, bins *cache.BinaryCache) *Server {
	if socketPath == "" {
		socketPath = DefaultSocketPath()
	}
	return &Server{
		socketPath: socketPath,
		driver:     driver,
		config:     cfg,
		bins:       bins,
		sem:        make(chan struct{}, 16),
		run:        make(chan struct{}, 1),
	}
}

func DefaultSocketPath() string {
	return filepath.Join(config.StateDir(), "ctl")
}

func (s *Server) SocketPath() string {
	return s.socketPath
}

// Listen binds the Unix socket. If a live socket exists, returns an error
// instead of stealing it. If not called, Serve calls it automatically.
func (s *Server) Listen() error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o700); err != nil {
		return fmt.Errorf("creating socket directory: %w", err)
	}

	if _, err := os.Stat(s.socketPath); err == nil {
		conn, dialErr := net.DialTimeout("unix", s.socketPath, 2*time.Second)
		if dialErr == nil {
			conn.Close()
			return fmt.Errorf("another modlink daemon is already listening on %q", s.socketPath)
		}
		slog.Info("removing stale control socket", "path", s.socketPath)
		_ = os.Remove(s.socketPath)
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %q: %w", s.socketPath, err)
	}
	s.listener = ln
	return nil
}

func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	ln := s.listener
	slog.Info("control socket listening", "path", s.socketPath)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
		_ = os.Remove(s.socketPath)
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				slog.Error("accept error", "error", err)
				continue
			}
		}
		select {
		case s.sem <- struct{}{}:
			go func() {
				defer func() { <-s.sem }()
				s.handleConn(ctx, conn)
			}()
		default:
			slog.Warn("too many concurrent connections, rejecting")
			_ = conn.Close()
		}
	}
}

// Drain waits until no session is running or writing its result, then
// blocks every later one. Sessions already queued fail once the serving
// context is cancelled. Call it before cancelling Serve to let the running
// session finish.
func (s *Server) Drain(ctx context.Context) error {
	select {
	case s.run <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// acquire reserves the session slot, or writes a failure and reports false
// if ctx ends first.
func (s *Server) acquire(ctx context.Context, conn net.Conn) bool {
	select {
	case s.run <- struct{}{}:
		return true
	case <-ctx.Done():
		writeFailure(conn, fmt.Errorf("daemon is shutting down: %w", ctx.Err()))
		return false
	}
}

func (s *Server) release() { <-s.run }

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	if err := verifyPeer(conn); err != nil {
		slog.Warn("rejecting connection: peer credential check failed", "error", err)
		return
	}

	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)
	if !scanner.Scan() {
		return
	}

	var req Request
	if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
		slog.Error("invalid request", "error", err)
		writeJSON(conn, Frame{Type: FrameError, Error: "invalid JSON"})
		return
	}

	if req.Version != 0 && req.Version != ProtocolVersion {
		slog.Warn("unknown protocol version, processing anyway", "version", req.Version, "expected", ProtocolVersion)
	}

	switch req.Type {
	case RequestRun:
		_ = conn.SetDeadline(time.Time{})
		s.handleRun(ctx, conn, req)
	case RequestProvision:
		_ = conn.SetDeadline(time.Time{})
		s.handleProvision(ctx, conn)
	case RequestStatus:
		s.handleStatus(conn)
	case RequestCacheStats:
		s.handleCacheStats(conn)
	case RequestCacheClear:
		s.handleCacheClear(conn)
	default:
		writeJSON(conn, Frame{Type: FrameError, Error: fmt.Sprintf("unknown request type: %q", req.Type)})
	}
}

// streamLogs forwards agent log events to the client. A client that goes
// away does not abort the session: the agent may be halfway through
// modifying the device.
func streamLogs(conn net.Conn) protocol.Observer {
	var gone bool
	return func(ev protocol.LogEvent) {
		if gone {
			return
		}
		if err := writeFrame(conn, Frame{Type: FrameLog, Log: &ev}); err != nil {
			slog.Debug("client went away, continuing session", "error", err)
			gone = true
		}
	}
}

func (s *Server) handleRun(ctx context.Context, conn net.Conn, req Request) {
	agentReq, err := protocol.DecodeRequest(req.Agent)
	if err != nil {
		writeFailure(conn, err)
		return
	}

	if !s.acquire(ctx, conn) {
		return
	}
	defer s.release()
	s.busy.Store(true)
	defer s.busy.Store(false)

	slog.Info("session started", "request", protocol.RequestType(agentReq))
	result, err := s.driver.Run(ctx, s.config(), agentReq, streamLogs(conn))
	s.sessions.Add(1)
	if err != nil {
		slog.Warn("session failed", "request", protocol.RequestType(agentReq), "error", err)
		writeFailure(conn, err)
		return
	}

	frame, err := protocol.EncodeResponse(result)
	if err != nil {
		writeFailure(conn, err)
		return
	}
	slog.Info("session finished", "request", protocol.RequestType(agentReq), "result", protocol.ResponseType(result))
	writeJSON(conn, Frame{Type: FrameResult, Result: json.RawMessage(frame[:len(frame)-1])})
}

func (s *Server) handleProvision(ctx context.Context, conn net.Conn) {
	if !s.acquire(ctx, conn) {
		return
	}
	defer s.release()
	s.busy.Store(true)
	defer s.busy.Store(false)

	installed, err := s.driver.Provision(ctx, s.config(), streamLogs(conn))
	if err != nil {
		writeFailure(conn, err)
		return
	}
	writeJSON(conn, Frame{Type: FrameResult, Installed: installed})
}

func (s *Server) handleStatus(conn net.Conn) {
	cfg := s.config()
	hash, _ := cfg.Hash()

	dev := s.driver.Device()
	connected := true
	select {
	case <-dev.Disconnected():
		connected = false
	default:
	}

	writeJSON(conn, StatusResponse{
		Running:     true,
		PID:         os.Getpid(),
		Device:      dev.Name(),
		Connected:   connected,
		Busy:        s.busy.Load(),
		Sessions:    s.sessions.Load(),
		ConfigHash:  hash,
		AgentSHA256: cfg.Agent.SHA256,
	})
}

func (s *Server) handleCacheStats(conn net.Conn) {
	if s.bins == nil {
		writeJSON(conn, CacheStatsResponse{Error: "agent cache disabled"})
		return
	}
	stats, err := s.bins.Stats()
	if err != nil {
		writeJSON(conn, CacheStatsResponse{Dir: s.bins.Dir(), Error: err.Error()})
		return
	}
	entries := make(map[string]CacheEntry, len(stats))
	for sum, info := range stats {
		entries[sum] = CacheEntry{Size: info.Size, Age: info.Age}
	}
	writeJSON(conn, CacheStatsResponse{Dir: s.bins.Dir(), Entries: entries})
}

func (s *Server) handleCacheClear(conn net.Conn) {
	if s.bins == nil {
		writeJSON(conn, CacheClearResponse{Error: "agent cache disabled"})
		return
	}
	if err := s.bins.Clear(); err != nil {
		writeJSON(conn, CacheClearResponse{Error: err.Error()})
		return
	}
	slog.Info("agent cache cleared")
	writeJSON(conn, CacheClearResponse{OK: true})
}

func writeFailure(conn net.Conn, err error) {
	frame := Frame{Type: FrameError, Error: err.Error()}
	if kind := protocol.KindOf(err); kind != nil {
		frame.Kind = protocol.KindName(kind)
	}
	writeJSON(conn, frame)
}

func writeFrame(conn net.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling frame: %w", err)
	}
	data = append(data, '\n')
	_, err = conn.Write(data)
	return err
}

func writeJSON(conn net.Conn, v any) {
	if err := writeFrame(conn, v); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}
