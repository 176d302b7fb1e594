package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/modlink/modlink/internal/cache"
	"github.com/modlink/modlink/internal/config"
	"github.com/modlink/modlink/internal/control"
	"github.com/modlink/modlink/internal/metrics"
	"github.com/modlink/modlink/internal/provision"
	"github.com/modlink/modlink/internal/reload"
	"github.com/modlink/modlink/internal/session"
	"github.com/modlink/modlink/internal/transport"
)

// liveConfig is the daemon's current config. Each session reads it once
// at start; a reload swaps the pointer and never mutates the old value.
type liveConfig struct {
	mu  sync.RWMutex
	cfg *config.Config
}

func (l *liveConfig) Get() *config.Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

func (l *liveConfig) Set(cfg *config.Config) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cfg = cfg
}

func serveCmd() *cobra.Command {
	var (
		logToFile   bool
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"run"},
		Short:   "Run the modlink daemon in the foreground",
		GroupID: "daemon",
		Long: `Run the daemon: hold the device connection open and serve sessions to
other modlink commands over a local socket, one at a time. The config
file is watched; agent and mod settings apply to the next session, and
a device change shuts the daemon down so the service manager restarts it.
SIGHUP forces a config reload.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if logToFile {
				if err := os.MkdirAll(stateDir(), 0o700); err != nil {
					return fmt.Errorf("creating state directory: %w", err)
				}
				f, err := os.OpenFile(logFilePath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
				if err != nil {
					return fmt.Errorf("opening log file: %w", err)
				}
				defer f.Close()
				setupLoggingWithWriter(io.MultiWriter(os.Stderr, f))
			}

			lock, err := acquirePIDLock()
			if err != nil {
				return err
			}
			defer func() {
				lock.Close()
				os.Remove(pidFilePath())
			}()

			return serve(cmd.Context(), metricsAddr)
		},
	}

	cmd.Flags().BoolVar(&logToFile, "log-file", false, "also append logs to the daemon log file")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics at http://ADDR/metrics")
	return cmd
}

func serve(parent context.Context, metricsAddr string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	dev, err := transport.Open(cfg.Device)
	if err != nil {
		return fmt.Errorf("opening device: %w", err)
	}
	defer dev.Close()

	bins := cache.New(agentCacheDir())
	driver := session.NewDriver(dev, provision.New(dev, nil, bins))
	mets := metrics.New()
	driver.SetMetrics(mets)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	live := &liveConfig{cfg: cfg}
	server := control.NewServer("", driver, live.Get, bins)
	if err := server.Listen(); err != nil {
		return err
	}

	dispatcher := reload.NewDaemon(reload.Actions{
		Swap: live.Set,
		AgentChanged: func(agent config.AgentConfig) {
			if agent.SHA256 == "" {
				return
			}
			if n, err := bins.Prune(agent.SHA256); err != nil {
				slog.Warn("pruning agent cache", "error", err)
			} else if n > 0 {
				slog.Info("pruned stale agent binaries", "count", n)
			}
		},
		Kill: func() { go drainAndStop(ctx, server, cancel) },
	})
	dispatcher.OnAlways(func(old, new *config.Config) {
		mets.ConfigReloaded()
		diff, err := config.Diff(old, new).Unified()
		if err != nil {
			slog.Debug("rendering config diff", "error", err)
			return
		}
		slog.Info("config reloaded", "diff", diff)
	})

	watcher, err := config.NewWatcher(cfgFile, cfg, dispatcher.Dispatch)
	if err != nil {
		slog.Warn("config watching disabled", "error", err)
	} else {
		defer watcher.Close()
		go watcher.Run(ctx)
	}

	if metricsAddr != "" {
		stop, err := serveMetrics(metricsAddr, mets)
		if err != nil {
			return err
		}
		defer stop()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigCh:
				if sig == syscall.SIGHUP {
					if watcher != nil {
						slog.Info("received SIGHUP, reloading config")
						watcher.Reload()
					}
					continue
				}
				slog.Info("received signal, shutting down", "signal", sig)
				cancel()
				return
			}
		}
	}()

	go func() {
		select {
		case <-ctx.Done():
		case <-dev.Disconnected():
			slog.Error("device disconnected, shutting down", "device", dev.Name())
			cancel()
		}
	}()

	slog.Info("starting modlink daemon",
		"device", dev.Name(),
		"agent", cfg.Agent.RemotePath,
		"socket", server.SocketPath(),
	)

	return server.Serve(ctx)
}

// drainAndStop lets the running session finish before shutting the daemon
// down.
func drainAndStop(ctx context.Context, server *control.Server, cancel context.CancelFunc) {
	if err := server.Drain(ctx); err == nil {
		slog.Info("sessions drained, shutting down")
	}
	cancel()
}

// serveMetrics starts the metrics listener and returns its shutdown func.
func serveMetrics(addr string, mets *metrics.Registry) (func(), error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", mets.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening for metrics on %s: %w", addr, err)
	}
	slog.Info("serving metrics", "addr", ln.Addr().String())
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", "error", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "stop",
		Short:   "Stop the running modlink daemon",
		GroupID: "daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := readPID()
			if err != nil {
				return fmt.Errorf("reading PID file: %w (is the daemon running?)", err)
			}

			proc, err := os.FindProcess(pid)
			if err != nil {
				return fmt.Errorf("finding process %d: %w", pid, err)
			}

			if err := proc.Signal(syscall.SIGTERM); err != nil {
				return fmt.Errorf("sending SIGTERM to %d: %w", pid, err)
			}

			fmt.Fprintf(os.Stderr, "sent SIGTERM to modlink daemon (pid %d)\n", pid)
			return nil
		},
	}
}

// daemonStatus prints the PID file state and, if the daemon answers, what
// it reports about itself.
func daemonStatus() error {
	pid, err := readPID()
	if err != nil {
		fmt.Println("modlink daemon is not running")
		return nil
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		fmt.Println("modlink daemon is not running")
		return nil
	}

	// On Unix, FindProcess always succeeds; signal 0 checks liveness.
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		fmt.Println("modlink daemon is not running (stale PID file)")
		return nil
	}

	fmt.Printf("modlink daemon is running (pid %d)\n", pid)

	resp, err := control.NewClient("").Status()
	if err != nil {
		fmt.Printf("  control socket: %v\n", err)
		return nil
	}
	connected := "connected"
	if !resp.Connected {
		connected = "disconnected"
	}
	fmt.Printf("  device:   %s (%s)\n", resp.Device, connected)
	fmt.Printf("  busy:     %v\n", resp.Busy)
	fmt.Printf("  sessions: %d\n", resp.Sessions)
	fmt.Printf("  agent:    %s\n", orNone(resp.AgentSHA256))
	fmt.Printf("  config:   %s\n", resp.ConfigHash)
	return nil
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
