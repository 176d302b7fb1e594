// Package main is the CLI entry point for modlink.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/modlink/modlink/internal/config"
)

var (
	cfgFile  string
	verbose  bool
	quiet    bool
	format   string
	noDaemon bool
)

func main() {
	root := &cobra.Command{
		Use:   "modlink",
		Short: "Manage game mods on a headset through an on-device agent",
		Long: `modlink pushes a small agent binary to an Android headset and drives it
over adb: patching the game, installing and toggling mods, and repairing
player data.`,
		SilenceUsage: true,
	}

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		setupLogging()
		return nil
	}

	root.PersistentFlags().
		StringVarP(&cfgFile, "config", "c", "", "config file (default: ~/.config/modlink/config.toml)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	root.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress informational output")
	root.PersistentFlags().
		StringVar(&format, "format", "", `result format: "json", a Go template, or @file`)
	root.PersistentFlags().
		BoolVar(&noDaemon, "no-daemon", false, "run the session in-process even if a daemon is running")
	root.MarkFlagsMutuallyExclusive("verbose", "quiet")

	root.AddGroup(
		&cobra.Group{ID: "mods", Title: "Mods:"},
		&cobra.Group{ID: "daemon", Title: "Daemon:"},
		&cobra.Group{ID: "service", Title: "Service:"},
		&cobra.Group{ID: "debug", Title: "Debug:"},
	)

	root.AddCommand(statusCmd())
	root.AddCommand(patchCmd())
	root.AddCommand(modsCmd())
	root.AddCommand(removeCmd())
	root.AddCommand(importCmd())
	root.AddCommand(quickFixCmd())
	root.AddCommand(fixPlayerDataCmd())
	root.AddCommand(provisionCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(stopCmd())
	root.AddCommand(logsCmd())
	root.AddCommand(serviceCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(cacheCmd())
	root.AddCommand(cfgCmd())

	if err := fang.Execute(context.Background(), root, fang.WithErrorHandler(handleError)); err != nil {
		os.Exit(1)
	}
}

// handleError prints err unless the session already printed it as an
// agent event.
func handleError(w io.Writer, styles fang.Styles, err error) {
	var shown shownError
	if errors.As(err, &shown) {
		return
	}
	fang.DefaultErrorHandler(w, styles, err)
}

func setupLogging() {
	setupLoggingWithWriter(os.Stderr)
}

func setupLoggingWithWriter(w io.Writer) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	} else if quiet {
		level = slog.LevelWarn
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
	})))
}

// stateDir returns the modlink state directory under XDG_STATE_HOME.
func stateDir() string {
	return config.StateDir()
}

func pidFilePath() string {
	return filepath.Join(stateDir(), "pid")
}

func logFilePath() string {
	return filepath.Join(stateDir(), "daemon.log")
}

// readPID reads and parses the PID file.
func readPID() (int, error) {
	data, err := os.ReadFile(pidFilePath())
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parsing PID: %w", err)
	}
	return pid, nil
}

// acquirePIDLock opens the PID file with an exclusive flock. Returns the
// locked file (caller must defer close+remove) or an error if another
// daemon holds the lock.
func acquirePIDLock() (*os.File, error) {
	path := pidFilePath()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening PID file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("another modlink daemon is running (could not lock %s)", path)
	}
	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.WriteString(strconv.Itoa(os.Getpid())); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}
