package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/modlink/modlink/internal/cache"
	"github.com/modlink/modlink/internal/config"
	"github.com/modlink/modlink/internal/control"
	"github.com/modlink/modlink/internal/protocol"
	"github.com/modlink/modlink/internal/provision"
	"github.com/modlink/modlink/internal/render"
	"github.com/modlink/modlink/internal/session"
	"github.com/modlink/modlink/internal/transport"
)

// importStaging is where local files are pushed before an Import request.
const importStaging = "/data/local/tmp/modlink-import"

func agentCacheDir() string {
	return filepath.Join(config.CacheDir(), "agents")
}

// localDriver owns an in-process device connection for one command.
type localDriver struct {
	cfg    *config.Config
	dev    transport.Device
	driver *session.Driver
}

func openLocal() (*localDriver, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	dev, err := transport.Open(cfg.Device)
	if err != nil {
		return nil, fmt.Errorf("opening device: %w", err)
	}
	bins := cache.New(agentCacheDir())
	return &localDriver{
		cfg:    cfg,
		dev:    dev,
		driver: session.NewDriver(dev, provision.New(dev, nil, bins)),
	}, nil
}

func (l *localDriver) Close() error {
	return l.dev.Close()
}

// useDaemon reports whether sessions should go through a running daemon.
func useDaemon() (*control.Client, bool) {
	if noDaemon {
		return nil, false
	}
	client := control.NewClient("")
	if !client.Available() {
		return nil, false
	}
	if cfgFile != "" {
		slog.Warn("daemon is running; --config applies only to the daemon's own config file", "config", cfgFile)
	}
	return client, true
}

// shownError is a session failure whose reason was already printed as an
// agent event.
type shownError struct{ error }

func (e shownError) Unwrap() error { return e.error }

// sessionOutput prints agent events and remembers the last error shown.
type sessionOutput struct {
	print     protocol.Observer
	lastError string
}

func (o *sessionOutput) observe(ev protocol.LogEvent) {
	o.print(ev)
	if ev.Level == protocol.LevelError {
		o.lastError = ev.Message
	}
}

// failure marks err as shown when its reason was the last error printed.
func (o *sessionOutput) failure(err error) error {
	if err.Error() == o.lastError {
		return shownError{err}
	}
	return err
}

// printEvents writes agent log events to w, one line each.
func printEvents(w io.Writer) protocol.Observer {
	return func(ev protocol.LogEvent) {
		if quiet && ev.Level.Slog() < slog.LevelWarn {
			return
		}
		fmt.Fprintln(w, render.Log(ev))
	}
}

// execute runs req on the device and renders the result to stdout. A
// --format template naming fields the result type lacks is rejected before
// any device work starts.
func execute(ctx context.Context, req protocol.Request) error {
	renderer, err := render.New(format)
	if err != nil {
		return err
	}
	if sample := protocol.ResultOf(req); sample != nil {
		if err := renderer.CheckFields(sample); err != nil {
			return err
		}
	}

	out := &sessionOutput{print: printEvents(os.Stderr)}
	observe := out.observe

	var result protocol.Terminal
	if client, ok := useDaemon(); ok {
		slog.Debug("running session through daemon", "request", protocol.RequestType(req))
		result, err = client.Run(req, observe)
	} else {
		protocol.SetEcho(verbose)
		var local *localDriver
		local, err = openLocal()
		if err != nil {
			return err
		}
		defer local.Close()
		result, err = local.driver.Run(ctx, local.cfg, req, observe)
	}
	if err != nil {
		return out.failure(err)
	}
	return renderer.Result(os.Stdout, result)
}

func statusCmd() *cobra.Command {
	var daemon bool

	cmd := &cobra.Command{
		Use:     "status",
		Short:   "Show the game, loader and mod status on the device",
		GroupID: "mods",
		RunE: func(cmd *cobra.Command, args []string) error {
			if daemon {
				return daemonStatus()
			}
			return execute(cmd.Context(), protocol.GetModStatus{})
		},
	}

	cmd.Flags().BoolVarP(&daemon, "daemon", "d", false, "show the daemon's status instead")
	return cmd
}

func patchCmd() *cobra.Command {
	var req protocol.Patch

	cmd := &cobra.Command{
		Use:     "patch",
		Short:   "Patch the installed game and install the core mods",
		GroupID: "mods",
		RunE: func(cmd *cobra.Command, args []string) error {
			return execute(cmd.Context(), req)
		},
	}

	cmd.Flags().BoolVar(&req.AllowDebuggable, "debuggable", false, "mark the patched app as debuggable")
	cmd.Flags().StringSliceVar(&req.Permissions, "permission", nil, "extra Android permission to add (repeatable)")
	cmd.Flags().StringVar(&req.SplashPath, "splash", "", "device path of a custom VR splash image")
	cmd.Flags().BoolVar(&req.ReplaceDLLs, "replace-dlls", false, "replace the game's unstripped libraries")
	return cmd
}

func modsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "mods",
		Short:   "List, enable or disable installed mods",
		GroupID: "mods",
		RunE: func(cmd *cobra.Command, args []string) error {
			return execute(cmd.Context(), protocol.GetModStatus{})
		},
	}

	toggle := func(use, short string, on bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <id>...",
			Short: short,
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				statuses := make(map[string]bool, len(args))
				for _, id := range args {
					statuses[id] = on
				}
				return execute(cmd.Context(), protocol.SetModsEnabled{Statuses: statuses})
			},
		}
	}

	cmd.AddCommand(toggle("enable", "Enable mods", true))
	cmd.AddCommand(toggle("disable", "Disable mods", false))
	return cmd
}

func removeCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "remove <id>",
		Aliases: []string{"rm"},
		Short:   "Uninstall a mod and delete it from the device",
		GroupID: "mods",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return execute(cmd.Context(), protocol.RemoveMod{ID: args[0]})
		},
	}
}

func importCmd() *cobra.Command {
	var remote bool

	cmd := &cobra.Command{
		Use:     "import <file>",
		Short:   "Import a mod, song, cosmetic or file copy",
		GroupID: "mods",
		Long: `Import a file into the game. A local file is pushed to the device first;
use --remote when the path already refers to a file on the device.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			from := args[0]
			if !remote {
				pushed, err := pushImport(cmd.Context(), from)
				if err != nil {
					return err
				}
				from = pushed
			}
			return execute(cmd.Context(), protocol.Import{FromPath: from})
		},
	}

	cmd.Flags().BoolVar(&remote, "remote", false, "treat the path as a file already on the device")
	return cmd
}

// pushImport copies a local file into the staging directory on the device
// and returns its remote path.
func pushImport(ctx context.Context, local string) (string, error) {
	data, err := os.ReadFile(config.ExpandPath(local))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%s does not exist locally (use --remote for device paths)", local)
		}
		return "", fmt.Errorf("reading %s: %w", local, err)
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return "", fmt.Errorf("loading config: %w", err)
	}
	dev, err := transport.Open(cfg.Device)
	if err != nil {
		return "", fmt.Errorf("opening device: %w", err)
	}
	defer dev.Close()

	remote := path.Join(importStaging, filepath.Base(local))
	if _, err := dev.Run(ctx, "mkdir", "-p", importStaging); err != nil {
		return "", protocol.TransportError(err, "creating %s", importStaging)
	}
	if err := dev.WriteFile(ctx, remote, bytes.NewReader(data)); err != nil {
		return "", protocol.TransportError(err, "pushing %s", local)
	}
	slog.Debug("pushed import file", "local", local, "remote", remote, "bytes", len(data))
	return remote, nil
}

func quickFixCmd() *cobra.Command {
	var wipe bool

	cmd := &cobra.Command{
		Use:     "quickfix",
		Short:   "Reinstall missing core mods and repair the mod loader",
		GroupID: "mods",
		RunE: func(cmd *cobra.Command, args []string) error {
			return execute(cmd.Context(), protocol.QuickFix{WipeExistingMods: wipe})
		},
	}

	cmd.Flags().BoolVar(&wipe, "wipe", false, "delete all existing mods before repairing")
	return cmd
}

func fixPlayerDataCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "fix-player-data",
		Short:   "Restore player data permissions after a reinstall",
		GroupID: "mods",
		RunE: func(cmd *cobra.Command, args []string) error {
			return execute(cmd.Context(), protocol.FixPlayerData{})
		},
	}
}

func provisionCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "provision",
		Short:   "Install or update the agent on the device",
		GroupID: "debug",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := &sessionOutput{print: printEvents(os.Stderr)}
	observe := out.observe

			var installed bool
			var err error
			if client, ok := useDaemon(); ok {
				installed, err = client.Provision(observe)
			} else {
				protocol.SetEcho(verbose)
				var local *localDriver
				local, err = openLocal()
				if err != nil {
					return err
				}
				defer local.Close()
				installed, err = local.driver.Provision(cmd.Context(), local.cfg, observe)
			}
			if err != nil {
				return err
			}

			if installed {
				fmt.Fprintln(os.Stderr, "agent installed")
			} else {
				fmt.Fprintln(os.Stderr, "agent is up to date")
			}
			return nil
		},
	}
}
