package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/modlink/modlink/internal/cache"
	"github.com/modlink/modlink/internal/config"
	"github.com/modlink/modlink/internal/control"
	"github.com/modlink/modlink/internal/provision"
	"github.com/modlink/modlink/internal/render"
	"github.com/modlink/modlink/internal/transport"
)

const doctorTimeout = 10 * time.Second

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "doctor",
		Aliases: []string{"dr"},
		Short:   "Diagnose common issues",
		GroupID: "debug",
		Long: `Run a series of checks to diagnose common issues:

  - Config validity
  - adb availability (adb backend) or device root (local backend)
  - Device reachability
  - Installed agent freshness
  - Agent binary cache
  - --format template
  - Daemon status`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var issues int

			// 1. Config.
			cfg, err := config.Load(cfgFile)
			if err != nil {
				printCheck(false, "config: %v", err)
				issues++
				return printSummary(issues)
			}
			printCheck(true, "config loaded (backend %s)", cfg.Device.Backend)

			// 2. Backend prerequisites.
			switch cfg.Device.Backend {
			case config.BackendLocal:
				if info, err := os.Stat(cfg.Device.Root); err != nil || !info.IsDir() {
					printCheck(false, "device root %s is not a directory", cfg.Device.Root)
					issues++
				} else {
					printCheck(true, "device root %s", cfg.Device.Root)
				}
			default:
				bin, err := transport.LookupADB(cfg.Device.ADBPath)
				if err != nil {
					printCheck(false, "adb: %v", err)
					issues++
					return printSummary(issues)
				}
				printCheck(true, "adb found at %s", bin)
			}

			// 3. Device reachability.
			ctx, cancel := context.WithTimeout(cmd.Context(), doctorTimeout)
			defer cancel()

			dev, err := transport.Open(cfg.Device)
			if err != nil {
				printCheck(false, "device: %v", err)
				issues++
				return printSummary(issues)
			}
			defer dev.Close()

			if out, err := dev.Run(ctx, "echo", "ok"); err != nil || strings.TrimSpace(string(out)) != "ok" {
				printCheck(false, "device %s is not responding: %v", dev.Name(), err)
				issues++
				return printSummary(issues)
			}
			printCheck(true, "device %s reachable", dev.Name())

			// 4. Installed agent.
			remote, err := provision.New(dev, nil, nil).RemoteHash(ctx, cfg.Agent.RemotePath)
			switch {
			case err != nil:
				printCheck(false, "agent hash: %v", err)
				issues++
			case remote == "":
				printCheck(true, "agent not installed yet (installed on first use)")
			case strings.EqualFold(remote, cfg.Agent.SHA256):
				printCheck(true, "agent at %s is up to date", cfg.Agent.RemotePath)
			default:
				printCheck(true, "agent at %s is stale (replaced on next use)\nhave %s\nwant %s",
					cfg.Agent.RemotePath, remote, cfg.Agent.SHA256)
			}

			// 5. Agent binary cache.
			bins := cache.New(agentCacheDir())
			if stats, err := bins.Stats(); err != nil {
				printCheck(false, "agent cache %s: %v", bins.Dir(), err)
				issues++
			} else if _, ok := stats[cfg.Agent.SHA256]; ok {
				printCheck(true, "agent binary cached (%d entries)", len(stats))
			} else {
				printCheck(true, "agent binary not cached (%d entries, downloaded on demand)", len(stats))
			}

			// 6. Output template.
			if format != "" {
				if _, err := render.New(format); err != nil {
					printCheck(false, "format: %v", err)
					issues++
				} else {
					printCheck(true, "format template parses")
				}
			}

			// 7. Daemon status.
			if resp, err := control.NewClient("").Status(); err == nil {
				printCheck(true, "daemon is running (pid %d, %d sessions)", resp.PID, resp.Sessions)
			} else {
				// Not an issue: the CLI falls back to in-process sessions.
				printCheck(true, "daemon is not running")
			}

			return printSummary(issues)
		},
	}
}

func printCheck(ok bool, format string, args ...any) {
	prefix := "ok"
	if !ok {
		prefix = "!!"
	}
	msg := fmt.Sprintf(format, args...)
	msg = strings.ReplaceAll(msg, "\n", "\n      ")
	fmt.Fprintf(os.Stderr, "  [%s] %s\n", prefix, msg)
}

func printSummary(issues int) error {
	fmt.Fprintln(os.Stderr)
	if issues == 0 {
		fmt.Fprintln(os.Stderr, "No issues found.")
		return nil
	}
	return fmt.Errorf("%d issue(s) found", issues)
}
