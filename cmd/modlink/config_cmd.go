package main

import (
	"fmt"
	"maps"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/modlink/modlink/internal/cache"
	"github.com/modlink/modlink/internal/config"
	"github.com/modlink/modlink/internal/control"
)

const defaultConfigTemplate = `# modlink configuration

[device]
backend = "adb"            # "adb" or "local"
# serial = ""              # adb device serial; empty selects the only device
# adb_path = ""            # default: adb on $PATH
# root = "~/modlink-dev"   # device root for the "local" backend

[agent]
remote_path = "/data/local/tmp/mbf-agent"
# url = ""                 # download URL for the agent binary
# sha256 = ""              # expected agent digest (required unless built in)

[mods]
# core_mod_url = ""        # alternate core mod index
`

func configPath() string {
	path := cfgFile
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.ExpandPath(path)
}

func cfgCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "config",
		Aliases: []string{"cfg"},
		Short:   "Inspect and edit the modlink config",
		GroupID: "debug",
	}

	cmd.AddCommand(cfgShowCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the config file path",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(configPath())
			return nil
		},
	})
	cmd.AddCommand(cfgInitCmd())
	cmd.AddCommand(cfgEditCmd())
	return cmd
}

func cfgShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective config, defaults included",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			hash, err := cfg.Hash()
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "# %s (hash %s)\n", configPath(), hash[:12])
			return toml.NewEncoder(os.Stdout).Encode(cfg)
		},
	}
}

func cfgInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a config file with commented defaults",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath()
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("config file already exists: %s", path)
			}

			if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
				return fmt.Errorf("creating config directory: %w", err)
			}
			if err := os.WriteFile(path, []byte(defaultConfigTemplate), 0o600); err != nil {
				return fmt.Errorf("writing config file: %w", err)
			}

			fmt.Fprintf(os.Stderr, "created %s\n", path)
			return nil
		},
	}
}

func cfgEditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "edit",
		Short: "Open the config file in $EDITOR",
		Long: `Open the config file in your editor. A running daemon picks up the
saved file automatically.

The editor is determined by $EDITOR, falling back to $VISUAL.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			editor := os.Getenv("EDITOR")
			if editor == "" {
				editor = os.Getenv("VISUAL")
			}
			if editor == "" {
				return fmt.Errorf("$EDITOR is not set")
			}

			c := exec.Command(editor, configPath())
			c.Stdin = os.Stdin
			c.Stdout = os.Stdout
			c.Stderr = os.Stderr
			if err := c.Run(); err != nil {
				return err
			}

			if _, err := config.Load(cfgFile); err != nil {
				fmt.Fprintf(os.Stderr, "warning: saved config is invalid: %v\n", err)
			}
			return nil
		},
	}
}

func cacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "cache",
		Short:   "Agent binary cache commands",
		GroupID: "debug",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Delete all cached agent binaries",
		RunE: func(cmd *cobra.Command, args []string) error {
			if client, ok := useDaemon(); ok {
				resp, err := client.CacheClear()
				if err != nil {
					return err
				}
				if !resp.OK {
					return fmt.Errorf("cache clear failed: %s", resp.Error)
				}
			} else if err := cache.New(agentCacheDir()).Clear(); err != nil {
				return err
			}
			fmt.Fprintln(os.Stderr, "cache cleared")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:     "stats",
		Aliases: []string{"info", "ls"},
		Short:   "Show cached agent binaries",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, entries, err := cacheEntries()
			if err != nil {
				return err
			}

			fmt.Printf("dir:     %s\n", dir)
			fmt.Printf("entries: %d\n", len(entries))
			if len(entries) > 0 {
				fmt.Println()
				for _, sum := range slices.Sorted(maps.Keys(entries)) {
					info := entries[sum]
					fmt.Printf("  %s  size=%-10d age=%s\n", sum, info.Size, info.Age.Round(time.Second))
				}
			}
			return nil
		},
	})

	return cmd
}

// cacheEntries asks the daemon for its cache listing, or reads the local
// cache directly when no daemon is running.
func cacheEntries() (string, map[string]control.CacheEntry, error) {
	if client, ok := useDaemon(); ok {
		resp, err := client.CacheStats()
		if err != nil {
			return "", nil, err
		}
		if resp.Error != "" {
			return "", nil, fmt.Errorf("%s", resp.Error)
		}
		return resp.Dir, resp.Entries, nil
	}

	bins := cache.New(agentCacheDir())
	stats, err := bins.Stats()
	if err != nil {
		return "", nil, err
	}
	entries := make(map[string]control.CacheEntry, len(stats))
	for sum, info := range stats {
		entries[sum] = control.CacheEntry{Size: info.Size, Age: info.Age}
	}
	return bins.Dir(), entries, nil
}
