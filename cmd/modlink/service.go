package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	svc "github.com/kardianos/service"
	"github.com/spf13/cobra"
)

const serviceName = "modlink"

// svcProgram is a no-op service.Interface: kardianos/service only installs
// and starts the unit, which then runs `modlink serve`.
type svcProgram struct{}

func (p *svcProgram) Start(s svc.Service) error { return nil }
func (p *svcProgram) Stop(s svc.Service) error  { return nil }

func newServiceConfig(configPath string) *svc.Config {
	args := []string{"serve", "--log-file"}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	return &svc.Config{
		Name:        serviceName,
		DisplayName: "modlink",
		Description: "modlink device session daemon",
		Arguments:   args,
		Option: svc.KeyValue{
			"UserService":  true,
			"KeepAlive":    true,
			"RunAtLoad":    true,
			"LogOutput":    true,
			"LogDirectory": stateDir(),
		},
	}
}

func newService(configPath string) (svc.Service, error) {
	s, err := svc.New(&svcProgram{}, newServiceConfig(configPath))
	if err != nil {
		return nil, fmt.Errorf("creating service: %w", err)
	}
	return s, nil
}

// serviceInstalled reports whether a unit definition exists, whatever its
// running state.
func serviceInstalled(s svc.Service) bool {
	_, err := s.Status()
	return !errors.Is(err, svc.ErrNotInstalled)
}

// serviceUnitPath returns where kardianos/service writes the user unit on
// this platform, or "" if unknown.
func serviceUnitPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	platform := svc.Platform()
	switch {
	case strings.HasPrefix(platform, "darwin"):
		return filepath.Join(home, "Library", "LaunchAgents", serviceName+".plist")
	case strings.Contains(platform, "systemd"):
		return filepath.Join(home, ".config", "systemd", "user", serviceName+".service")
	}
	return ""
}

func serviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "service",
		Aliases: []string{"svc"},
		Short:   "Manage the modlink OS service (launchd/systemd)",
		GroupID: "service",
	}

	cmd.AddCommand(serviceInstallCmd())
	cmd.AddCommand(serviceUninstallCmd())
	cmd.AddCommand(serviceShowCmd())
	return cmd
}

func serviceInstallCmd() *cobra.Command {
	var noStart bool
	var force bool

	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install the modlink daemon as an OS service",
		RunE: func(cmd *cobra.Command, args []string) error {
			// The unit outlives this shell, so pin the config to an absolute path.
			configPath := cfgFile
			if configPath != "" {
				abs, err := filepath.Abs(configPath)
				if err != nil {
					return fmt.Errorf("resolving config path: %w", err)
				}
				configPath = abs
			}

			s, err := newService(configPath)
			if err != nil {
				return err
			}

			if serviceInstalled(s) {
				if !force {
					fmt.Fprintln(os.Stderr, "service already installed (use --force to reinstall)")
					return nil
				}
				fmt.Fprintln(os.Stderr, "service already installed, reinstalling")
				_ = s.Stop()
				if err := s.Uninstall(); err != nil {
					return fmt.Errorf("uninstalling existing service: %w", err)
				}
			}

			if err := s.Install(); err != nil {
				return fmt.Errorf("installing service: %w", err)
			}
			if path := serviceUnitPath(); path != "" {
				fmt.Fprintf(os.Stderr, "service installed at %s\n", path)
			} else {
				fmt.Fprintln(os.Stderr, "service installed")
			}

			if noStart {
				return nil
			}
			if err := s.Start(); err != nil {
				return fmt.Errorf("starting service: %w", err)
			}
			fmt.Fprintln(os.Stderr, "service started")
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "reinstall the service if already installed")
	cmd.Flags().BoolVar(&noStart, "no-start", false, "skip starting the service after installation")
	return cmd
}

func serviceUninstallCmd() *cobra.Command {
	var noStop bool

	cmd := &cobra.Command{
		Use:   "uninstall",
		Short: "Uninstall the modlink OS service",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newService("")
			if err != nil {
				return err
			}
			if !serviceInstalled(s) {
				fmt.Fprintln(os.Stderr, "service not installed, nothing to do")
				return nil
			}

			if !noStop {
				if err := s.Stop(); err != nil {
					fmt.Fprintf(os.Stderr, "failed to stop service before uninstall: %v\n", err)
				} else {
					fmt.Fprintln(os.Stderr, "service stopped")
				}
			}

			if err := s.Uninstall(); err != nil {
				return fmt.Errorf("uninstalling service: %w", err)
			}
			fmt.Fprintln(os.Stderr, "service uninstalled")
			return nil
		},
	}

	cmd.Flags().BoolVar(&noStop, "no-stop", false, "skip stopping the service before uninstalling")
	return cmd
}

func serviceShowCmd() *cobra.Command {
	var raw bool

	cmd := &cobra.Command{
		Use:     "show",
		Aliases: []string{"cat"},
		Short:   "Show the installed service unit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !raw {
				for _, argv := range serviceInspectors() {
					c := exec.Command(argv[0], argv[1:]...)
					c.Stdout = os.Stdout
					c.Stderr = os.Stderr
					if c.Run() == nil {
						return nil
					}
				}
			}
			return showRawUnit()
		},
	}

	cmd.Flags().BoolVar(&raw, "raw", false, "print the raw unit file instead of asking the service manager")
	return cmd
}

// serviceInspectors lists the service manager commands that can describe
// the unit, tried in order until one succeeds.
func serviceInspectors() [][]string {
	platform := svc.Platform()
	switch {
	case strings.HasPrefix(platform, "darwin"):
		uid := os.Getuid()
		return [][]string{
			{"launchctl", "print", fmt.Sprintf("gui/%d/%s", uid, serviceName)},
			{"launchctl", "print", fmt.Sprintf("user/%d/%s", uid, serviceName)},
		}
	case strings.Contains(platform, "systemd"):
		return [][]string{{"systemctl", "--user", "cat", serviceName + ".service"}}
	}
	return nil
}

func showRawUnit() error {
	path := serviceUnitPath()
	if path == "" {
		return fmt.Errorf("unsupported platform %q", svc.Platform())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("service not installed (no unit file at %s)", path)
		}
		return fmt.Errorf("reading unit file: %w", err)
	}

	fmt.Fprintf(os.Stderr, "# %s\n", path)
	_, err = os.Stdout.Write(data)
	return err
}
