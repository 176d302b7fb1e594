package config

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pmezard/go-difflib/difflib"
)

// Build-time defaults for the agent binary, set with
// -ldflags "-X github.com/modlink/modlink/internal/config.DefaultAgentSHA256=...".
var (
	DefaultAgentURL    = "https://github.com/modlink/agent/releases/latest/download/mbf-agent"
	DefaultAgentSHA256 = ""
)

const DefaultRemotePath = "/data/local/tmp/mbf-agent"

type BackendType string

const (
	BackendADB   BackendType = "adb"
	BackendLocal BackendType = "local"
)

func (b *BackendType) UnmarshalText(text []byte) error {
	v := BackendType(text)
	switch v {
	case BackendADB, BackendLocal:
		*b = v
		return nil
	default:
		return fmt.Errorf("unsupported device backend: %q", text)
	}
}

// Config is read once per session: it is never mutated while a session
// is running. The daemon swaps in a fresh value between sessions.
type Config struct {
	Device DeviceConfig `toml:"device"`
	Agent  AgentConfig  `toml:"agent"`
	Mods   ModsConfig   `toml:"mods"`
}

type DeviceConfig struct {
	Backend BackendType `toml:"backend"`
	// Serial selects an adb device; empty means the only attached one.
	Serial  string `toml:"serial"`
	ADBPath string `toml:"adb_path"`
	// Root is the host directory standing in for the device filesystem
	// when Backend is "local".
	Root string `toml:"root"`
}

type AgentConfig struct {
	RemotePath string `toml:"remote_path"`
	URL        string `toml:"url"`
	SHA256     string `toml:"sha256"`
}

type ModsConfig struct {
	// CoreModURL overrides the core-mod index the agent downloads.
	CoreModURL string `toml:"core_mod_url"`
}

func DefaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			Backend: BackendADB,
		},
		Agent: AgentConfig{
			RemotePath: DefaultRemotePath,
			URL:        DefaultAgentURL,
			SHA256:     DefaultAgentSHA256,
		},
	}
}

// Load reads the config file, falling back to $XDG_CONFIG_HOME/modlink/config.toml
// or ~/.config/modlink/config.toml. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigPath()
	}
	path = ExpandPath(path)

	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("reading config: %w", err)
	default:
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	if cfg.Agent.RemotePath == "" {
		cfg.Agent.RemotePath = DefaultRemotePath
	}
	if cfg.Agent.URL == "" {
		cfg.Agent.URL = DefaultAgentURL
	}
	cfg.Agent.SHA256 = strings.ToLower(strings.TrimSpace(cfg.Agent.SHA256))
	cfg.Device.Root = ExpandPath(cfg.Device.Root)
	cfg.Device.ADBPath = ExpandPath(cfg.Device.ADBPath)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Device.Backend {
	case BackendADB:
	case BackendLocal:
		if c.Device.Root == "" {
			return fmt.Errorf("device backend \"local\" requires 'root'")
		}
	default:
		return fmt.Errorf("unsupported device backend: %q", c.Device.Backend)
	}

	if !strings.HasPrefix(c.Agent.RemotePath, "/") {
		return fmt.Errorf("agent remote_path must be absolute, got %q", c.Agent.RemotePath)
	}

	if err := validateURL(c.Agent.URL); err != nil {
		return fmt.Errorf("agent url: %w", err)
	}

	if c.Agent.SHA256 == "" {
		return fmt.Errorf("agent sha256 is not set (set [agent] sha256 or build with DefaultAgentSHA256)")
	}
	if b, err := hex.DecodeString(c.Agent.SHA256); err != nil || len(b) != sha256.Size {
		return fmt.Errorf("agent sha256 %q is not a hex-encoded SHA-256 digest", c.Agent.SHA256)
	}

	if c.Mods.CoreModURL != "" {
		if err := validateURL(c.Mods.CoreModURL); err != nil {
			return fmt.Errorf("mods core_mod_url: %w", err)
		}
	}

	return nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme in %q (must be http or https)", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host in %q", raw)
	}
	return nil
}

// Hash returns a hex-encoded SHA-256 digest of the config's serialized
// form. Used by the CLI to detect a daemon running with stale settings.
func (c *Config) Hash() (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("hashing config: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

type DiffResult struct {
	Old *Config
	New *Config
}

func (d *DiffResult) DeviceChanged() bool {
	return d.Old.Device != d.New.Device
}

func (d *DiffResult) AgentChanged() bool {
	return d.Old.Agent != d.New.Agent
}

func (d *DiffResult) ModsChanged() bool {
	return d.Old.Mods != d.New.Mods
}

func (d *DiffResult) HasChanges() bool {
	return d.DeviceChanged() || d.AgentChanged() || d.ModsChanged()
}

func Diff(old, new *Config) *DiffResult {
	return &DiffResult{Old: old, New: new}
}

// Unified renders the change as a unified diff of the two configs in TOML
// form. It returns "" when nothing changed.
func (d *DiffResult) Unified() (string, error) {
	if !d.HasChanges() {
		return "", nil
	}
	a, err := encodeTOML(d.Old)
	if err != nil {
		return "", err
	}
	b, err := encodeTOML(d.New)
	if err != nil {
		return "", err
	}
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(a),
		B:        difflib.SplitLines(b),
		FromFile: "old",
		ToFile:   "new",
		Context:  1,
	})
}

func encodeTOML(c *Config) (string, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return "", fmt.Errorf("encoding config: %w", err)
	}
	return buf.String(), nil
}

func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	path = os.ExpandEnv(path)
	return path
}

func DefaultConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "modlink", "config.toml")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "modlink", "config.toml")
}

// StateDir returns the modlink state directory under XDG_STATE_HOME.
func StateDir() string {
	base := os.Getenv("XDG_STATE_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(base, "modlink")
}

// CacheDir returns the modlink cache directory under XDG_CACHE_HOME.
func CacheDir() string {
	base := os.Getenv("XDG_CACHE_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".cache")
	}
	return filepath.Join(base, "modlink")
}
