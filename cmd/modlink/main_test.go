package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/charmbracelet/fang"

	"github.com/modlink/modlink/internal/config"
	"github.com/modlink/modlink/internal/control"
	"github.com/modlink/modlink/internal/metrics"
	"github.com/modlink/modlink/internal/protocol"
	"github.com/modlink/modlink/internal/render"
)

func TestNewServiceConfig(t *testing.T) {
	cfg := newServiceConfig("")

	if cfg.Name != serviceName {
		t.Errorf("Name = %q, want %q", cfg.Name, serviceName)
	}
	if cfg.DisplayName != "modlink" {
		t.Errorf("DisplayName = %q, want %q", cfg.DisplayName, "modlink")
	}
	want := []string{"serve", "--log-file"}
	if strings.Join(cfg.Arguments, " ") != strings.Join(want, " ") {
		t.Errorf("Arguments = %v, want %v", cfg.Arguments, want)
	}
	if v, ok := cfg.Option["UserService"]; !ok || v != true {
		t.Errorf("Option[UserService] = %v, want true", v)
	}
}

func TestNewServiceConfigWithConfigPath(t *testing.T) {
	cfg := newServiceConfig("/etc/modlink/config.toml")

	want := []string{"serve", "--log-file", "--config", "/etc/modlink/config.toml"}
	if len(cfg.Arguments) != len(want) {
		t.Fatalf("Arguments length = %d, want %d", len(cfg.Arguments), len(want))
	}
	for i, arg := range cfg.Arguments {
		if arg != want[i] {
			t.Errorf("Arguments[%d] = %q, want %q", i, arg, want[i])
		}
	}
}

func TestReadPID(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("XDG_STATE_HOME", tmpDir)

	dir := filepath.Join(tmpDir, "modlink")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}

	wantPID := 12345
	if err := os.WriteFile(
		filepath.Join(dir, "pid"),
		[]byte(strconv.Itoa(wantPID)+"\n"),
		0o644,
	); err != nil {
		t.Fatal(err)
	}

	got, err := readPID()
	if err != nil {
		t.Fatalf("readPID() error = %v", err)
	}
	if got != wantPID {
		t.Errorf("readPID() = %d, want %d", got, wantPID)
	}
}

func TestReadPIDMissing(t *testing.T) {
	t.Setenv("XDG_STATE_HOME", t.TempDir())

	if _, err := readPID(); err == nil {
		t.Fatal("readPID() expected error for missing file, got nil")
	}
}

func TestAcquirePIDLockExclusive(t *testing.T) {
	t.Setenv("XDG_STATE_HOME", t.TempDir())

	first, err := acquirePIDLock()
	if err != nil {
		t.Fatalf("acquirePIDLock() error = %v", err)
	}
	defer first.Close()

	if pid, err := readPID(); err != nil || pid != os.Getpid() {
		t.Errorf("readPID() = %d, %v; want %d", pid, err, os.Getpid())
	}

	if second, err := acquirePIDLock(); err == nil {
		second.Close()
		t.Fatal("second acquirePIDLock() succeeded while the first lock is held")
	}
}

func TestStateDir(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("XDG_STATE_HOME", tmpDir)

	got := stateDir()
	want := filepath.Join(tmpDir, "modlink")
	if got != want {
		t.Errorf("stateDir() = %q, want %q", got, want)
	}
}

func TestLogFilePath(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("XDG_STATE_HOME", tmpDir)

	got := logFilePath()
	want := filepath.Join(tmpDir, "modlink", "daemon.log")
	if got != want {
		t.Errorf("logFilePath() = %q, want %q", got, want)
	}
}

func TestAgentCacheDir(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("XDG_CACHE_HOME", tmpDir)

	if got, want := agentCacheDir(), filepath.Join(tmpDir, "modlink", "agents"); got != want {
		t.Errorf("agentCacheDir() = %q, want %q", got, want)
	}
}

func TestSeekToLastNLines(t *testing.T) {
	tests := []struct {
		name    string
		content string
		n       int
		want    string
	}{
		{"last two", "a\nb\nc\n", 2, "b\nc\n"},
		{"more than available", "a\nb\n", 5, "a\nb\n"},
		{"no trailing newline", "a\nb\nc", 1, "c"},
		{"empty", "", 3, ""},
		{"long file", strings.Repeat("x\n", 5000) + "tail\n", 1, "tail\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "daemon.log")
			if err := os.WriteFile(path, []byte(tt.content), 0o600); err != nil {
				t.Fatal(err)
			}
			f, err := os.Open(path)
			if err != nil {
				t.Fatal(err)
			}
			defer f.Close()

			if err := seekToLastNLines(f, tt.n); err != nil {
				t.Fatalf("seekToLastNLines() error = %v", err)
			}
			got, err := io.ReadAll(f)
			if err != nil {
				t.Fatal(err)
			}
			if string(got) != tt.want {
				t.Errorf("tail = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLiveConfigSwap(t *testing.T) {
	first := config.DefaultConfig()
	live := &liveConfig{cfg: first}

	next := config.DefaultConfig()
	next.Mods.CoreModURL = "https://mirror.example/core_mods.json"
	live.Set(next)

	if live.Get() != next {
		t.Error("Get() did not return the swapped config")
	}
	if first.Mods.CoreModURL != "" {
		t.Error("swapping mutated the previous config")
	}
}

func TestPrintEvents(t *testing.T) {
	defer func(q bool) { quiet = q }(quiet)

	var buf bytes.Buffer
	quiet = false
	observe := printEvents(&buf)
	observe(protocol.LogEvent{Level: protocol.LevelInfo, Message: "Downloading agent: 40%"})
	observe(protocol.LogEvent{Level: protocol.LevelError, Message: "APK is not installed"})

	want := "INFO  Downloading agent: 40%\nERROR APK is not installed\n"
	if buf.String() != want {
		t.Errorf("output = %q, want %q", buf.String(), want)
	}

	buf.Reset()
	quiet = true
	observe(protocol.LogEvent{Level: protocol.LevelInfo, Message: "hidden"})
	observe(protocol.LogEvent{Level: protocol.LevelWarn, Message: "shown"})
	if buf.String() != "WARN  shown\n" {
		t.Errorf("quiet output = %q", buf.String())
	}
}

func TestExecuteRejectsUnknownFormatFields(t *testing.T) {
	defer func(f, c string, n bool) { format, cfgFile, noDaemon = f, c, n }(format, cfgFile, noDaemon)

	format = "{{ .Filename }}"
	noDaemon = true
	// A config that cannot load proves the template is checked first.
	cfgFile = filepath.Join(t.TempDir(), "missing-dir", "config.toml")

	err := execute(context.Background(), protocol.RemoveMod{ID: "a"})
	if err == nil || !strings.Contains(err.Error(), "Filename") {
		t.Fatalf("execute() error = %v, want unknown field error", err)
	}
}

func TestPatchFormatSeesStatusFields(t *testing.T) {
	r, err := render.New("{{ .AppInfo.Version }}")
	if err != nil {
		t.Fatal(err)
	}
	if err := r.CheckFields(protocol.ResultOf(protocol.Patch{})); err != nil {
		t.Errorf("CheckFields() error = %v, want Patch results to carry AppInfo", err)
	}
}

func TestDefaultConfigTemplateLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := defaultConfigTemplate + "\n"
	content = strings.Replace(content, `# sha256 = ""              # expected agent digest (required unless built in)`,
		`sha256 = "`+strings.Repeat("ab", 32)+`"`, 1)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Device.Backend != config.BackendADB {
		t.Errorf("Backend = %q, want adb", cfg.Device.Backend)
	}
	if cfg.Agent.RemotePath != config.DefaultRemotePath {
		t.Errorf("RemotePath = %q", cfg.Agent.RemotePath)
	}
}

func TestServeMetrics(t *testing.T) {
	if _, err := serveMetrics("no-port", metrics.New()); err == nil {
		t.Error("serveMetrics() accepted an address without a port")
	}

	stop, err := serveMetrics("127.0.0.1:0", metrics.New())
	if err != nil {
		t.Fatalf("serveMetrics() error = %v", err)
	}
	stop()
}

func TestDrainAndStopIdle(t *testing.T) {
	server := control.NewServer(filepath.Join(t.TempDir(), "ctl"), nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	drainAndStop(ctx, server, cancel)
	if ctx.Err() == nil {
		t.Error("drainAndStop() did not cancel the daemon context")
	}
}

func TestSessionFailurePrintedOnce(t *testing.T) {
	var buf bytes.Buffer
	out := &sessionOutput{print: printEvents(&buf)}
	out.observe(protocol.LogEvent{Level: protocol.LevelError, Message: "mod not found"})

	err := out.failure(protocol.AgentError("mod not found"))
	if !errors.Is(err, protocol.ErrAgent) {
		t.Errorf("failure() = %v, lost the agent error kind", err)
	}

	var stderr bytes.Buffer
	handleError(&stderr, fang.Styles{}, err)
	if stderr.Len() != 0 {
		t.Errorf("handleError() printed %q for an already shown failure", stderr.String())
	}
	if buf.String() != "ERROR mod not found\n" {
		t.Errorf("events = %q", buf.String())
	}

	other := errors.New("loading config: bad toml")
	if got := out.failure(other); got != other {
		t.Errorf("failure() = %v, want the unshown error unchanged", got)
	}
}
