package provision

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"testing/iotest"
	"time"

	"github.com/modlink/modlink/internal/cache"
	"github.com/modlink/modlink/internal/config"
	"github.com/modlink/modlink/internal/protocol"
	"github.com/modlink/modlink/internal/transport/transporttest"
)

const remotePath = "/data/local/tmp/mbf-agent"

var agentBinary = []byte("\x7fELF fake agent payload")

type events struct {
	list []protocol.LogEvent
}

func (e *events) observe(ev protocol.LogEvent) {
	e.list = append(e.list, ev)
}

func (e *events) count(level protocol.Level, substr string) int {
	var n int
	for _, ev := range e.list {
		if ev.Level == level && strings.Contains(ev.Message, substr) {
			n++
		}
	}
	return n
}

// flakyServer fails the first failures requests with 500.
func flakyServer(t *testing.T, failures int32, body []byte) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= failures {
			http.Error(w, "unavailable", http.StatusInternalServerError)
			return
		}
		w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func agentConfig(url string) config.AgentConfig {
	return config.AgentConfig{
		RemotePath: remotePath,
		URL:        url,
		SHA256:     cache.Digest(agentBinary),
	}
}

func TestFetchRetriesUntilSuccess(t *testing.T) {
	srv, hits := flakyServer(t, 2, agentBinary)
	var ev events

	data, err := NewFetcher().Fetch(context.Background(), srv.URL, ev.observe)
	if err != nil {
		t.Fatalf("Fetch() error: %v", err)
	}
	if string(data) != string(agentBinary) {
		t.Errorf("Fetch() = %q", data)
	}
	if got := hits.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
	if ev.count(protocol.LevelWarn, "attempt 1/3") != 1 || ev.count(protocol.LevelWarn, "attempt 2/3") != 1 {
		t.Errorf("unexpected retry notifications: %+v", ev.list)
	}
}

func TestFetchGivesUpAfterMaxAttempts(t *testing.T) {
	srv, hits := flakyServer(t, 100, agentBinary)

	_, err := NewFetcher().Fetch(context.Background(), srv.URL, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if got := hits.Load(); got != MaxAttempts {
		t.Errorf("attempts = %d, want %d", got, MaxAttempts)
	}
	if !errors.Is(err, protocol.ErrProvisioning) {
		t.Errorf("error kind = %v, want provisioning", protocol.KindOf(err))
	}
	if !strings.Contains(err.Error(), "internet connection") {
		t.Errorf("error %q does not mention connectivity", err)
	}
}

func TestProgressThrottled(t *testing.T) {
	start := time.Unix(0, 0)
	var ticks int
	now := func() time.Time {
		ticks++
		return start.Add(time.Duration(ticks) * 300 * time.Millisecond)
	}
	var ev events
	pr := &progressReader{
		r:        iotest.OneByteReader(strings.NewReader("0123456789")),
		total:    10,
		interval: time.Second,
		now:      now,
		last:     start,
		observe:  ev.observe,
	}

	buf := make([]byte, 4)
	for {
		if _, err := pr.Read(buf); err != nil {
			break
		}
	}

	// Ten one-byte reads 300ms apart cross the 1s threshold twice.
	if len(ev.list) != 2 {
		t.Fatalf("got %d progress events, want 2: %+v", len(ev.list), ev.list)
	}
	if ev.list[0].Message != "Downloading agent: 40%" || ev.list[1].Message != "Downloading agent: 80%" {
		t.Errorf("progress messages = %q, %q", ev.list[0].Message, ev.list[1].Message)
	}
}

func TestFetchUnknownLengthSkipsProgress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for i := 0; i < len(agentBinary); i += 4 {
			_, _ = w.Write(agentBinary[i:min(i+4, len(agentBinary))])
			flusher.Flush()
		}
	}))
	defer srv.Close()

	// Every clock reading is ten seconds later, so any reported progress
	// would pass the throttle.
	var ticks int
	f := NewFetcher()
	f.now = func() time.Time {
		ticks++
		return time.Unix(int64(ticks)*10, 0)
	}

	var ev events
	data, err := f.Fetch(context.Background(), srv.URL, ev.observe)
	if err != nil {
		t.Fatalf("Fetch() error: %v", err)
	}
	if string(data) != string(agentBinary) {
		t.Errorf("Fetch() = %q, want the agent binary", data)
	}
	if n := ev.count(protocol.LevelInfo, "Downloading agent:"); n != 0 {
		t.Errorf("got %d progress events for a body of unknown length: %+v", n, ev.list)
	}
}

func TestUploadTimeout(t *testing.T) {
	dev := transporttest.NewDevice()
	aborted := make(chan struct{})
	dev.WriteHook = func(ctx context.Context, path string) error {
		<-ctx.Done()
		close(aborted)
		return ctx.Err()
	}

	err := Upload(context.Background(), dev, remotePath, agentBinary, 20*time.Millisecond)
	if !errors.Is(err, protocol.ErrProvisioning) {
		t.Fatalf("Upload() error = %v, want provisioning error", err)
	}
	if !strings.Contains(err.Error(), "did not finish pushing agent") || !strings.Contains(err.Error(), "bug") {
		t.Errorf("Upload() error %q lacks the timeout diagnosis", err)
	}

	select {
	case <-aborted:
	case <-time.After(time.Second):
		t.Error("write context was not cancelled after timeout")
	}
	if _, _, ok := dev.File(remotePath); ok {
		t.Error("timed-out upload left a file behind")
	}
}

func TestUploadWriteFailure(t *testing.T) {
	dev := transporttest.NewDevice()
	dev.WriteHook = func(ctx context.Context, path string) error {
		return errors.New("read-only file system")
	}

	err := Upload(context.Background(), dev, remotePath, agentBinary, time.Second)
	if !errors.Is(err, protocol.ErrTransport) {
		t.Fatalf("Upload() error = %v, want transport error", err)
	}
}

func TestEnsureInstallsThenIsIdempotent(t *testing.T) {
	srv, hits := flakyServer(t, 0, agentBinary)
	dev := transporttest.NewDevice()
	p := New(dev, nil, nil)
	cfg := agentConfig(srv.URL)
	var ev events

	installed, err := p.Ensure(context.Background(), cfg, ev.observe)
	if err != nil {
		t.Fatalf("Ensure() error: %v", err)
	}
	if !installed {
		t.Error("Ensure() reported no install on an empty device")
	}

	want := []string{
		"sha256sum " + remotePath,
		"remove " + remotePath,
		"write " + remotePath,
		"chmod " + remotePath,
	}
	if got := dev.Calls(); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("calls = %q, want %q", got, want)
	}
	data, exec, ok := dev.File(remotePath)
	if !ok || string(data) != string(agentBinary) || !exec {
		t.Errorf("installed file = %q exec=%v ok=%v", data, exec, ok)
	}
	if ev.count(protocol.LevelInfo, "") < 4 {
		t.Errorf("expected a progress event per step, got %+v", ev.list)
	}

	installed, err = p.Ensure(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("second Ensure() error: %v", err)
	}
	if installed {
		t.Error("second Ensure() reinstalled an up-to-date agent")
	}
	for _, method := range []string{"remove", "write", "chmod"} {
		if n := dev.CallCount(method); n != 1 {
			t.Errorf("%s called %d times, want 1", method, n)
		}
	}
	if hits.Load() != 1 {
		t.Errorf("downloads = %d, want 1", hits.Load())
	}
}

func TestEnsureComparesHashCaseInsensitively(t *testing.T) {
	dev := transporttest.NewDevice()
	dev.SetFile(remotePath, agentBinary, true)
	cfg := agentConfig("http://127.0.0.1:1/unused")
	cfg.SHA256 = strings.ToUpper(cfg.SHA256)

	installed, err := New(dev, nil, nil).Ensure(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("Ensure() error: %v", err)
	}
	if installed || len(dev.Calls()) != 1 {
		t.Errorf("Ensure() issued %q for a matching agent", dev.Calls())
	}
}

func TestEnsureReplacesStaleAgent(t *testing.T) {
	srv, _ := flakyServer(t, 0, agentBinary)
	dev := transporttest.NewDevice()
	dev.SetFile(remotePath, []byte("old agent"), true)

	if _, err := New(dev, nil, nil).Ensure(context.Background(), agentConfig(srv.URL), nil); err != nil {
		t.Fatalf("Ensure() error: %v", err)
	}
	data, _, _ := dev.File(remotePath)
	if string(data) != string(agentBinary) {
		t.Errorf("agent not replaced: %q", data)
	}
}

func TestEnsureRejectsWrongDownload(t *testing.T) {
	srv, _ := flakyServer(t, 0, []byte("something else"))
	dev := transporttest.NewDevice()

	_, err := New(dev, nil, nil).Ensure(context.Background(), agentConfig(srv.URL), nil)
	if !errors.Is(err, protocol.ErrProvisioning) {
		t.Fatalf("Ensure() error = %v, want provisioning error", err)
	}
	if dev.CallCount("write") != 0 {
		t.Error("mismatched download was pushed to the device")
	}
}

func TestEnsureUsesCache(t *testing.T) {
	srv, hits := flakyServer(t, 0, agentBinary)
	bins := cache.New(filepath.Join(t.TempDir(), "agents"))
	cfg := agentConfig(srv.URL)

	for i := 0; i < 2; i++ {
		dev := transporttest.NewDevice()
		if _, err := New(dev, nil, bins).Ensure(context.Background(), cfg, nil); err != nil {
			t.Fatalf("Ensure() #%d error: %v", i, err)
		}
	}
	if hits.Load() != 1 {
		t.Errorf("downloads = %d, want 1 (second device served from cache)", hits.Load())
	}
}
