package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveSession(t *testing.T) {
	r := New()
	r.ObserveSession("Patch", OutcomeSuccess, 2*time.Second)
	r.ObserveSession("Patch", OutcomeSuccess, time.Second)
	r.ObserveSession("Patch", "agent", time.Second)
	r.ObserveSession("RemoveMod", "", time.Second)

	if got := testutil.ToFloat64(r.SessionsTotal.WithLabelValues("Patch", OutcomeSuccess)); got != 2 {
		t.Errorf("Patch successes = %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.SessionsTotal.WithLabelValues("Patch", "agent")); got != 1 {
		t.Errorf("Patch agent failures = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.SessionsTotal.WithLabelValues("RemoveMod", OutcomeUnknown)); got != 1 {
		t.Errorf("RemoveMod unknown = %v, want 1", got)
	}
	if n := testutil.CollectAndCount(r.SessionDuration); n != 2 {
		t.Errorf("duration series = %d, want 2", n)
	}
}

func TestNilRegistry(t *testing.T) {
	var r *Registry
	r.ObserveSession("Patch", OutcomeSuccess, time.Second)
	r.AgentInstalled()
	r.ConfigReloaded()
}

func TestHandler(t *testing.T) {
	r := New()
	r.AgentInstalled()
	r.ConfigReloaded()

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{"modlink_agent_installs_total 1", "modlink_config_reloads_total 1"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output lacks %q", want)
		}
	}
}
