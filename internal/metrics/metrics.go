// Package metrics exposes daemon counters in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels for SessionsTotal. Failures use the error kind name.
const (
	OutcomeSuccess   = "success"
	OutcomeCancelled = "cancelled"
	OutcomeUnknown   = "unknown"
)

// Registry holds the daemon's metrics. All methods accept a nil receiver
// so callers without metrics need no guards.
type Registry struct {
	reg *prometheus.Registry

	SessionsTotal   *prometheus.CounterVec
	SessionDuration *prometheus.HistogramVec
	AgentInstalls   prometheus.Counter
	ConfigReloads   prometheus.Counter
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,
		SessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "modlink_sessions_total",
			Help: "Agent sessions by request type and outcome",
		}, []string{"request", "outcome"}),
		SessionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "modlink_session_duration_seconds",
			Help:    "Wall time of agent sessions, provisioning included",
			Buckets: []float64{0.25, 1, 5, 15, 60, 180, 600},
		}, []string{"request"}),
		AgentInstalls: factory.NewCounter(prometheus.CounterOpts{
			Name: "modlink_agent_installs_total",
			Help: "Times the agent binary was pushed to the device",
		}),
		ConfigReloads: factory.NewCounter(prometheus.CounterOpts{
			Name: "modlink_config_reloads_total",
			Help: "Config changes applied by the daemon",
		}),
	}
}

// ObserveSession records one finished session.
func (r *Registry) ObserveSession(request, outcome string, elapsed time.Duration) {
	if r == nil {
		return
	}
	if outcome == "" {
		outcome = OutcomeUnknown
	}
	r.SessionsTotal.WithLabelValues(request, outcome).Inc()
	r.SessionDuration.WithLabelValues(request).Observe(elapsed.Seconds())
}

func (r *Registry) AgentInstalled() {
	if r == nil {
		return
	}
	r.AgentInstalls.Inc()
}

func (r *Registry) ConfigReloaded() {
	if r == nil {
		return
	}
	r.ConfigReloads.Inc()
}

// Gatherer returns the underlying registry for scraping and tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
