// Package metrics exposes the auth counters to prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "conference_auth"

// Recorder implements auth.MetricsRecorder with prometheus counters
type Recorder struct {
	logins      *prometheus.CounterVec
	refreshes   *prometheus.CounterVec
	switches    *prometheus.CounterVec
	roleChanges *prometheus.CounterVec
	sideEffects *prometheus.CounterVec
	throttled   *prometheus.CounterVec
}

// New creates the counters without registering them
func New() *Recorder {
	return &Recorder{
		logins: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "login_attempts_total",
				Help:      "Login attempts by outcome.",
			},
			[]string{"outcome"},
		),
		refreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "token_refreshes_total",
				Help:      "Refresh token exchanges by outcome.",
			},
			[]string{"outcome"},
		),
		switches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "context_switches_total",
				Help:      "Context tokens issued by role.",
			},
			[]string{"role"},
		),
		roleChanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "role_changes_total",
				Help:      "Role grants and removals.",
			},
			[]string{"action"},
		),
		sideEffects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "side_effect_failures_total",
				Help:      "Best-effort side effects that failed and were dropped.",
			},
			[]string{"kind"},
		),
		throttled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_throttled_total",
				Help:      "Requests rejected by the rate limiter.",
			},
			[]string{"route"},
		),
	}
}

// Collectors lists every counter owned by the recorder
func (r *Recorder) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		r.logins,
		r.refreshes,
		r.switches,
		r.roleChanges,
		r.sideEffects,
		r.throttled,
	}
}

// Register adds the counters to reg
func (r *Recorder) Register(reg prometheus.Registerer) error {
	for _, c := range r.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// MustRegister is Register that panics
func (r *Recorder) MustRegister(reg prometheus.Registerer) *Recorder {
	reg.MustRegister(r.Collectors()...)
	return r
}

func (r *Recorder) LoginAttempt(outcome string) {
	r.logins.WithLabelValues(outcome).Inc()
}

func (r *Recorder) TokenRefreshed(outcome string) {
	r.refreshes.WithLabelValues(outcome).Inc()
}

func (r *Recorder) ContextSwitched(role string) {
	r.switches.WithLabelValues(role).Inc()
}

func (r *Recorder) RoleChanged(action string) {
	r.roleChanges.WithLabelValues(action).Inc()
}

func (r *Recorder) SideEffectFailed(kind string) {
	r.sideEffects.WithLabelValues(kind).Inc()
}

func (r *Recorder) RequestThrottled(route string) {
	r.throttled.WithLabelValues(route).Inc()
}

// Handler serves the given gatherer in the exposition format
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
