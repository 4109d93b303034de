// Package metrics holds the auth service's Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome label values.
const (
	OutcomeSuccess            = "success"
	OutcomeInvalidCredentials = "invalid_credentials"
	OutcomeLockedOut          = "locked_out"
	OutcomeInvalidToken       = "invalid_token"
	OutcomeDuplicate          = "duplicate"
	OutcomeError              = "error"
)

// Hash operation label values.
const (
	HashPassword = "password"
	HashSecret   = "secret"
)

// Metrics records authentication outcomes. A nil *Metrics records nothing.
type Metrics struct {
	logins        *prometheus.CounterVec
	refreshes     *prometheus.CounterVec
	logouts       *prometheus.CounterVec
	registrations *prometheus.CounterVec
	lockouts      prometheus.Counter
	hashDuration  *prometheus.HistogramVec
}

// New registers the auth collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		logins: f.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_logins_total",
			Help: "Login attempts by outcome",
		}, []string{"outcome"}),
		refreshes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_refreshes_total",
			Help: "Refresh token rotations by outcome",
		}, []string{"outcome"}),
		logouts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_logouts_total",
			Help: "Logouts by outcome",
		}, []string{"outcome"}),
		registrations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_registrations_total",
			Help: "Registrations by outcome",
		}, []string{"outcome"}),
		lockouts: f.NewCounter(prometheus.CounterOpts{
			Name: "auth_lockouts_total",
			Help: "Accounts locked after repeated failed logins",
		}),
		hashDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "auth_hash_duration_seconds",
			Help:    "Time spent hashing or verifying credentials",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"kind"}),
	}
}

func (m *Metrics) Login(outcome string) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Refresh(outcome string) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Logout(outcome string) {
	if m == nil {
		return
	}
	m.logouts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Registration(outcome string) {
	if m == nil {
		return
	}
	m.registrations.WithLabelValues(outcome).Inc()
}

// Lockout counts an account transitioning into the locked state.
func (m *Metrics) Lockout() {
	if m == nil {
		return
	}
	m.lockouts.Inc()
}

// ObserveHash records the time since start under kind.
func (m *Metrics) ObserveHash(kind string, start time.Time) {
	if m == nil {
		return
	}
	m.hashDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
}
