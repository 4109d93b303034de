package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gather(t *testing.T, reg *prometheus.Registry) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	out := make(map[string]*dto.MetricFamily, len(families))
	for _, mf := range families {
		out[mf.GetName()] = mf
	}
	return out
}

func counterWithLabel(t *testing.T, mf *dto.MetricFamily, value string) float64 {
	t.Helper()
	require.NotNil(t, mf)
	for _, m := range mf.GetMetric() {
		for _, lp := range m.GetLabel() {
			if lp.GetValue() == value {
				return m.GetCounter().GetValue()
			}
		}
	}
	t.Fatalf("no series with label value %q in %s", value, mf.GetName())
	return 0
}

func TestMetrics_CountsOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Login(OutcomeSuccess)
	m.Login(OutcomeInvalidCredentials)
	m.Login(OutcomeInvalidCredentials)
	m.Refresh(OutcomeInvalidToken)
	m.Logout(OutcomeSuccess)
	m.Registration(OutcomeDuplicate)
	m.Lockout()
	m.ObserveHash(HashPassword, time.Now())

	fams := gather(t, reg)
	assert.Equal(t, 1.0, counterWithLabel(t, fams["auth_logins_total"], OutcomeSuccess))
	assert.Equal(t, 2.0, counterWithLabel(t, fams["auth_logins_total"], OutcomeInvalidCredentials))
	assert.Equal(t, 1.0, counterWithLabel(t, fams["auth_refreshes_total"], OutcomeInvalidToken))
	assert.Equal(t, 1.0, counterWithLabel(t, fams["auth_logouts_total"], OutcomeSuccess))
	assert.Equal(t, 1.0, counterWithLabel(t, fams["auth_registrations_total"], OutcomeDuplicate))

	require.Contains(t, fams, "auth_lockouts_total")
	assert.Equal(t, 1.0, fams["auth_lockouts_total"].GetMetric()[0].GetCounter().GetValue())

	require.Contains(t, fams, "auth_hash_duration_seconds")
	assert.Equal(t, uint64(1), fams["auth_hash_duration_seconds"].GetMetric()[0].GetHistogram().GetSampleCount())
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Login(OutcomeSuccess)
		m.Lockout()
		m.ObserveHash(HashSecret, time.Now())
	})
}
