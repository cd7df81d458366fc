package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	// Register should be safe to call multiple times
	Register()
	Register()

	assert.NotPanics(t, func() {
		IncHTTP("test_endpoint")
		IncAvailabilityCheck("free")
		IncTransition("confirmed", "backend")
	})
}

func TestProbeCounter(t *testing.T) {
	before := testutil.ToFloat64(probes.WithLabelValues("deadline", "forced_expiry"))
	IncProbe("deadline", "forced_expiry")
	IncProbe("deadline", "forced_expiry")
	assert.Equal(t, before+2, testutil.ToFloat64(probes.WithLabelValues("deadline", "forced_expiry")))
}

func TestActiveSchedulersGauge(t *testing.T) {
	SetActiveSchedulers(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(activeSchedulers))
	SetActiveSchedulers(0)
	assert.Equal(t, 0.0, testutil.ToFloat64(activeSchedulers))
}
