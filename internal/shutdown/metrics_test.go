package shutdown

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMarkPhaseIsExclusive(t *testing.T) {
	markPhase(PhaseScans)
	markPhase(PhaseStore)

	assert.Equal(t, 1.0, testutil.ToFloat64(phaseGauge.WithLabelValues(string(PhaseStore))))
	assert.Equal(t, 0.0, testutil.ToFloat64(phaseGauge.WithLabelValues(string(PhaseScans))))
	assert.Equal(t, len(phases), testutil.CollectAndCount(phaseGauge))
}
