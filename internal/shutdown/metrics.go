package shutdown

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	phaseGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "nebulaguard_shutdown_phase",
		Help: "1 for the shutdown phase currently running, 0 for the rest",
	}, []string{"phase"})

	startedGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nebulaguard_shutdown_start_timestamp_seconds",
		Help: "Unix time at which shutdown began",
	})

	durationGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nebulaguard_shutdown_duration_seconds",
		Help: "Wall time the last shutdown took",
	})

	drainingScans = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nebulaguard_shutdown_active_scans",
		Help: "Cancelled scans that have not committed yet",
	})

	stoppedWorkers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nebulaguard_shutdown_workers_stopped_total",
		Help: "Background workers stopped during shutdown",
	})

	failures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nebulaguard_shutdown_errors_total",
		Help: "Component failures and timeouts during shutdown",
	})
)

var phases = []Phase{
	PhaseNone, PhaseScans, PhaseHTTPServers, PhaseWorkers,
	PhaseNotifications, PhaseStore, PhaseComplete, PhaseForcedShutdown,
}

// markPhase flips the phase gauge so exactly one phase reads 1.
func markPhase(current Phase) {
	for _, p := range phases {
		value := 0.0
		if p == current {
			value = 1
		}

		phaseGauge.WithLabelValues(string(p)).Set(value)
	}
}

func markStarted(at time.Time) { startedGauge.Set(float64(at.Unix())) }

func markFinished(took time.Duration) { durationGauge.Set(took.Seconds()) }
