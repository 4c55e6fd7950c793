package dlp

import (
	"sync/atomic"
	"time"
)

// Engine status values.
const (
	StatusOperational = "operational"
	StatusDegraded    = "degraded"
)

// Status is a point-in-time view of the engine counters.
type Status struct {
	Status          string  `json:"status"`
	LastError       string  `json:"last_error,omitempty"`
	UptimeSeconds   float64 `json:"uptime_seconds"`
	ProcessedEvents int64   `json:"processed_events"`
	ActiveAlerts    int     `json:"active_alerts"`
}

// Operational reports whether the engine has no outstanding error.
func (s Status) Operational() bool {
	return s.Status == StatusOperational
}

type statusSnapshot struct {
	lastError      string
	processedScans int64
	activeAlerts   int
}

// statusRecord is a copy-on-write status cell.
type statusRecord struct {
	started time.Time
	current atomic.Pointer[statusSnapshot]
}

func newStatusRecord() *statusRecord {
	r := &statusRecord{started: time.Now()}
	r.current.Store(&statusSnapshot{})

	return r
}

func (r *statusRecord) update(fn func(s *statusSnapshot)) {
	for {
		old := r.current.Load()
		next := *old
		fn(&next)

		if r.current.CompareAndSwap(old, &next) {
			return
		}
	}
}

func (r *statusRecord) scanStarted() {
	r.update(func(s *statusSnapshot) { s.processedScans++ })
}

// scanSucceeded records the high-risk count and clears the last error.
func (r *statusRecord) scanSucceeded(highRisk int) {
	r.update(func(s *statusSnapshot) {
		s.activeAlerts = highRisk
		s.lastError = ""
	})
}

func (r *statusRecord) scanCancelled(highRisk int) {
	r.update(func(s *statusSnapshot) { s.activeAlerts = highRisk })
}

func (r *statusRecord) scanFailed(highRisk int, reason string) {
	r.update(func(s *statusSnapshot) {
		s.activeAlerts = highRisk
		s.lastError = reason
	})
}

func (r *statusRecord) snapshot() Status {
	s := r.current.Load()

	status := StatusOperational
	if s.lastError != "" {
		status = StatusDegraded
	}

	return Status{
		Status:          status,
		LastError:       s.lastError,
		UptimeSeconds:   time.Since(r.started).Seconds(),
		ProcessedEvents: s.processedScans,
		ActiveAlerts:    s.activeAlerts,
	}
}
