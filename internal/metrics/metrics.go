// Package metrics provides Prometheus metrics collection for NebulaGuard.
//
// The package exposes metrics at /metrics for monitoring:
//
// Request Metrics:
//   - nebulaguard_requests_total: Admin API requests by method, route and status
//   - nebulaguard_request_duration_seconds: Admin API latency histogram
//
// Scan Metrics:
//   - nebulaguard_scans_total: Committed scans by source and final status
//   - nebulaguard_scan_duration_seconds: Scan duration histogram
//   - nebulaguard_units_scanned_total: Units classified by source
//
// Detection Metrics:
//   - nebulaguard_violations_total: Violations by policy and severity
//   - nebulaguard_active_alerts: High-risk violations in the last committed scan
//   - nebulaguard_classifications_total: Ad-hoc classifications by risk level
//
// Admin API Protection:
//   - nebulaguard_rate_limit_requests_total: Rate limiter decisions by route
//   - nebulaguard_rate_limit_active_clients: Clients with a live limiter
//
// Use with Prometheus and Grafana for monitoring dashboards.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts admin API requests
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nebulaguard_requests_total",
			Help: "Total number of admin API requests",
		},
		[]string{"method", "path", "status"},
	)

	// RequestDuration tracks admin API request duration in seconds
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nebulaguard_request_duration_seconds",
			Help:    "Admin API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ScansTotal counts committed scans
	ScansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nebulaguard_scans_total",
			Help: "Total number of committed scans",
		},
		[]string{"source", "status"},
	)

	// ScanDuration tracks scan duration in seconds
	ScanDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nebulaguard_scan_duration_seconds",
			Help:    "Scan duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~82s
		},
		[]string{"source"},
	)

	// UnitsScannedTotal counts classified units
	UnitsScannedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nebulaguard_units_scanned_total",
			Help: "Total number of units classified during scans",
		},
		[]string{"source"},
	)

	// ViolationsTotal counts recorded violations
	ViolationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nebulaguard_violations_total",
			Help: "Total number of policy violations recorded",
		},
		[]string{"policy", "severity"},
	)

	// ActiveAlerts is the high-risk violation count of the last committed scan
	ActiveAlerts = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nebulaguard_active_alerts",
			Help: "High-risk violations observed by the last committed scan",
		},
	)

	// ClassificationsTotal counts ad-hoc classifications
	ClassificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nebulaguard_classifications_total",
			Help: "Total number of classifications by risk level",
		},
		[]string{"risk_level"},
	)

	// PersistenceErrorsTotal counts failed write-through operations
	PersistenceErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nebulaguard_persistence_errors_total",
			Help: "Total number of failed persistence operations",
		},
		[]string{"op"},
	)

	// NotificationsTotal counts violation notifications by outcome
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nebulaguard_notifications_total",
			Help: "Total number of violation notifications by target and outcome",
		},
		[]string{"target", "outcome"},
	)

	// RateLimitRequestsTotal counts rate limiter decisions
	RateLimitRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nebulaguard_rate_limit_requests_total",
			Help: "Total number of requests seen by the rate limiter",
		},
		[]string{"path", "result"},
	)

	// RateLimitActiveClients tracks clients with a live limiter
	RateLimitActiveClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nebulaguard_rate_limit_active_clients",
			Help: "Number of clients currently tracked by the rate limiter",
		},
	)

	// ActiveScans tracks scans currently running
	ActiveScans = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nebulaguard_active_scans",
			Help: "Number of scans currently running",
		},
	)

	// RulesLoaded tracks installed patterns and policies
	RulesLoaded = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nebulaguard_rules_loaded",
			Help: "Number of installed rules by kind",
		},
		[]string{"kind"},
	)

	// StoredViolations tracks violations held by the engine
	StoredViolations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nebulaguard_stored_violations",
			Help: "Number of violations currently stored",
		},
	)

	// NodeInfo provides node information
	NodeInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nebulaguard_node_info",
			Help: "Node information",
		},
		[]string{"node_id", "version"},
	)
)

// Version is set at build time
var Version = "dev"

// Init initializes the metrics system
func Init(nodeID string) {
	NodeInfo.WithLabelValues(nodeID, Version).Set(1)
}

// RecordRequest records an admin request with its method, route, status, and duration
func RecordRequest(method, path string, status int, duration time.Duration) {
	RequestsTotal.WithLabelValues(method, path, statusCodeToString(status)).Inc()
	RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordScan records a committed scan
func RecordScan(source, status string, duration time.Duration) {
	ScansTotal.WithLabelValues(source, status).Inc()
	ScanDuration.WithLabelValues(source).Observe(duration.Seconds())
}

// AddUnitsScanned adds n classified units for source
func AddUnitsScanned(source string, n int) {
	UnitsScannedTotal.WithLabelValues(source).Add(float64(n))
}

// RecordViolation records a violation against a policy
func RecordViolation(policy, severity string) {
	ViolationsTotal.WithLabelValues(policy, severity).Inc()
}

// SetActiveAlerts sets the active alert gauge
func SetActiveAlerts(count int) {
	ActiveAlerts.Set(float64(count))
}

// RecordClassification records an ad-hoc classification
func RecordClassification(riskLevel string) {
	ClassificationsTotal.WithLabelValues(riskLevel).Inc()
}

// RecordPersistenceError records a failed persistence operation
func RecordPersistenceError(op string) {
	PersistenceErrorsTotal.WithLabelValues(op).Inc()
}

// RecordNotification records a notification delivery attempt outcome
func RecordNotification(target string, success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}

	NotificationsTotal.WithLabelValues(target, outcome).Inc()
}

// RecordRateLimitRequest records whether a request passed the rate limiter
func RecordRateLimitRequest(path string, allowed bool) {
	result := "allowed"
	if !allowed {
		result = "limited"
	}

	RateLimitRequestsTotal.WithLabelValues(path, result).Inc()
}

// SetRateLimitActiveClients sets the tracked client gauge
func SetRateLimitActiveClients(n int) {
	RateLimitActiveClients.Set(float64(n))
}

// SetEngineStats updates the periodic engine gauges
func SetEngineStats(activeScans, patterns, policies, violations int) {
	ActiveScans.Set(float64(activeScans))
	RulesLoaded.WithLabelValues("pattern").Set(float64(patterns))
	RulesLoaded.WithLabelValues("policy").Set(float64(policies))
	StoredViolations.Set(float64(violations))
}

// statusCodeToString converts HTTP status code to a string category
func statusCodeToString(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
