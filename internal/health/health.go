// Package health provides health check endpoints for NebulaGuard.
//
// The package implements Kubernetes-compatible health checks:
//
//   - /health/live: Liveness probe (is the process running?)
//   - /health/ready: Readiness probe (can the engine take scans?)
//
// Each check returns JSON status with component health details:
//
//	{
//	  "status": "degraded",
//	  "checks": {
//	    "engine": {"status": "degraded", "message": "mailbox unreachable"},
//	    "store": {"status": "healthy"},
//	    "notifications": {"status": "healthy"}
//	  }
//	}
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/piwi3910/nebulaguard/internal/dlp"
)

// Status represents the overall health status.
type Status string

const (
	// StatusHealthy indicates all checks passed.
	StatusHealthy Status = "healthy"
	// StatusDegraded indicates some checks failed but scans still run.
	StatusDegraded Status = "degraded"
	// StatusUnhealthy indicates critical failures.
	StatusUnhealthy Status = "unhealthy"
)

// Check represents a single health check result.
type Check struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthStatus represents the complete health status of the system.
type HealthStatus struct {
	Timestamp time.Time        `json:"timestamp"`
	Checks    map[string]Check `json:"checks"`
	Status    Status           `json:"status"`
}

// Engine reports the scan engine status.
type Engine interface {
	Status() dlp.Status
}

// Pinger is a dependency that can be probed, such as the badger store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Notifications reports notification target health.
type Notifications interface {
	Healthy(ctx context.Context) (bool, []string)
}

// Checker performs health checks on the system. The store and notification
// dependencies are optional.
type Checker struct {
	cacheExpiry   time.Time
	engine        Engine
	store         Pinger
	notifications Notifications
	cachedStatus  *HealthStatus
	cacheTTL      time.Duration
	mu            sync.RWMutex
}

// NewChecker creates a new health checker.
func NewChecker(engine Engine, store Pinger, notifications Notifications) *Checker {
	return &Checker{
		engine:        engine,
		store:         store,
		notifications: notifications,
		cacheTTL:      5 * time.Second,
	}
}

// Check performs all health checks and returns the overall status.
func (c *Checker) Check(ctx context.Context) *HealthStatus {
	c.mu.RLock()

	if c.cachedStatus != nil && time.Now().Before(c.cacheExpiry) {
		status := c.cachedStatus
		c.mu.RUnlock()

		return status
	}

	c.mu.RUnlock()

	probes := map[string]func(context.Context) Check{
		"engine": c.CheckEngine,
		"store":  c.CheckStore,
	}

	if c.notifications != nil {
		probes["notifications"] = c.CheckNotifications
	}

	checks := make(map[string]Check, len(probes))

	var (
		wg       sync.WaitGroup
		checksMu sync.Mutex
	)

	for name, probe := range probes {
		wg.Add(1)

		go func() {
			defer wg.Done()

			check := probe(ctx)

			checksMu.Lock()
			checks[name] = check
			checksMu.Unlock()
		}()
	}

	wg.Wait()

	healthStatus := &HealthStatus{
		Status:    determineOverallStatus(checks),
		Checks:    checks,
		Timestamp: time.Now(),
	}

	c.mu.Lock()
	c.cachedStatus = healthStatus
	c.cacheExpiry = time.Now().Add(c.cacheTTL)
	c.mu.Unlock()

	return healthStatus
}

// CheckEngine reports degraded while the last scan left an error behind.
func (c *Checker) CheckEngine(_ context.Context) Check {
	if c.engine == nil {
		return Check{Status: StatusUnhealthy, Message: "engine not initialized"}
	}

	status := c.engine.Status()
	if !status.Operational() {
		return Check{Status: StatusDegraded, Message: status.LastError}
	}

	return Check{Status: StatusHealthy, Message: "engine is operational"}
}

// CheckStore probes the persistence layer. A disabled store is healthy.
func (c *Checker) CheckStore(ctx context.Context) Check {
	if c.store == nil {
		return Check{Status: StatusHealthy, Message: "persistence disabled"}
	}

	if err := c.store.Ping(ctx); err != nil {
		return Check{Status: StatusUnhealthy, Message: "store check failed: " + err.Error()}
	}

	return Check{Status: StatusHealthy, Message: "store is operational"}
}

// CheckNotifications reports degraded when a target is unreachable.
// Notifications are best effort, so this never makes the service unhealthy.
func (c *Checker) CheckNotifications(ctx context.Context) Check {
	ok, unhealthy := c.notifications.Healthy(ctx)
	if !ok {
		return Check{Status: StatusDegraded, Message: "unreachable targets: " + strings.Join(unhealthy, ", ")}
	}

	return Check{Status: StatusHealthy}
}

// IsReady checks if the service is ready to accept scans.
func (c *Checker) IsReady(ctx context.Context) bool {
	if c.engine == nil {
		return false
	}

	return c.CheckStore(ctx).Status != StatusUnhealthy
}

// IsLive checks if the service is alive.
func (c *Checker) IsLive(_ context.Context) bool {
	return true
}

func determineOverallStatus(checks map[string]Check) Status {
	hasUnhealthy := false
	hasDegraded := false

	for _, check := range checks {
		switch check.Status {
		case StatusUnhealthy:
			hasUnhealthy = true
		case StatusDegraded:
			hasDegraded = true
		}
	}

	if hasUnhealthy {
		return StatusUnhealthy
	}

	if hasDegraded {
		return StatusDegraded
	}

	return StatusHealthy
}

// Handler creates HTTP handlers for health endpoints.
type Handler struct {
	checker *Checker
}

// NewHandler creates a new health handler.
func NewHandler(checker *Checker) *Handler {
	return &Handler{checker: checker}
}

// HealthHandler handles basic health check requests (for load balancers).
func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	status := h.checker.Check(r.Context())

	w.Header().Set("Content-Type", "application/json")

	if status.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	_ = json.NewEncoder(w).Encode(map[string]string{
		"status": string(status.Status),
	})
}

// LivenessHandler handles Kubernetes liveness probe requests.
func (h *Handler) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if h.checker.IsLive(r.Context()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"not ok"}`))
	}
}

// ReadinessHandler handles Kubernetes readiness probe requests.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if h.checker.IsReady(r.Context()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"not ready"}`))
	}
}

// DetailedHandler handles detailed health check requests.
func (h *Handler) DetailedHandler(w http.ResponseWriter, r *http.Request) {
	status := h.checker.Check(r.Context())

	w.Header().Set("Content-Type", "application/json")

	if status.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	_ = json.NewEncoder(w).Encode(status)
}
