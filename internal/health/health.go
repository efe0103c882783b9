// Package health provides health check endpoints for the rdmacm probe.
//
//   - /healthz: overall status (for load balancers and scrapers)
//   - /healthz/live: liveness (is the process running?)
//   - /healthz/ready: readiness (is the CM open and not shutting down?)
//   - /healthz/detailed: every check with its message
//
// The detailed endpoint returns JSON like:
//
//	{
//	  "status": "healthy",
//	  "checks": {
//	    "cm": {"status": "healthy", "message": "1 endpoints, 0/1024 events queued"},
//	    "shutdown": {"status": "healthy"}
//	  }
//	}
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Status represents the overall health status.
type Status string

const (
	// StatusHealthy indicates all checks passed.
	StatusHealthy Status = "healthy"
	// StatusDegraded indicates some checks failed but core functionality works.
	StatusDegraded Status = "degraded"
	// StatusUnhealthy indicates critical failures.
	StatusUnhealthy Status = "unhealthy"
)

// queueDegradedRatio is the event queue fill level reported as degraded.
const queueDegradedRatio = 0.9

// Check represents a single health check result.
type Check struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthStatus represents the complete health status of the probe.
type HealthStatus struct {
	Timestamp time.Time        `json:"timestamp"`
	Checks    map[string]Check `json:"checks"`
	Status    Status           `json:"status"`
}

// CMState is the part of the communication manager the checker observes.
type CMState interface {
	Closed() bool
	Endpoints() int
	QueueUsage() (pending, depth int)
}

// ShutdownState reports whether shutdown has started.
type ShutdownState interface {
	IsShuttingDown() bool
}

// Checker performs health checks on the probe.
type Checker struct {
	cacheExpiry  time.Time
	cm           CMState
	shutdown     ShutdownState
	cachedStatus *HealthStatus
	cacheTTL     time.Duration
	mu           sync.RWMutex
}

// NewChecker creates a new health checker. shutdown may be nil.
func NewChecker(cm CMState, shutdown ShutdownState) *Checker {
	return &Checker{
		cm:       cm,
		shutdown: shutdown,
		cacheTTL: time.Second,
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

	checks := map[string]Check{
		"cm":       c.CheckCM(ctx),
		"shutdown": c.CheckShutdown(ctx),
	}

	healthStatus := &HealthStatus{
		Status:    c.determineOverallStatus(checks),
		Checks:    checks,
		Timestamp: time.Now(),
	}

	c.mu.Lock()
	c.cachedStatus = healthStatus
	c.cacheExpiry = time.Now().Add(c.cacheTTL)
	c.mu.Unlock()

	return healthStatus
}

// CheckCM checks that the communication manager is open and its event queue
// is not close to overflowing.
func (c *Checker) CheckCM(_ context.Context) Check {
	if c.cm == nil {
		return Check{
			Status:  StatusUnhealthy,
			Message: "communication manager not initialized",
		}
	}

	if c.cm.Closed() {
		return Check{
			Status:  StatusUnhealthy,
			Message: "communication manager closed",
		}
	}

	pending, depth := c.cm.QueueUsage()
	msg := fmt.Sprintf("%d endpoints, %d/%d events queued", c.cm.Endpoints(), pending, depth)

	if depth > 0 && float64(pending) >= float64(depth)*queueDegradedRatio {
		return Check{
			Status:  StatusDegraded,
			Message: "event queue nearly full: " + msg,
		}
	}

	return Check{
		Status:  StatusHealthy,
		Message: msg,
	}
}

// CheckShutdown reports a degraded status once shutdown has begun.
func (c *Checker) CheckShutdown(_ context.Context) Check {
	if c.shutdown != nil && c.shutdown.IsShuttingDown() {
		return Check{
			Status:  StatusDegraded,
			Message: "shutdown in progress",
		}
	}

	return Check{Status: StatusHealthy}
}

// IsReady checks if the probe can accept new endpoints.
func (c *Checker) IsReady(_ context.Context) bool {
	if c.cm == nil || c.cm.Closed() {
		return false
	}

	return c.shutdown == nil || !c.shutdown.IsShuttingDown()
}

// IsLive checks if the process is alive.
func (c *Checker) IsLive(_ context.Context) bool {
	return true
}

// determineOverallStatus determines the overall health status based on individual checks.
func (c *Checker) determineOverallStatus(checks map[string]Check) Status {
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

// HealthHandler handles basic health check requests.
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

// LivenessHandler handles liveness probe requests.
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

// ReadinessHandler handles readiness probe requests.
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
		w.WriteHeader(http.StatusOK) // Return 200 for degraded but include status in body
	}

	_ = json.NewEncoder(w).Encode(status)
}
