// Package health reports daemon health: the downloads root must be
// writable, the history database reachable, and the worker running.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Status represents the health status of a component
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// ComponentHealth represents the health of a single component
type ComponentHealth struct {
	Status   Status `json:"status"`
	Message  string `json:"message,omitempty"`
	Duration string `json:"duration,omitempty"`
}

// HealthResponse represents the full health check response
type HealthResponse struct {
	Status     Status                     `json:"status"`
	Timestamp  string                     `json:"timestamp"`
	Version    string                     `json:"version,omitempty"`
	Components map[string]ComponentHealth `json:"components,omitempty"`
}

// Pinger is the slice of the history archive the checker needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Checker performs health checks on daemon components.
type Checker struct {
	rootDir       string
	archive       Pinger
	workerRunning func() bool
	version       string
	checkTimeout  time.Duration
}

// CheckerConfig holds configuration for the health checker
type CheckerConfig struct {
	RootDir       string
	Archive       Pinger
	WorkerRunning func() bool
	Version       string
	Timeout       time.Duration
}

// NewChecker creates a new health checker
func NewChecker(cfg *CheckerConfig) *Checker {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &Checker{
		rootDir:       cfg.RootDir,
		archive:       cfg.Archive,
		workerRunning: cfg.WorkerRunning,
		version:       cfg.Version,
		checkTimeout:  timeout,
	}
}

// CheckRoot verifies the downloads root exists and is writable by
// creating and removing a probe file.
func (c *Checker) CheckRoot(ctx context.Context) ComponentHealth {
	start := time.Now()

	if c.rootDir == "" {
		return ComponentHealth{
			Status:  StatusUnhealthy,
			Message: "downloads root not configured",
		}
	}

	info, err := os.Stat(c.rootDir)
	if err != nil || !info.IsDir() {
		return ComponentHealth{
			Status:   StatusUnhealthy,
			Message:  "downloads root missing",
			Duration: time.Since(start).String(),
		}
	}

	probe, err := os.CreateTemp(c.rootDir, ".healthcheck-*")
	if err != nil {
		return ComponentHealth{
			Status:   StatusUnhealthy,
			Message:  "downloads root not writable",
			Duration: time.Since(start).String(),
		}
	}
	name := probe.Name()
	probe.Close()
	os.Remove(filepath.Clean(name))

	return ComponentHealth{
		Status:   StatusHealthy,
		Duration: time.Since(start).String(),
	}
}

// CheckHistory checks history database connectivity.
func (c *Checker) CheckHistory(ctx context.Context) ComponentHealth {
	start := time.Now()

	if c.archive == nil {
		return ComponentHealth{
			Status:  StatusDegraded,
			Message: "history archive not configured",
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.checkTimeout)
	defer cancel()

	if err := c.archive.Ping(ctx); err != nil {
		return ComponentHealth{
			Status:   StatusDegraded,
			Message:  "history db ping failed",
			Duration: time.Since(start).String(),
		}
	}

	return ComponentHealth{
		Status:   StatusHealthy,
		Duration: time.Since(start).String(),
	}
}

// CheckWorker checks that the worker loop is alive.
func (c *Checker) CheckWorker(ctx context.Context) ComponentHealth {
	if c.workerRunning == nil {
		return ComponentHealth{
			Status:  StatusUnhealthy,
			Message: "worker not configured",
		}
	}
	if !c.workerRunning() {
		return ComponentHealth{
			Status:  StatusUnhealthy,
			Message: "worker not running",
		}
	}
	return ComponentHealth{Status: StatusHealthy}
}

// Check performs a basic health check (liveness)
func (c *Checker) Check(ctx context.Context) *HealthResponse {
	return &HealthResponse{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   c.version,
	}
}

// DeepCheck performs a comprehensive health check (readiness)
func (c *Checker) DeepCheck(ctx context.Context) *HealthResponse {
	response := &HealthResponse{
		Status:     StatusHealthy,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Version:    c.version,
		Components: make(map[string]ComponentHealth),
	}

	// Run checks in parallel
	var wg sync.WaitGroup
	var mu sync.Mutex

	checks := map[string]func(context.Context) ComponentHealth{
		"downloads_root": c.CheckRoot,
		"history":        c.CheckHistory,
		"worker":         c.CheckWorker,
	}

	for name, check := range checks {
		wg.Add(1)
		go func(n string, ch func(context.Context) ComponentHealth) {
			defer wg.Done()
			result := ch(ctx)
			mu.Lock()
			response.Components[n] = result
			mu.Unlock()
		}(name, check)
	}

	wg.Wait()

	for _, comp := range response.Components {
		if comp.Status == StatusUnhealthy {
			response.Status = StatusUnhealthy
			break
		} else if comp.Status == StatusDegraded && response.Status == StatusHealthy {
			response.Status = StatusDegraded
		}
	}

	return response
}

// Handler provides HTTP handlers for health endpoints
type Handler struct {
	checker *Checker
}

// NewHandler creates a new health handler
func NewHandler(checker *Checker) *Handler {
	return &Handler{checker: checker}
}

// LivenessHandler reports whether the process is alive.
func (h *Handler) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	response := h.checker.Check(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if response.Status != StatusHealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(response)
}

// ReadinessHandler reports whether the daemon can take traffic.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	response := h.checker.DeepCheck(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if response.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(response)
}

// HealthHandler serves /health; ?deep=true runs component checks.
func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("deep") == "true" {
		h.ReadinessHandler(w, r)
		return
	}
	h.LivenessHandler(w, r)
}
