package handlers

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"nestbox/internal/logging"
	"nestbox/internal/startup"
)

const (
	statusHealthy  = "healthy"
	statusDegraded = "degraded"
)

const pingTimeout = 2 * time.Second

// HealthResponse contains the health check response
type HealthResponse struct {
	Status   string `json:"status"`
	Ready    bool   `json:"ready"`
	Version  string `json:"version"`
	Uptime   string `json:"uptime"`
	Indexing bool   `json:"indexing"`
	Error    string `json:"error,omitempty"`

	// Job queue
	RunningJobs int `json:"running_jobs"`

	// System info
	GoVersion    string `json:"go_version"`
	NumCPU       int    `json:"num_cpu"`
	NumGoroutine int    `json:"num_goroutine"`

	// Index summary
	TotalFolders int `json:"total_folders"`
	TotalMedia   int `json:"total_media"`
	TotalOther   int `json:"total_other"`
}

// pingStores checks that both databases answer.
func (h *Handlers) pingStores(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := h.index.Ping(ctx); err != nil {
		return err
	}
	return h.users.Ping(ctx)
}

// HealthCheck returns the health status of the service
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	response := HealthResponse{
		Status:       statusHealthy,
		Ready:        true,
		Version:      startup.Version,
		Uptime:       time.Since(h.startTime).Round(time.Second).String(),
		RunningJobs:  len(h.queue.Active()),
		GoVersion:    runtime.Version(),
		NumCPU:       runtime.NumCPU(),
		NumGoroutine: runtime.NumGoroutine(),
	}

	if err := h.pingStores(ctx); err != nil {
		logging.Warn("Health check: store unreachable: %v", err)
		response.Status = statusDegraded
		response.Ready = false
		response.Error = err.Error()
	} else {
		if stats, err := h.index.CollectStats(ctx); err == nil {
			response.TotalFolders = stats.Folders
			response.TotalMedia = stats.Media
			response.TotalOther = stats.Other
		}
		if indexing, err := h.coordinator.IsActive(ctx); err == nil {
			response.Indexing = indexing
		}
	}

	code := http.StatusOK
	if !response.Ready {
		code = http.StatusServiceUnavailable
	}
	writeJSONCode(w, code, response)
}

// LivenessCheck is a simple liveness probe (always returns 200 if server is running)
func (h *Handlers) LivenessCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	// For HEAD requests, only send headers (no body)
	if r.Method != http.MethodHead {
		writeJSON(w, map[string]string{
			"status": "alive",
		})
	}
}

// ReadinessCheck returns 200 only when both stores answer
func (h *Handlers) ReadinessCheck(w http.ResponseWriter, r *http.Request) {
	if err := h.pingStores(r.Context()); err != nil {
		writeJSONCode(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
		})
		return
	}
	writeJSONStatus(w, "ready")
}
