package handlers

import (
	"errors"
	"net/http"
	"net/url"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/gorilla/mux"

	"nestbox/internal/coordinator"
	"nestbox/internal/jobs"
	"nestbox/internal/logging"
)

// drivePath turns the {path} route variable into a filesystem path. Routers
// drop the leading slash of unix paths, so it is put back.
func drivePath(raw string) string {
	if unescaped, err := url.PathUnescape(raw); err == nil {
		raw = unescaped
	}
	if runtime.GOOS != "windows" && !strings.HasPrefix(raw, "/") {
		raw = "/" + raw
	}
	return raw
}

// TriggerDriveIndex starts a full scan of the drive in the URL.
func (h *Handlers) TriggerDriveIndex(w http.ResponseWriter, r *http.Request) {
	path := drivePath(mux.Vars(r)["path"])

	jobID, err := h.coordinator.StartScan(r.Context(), path)
	switch {
	case errors.Is(err, coordinator.ErrScanInProgress):
		writeJSONCode(w, http.StatusConflict, map[string]string{
			"status":  "warning",
			"message": "Drive is being synced in the background. Please try again later.",
		})
		return
	case errors.Is(err, coordinator.ErrInvalidPath):
		writeJSONCode(w, http.StatusBadRequest, map[string]string{
			"status":  "error",
			"message": "Drive not found: " + path,
		})
		return
	case errors.Is(err, jobs.ErrClosed), errors.Is(err, jobs.ErrQueueFull), errors.Is(err, jobs.ErrUnknownJob):
		writeJSONCode(w, http.StatusServiceUnavailable, map[string]string{
			"status":  "error",
			"message": "Failed to queue task on worker.",
		})
		return
	case err != nil:
		logging.Error("[INDEX] Failed to start scan of %s: %v", path, err)
		writeJSONCode(w, http.StatusInternalServerError, map[string]string{
			"status":  "error",
			"message": "Failed to start indexing.",
		})
		return
	}

	writeJSONCode(w, http.StatusAccepted, map[string]string{
		"status": "started",
		"path":   filepath.Clean(path),
		"job_id": jobID,
	})
}

// IndexingStatusResponse is the body of GET /api/indexing.
type IndexingStatusResponse struct {
	OK bool `json:"ok"`
	*coordinator.Status
}

// IndexingStatus reports whether a scan or any indexing job is running.
func (h *Handlers) IndexingStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.coordinator.Status(r.Context())
	if err != nil {
		logging.Error("Failed to check indexing status: %v", err)
		writeJSONCode(w, http.StatusInternalServerError, map[string]interface{}{
			"ok":    false,
			"error": err.Error(),
		})
		return
	}
	writeJSONCode(w, http.StatusOK, IndexingStatusResponse{OK: true, Status: st})
}
