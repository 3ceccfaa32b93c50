package handlers

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"nestbox/internal/jobs"
)

// GetJob returns the state of a background job.
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	st, err := h.queue.Get(mux.Vars(r)["id"])
	if errors.Is(err, jobs.ErrJobNotFound) {
		writeJSONError(w, "Job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSONCode(w, http.StatusOK, st)
}
