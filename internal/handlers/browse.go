package handlers

import (
	"net/http"
	"net/url"

	"github.com/gorilla/mux"

	"nestbox/internal/database"
	"nestbox/internal/logging"
)

// BrowseResponse is one page of a folder plus the indexing flag the UI uses
// to warn that the listing may be incomplete.
type BrowseResponse struct {
	*database.Listing
	IsIndexing bool `json:"is_indexing"`
}

// Browse lists a folder from the index in the files or gallery view.
func (h *Handlers) Browse(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	view := database.View(mux.Vars(r)["view"])
	if !view.Valid() {
		writeJSONError(w, "Invalid view mode: "+string(view), http.StatusNotFound)
		return
	}

	path := r.URL.Query().Get("path")
	if unescaped, err := url.QueryUnescape(path); err == nil {
		path = unescaped
	}
	if path == "" {
		writeJSONError(w, "Missing path", http.StatusBadRequest)
		return
	}

	listing, err := h.index.Browse(ctx, database.BrowseOptions{
		Path: path,
		View: view,
		Page: queryInt(r, "page", 1),
	})
	if err != nil {
		logging.Error("Failed to browse %s: %v", path, err)
		writeJSONError(w, "Failed to list directory", http.StatusInternalServerError)
		return
	}

	indexing, err := h.coordinator.IsActive(ctx)
	if err != nil {
		logging.Warn("Failed to read indexing status: %v", err)
	}

	w.Header().Set("Cache-Control", "no-cache")
	writeJSONCode(w, http.StatusOK, BrowseResponse{Listing: listing, IsIndexing: indexing})
}
