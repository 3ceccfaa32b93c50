package handlers

import (
	"github.com/gorilla/mux"

	"nestbox/internal/middleware"
)

// Routes registers the API on r. Everything under /api except the auth
// entry points requires a session.
func (h *Handlers) Routes(r *mux.Router) {
	r.HandleFunc("/health", h.HealthCheck).Methods("GET")
	r.HandleFunc("/healthz", h.HealthCheck).Methods("GET")
	r.HandleFunc("/livez", h.LivenessCheck).Methods("GET", "HEAD")
	r.HandleFunc("/readyz", h.ReadinessCheck).Methods("GET")
	r.HandleFunc("/version", h.GetVersion).Methods("GET")

	auth := r.PathPrefix("/api/auth").Subrouter()
	auth.HandleFunc("/register", h.Register).Methods("POST")
	auth.HandleFunc("/login", h.Login).Methods("POST")
	auth.HandleFunc("/logout", h.Logout).Methods("POST")

	session := auth.NewRoute().Subrouter()
	session.Use(middleware.RequireSession(h.users))
	session.HandleFunc("/check", h.CheckAuth).Methods("GET")
	session.HandleFunc("/password", h.ChangePassword).Methods("POST")

	api := r.PathPrefix("/api").Subrouter()
	api.Use(middleware.RequireSession(h.users))

	api.HandleFunc("/upload", h.UploadChunk).Methods("POST")
	api.HandleFunc("/upload/status", h.UploadStatus).Methods("GET")
	api.HandleFunc("/upload/checkpoint", h.UploadCheckpoint).Methods("POST")

	api.HandleFunc("/drive/index/{path:.*}", h.TriggerDriveIndex).Methods("POST")
	api.HandleFunc("/indexing", h.IndexingStatus).Methods("GET")
	api.HandleFunc("/browse/{view}", h.Browse).Methods("GET")
	api.HandleFunc("/jobs/{id}", h.GetJob).Methods("GET")
}
