package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/sessionvault/sessionvault/internal/ratelimit"
)

// SetupRoutes configures all HTTP routes.
func (h *Handler) SetupRoutes(hub *Hub, limiter *ratelimit.Limiter, requestsPerHour int) *mux.Router {
	r := mux.NewRouter()

	api := r.PathPrefix("/v1").Subrouter()

	// Mutating session endpoints go through the rate limiter.
	limited := api.PathPrefix("").Subrouter()
	limited.Use(RateLimitMiddleware(limiter, requestsPerHour))

	limited.HandleFunc("/sessions", h.CreateSession).Methods("POST")
	limited.HandleFunc("/sessions/{id}", h.DeleteSession).Methods("DELETE")
	limited.HandleFunc("/sessions/{id}/name", h.RenameSession).Methods("PUT")
	limited.HandleFunc("/sessions/{id}/color", h.SetColor).Methods("PUT")
	limited.HandleFunc("/sessions/{id}/reopen", h.ReopenSession).Methods("POST")

	// Query endpoints used by the UI and credential-injection collaborators;
	// resolve in particular is polled per exchange and stays unlimited.
	api.HandleFunc("/sessions", h.ListSessions).Methods("GET")
	api.HandleFunc("/sessions/{id}", h.GetSession).Methods("GET")
	api.HandleFunc("/contexts/{id}/session", h.ResolveContext).Methods("GET")

	// Credential store, scoped strictly to one session.
	api.HandleFunc("/sessions/{id}/credentials", h.GetCredential).Methods("GET")
	api.HandleFunc("/sessions/{id}/credentials", h.SetCredential).Methods("PUT")
	api.HandleFunc("/sessions/{id}/credentials", h.ClearCredentials).Methods("DELETE")

	// Session change feed for UI collaborators.
	api.HandleFunc("/events", hub.HandleEvents).Methods("GET")

	r.Use(corsMiddleware)

	return r
}

// corsMiddleware adds CORS headers.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Client-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
