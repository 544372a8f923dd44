package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/sessionvault/sessionvault/internal/logging"
	"github.com/sessionvault/sessionvault/internal/service"
	"github.com/sessionvault/sessionvault/pkg/models"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	manager *service.Manager
	log     *logging.Logger
}

// NewHandler creates a new HTTP handler.
func NewHandler(manager *service.Manager, log *logging.Logger) *Handler {
	return &Handler{manager: manager, log: log}
}

// CreateSession handles POST /v1/sessions.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		models.CreateSessionRequest
		Open bool `json:"open,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Tier == "" {
		req.Tier = models.TierFree
	}
	if !req.Tier.Valid() {
		http.Error(w, "unknown tier: "+string(req.Tier), http.StatusBadRequest)
		return
	}

	session, err := h.manager.CreateSession(r.Context(), req.Tier, req.Color, req.Open)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

// GetSession handles GET /v1/sessions/{id}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.manager.GetSession(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// ListSessions handles GET /v1/sessions.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	status := models.SessionStatus(r.URL.Query().Get("status"))
	writeJSON(w, http.StatusOK, h.manager.ListSessions(status))
}

// DeleteSession handles DELETE /v1/sessions/{id}.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.DeleteSession(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RenameSession handles PUT /v1/sessions/{id}/name.
func (h *Handler) RenameSession(w http.ResponseWriter, r *http.Request) {
	var req models.RenameSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	id := mux.Vars(r)["id"]
	if err := h.manager.RenameSession(r.Context(), id, req.Name); err != nil {
		writeError(w, err)
		return
	}

	session, err := h.manager.GetSession(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// SetColor handles PUT /v1/sessions/{id}/color.
func (h *Handler) SetColor(w http.ResponseWriter, r *http.Request) {
	var req models.SetColorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	id := mux.Vars(r)["id"]
	if err := h.manager.SetColor(r.Context(), id, req.Color); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ReopenSession handles POST /v1/sessions/{id}/reopen.
func (h *Handler) ReopenSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	contextID, err := h.manager.ReopenDormant(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.ReopenResponse{SessionID: id, ContextID: contextID})
}

// ResolveContext handles GET /v1/contexts/{id}/session. The credential
// injection collaborator calls this before deciding which overlay to apply.
func (h *Handler) ResolveContext(w http.ResponseWriter, r *http.Request) {
	contextID := mux.Vars(r)["id"]

	sessionID, ok := h.manager.ResolveSessionForContext(contextID)
	if !ok {
		writeError(w, models.ErrContextNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"contextId": contextID,
		"sessionId": sessionID,
	})
}

// GetCredential handles GET /v1/sessions/{id}/credentials?origin=&key=.
func (h *Handler) GetCredential(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	origin := r.URL.Query().Get("origin")
	key := r.URL.Query().Get("key")
	if origin == "" || key == "" {
		http.Error(w, "origin and key are required", http.StatusBadRequest)
		return
	}

	value, ok, err := h.manager.Credential(id, origin, key)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		http.Error(w, "credential not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"origin": origin,
		"key":    key,
		"value":  value,
	})
}

// SetCredential handles PUT /v1/sessions/{id}/credentials.
func (h *Handler) SetCredential(w http.ResponseWriter, r *http.Request) {
	var req models.SetCredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Origin == "" || req.Key == "" {
		http.Error(w, "origin and key are required", http.StatusBadRequest)
		return
	}

	id := mux.Vars(r)["id"]
	if err := h.manager.SetCredential(r.Context(), id, req.Origin, req.Key, req.Value); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ClearCredentials handles DELETE /v1/sessions/{id}/credentials.
func (h *Handler) ClearCredentials(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.ClearCredentials(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the subsystem's error taxonomy to HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrInvalidName):
		status = http.StatusBadRequest
	case errors.Is(err, models.ErrDuplicateName), errors.Is(err, models.ErrAlreadyActive):
		status = http.StatusConflict
	case errors.Is(err, models.ErrTierForbidden):
		status = http.StatusForbidden
	case errors.Is(err, models.ErrSessionNotFound), errors.Is(err, models.ErrContextNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
