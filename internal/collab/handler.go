package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"labelroom/internal/collab/service"
	"labelroom/pkg/logger"
	"labelroom/store"
)

// ArchiveLister reads archived session metadata.
type ArchiveLister interface {
	ListByDataset(ctx context.Context, datasetID string) ([]store.Record, error)
}

// CollabHandler serves the read-only status surface over the session
// registry.
type CollabHandler struct {
	Service *service.SessionManager
	Archive ArchiveLister
}

func NewCollabHandler(svc *service.SessionManager, archive ArchiveLister) *CollabHandler {
	return &CollabHandler{Service: svc, Archive: archive}
}

func (h *CollabHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	summary, err := h.Service.Summary(id)
	if errors.Is(err, service.ErrSessionNotFound) {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	if err != nil {
		logger.Sugar.Errorf("Handler: Failed to get session %s: %v", id, err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *CollabHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": h.Service.List()})
}

func (h *CollabHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Service.Health())
}

func (h *CollabHandler) ListArchive(w http.ResponseWriter, r *http.Request) {
	if h.Archive == nil {
		http.Error(w, "Archive is not configured", http.StatusServiceUnavailable)
		return
	}
	datasetID := r.URL.Query().Get("dataset_id")
	if datasetID == "" {
		http.Error(w, "Missing dataset_id parameter", http.StatusBadRequest)
		return
	}
	records, err := h.Archive.ListByDataset(r.Context(), datasetID)
	if err != nil {
		http.Error(w, "Failed to list archive", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []store.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": records})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Sugar.Errorf("Handler: Failed to encode response: %v", err)
	}
}
