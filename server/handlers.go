package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// entityTypes is the allowlist of syncable collections.
var entityTypes = map[string]bool{
	"sessions":  true,
	"coaches":   true,
	"templates": true,
}

// Handlers serves the sync contract endpoints.
type Handlers struct {
	storage *Storage
	logger  *slog.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(storage *Storage, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{storage: storage, logger: logger}
}

type pushBody struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

type pushResponse struct {
	ID        string    `json:"id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// decodePush parses and validates a create/update body. Payloads are opaque
// to the engine but must at least be valid JSON objects at this boundary.
func decodePush(r *http.Request) (pushBody, string, bool) {
	var body pushBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return body, "failed to parse request body", false
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body.Payload, &obj); err != nil {
		return body, "payload must be a JSON object", false
	}
	return body, "", true
}

// HandleCreate handles POST /api/{entityType}. The id is client-generated
// and rides in the body; creating an id that already exists is a conflict.
func (h *Handlers) HandleCreate(w http.ResponseWriter, r *http.Request) {
	entityType := chi.URLParam(r, "entityType")
	body, msg, ok := decodePush(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", msg)
		return
	}
	if body.ID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "id is required")
		return
	}

	updatedAt, err := h.storage.Insert(r.Context(), entityType, body.ID, body.Payload)
	if err != nil {
		if errors.Is(err, ErrExists) {
			writeError(w, http.StatusConflict, "already_exists", err.Error())
			return
		}
		h.logger.Error("create failed", "table", entityType, "pk", body.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "create_failed", "failed to store record")
		return
	}
	writeJSON(w, http.StatusCreated, pushResponse{ID: body.ID, UpdatedAt: updatedAt})
}

// HandleUpdate handles PUT /api/{entityType}/{id}.
func (h *Handlers) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	entityType := chi.URLParam(r, "entityType")
	id := chi.URLParam(r, "id")
	body, msg, ok := decodePush(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", msg)
		return
	}

	updatedAt, err := h.storage.Update(r.Context(), entityType, id, body.Payload)
	if err != nil {
		if errors.Is(err, ErrMissing) {
			writeError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		h.logger.Error("update failed", "table", entityType, "pk", id, "error", err)
		writeError(w, http.StatusInternalServerError, "update_failed", "failed to store record")
		return
	}
	writeJSON(w, http.StatusOK, pushResponse{ID: id, UpdatedAt: updatedAt})
}

// HandleDelete handles DELETE /api/{entityType}/{id}.
func (h *Handlers) HandleDelete(w http.ResponseWriter, r *http.Request) {
	entityType := chi.URLParam(r, "entityType")
	id := chi.URLParam(r, "id")

	if err := h.storage.Delete(r.Context(), entityType, id); err != nil {
		if errors.Is(err, ErrMissing) {
			writeError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		h.logger.Error("delete failed", "table", entityType, "pk", id, "error", err)
		writeError(w, http.StatusInternalServerError, "delete_failed", "failed to delete record")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// HandleList handles GET /api/{entityType}.
func (h *Handlers) HandleList(w http.ResponseWriter, r *http.Request) {
	entityType := chi.URLParam(r, "entityType")

	records, err := h.storage.List(r.Context(), entityType)
	if err != nil {
		h.logger.Error("list failed", "table", entityType, "error", err)
		writeError(w, http.StatusInternalServerError, "list_failed", "failed to list records")
		return
	}
	if records == nil {
		records = []Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

// requireEntityType rejects collections outside the allowlist before the
// handlers run.
func requireEntityType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !entityTypes[chi.URLParam(r, "entityType")] {
			writeError(w, http.StatusBadRequest, "unknown_entity_type", "unknown entity type")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}
