package session

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Handler exposes the session HTTP endpoints using go-chi.
type Handler struct {
	mgr *Manager
	hub *Hub
	log *slog.Logger
}

// NewHandler returns a Handler. hub may be nil, which disables the events
// endpoint.
func NewHandler(mgr *Manager, hub *Hub, log *slog.Logger) *Handler {
	return &Handler{mgr: mgr, hub: hub, log: log}
}

// Routes mounts the session endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", h.Create)
		r.Get("/", h.List)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.Get)
			r.Delete("/", h.Delete)
			r.Post("/seek", h.Seek)
			r.Get("/events", h.Events)
		})
	})
}

type createResponse struct {
	ID ID `json:"id"`
}

type seekRequest struct {
	Position *float64 `json:"position"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Create handles POST /sessions.
// Body: { "url": "http://origin/demo_dashinit.mp4", "segment_size": 1048576 }.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.log.Debug("invalid session body", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}

	snap, err := h.mgr.Start(r.Context(), req)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createResponse{ID: snap.ID})
}

// List handles GET /sessions.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	snaps, err := h.mgr.List(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	if snaps == nil {
		snaps = []Snapshot{}
	}
	writeJSON(w, http.StatusOK, snaps)
}

// Get handles GET /sessions/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	snap, err := h.mgr.Get(r.Context(), ID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// Delete handles DELETE /sessions/{id}.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	id := ID(chi.URLParam(r, "id"))
	if err := h.mgr.Stop(r.Context(), id); err != nil {
		h.fail(w, err)
		return
	}
	h.log.Info("session stopped", slog.String("session_id", string(id)))
	w.WriteHeader(http.StatusNoContent)
}

// Seek handles POST /sessions/{id}/seek. Body: { "position": 12.5 }.
func (h *Handler) Seek(w http.ResponseWriter, r *http.Request) {
	var req seekRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Position == nil {
		writeError(w, http.StatusBadRequest, "body must be {\"position\": seconds}")
		return
	}
	if err := h.mgr.Seek(r.Context(), ID(chi.URLParam(r, "id")), *req.Position); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// Events handles GET /sessions/{id}/events as a websocket of snapshots.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	snap, err := h.mgr.Get(r.Context(), ID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, err)
		return
	}
	h.hub.Serve(w, r, snap)
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotActive):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrShutdown):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.log.Error("session request failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
