package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/prosearch/internal/db"
	"github.com/Kocoro-lab/prosearch/internal/planner"
	"github.com/Kocoro-lab/prosearch/internal/research"
	"github.com/Kocoro-lab/prosearch/internal/streaming"
)

const (
	maxRequestBody = 1 << 20
	archiveTimeout = 5 * time.Second
)

// ArchiveReader looks up finished sessions that are no longer held in memory.
type ArchiveReader interface {
	Get(ctx context.Context, id string) (db.SessionRecord, error)
	Recent(ctx context.Context, limit int) ([]db.SessionRecord, error)
}

// Handler serves the research REST API and its event streams.
type Handler struct {
	svc     *research.Service
	events  *streaming.Manager
	archive ArchiveReader
	logger  *zap.Logger
}

// NewHandler creates a handler. archive may be nil.
func NewHandler(svc *research.Service, events *streaming.Manager, archive ArchiveReader, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		svc:     svc,
		events:  events,
		archive: archive,
		logger:  logger.With(zap.String("component", "httpapi")),
	}
}

// RegisterRoutes registers the API on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /research", h.handleSubmit)
	mux.HandleFunc("GET /research", h.handleList)
	mux.HandleFunc("GET /research/history", h.handleHistory)
	mux.HandleFunc("GET /research/{id}", h.handleGet)
	mux.HandleFunc("POST /research/{id}/cancel", h.handleCancel)
	mux.HandleFunc("DELETE /research/{id}", h.handleCancel)
	mux.HandleFunc("GET /research/{id}/events", h.handleSessionSSE)
	mux.HandleFunc("GET /research/{id}/ws", h.handleSessionWS)
	mux.HandleFunc("GET /tunnel/events", h.handleTunnelSSE)
}

type submitResponse struct {
	SessionID string `json:"session_id"`
	Effort    string `json:"effort"`
	MaxLoops  int    `json:"max_loops"`
	EventsURL string `json:"events_url"`
}

// handleSubmit: POST /research {"query": "...", "effort": "low|medium|high"}
func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req research.Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s, err := h.svc.Submit(req)
	switch {
	case err == nil:
	case errors.Is(err, research.ErrEmptyQuery), errors.Is(err, planner.ErrUnknownEffort):
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, research.ErrShuttingDown):
		h.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	default:
		h.logger.Error("Submit failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.Header().Set("Location", "/research/"+s.ID)
	h.writeJSON(w, http.StatusAccepted, submitResponse{
		SessionID: s.ID,
		Effort:    string(s.Effort),
		MaxLoops:  s.Budget.MaxLoops,
		EventsURL: "/research/" + s.ID + "/events",
	})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": h.svc.List()})
}

// handleHistory: GET /research/history?limit=20
func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		h.writeError(w, http.StatusNotFound, "session archive disabled")
		return
	}
	limit := 20
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			h.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	ctx, cancel := context.WithTimeout(r.Context(), archiveTimeout)
	defer cancel()
	records, err := h.archive.Recent(ctx, limit)
	if err != nil {
		h.logger.Error("Archive listing failed", zap.Error(err))
		h.writeError(w, http.StatusBadGateway, "session archive unavailable")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": records})
}

// handleGet returns the live session, falling back to the archive.
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	view, err := h.svc.Get(id)
	if err == nil {
		h.writeJSON(w, http.StatusOK, view)
		return
	}
	record, ok, err := h.lookupArchive(r.Context(), id)
	if err != nil {
		h.writeError(w, http.StatusBadGateway, "session archive unavailable")
		return
	}
	if !ok {
		h.writeError(w, http.StatusNotFound, research.ErrSessionNotFound.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, record)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.svc.Cancel(id); err != nil {
		if errors.Is(err, research.ErrSessionNotFound) {
			h.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		h.logger.Error("Cancel failed", zap.String("session_id", id), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	view, _ := h.svc.Get(id)
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": id,
		"state":      view.State,
	})
}

func (h *Handler) lookupArchive(ctx context.Context, id string) (db.SessionRecord, bool, error) {
	if h.archive == nil {
		return db.SessionRecord{}, false, nil
	}
	ctx, cancel := context.WithTimeout(ctx, archiveTimeout)
	defer cancel()
	record, err := h.archive.Get(ctx, id)
	if errors.Is(err, db.ErrNotArchived) {
		return db.SessionRecord{}, false, nil
	}
	if err != nil {
		h.logger.Warn("Archive lookup failed", zap.String("session_id", id), zap.Error(err))
		return db.SessionRecord{}, false, err
	}
	return record, true, nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, code int, msg string) {
	h.writeJSON(w, code, map[string]string{"error": msg})
}
