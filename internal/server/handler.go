package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"playback-engine/internal/loop"
	"playback-engine/internal/media"
	"playback-engine/internal/platform/metrics"
	"playback-engine/internal/player"
)

// DefaultEventLimit is the number of events GET /events returns without ?limit.
const DefaultEventLimit = 50

// Handler exposes the transport HTTP endpoints using go-chi.
type Handler struct {
	svc     *Service
	events  *EventLog
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewHandler returns a Handler that uses the given Service, EventLog, Logger
// and optional Metrics. events may be nil when no event history is kept.
func NewHandler(svc *Service, events *EventLog, log *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{svc: svc, events: events, log: log, metrics: m}
}

type rateRequest struct {
	Rate float64 `json:"rate"`
}

type qualityRequest struct {
	Quality int `json:"quality"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type eventsResponse struct {
	Events []RecordedEvent             `json:"events"`
	Counts map[player.EventType]int64 `json:"counts"`
}

// State handles GET /state.
func (h *Handler) State(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.State(r.Context())
	if err != nil {
		h.fail(w, "state", err)
		return
	}
	if st == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Events handles GET /events?limit=N.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	limit := DefaultEventLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, eventsResponse{Events: h.events.Recent(limit), Counts: h.events.Counts()})
}

// Play handles POST /play.
func (h *Handler) Play(w http.ResponseWriter, r *http.Request) {
	h.command(w, r, "play", h.svc.Play)
}

// PlayBackwards handles POST /play-backwards.
func (h *Handler) PlayBackwards(w http.ResponseWriter, r *http.Request) {
	h.command(w, r, "play backwards", h.svc.PlayBackwards)
}

// Pause handles POST /pause.
func (h *Handler) Pause(w http.ResponseWriter, r *http.Request) {
	h.command(w, r, "pause", h.svc.Pause)
}

// Advance handles POST /advance.
func (h *Handler) Advance(w http.ResponseWriter, r *http.Request) {
	h.command(w, r, "advance", h.svc.Advance)
}

// Back handles POST /back.
func (h *Handler) Back(w http.ResponseWriter, r *http.Request) {
	h.command(w, r, "back", h.svc.Back)
}

// GotoFrame handles POST /frame/{frame}?hq=true.
func (h *Handler) GotoFrame(w http.ResponseWriter, r *http.Request) {
	frame, err := strconv.Atoi(chi.URLParam(r, "frame"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "frame must be an integer"})
		return
	}
	forceHQ := false
	if v := r.URL.Query().Get("hq"); v != "" {
		if forceHQ, err = strconv.ParseBool(v); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "hq must be a boolean"})
			return
		}
	}
	h.command(w, r, "goto frame", func(ctx context.Context) error {
		return h.svc.GotoFrame(ctx, frame, forceHQ)
	})
}

// SetRate handles POST /rate. Body: { "rate": 2 }.
func (h *Handler) SetRate(w http.ResponseWriter, r *http.Request) {
	var req rateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.log.Debug("invalid rate body", slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid body"})
		return
	}
	h.command(w, r, "set rate", func(ctx context.Context) error {
		return h.svc.SetRate(ctx, req.Rate)
	})
}

// SetQuality handles POST /quality/{role}. Body: { "quality": 1080 }.
func (h *Handler) SetQuality(w http.ResponseWriter, r *http.Request) {
	role, err := media.ParseRole(chi.URLParam(r, "role"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	var req qualityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Quality <= 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "quality must be a positive height"})
		return
	}
	h.command(w, r, "set quality", func(ctx context.Context) error {
		return h.svc.SetQuality(ctx, role, req.Quality)
	})
}

func (h *Handler) command(w http.ResponseWriter, r *http.Request, name string, fn func(context.Context) error) {
	if err := fn(r.Context()); err != nil {
		h.fail(w, name, err)
		return
	}
	h.log.Debug("command applied", slog.String("command", name))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) fail(w http.ResponseWriter, name string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("command failed", slog.String("command", name), slog.String("error", err.Error()))
	} else {
		h.log.Info("command rejected", slog.String("command", name), slog.String("error", err.Error()))
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// statusFor maps transport errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, player.ErrNotStopped),
		errors.Is(err, player.ErrRateNotBuffered),
		errors.Is(err, player.ErrEndOfMedia):
		return http.StatusConflict
	case errors.Is(err, player.ErrInvalidRate),
		errors.Is(err, media.ErrNoVariants):
		return http.StatusBadRequest
	case errors.Is(err, player.ErrClosed),
		errors.Is(err, loop.ErrStopped),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
