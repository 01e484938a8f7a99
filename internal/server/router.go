package server

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"playback-engine/internal/platform/logger"
	"playback-engine/internal/platform/metrics"
)

// NewRouter mounts h with request logging and metrics. met may be nil, in
// which case /metrics is not served.
func NewRouter(h *Handler, log *slog.Logger, met *metrics.Metrics) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))

	if met != nil {
		r.Method(http.MethodGet, "/metrics", met.Handler(nil))
	}
	r.Get("/state", h.State)
	r.Get("/events", h.Events)
	r.Post("/play", h.Play)
	r.Post("/play-backwards", h.PlayBackwards)
	r.Post("/pause", h.Pause)
	r.Post("/advance", h.Advance)
	r.Post("/back", h.Back)
	r.Post("/frame/{frame}", h.GotoFrame)
	r.Post("/rate", h.SetRate)
	r.Post("/quality/{role}", h.SetQuality)
	return r
}
