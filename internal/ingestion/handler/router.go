package handler

import (
	"net/http"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/pkg/middleware"
	"github.com/go-chi/chi/v5"
)

// RouterConfig carries the optional pieces of the router. Nil Metrics or
// Health and a zero Timeout switch the corresponding feature off.
type RouterConfig struct {
	Timeout time.Duration
	Metrics *metrics.Metrics
	Health  *health.Checker
}

func NewRouter(h *Handler, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if cfg.Metrics != nil {
		r.Use(middleware.Metrics(cfg.Metrics))
	}

	if cfg.Health != nil {
		r.Get("/health/live", cfg.Health.LiveHandler())
		r.Get("/health/ready", cfg.Health.ReadyHandler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.Timeout > 0 {
			r.Use(middleware.Timeout(cfg.Timeout))
		}
		r.Route("/stages", func(r chi.Router) {
			r.Post("/start", h.Start)
			r.Post("/extract-sheet", h.ExtractSheet)
			r.Post("/launch-ocr", h.LaunchOCR)
			r.Post("/retrieve-ocr", h.RetrieveOCR)
		})
		r.Route("/records/{recordID}", func(r chi.Router) {
			r.Get("/", h.GetRecord)
			r.Post("/cancel", h.Cancel)
			r.Post("/process", h.Process)
		})
	})
	return r
}
