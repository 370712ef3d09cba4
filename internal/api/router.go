package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/daybook-io/daybook/internal/api/handlers"
	"github.com/daybook-io/daybook/internal/api/middleware"
	"github.com/daybook-io/daybook/internal/config"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	// Health & info
	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/events", func(r chi.Router) {
			r.Post("/", h.RouteEvent)
			r.Post("/force", h.ForceGenerate)
		})

		r.Route("/status", func(r chi.Router) {
			r.Get("/daily", h.DailyStatus)
			r.Get("/providers", h.ProviderStatus)
		})

		r.Route("/providers/{providerName}", func(r chi.Router) {
			r.Post("/enable", h.EnableProvider)
			r.Post("/disable", h.DisableProvider)
			r.Post("/default", h.SetDefaultProvider)
		})

		r.Post("/config/reload", h.ReloadConfig)

		r.Get("/entries", h.ListEntries)
		r.Get("/traces", h.ListTraces)
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "daybookd",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "daybookd",
		})
	}
}
