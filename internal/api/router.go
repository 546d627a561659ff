package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/rpattn/snaptrack/internal/middleware"
	"github.com/rpattn/snaptrack/internal/tracker"
)

// Options wires the optional parts of the router.
type Options struct {
	// Upload handles POST /domains/{domain}/runs.
	Upload http.Handler
	// Export handles GET /domains/{domain}/export.
	Export         http.Handler
	Registry       *prometheus.Registry
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewRouter builds the HTTP surface over the tracker.
func NewRouter(service *tracker.Service, opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{service: service, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.LoggingMiddleware(logger))
	r.Use(cors.New(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
	}).Handler)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if opts.Registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Registry, promhttp.HandlerOpts{Registry: opts.Registry}))
	}

	r.Route("/domains", func(r chi.Router) {
		r.Get("/", h.ListDomains)
		r.Route("/{domain}", func(r chi.Router) {
			r.Use(middleware.DataLoaderMiddleware(service))
			r.Get("/", h.GetDomain)
			r.Get("/current", h.GetCurrent)
			r.Get("/removed", h.GetRemoved)
			r.Get("/summary", h.GetSummary)
			r.Get("/history", h.GetHistory)
			r.Get("/latest", h.GetLatestChanges)
			r.Post("/rebuild-index", h.RebuildIndex)
			if opts.Upload != nil {
				r.Method(http.MethodPost, "/runs", opts.Upload)
			}
			if opts.Export != nil {
				r.Method(http.MethodGet, "/export", opts.Export)
			}
		})
	})
	return r
}
