package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"querydesk/internal/domain"
	"querydesk/internal/middleware"
)

// RouterConfig carries everything NewRouter needs.
type RouterConfig struct {
	Handler        *Handler
	Auth           func(http.Handler) http.Handler
	RateLimiter    *middleware.IPRateLimiter // optional
	AllowedOrigins []string
	OpenAPI        []byte // pre-rendered /openapi.json body; optional
	Logger         *slog.Logger
}

// NewRouter builds the HTTP surface. The download route is public; the token
// in its query string is the credential.
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.AccessLog(logger.With("component", "http")))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-ID"},
		ExposedHeaders:   []string{"Content-Disposition", "Retry-After", "X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	if cfg.RateLimiter != nil {
		r.Use(cfg.RateLimiter.Middleware)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())
	if cfg.OpenAPI != nil {
		r.Get("/openapi.json", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write(cfg.OpenAPI)
		})
	}

	h := cfg.Handler
	r.Route("/run", func(r chi.Router) {
		r.Get("/results/{queryId}/download", h.Download)

		r.Group(func(r chi.Router) {
			if cfg.Auth != nil {
				r.Use(cfg.Auth)
			}
			r.Get("/policy", h.GetPolicy)
			r.Post("/execute", h.Execute)
			r.Post("/results/{queryId}/tokens", h.IssueToken)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		h.fail(w, r, domain.ErrNotFound("no route for %s %s", r.Method, r.URL.Path))
	})
	return r
}
