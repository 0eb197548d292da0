package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"companion.chat/relay/internal/logging"
	"companion.chat/relay/internal/metrics"
)

type RouterOptions struct {
	Logger         *logging.Logger
	Metrics        *metrics.Metrics
	AllowedOrigins []string
	// StaticDir holds the front-end; empty disables static serving.
	StaticDir string
}

func NewRouter(apiHandler *APIHandler, opts RouterOptions) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger(opts.Logger))
	if opts.Metrics != nil {
		r.Use(opts.Metrics.Middleware)
	}
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", apiHandler.HealthHandler)

		r.Post("/user/register", apiHandler.RegisterHandler)
		r.Post("/user/preferences", apiHandler.PreferencesHandler)
		r.Get("/user/{userID}", apiHandler.GetUserHandler)

		r.Get("/messages/{userID}", apiHandler.GetMessagesHandler)
		r.Post("/chat", apiHandler.ChatHandler)
	})

	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics.Handler())
	}

	if opts.StaticDir != "" {
		// FileServer answers "/" with index.html.
		r.Handle("/*", http.FileServer(http.Dir(opts.StaticDir)))
	}

	return r
}
