package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/issuewatch/issuewatch-api/internal/api"
	apiMiddleware "github.com/issuewatch/issuewatch-api/internal/api/middleware"
)

// setupRouter creates and configures the application router with all
// routes and middleware.
func (app *application) setupRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(apiMiddleware.TraceMiddleware)

	reportHandler := api.NewReportHandler(app.reportService, app.logger)

	r.Route("/api", func(r chi.Router) {
		// Identity headers are set by the fronting gateway after it
		// authenticates the caller.
		r.Use(apiMiddleware.IdentityMiddleware)
		reportHandler.RegisterRoutes(r)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			app.logger.Error("Failed to write health check response", "error", err)
		}
	})

	return r
}
