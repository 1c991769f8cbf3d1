package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// RegisterRoutes registers all admin API routes using chi router
func RegisterRoutes(mux *http.ServeMux, handlers *AdminHandlers, secret string) {
	r := chi.NewRouter()
	r.Use(AuthMiddleware(secret))

	r.Get("/status", handlers.handleStatus)

	r.Route("/observations", func(r chi.Router) {
		r.Get("/", handlers.handleListObservations)
		r.Get("/{id}", handlers.handleGetObservation)
		r.Post("/{id}/cancel", handlers.handleCancelObservation)
	})

	// Mount chi router under /admin
	mux.Handle("/admin", http.RedirectHandler("/admin/", http.StatusMovedPermanently))
	mux.Handle("/admin/", http.StripPrefix("/admin", r))

	log.Info().Msg("Admin endpoints enabled at /admin/*")
}
