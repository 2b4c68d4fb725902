package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	custommiddleware "github.com/mmeshcher/loyalty-engine/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса лояльности.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	if len(h.opts.CORSAllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: h.opts.CORSAllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type", "Content-Encoding", "X-Admin-Key"},
			MaxAge:         300,
		}))
	}
	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api/loyalty", func(r chi.Router) {
		r.Use(h.auth.Middleware)
		r.Use(h.limiter.Middleware)

		r.Post("/accounts", h.CreateAccount)
		r.Get("/accounts/{customerID}", h.GetAccount)
		r.Get("/accounts/{customerID}/available", h.GetAvailability)

		r.Post("/earn", h.Earn)
		r.Post("/redeem", h.Redeem)
		r.Get("/transactions", h.ListTransactions)

		r.Post("/calculate", h.Calculate)
		r.Post("/check-tier", h.CheckTier)
	})

	r.Route("/api/admin", func(r chi.Router) {
		r.Use(custommiddleware.AdminKey(h.opts.AdminKey))

		r.Post("/batch-post", h.BatchPost)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
