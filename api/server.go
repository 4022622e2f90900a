/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the client app

ROUTE GROUPS:
  /api/users/*    Wallet, rewards, tasks, purchases
  /api/events     Earn event ingestion
  /api/shop/*     Catalog
  /api/admin/*    Grants, revokes, audits
  /healthz        Liveness probe

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/users/{id}", func(r chi.Router) {
			r.Get("/balance", h.GetBalance)
			r.Get("/transactions", h.GetTransactions)
			r.Post("/daily-login", h.ClaimDailyLogin)
			r.Get("/tasks", h.ListTasks)
			r.Post("/tasks/{task}/claim", h.ClaimTask)
			r.Post("/purchases", h.Purchase)
		})

		r.Post("/events", h.IngestEvent)

		r.Route("/shop", func(r chi.Router) {
			r.Get("/items", h.ListItems)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/grants", h.Grant)
			r.Post("/revokes", h.Revoke)
			r.Get("/users/{id}/audits", h.GetAudits)
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return r
}
