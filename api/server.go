/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address from proxy headers
  3. Logger:     zap request logging (see logging.RequestLogger)
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for browser tools

ROUTE GROUPS:
  /api/customers/*      Chains, creation, active lookup
  /api/commitments/*    Versions and purchases
  /api/admin/verify     Integrity report (when a verifier is configured)
  /healthz              Liveness

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/warp/commitment-engine/logging"
)

// NewRouter creates a new router with all routes configured.
// An empty origins list allows every origin.
func NewRouter(h *Handler, logger *zap.Logger, origins []string) *chi.Mux {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Versions-Updated"},
		MaxAge:         300,
	}))

	r.Get("/healthz", h.Healthz)

	r.Route("/api", func(r chi.Router) {
		r.Route("/customers", func(r chi.Router) {
			r.Get("/", h.ListCustomers)
			r.Get("/{customerID}", h.GetCustomer)
			r.Post("/{customerID}/commitments", h.CreateCommitment)
			r.Get("/{customerID}/active", h.GetActiveCommitment)
		})

		r.Route("/commitments", func(r chi.Router) {
			r.Post("/active", h.BulkActive)
			r.Get("/{id}", h.GetCommitment)
			r.Post("/{id}/purchases", h.AddPurchase)
			r.Delete("/{id}/purchases/{purchaseID}", h.RemovePurchase)
		})

		if h.Verifier != nil {
			r.Route("/admin", func(r chi.Router) {
				r.Get("/verify", h.Verifier.GetLastRun)
				r.Post("/verify", h.Verifier.TriggerRun)
			})
		}
	})

	return r
}
