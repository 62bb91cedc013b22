/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the cooperative dashboard
  5. Actor:      On /api writes, resolves the approver (actor.go)

ROUTE GROUPS:
  /api/farmers/{id}/credit/*  Credit profile, history and operations
  /api/settlements            Settlement feed for the payment side
  /api/reports/*              Reconciliation report
  /api/products               Agrovet catalog (sqlite only)
  /api/admin/*                Settlement sweeps and run log
  /api/scenarios/*            Demo scenarios (when enabled)
  /metrics                    Prometheus
  /healthz                    Store health

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/dairycoop/credit-engine/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions carries the server settings the router needs.
type RouterOptions struct {
	AllowedOrigins  []string
	Auth            *ActorAuth
	EnableScenarios bool
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	if opts.Auth == nil {
		opts.Auth = NewActorAuth("")
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Actor-ID"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Healthz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		// Reads
		r.Route("/farmers/{id}/credit", func(r chi.Router) {
			r.Get("/", h.GetCreditProfile)
			r.Get("/eligibility", h.GetEligibility)
			r.Get("/transactions", h.GetTransactions)

			// Writes
			r.Group(func(r chi.Router) {
				r.Use(opts.Auth.Middleware)
				r.Post("/grant", h.GrantCredit)
				r.Post("/purchases", h.UseCreditForPurchase)
				r.Post("/repayments", h.RecordRepayment)
				r.Put("/limit", h.AdjustCreditLimit)
				r.Post("/freeze", h.FreezeUnfreezeCredit)
				r.Post("/settlements", h.PerformMonthlySettlement)
			})
		})

		r.Get("/settlements", h.ListSettlements)
		r.Get("/reports/reconciliation", h.GetReconciliationReport)
		r.Get("/products", h.ListProducts)

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Use(opts.Auth.Middleware)
			r.Post("/settlements/run", h.RunSettlements)
			r.Get("/settlements/runs", h.ListSettlementRuns)
		})

		// Scenario routes
		if opts.EnableScenarios {
			r.Route("/scenarios", func(r chi.Router) {
				r.Get("/", h.ListScenarios)
				r.Get("/current", h.GetCurrentScenario)
				r.Post("/load", h.LoadScenario)
				r.Post("/reset", h.ResetDatabase)
			})
		}
	})

	return r
}
