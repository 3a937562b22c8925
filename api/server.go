/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     zap access log carrying the request id
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the back-office UI

ROUTE GROUPS:
  /api/catalog          Catalogue import
  /api/orders/*         Orders, order-items, cancellation
  /api/order-items/*    Issuance re-run
  /api/appointments     Scheduling stand-in
  /api/credits/*        Credit rows, balances, reconciliation
  /api/customers/*      Per-customer balances and orphans
  /api/orphans          Orphan listing
  /api/scenarios/*      Demo scenarios and reset (dev only)
  /metrics              Prometheus scrape endpoint
  /healthz              Liveness

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
	"go.uber.org/zap"

	"github.com/kiteflow/credit-engine/logger"
)

// RouterConfig carries the settings NewRouter needs beyond the handler.
type RouterConfig struct {
	AllowedOrigins []string
	Log            *zap.Logger

	// Metrics is mounted at /metrics when non-nil (promhttp.Handler()).
	Metrics http.Handler
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(logger.Middleware(log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/catalog", h.ImportCatalog)

		r.Route("/orders", func(r chi.Router) {
			r.Post("/", h.CreateOrder)
			r.Get("/{id}/credits", h.GetOrderCredits)
			r.Post("/{id}/items", h.AddOrderItem)
			r.Post("/{id}/cancel", h.CancelOrder)
		})

		r.Post("/order-items/{id}/issue", h.IssueOrderItem)
		r.Post("/appointments", h.CreateAppointment)

		r.Route("/credits", func(r chi.Router) {
			r.Get("/{id}", h.GetCredit)
			r.Get("/{id}/balance", h.GetBalance)
			r.Post("/{id}/reconcile", h.ReconcileCredit)
		})

		r.Route("/customers", func(r chi.Router) {
			r.Get("/{id}/balances", h.GetCustomerBalances)
			r.Get("/{id}/orphans", h.GetCustomerOrphans)
		})

		r.Get("/orphans", h.ListOrphans)

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	return r
}
