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
  4. CORS:       Cross-origin requests for the operator dashboard

ROUTE GROUPS:
  /api/institutions/*    Institution directory (read-only)
  /api/premiums/*        Premium calculation and overrides
  /api/invoices/*        Invoice lifecycle
  /api/penalties/*       Penalty operations
  /api/payments/*        Payment ingestion
  /api/reconciliations/* Manual reconcile and dispute workflow
  /api/scenarios/*       Demo scenario loaders (development only)
  /api/admin/*           Sweeps, posting retries, audit
  /metrics               Prometheus scrape endpoint
  /healthz               Liveness probe

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
	"github.com/prometheus/client_golang/prometheus/promhttp"
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
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Institution directory
		r.Route("/institutions", func(r chi.Router) {
			r.Get("/", h.ListInstitutions)
			r.Get("/{id}", h.GetInstitution)
		})

		// Premium calculation
		r.Route("/premiums", func(r chi.Router) {
			r.Post("/calculate", h.Calculate)
			r.Post("/recalculate", h.Recalculate)
			r.Post("/override", h.ApplyOverride)
			r.Post("/override/clear", h.ClearOverride)
			r.Get("/{period}", h.ListResults)
			r.Get("/{period}/history", h.ResultHistory)
		})

		// Invoice lifecycle
		r.Route("/invoices", func(r chi.Router) {
			r.Post("/generate", h.GenerateInvoices)
			r.Get("/", h.ListInvoices)
			r.Get("/{id}", h.GetInvoice)
			r.Post("/{id}/send", h.SendInvoice)
			r.Post("/{id}/cancel", h.CancelInvoice)
			r.Post("/{id}/supersede", h.SupersedeInvoice)
			r.Post("/{id}/post", h.PostInvoice)
			r.Get("/{id}/penalties", h.InvoicePenalties)
			r.Get("/{id}/reconciliation", h.InvoiceReconciliation)
			r.Get("/{id}/payments", h.InvoicePayments)
		})

		// Penalty operations
		r.Route("/penalties", func(r chi.Router) {
			r.Post("/{id}/waive", h.WaivePenalty)
			r.Post("/{id}/remind", h.RequestReminder)
		})

		// Payment ingestion
		r.Route("/payments", func(r chi.Router) {
			r.Post("/", h.IngestPayment)
			r.Get("/unmatched", h.UnmatchedPayments)
		})

		// Manual reconcile and dispute workflow
		r.Route("/reconciliations", func(r chi.Router) {
			r.Get("/", h.ListReconciliations)
			// {id} here is the invoice ID; dispute and resolve
			// address a reconciliation attempt.
			r.Post("/{id}/reconcile", h.ReconcileInvoice)
			r.Post("/{id}/dispute", h.DisputeReconciliation)
			r.Post("/{id}/resolve", h.ResolveReconciliation)
		})

		// Demo scenarios (development only)
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Post("/load", h.LoadScenario)
		})

		// Admin operations
		r.Route("/admin", func(r chi.Router) {
			r.Post("/overdue-sweep", h.OverdueSweep)
			r.Post("/penalty-sweep", h.PenaltySweep)
			r.Post("/posting-retry", h.PostingRetry)
			r.Get("/audit", h.QueryAudit)
		})
	})

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return r
}
