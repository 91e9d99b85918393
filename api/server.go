/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the booking frontend

ROUTE GROUPS:
  /api/members/*      Member roster, schedule, cancellations, bookings
  /api/vacancies      Vacancy board
  /api/absences/*     Operator blackouts
  /api/invoices/*     Billing reconciliation
  /api/admin/*        Operator actions on behalf of members
  /health             Liveness probe
  /metrics            Prometheus scrape endpoint (optional)

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
func NewRouter(h *Handler, metricsEnabled bool) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/members", func(r chi.Router) {
			r.Get("/", h.ListMembers)
			r.Post("/", h.CreateMember)
			r.Get("/{id}", h.GetMember)
			r.Post("/{id}/deactivate", h.DeactivateMember)
			r.Get("/{id}/occurrences", h.GetOccurrences)
			r.Post("/{id}/cancellations", h.Cancel)
			r.Post("/{id}/bookings", h.Book)
			r.Post("/{id}/bookings/withdraw", h.Withdraw)
			r.Get("/{id}/invoice", h.GetInvoice)
			r.Put("/{id}/invoice/discount", h.SetDiscount)
			r.Put("/{id}/invoice/payment-state", h.SetPaymentState)
		})

		r.Get("/vacancies", h.Vacancies)

		r.Route("/absences", func(r chi.Router) {
			r.Get("/", h.ListAbsences)
			r.Post("/", h.DeclareAbsence)
			r.Delete("/{id}", h.RevokeAbsence)
		})

		r.Route("/invoices", func(r chi.Router) {
			r.Get("/", h.ListInvoices)
			r.Post("/generate", h.GenerateInvoices)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/members/{id}/cancellations", h.AdminCancel)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Post("/load", h.LoadScenario)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}
