/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address from proxy headers
  3. Logger:     zerolog request line (method, path, status, latency)
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the back-office frontend

ROUTE GROUPS:
  /api/jobs/*        Jobs, their expenses, billing view and invoices
  /api/expenses/*    Expense removal
  /api/invoices/*    Invoice lifecycle and audit
  /api/scenarios/*   Demo scenarios
  /api/admin/*       Admin operations
  /api/policy        Active commercial terms
  /healthz           Liveness

SECURITY NOTE:
  No authentication middleware. The X-Actor-ID header is trusted as is.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
)

// RouterOptions configures cross-cutting HTTP behaviour.
type RouterOptions struct {
	AllowedOrigins []string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", ActorHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Job routes
		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", h.ListJobs)
			r.Post("/", h.CreateJob)
			r.Get("/{id}", h.GetJob)
			r.Get("/{id}/expenses", h.ListExpenses)
			r.Post("/{id}/expenses", h.CreateExpense)
			r.Get("/{id}/billing", h.GetJobBilling)
			r.Get("/{id}/invoices", h.ListJobInvoices)
			r.Post("/{id}/invoices", h.CreateInvoice)
		})

		// Expense routes
		r.Route("/expenses", func(r chi.Router) {
			r.Delete("/{id}", h.DeleteExpense)
		})

		// Invoice routes
		r.Route("/invoices", func(r chi.Router) {
			r.Get("/", h.ListInvoices)
			r.Get("/{id}", h.GetInvoice)
			r.Delete("/{id}", h.DeleteInvoice)
			r.Post("/{id}/status", h.SetStatus)
			r.Post("/{id}/payment-status", h.SetPaymentStatus)
			r.Post("/{id}/email", h.EmailInvoice)
			r.Post("/{id}/print", h.PrintInvoice)
			r.Get("/{id}/audit", h.GetAuditTrail)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/overdue-sweep", h.TriggerOverdueSweep)
		})

		r.Get("/policy", h.GetPolicy)

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}

// requestLogger logs one line per request after it completes.
func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("remote", r.RemoteAddr).
				Str("actor", actor(r)).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("latency", time.Since(start)).
				Msg("http request")
		})
	}
}
