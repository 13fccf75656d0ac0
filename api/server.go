/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Access log: zerolog line per request
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the operator console

ROUTE GROUPS:
  /api/ingest/{provider}  Provider webhooks
  /api/worker/*           Dispatcher control and dead letters
  /api/metering/*         Pricing
  /api/accounts/*         Balances, ledger, usage and admin writers
  /api/sessions/*         Session state for the workflow engine
  /healthz                Liveness plus queue reachability

SECURITY NOTE:
  No authentication middleware. Webhooks are authenticated by signature;
  everything else is expected to sit behind a private network or gateway.

SEE ALSO:
  - handlers.go: Handler implementations
  - cli/serve.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// DefaultAllowedOrigins are used when the handler has none configured.
var DefaultAllowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	origins := h.AllowedOrigins
	if len(origins) == 0 {
		origins = DefaultAllowedOrigins
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(accessLog(h.Log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", SignatureHeader},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Healthz)

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Post("/ingest/{provider}", h.Ingest)

		// Worker routes
		r.Route("/worker", func(r chi.Router) {
			r.Post("/start", h.StartWorker)
			r.Get("/status", h.WorkerStatus)
			r.Post("/pause", h.PauseWorker)
			r.Post("/resume", h.ResumeWorker)
			r.Post("/clean", h.CleanQueue)
			r.Get("/dead-letter", h.ListDeadLetter)
			r.Post("/retry-dead-letter", h.RetryDeadLetter)
		})

		r.Get("/metering/quote", h.Quote)

		// Account routes
		r.Route("/accounts", func(r chi.Router) {
			r.Post("/", h.OpenAccount)
			r.Get("/{userId}/balance", h.GetBalance)
			r.Get("/{userId}/ledger", h.GetLedger)
			r.Post("/{userId}/usage", h.ApplyUsage)
			r.Post("/{userId}/credits", h.Credit)
			r.Post("/{userId}/reset", h.ResetCycle)
			r.Post("/{userId}/reconcile", h.Reconcile)
		})

		// Session routes
		r.Route("/sessions", func(r chi.Router) {
			r.Get("/{agentId}/{contactId}", h.GetSession)
			r.Put("/{agentId}/{contactId}", h.PutSession)
		})
	})

	return r
}
