/*
handlers.go - HTTP API handlers for the inbound engine

PURPOSE:
  Exposes ingest, dispatcher control, metering and sessions via REST.
  Handles HTTP request/response and JSON serialization, and delegates
  everything else to the domain services.

ENDPOINTS:
  Ingest:
    POST   /api/ingest/{provider}             Accept a provider webhook (202)

  Worker:
    POST   /api/worker/start                  Start the dispatcher
    GET    /api/worker/status                 Queue counts and worker state
    POST   /api/worker/pause                  Stop claiming
    POST   /api/worker/resume                 Resume claiming
    POST   /api/worker/clean                  Reclaim stale + purge acked
    GET    /api/worker/dead-letter            List dead letters
    POST   /api/worker/retry-dead-letter      Requeue all dead letters

  Metering:
    GET    /api/metering/quote?kind=&amount=  Price a unit of work
    POST   /api/accounts                      Open an account
    GET    /api/accounts/{userId}/balance     Cached balance
    GET    /api/accounts/{userId}/ledger      Ledger, newest first
    POST   /api/accounts/{userId}/usage       Debit usage (idempotent by ref)
    POST   /api/accounts/{userId}/credits     Purchase or adjustment
    POST   /api/accounts/{userId}/reset       Billing-cycle reset
    POST   /api/accounts/{userId}/reconcile   Repair cached balance drift

  Sessions:
    GET    /api/sessions/{agentId}/{contactId}
    PUT    /api/sessions/{agentId}/{contactId}

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Malformed payload, validation errors
  - 401: Invalid webhook signature
  - 402: Insufficient credits
  - 404: Unknown provider, account or session
  - 409: Account already exists
  - 503: Queue or metering store unavailable (retry later)
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/warp/inbound-engine/dispatch"
	"github.com/warp/inbound-engine/ingest"
	"github.com/warp/inbound-engine/metering"
	"github.com/warp/inbound-engine/queue"
	"github.com/warp/inbound-engine/session"
)

// SignatureHeader carries the webhook HMAC ("sha256=<hex>").
const SignatureHeader = ingest.SignatureHeader

// maxWebhookBody bounds how much of a webhook body is read.
const maxWebhookBody = 1 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers. Dispatcher, Janitor and
// Sessions may be nil; their routes then answer 503.
type Handler struct {
	Queue      queue.Queue
	Gateway    *ingest.Gateway
	Dispatcher *dispatch.Dispatcher
	Janitor    *dispatch.Janitor
	Metering   *metering.Service
	Sessions   session.Store
	Log        zerolog.Logger

	// WorkerContext is the parent of dispatcher runs started over HTTP.
	// Request contexts end with the request, so they cannot be used.
	WorkerContext context.Context

	AllowedOrigins []string
}

// =============================================================================
// INGEST
// =============================================================================

// Ingest accepts one provider webhook.
// POST /api/ingest/{provider}
func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read body", err)
		return
	}
	if len(body) > maxWebhookBody {
		writeError(w, http.StatusRequestEntityTooLarge, "Body too large", nil)
		return
	}

	res, err := h.Gateway.Ingest(r.Context(), provider, body, r.Header.Get(SignatureHeader))
	if err != nil {
		status := ingest.HTTPStatus(err)
		if status == http.StatusServiceUnavailable {
			w.Header().Set("Retry-After", "5")
		}
		writeError(w, status, http.StatusText(status), err)
		return
	}

	writeJSON(w, http.StatusAccepted, res)
}

// =============================================================================
// WORKER CONTROL
// =============================================================================

// StartWorker starts the dispatcher. Starting a running dispatcher is not
// an error.
// POST /api/worker/start
func (h *Handler) StartWorker(w http.ResponseWriter, r *http.Request) {
	if !h.requireDispatcher(w) {
		return
	}
	parent := h.WorkerContext
	if parent == nil {
		parent = context.Background()
	}
	if err := h.Dispatcher.Start(parent); err != nil && !errors.Is(err, dispatch.ErrAlreadyRunning) {
		writeError(w, http.StatusInternalServerError, "Failed to start worker", err)
		return
	}
	writeJSON(w, http.StatusOK, h.Dispatcher.Status(r.Context()))
}

// WorkerStatus returns queue counts and worker state.
// GET /api/worker/status
func (h *Handler) WorkerStatus(w http.ResponseWriter, r *http.Request) {
	h.writeWorkerStatus(w, r)
}

// PauseWorker stops claims. Ingest keeps enqueuing.
// POST /api/worker/pause
func (h *Handler) PauseWorker(w http.ResponseWriter, r *http.Request) {
	if err := h.Queue.Pause(r.Context()); err != nil {
		writeError(w, queueStatus(err), "Failed to pause", err)
		return
	}
	h.writeWorkerStatus(w, r)
}

// ResumeWorker resumes claims.
// POST /api/worker/resume
func (h *Handler) ResumeWorker(w http.ResponseWriter, r *http.Request) {
	if err := h.Queue.Resume(r.Context()); err != nil {
		writeError(w, queueStatus(err), "Failed to resume", err)
		return
	}
	h.writeWorkerStatus(w, r)
}

// CleanQueue reclaims stale claims and purges old acked entries.
// POST /api/worker/clean
func (h *Handler) CleanQueue(w http.ResponseWriter, r *http.Request) {
	if h.Janitor == nil {
		writeError(w, http.StatusServiceUnavailable, "Janitor not configured", nil)
		return
	}
	sweep, err := h.Janitor.RunNow(r.Context())
	if err != nil {
		writeError(w, queueStatus(err), "Clean failed", err)
		return
	}
	writeJSON(w, http.StatusOK, sweep)
}

// ListDeadLetter lists dead-lettered entries.
// GET /api/worker/dead-letter?limit=
func (h *Handler) ListDeadLetter(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 50, 1, 1000)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}
	entries, err := h.Queue.ListDeadLetter(r.Context(), limit)
	if err != nil {
		writeError(w, queueStatus(err), "Failed to list dead letters", err)
		return
	}
	dtos := make([]DeadLetterDTO, 0, len(entries))
	for _, e := range entries {
		dtos = append(dtos, toDeadLetterDTO(e))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// RetryDeadLetter moves every dead letter back to the queue.
// POST /api/worker/retry-dead-letter
func (h *Handler) RetryDeadLetter(w http.ResponseWriter, r *http.Request) {
	n, err := h.Queue.RetryDeadLetter(r.Context())
	if err != nil {
		writeError(w, queueStatus(err), "Retry failed", err)
		return
	}
	h.Log.Info().Int("requeued", n).Msg("dead letters requeued")
	writeJSON(w, http.StatusOK, RetryDeadLetterDTO{Requeued: n})
}

func (h *Handler) requireDispatcher(w http.ResponseWriter) bool {
	if h.Dispatcher == nil {
		writeError(w, http.StatusServiceUnavailable, "Worker not configured", nil)
		return false
	}
	return true
}

func (h *Handler) writeWorkerStatus(w http.ResponseWriter, r *http.Request) {
	if h.Dispatcher != nil {
		writeJSON(w, http.StatusOK, h.Dispatcher.Status(r.Context()))
		return
	}
	health, err := h.Queue.Health(r.Context())
	if err != nil {
		writeError(w, queueStatus(err), "Health check failed", err)
		return
	}
	writeJSON(w, http.StatusOK, dispatch.StatusFromHealth(health))
}

// =============================================================================
// METERING
// =============================================================================

// Quote prices an amount of usage.
// GET /api/metering/quote?kind=chat&amount=1
func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	kind := metering.UsageKind(r.URL.Query().Get("kind"))
	amount, err := strconv.ParseInt(r.URL.Query().Get("amount"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}
	cost, err := h.Metering.Quote(kind, amount)
	if err != nil {
		h.writeMeteringError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, QuoteDTO{Kind: kind, Amount: amount, Cost: cost})
}

// OpenAccount creates an account with an optional opening balance.
// POST /api/accounts
func (h *Handler) OpenAccount(w http.ResponseWriter, r *http.Request) {
	var req OpenAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required", nil)
		return
	}

	bal, err := h.Metering.OpenAccount(r.Context(), req.UserID, req.Credits, req.CycleEndAt)
	if err != nil {
		h.writeMeteringError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, bal)
}

// GetBalance returns the cached balance.
// GET /api/accounts/{userId}/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	bal, err := h.Metering.Balance(r.Context(), userParam(r))
	if err != nil {
		h.writeMeteringError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

// GetLedger returns ledger entries, newest first.
// GET /api/accounts/{userId}/ledger?take=50&skip=0
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	take, err := intParam(r, "take", 50, 1, 500)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid take", err)
		return
	}
	skip, err := intParam(r, "skip", 0, 0, 1<<31-1)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid skip", err)
		return
	}

	entries, err := h.Metering.Ledger(r.Context(), userParam(r), take, skip)
	if err != nil {
		h.writeMeteringError(w, err)
		return
	}
	if entries == nil {
		entries = []metering.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// ApplyUsage debits usage. Replaying an external_ref returns the original
// entry without a second debit.
// POST /api/accounts/{userId}/usage
func (h *Handler) ApplyUsage(w http.ResponseWriter, r *http.Request) {
	var req UsageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	entry, err := h.Metering.ApplyUsage(r.Context(), userParam(r), req.Kind, req.Amount, req.ExternalRef)
	if err != nil {
		h.writeMeteringError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

// Credit records a purchase or an adjustment.
// POST /api/accounts/{userId}/credits
func (h *Handler) Credit(w http.ResponseWriter, r *http.Request) {
	var req CreditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Type == "" {
		req.Type = metering.EntryPurchase
	}

	entry, err := h.Metering.Credit(r.Context(), userParam(r), req.Delta, req.Type, req.ExternalRef, req.Meta)
	if err != nil {
		h.writeMeteringError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

// ResetCycle sets the balance to the plan allowance and moves the cycle end.
// POST /api/accounts/{userId}/reset
func (h *Handler) ResetCycle(w http.ResponseWriter, r *http.Request) {
	var req ResetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.CycleEndAt.IsZero() {
		writeError(w, http.StatusBadRequest, "cycle_end_at is required", nil)
		return
	}

	bal, err := h.Metering.ResetCycle(r.Context(), userParam(r), req.Allowance, req.CycleEndAt)
	if err != nil {
		h.writeMeteringError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

// Reconcile compares the cached balance with the ledger and repairs drift.
// POST /api/accounts/{userId}/reconcile
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Metering.Reconcile(r.Context(), userParam(r))
	if err != nil {
		h.writeMeteringError(w, err)
		return
	}
	if rec.Repaired {
		h.Log.Warn().Str("user_id", string(rec.UserID)).Int64("drift", rec.Drift).Msg("balance drift repaired")
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) writeMeteringError(w http.ResponseWriter, err error) {
	var ice *metering.InsufficientCreditsError
	switch {
	case errors.As(err, &ice):
		writeJSON(w, http.StatusPaymentRequired, InsufficientCreditsDTO{
			Error:     err.Error(),
			Available: ice.Available,
			Requested: ice.Requested,
			Shortfall: ice.Shortfall(),
		})
	case errors.Is(err, metering.ErrInsufficientCredits):
		writeError(w, http.StatusPaymentRequired, "Insufficient credits", err)
	case metering.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Account not found", err)
	case errors.Is(err, metering.ErrAccountExists):
		writeError(w, http.StatusConflict, "Account already exists", err)
	case errors.Is(err, metering.ErrDuplicateExternalRef):
		writeError(w, http.StatusConflict, "External reference already used", err)
	case metering.IsClientError(err):
		writeError(w, http.StatusBadRequest, "Invalid request", err)
	case metering.IsRetryable(err):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "Metering unavailable", err)
	default:
		h.Log.Error().Err(err).Msg("metering request failed")
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}

// =============================================================================
// SESSIONS
// =============================================================================

// GetSession returns the session for (agent, contact).
// GET /api/sessions/{agentId}/{contactId}
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	if !h.requireSessions(w) {
		return
	}
	rec, err := h.Sessions.Get(r.Context(), chi.URLParam(r, "agentId"), chi.URLParam(r, "contactId"))
	if err != nil {
		h.writeSessionError(w, err)
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "Session not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTO(rec))
}

// PutSession replaces the session state and refreshes its expiry.
// PUT /api/sessions/{agentId}/{contactId}
func (h *Handler) PutSession(w http.ResponseWriter, r *http.Request) {
	if !h.requireSessions(w) {
		return
	}
	var req PutSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.TTLSeconds < 0 {
		writeError(w, http.StatusBadRequest, "ttl_seconds must not be negative", nil)
		return
	}

	agentID, contactID := chi.URLParam(r, "agentId"), chi.URLParam(r, "contactId")
	ttl := time.Duration(req.TTLSeconds) * time.Second
	if err := h.Sessions.Put(r.Context(), agentID, contactID, req.State, ttl); err != nil {
		h.writeSessionError(w, err)
		return
	}

	rec, err := h.Sessions.Get(r.Context(), agentID, contactID)
	if err != nil || rec == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTO(rec))
}

func (h *Handler) requireSessions(w http.ResponseWriter) bool {
	if h.Sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "Session store not configured", nil)
		return false
	}
	return true
}

func (h *Handler) writeSessionError(w http.ResponseWriter, err error) {
	if errors.Is(err, session.ErrInvalidKey) || errors.Is(err, session.ErrInvalidState) {
		writeError(w, http.StatusBadRequest, "Invalid session", err)
		return
	}
	h.Log.Error().Err(err).Msg("session store request failed")
	writeError(w, http.StatusServiceUnavailable, "Session store unavailable", err)
}

// =============================================================================
// HEALTH
// =============================================================================

// Healthz reports liveness and whether the queue store is reachable.
// GET /healthz
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	health, err := h.Queue.Health(r.Context())
	if err != nil || !health.Reachable {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "queue": health})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "queue": health})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func queueStatus(err error) int {
	if queue.IsRetryable(err) || errors.Is(err, queue.ErrClosed) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func userParam(r *http.Request) metering.UserID {
	return metering.UserID(chi.URLParam(r, "userId"))
}

func intParam(r *http.Request, name string, def, lo, hi int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if n < lo || n > hi {
		return 0, fmt.Errorf("%s must be between %d and %d", name, lo, hi)
	}
	return n, nil
}
