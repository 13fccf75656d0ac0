/*
handlers_test.go - Tests for the HTTP API

Tests for:
- Ingest status mapping (202, 400, 401, 404, 503)
- Worker control and the ingest → dispatch → debit flow
- Metering endpoints (quote, usage, 402, admin writers)
- Session endpoints
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/inbound-engine/dispatch"
	"github.com/warp/inbound-engine/ingest"
	"github.com/warp/inbound-engine/metering"
	meterstore "github.com/warp/inbound-engine/metering/store"
	"github.com/warp/inbound-engine/queue"
	"github.com/warp/inbound-engine/session"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type testEnv struct {
	handler  *Handler
	router   http.Handler
	queue    *queue.Memory
	metering *metering.Service
}

type envOption func(*Handler)

func newTestEnv(t *testing.T, exec dispatch.Executor, opts ...envOption) *testEnv {
	t.Helper()

	q := queue.NewMemory(queue.WithPolicy(queue.Policy{
		MaxAttempts: 2,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  time.Millisecond,
		Visibility:  time.Minute,
	}))
	meter := metering.NewService(meterstore.NewMemory())
	sessions, err := session.NewStore(session.StoreTypeMemory)
	require.NoError(t, err)

	if exec == nil {
		exec = dispatch.ExecutorFunc(func(context.Context, queue.Envelope) (dispatch.Result, error) {
			return dispatch.Result{}, nil
		})
	}
	d := dispatch.New(q, exec,
		dispatch.WithMeter(meter),
		dispatch.WithConfig(dispatch.Config{Name: "api-test", Workers: 1, ExecTimeout: time.Second, Block: 10 * time.Millisecond}))
	t.Cleanup(d.Stop)

	h := &Handler{
		Queue:      q,
		Gateway:    ingest.New(q),
		Dispatcher: d,
		Janitor:    dispatch.NewJanitor(q, zerolog.Nop()),
		Metering:   meter,
		Sessions:   sessions,
		Log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return &testEnv{handler: h, router: NewRouter(h), queue: q, metering: meter}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	case []byte:
		buf.Write(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

const textMessage = `{"id":"m1","agent_id":"agent-1","contact_id":"+15550001","kind":"text","payload":{"text":"hi"}}`

// downQueue fails every enqueue with a storage error.
type downQueue struct {
	queue.Queue
}

func (downQueue) Enqueue(context.Context, queue.Envelope) (queue.EntryID, error) {
	return "", queue.Unavailable("enqueue", errors.New("database is locked"))
}

// =============================================================================
// INGEST
// =============================================================================

func TestIngest_Accepted(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/ingest/generic", textMessage)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	res := decode[ingest.Result](t, rec)
	assert.Equal(t, 1, res.Accepted)
	assert.Equal(t, []string{"generic:m1"}, res.IDs)

	rec = env.do(t, http.MethodPost, "/api/ingest/generic", textMessage)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, decode[ingest.Result](t, rec).Duplicates)
}

func TestIngest_ErrorStatuses(t *testing.T) {
	secret := []byte("whsec")
	env := newTestEnv(t, nil, func(h *Handler) {
		h.Gateway = ingest.New(h.Queue, ingest.WithSecret(secret))
	})

	rec := env.do(t, http.MethodPost, "/api/ingest/generic", textMessage)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	sig := ingest.Sign(secret, []byte(`{"kind":"text"}`))
	rec = env.do(t, http.MethodPost, "/api/ingest/generic", `{"kind":"text"}`, SignatureHeader, sig)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[ErrorResponse](t, rec).Details, "malformed generic payload")

	rec = env.do(t, http.MethodPost, "/api/ingest/telegram", textMessage)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/ingest/generic", textMessage, SignatureHeader, ingest.Sign(secret, []byte(textMessage)))
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestIngest_StorageUnavailable(t *testing.T) {
	// GIVEN: A queue whose store is down
	// WHEN: A webhook arrives
	// THEN: 503 with Retry-After so the provider redelivers

	env := newTestEnv(t, nil, func(h *Handler) {
		h.Gateway = ingest.New(downQueue{h.Queue}, ingest.WithEnqueueRetries(2, time.Millisecond))
	})

	rec := env.do(t, http.MethodPost, "/api/ingest/generic", textMessage)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))
}

// =============================================================================
// WORKER
// =============================================================================

func TestWorker_EndToEnd(t *testing.T) {
	// GIVEN: An account with 200 credits and a workflow reporting one chat
	// WHEN: A webhook is ingested and the worker is started over HTTP
	// THEN: The message completes and the account is debited 60

	exec := dispatch.ExecutorFunc(func(context.Context, queue.Envelope) (dispatch.Result, error) {
		return dispatch.Result{AccountID: "user-1", Kind: metering.UsageChat, Amount: 1}, nil
	})
	env := newTestEnv(t, exec)

	rec := env.do(t, http.MethodPost, "/api/accounts", OpenAccountRequest{UserID: "user-1", Credits: 200})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodPost, "/api/ingest/generic", textMessage)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/worker/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[dispatch.Status](t, rec).Running)

	rec = env.do(t, http.MethodPost, "/api/worker/start", nil)
	require.Equal(t, http.StatusOK, rec.Code, "starting twice is fine")

	require.Eventually(t, func() bool {
		e, err := env.queue.Get(context.Background(), "generic:m1")
		return err == nil && e.Status == queue.StatusCompleted
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		rec := env.do(t, http.MethodGet, "/api/accounts/user-1/balance", nil)
		return decode[metering.Balance](t, rec).Credits == 140
	}, time.Second, 5*time.Millisecond)
}

func TestWorker_StatusFields(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(t, http.MethodPost, "/api/ingest/generic", textMessage)

	rec := env.do(t, http.MethodGet, "/api/worker/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
	assert.Equal(t, float64(1), raw["pending_count"])
	assert.Equal(t, float64(0), raw["in_flight_count"])
	assert.Equal(t, float64(0), raw["dead_letter_count"])
	assert.Equal(t, true, raw["healthy"])
	assert.Equal(t, false, raw["running"])
}

func TestWorker_PauseResume(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/worker/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[dispatch.Status](t, rec).Paused)

	env.do(t, http.MethodPost, "/api/ingest/generic", textMessage)
	claimed, err := env.queue.ClaimBatch(context.Background(), "test-worker", 1, 0)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	rec = env.do(t, http.MethodPost, "/api/worker/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[dispatch.Status](t, rec).Paused)

	claimed, err = env.queue.ClaimBatch(context.Background(), "test-worker", 1, 0)
	require.NoError(t, err)
	assert.Len(t, claimed, 1)
}

func TestWorker_DeadLetterListAndRetry(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.do(t, http.MethodPost, "/api/ingest/generic", textMessage)
	claimed, err := env.queue.ClaimBatch(ctx, "test-worker", 1, 0)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, env.queue.DeadLetter(ctx, claimed[0].EntryID(), claimed[0].ClaimToken, "unknown agent"))

	rec := env.do(t, http.MethodGet, "/api/worker/dead-letter", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	dead := decode[[]DeadLetterDTO](t, rec)
	require.Len(t, dead, 1)
	assert.Equal(t, "generic:m1", dead[0].ID)
	assert.Equal(t, "unknown agent", dead[0].LastError)

	rec = env.do(t, http.MethodPost, "/api/worker/retry-dead-letter", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[RetryDeadLetterDTO](t, rec).Requeued)

	e, err := env.queue.Get(ctx, "generic:m1")
	require.NoError(t, err)
	assert.Equal(t, queue.StatusQueued, e.Status)

	rec = env.do(t, http.MethodGet, "/api/worker/dead-letter?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWorker_Clean(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/worker/clean", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, dispatch.Sweep{}, decode[dispatch.Sweep](t, rec))
}

func TestWorker_NotConfigured(t *testing.T) {
	env := newTestEnv(t, nil, func(h *Handler) {
		h.Dispatcher = nil
		h.Janitor = nil
	})

	assert.Equal(t, http.StatusServiceUnavailable, env.do(t, http.MethodPost, "/api/worker/start", nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, env.do(t, http.MethodPost, "/api/worker/clean", nil).Code)

	rec := env.do(t, http.MethodPost, "/api/worker/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[dispatch.Status](t, rec).Paused)
}

func TestWorker_StatusWithoutDispatcher(t *testing.T) {
	// GIVEN: An ingest-only process with one claimed entry held elsewhere
	// WHEN: The worker status is requested
	// THEN: Queue-wide counts are reported instead of a 503

	env := newTestEnv(t, nil, func(h *Handler) {
		h.Dispatcher = nil
	})
	env.do(t, http.MethodPost, "/api/ingest/generic", textMessage)
	_, err := env.queue.ClaimBatch(context.Background(), "other-process", 1, 0)
	require.NoError(t, err)

	rec := env.do(t, http.MethodGet, "/api/worker/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[dispatch.Status](t, rec)
	assert.False(t, st.Running)
	assert.True(t, st.Healthy)
	assert.Equal(t, 1, st.InFlight)
	assert.Zero(t, st.LocalInFlight)
}

// =============================================================================
// METERING
// =============================================================================

func TestMetering_Quote(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/api/metering/quote?kind=chat&amount=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, QuoteDTO{Kind: metering.UsageChat, Amount: 1, Cost: 60}, decode[QuoteDTO](t, rec))

	rec = env.do(t, http.MethodGet, "/api/metering/quote?kind=voice&amount=90", nil)
	assert.Equal(t, int64(90), decode[QuoteDTO](t, rec).Cost)

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/metering/quote?kind=fax&amount=1", nil).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/metering/quote?kind=chat&amount=-1", nil).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/metering/quote?kind=chat", nil).Code)
}

func TestMetering_InsufficientCredits(t *testing.T) {
	// GIVEN: Balance 50 and quote(chat, 1) = 60
	// WHEN: One chat is applied
	// THEN: 402 with the shortfall, balance still 50, no new ledger entry

	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodPost, "/api/accounts", OpenAccountRequest{UserID: "user-1", Credits: 50})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/accounts/user-1/usage",
		UsageRequest{Kind: metering.UsageChat, Amount: 1, ExternalRef: "conv-1"})
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	body := decode[InsufficientCreditsDTO](t, rec)
	assert.Equal(t, int64(50), body.Available)
	assert.Equal(t, int64(60), body.Requested)
	assert.Equal(t, int64(10), body.Shortfall)

	rec = env.do(t, http.MethodGet, "/api/accounts/user-1/balance", nil)
	assert.Equal(t, int64(50), decode[metering.Balance](t, rec).Credits)

	rec = env.do(t, http.MethodGet, "/api/accounts/user-1/ledger", nil)
	assert.Len(t, decode[[]metering.LedgerEntry](t, rec), 1)
}

func TestMetering_UsageIsIdempotent(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(t, http.MethodPost, "/api/accounts", OpenAccountRequest{UserID: "user-1", Credits: 100})

	req := UsageRequest{Kind: metering.UsageVoice, Amount: 30, ExternalRef: "call-9"}
	first := env.do(t, http.MethodPost, "/api/accounts/user-1/usage", req)
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	second := env.do(t, http.MethodPost, "/api/accounts/user-1/usage", req)
	require.Equal(t, http.StatusCreated, second.Code)

	assert.Equal(t, decode[metering.LedgerEntry](t, first).ID, decode[metering.LedgerEntry](t, second).ID)

	rec := env.do(t, http.MethodGet, "/api/accounts/user-1/balance", nil)
	assert.Equal(t, int64(70), decode[metering.Balance](t, rec).Credits)

	rec = env.do(t, http.MethodGet, "/api/accounts/user-1/ledger?take=1", nil)
	entries := decode[[]metering.LedgerEntry](t, rec)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(-30), entries[0].Delta)

	// a reference spent by user-1 cannot be replayed for user-2
	env.do(t, http.MethodPost, "/api/accounts", OpenAccountRequest{UserID: "user-2", Credits: 100})
	rec = env.do(t, http.MethodPost, "/api/accounts/user-2/usage", req)
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
}

func TestMetering_AccountLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/api/accounts/ghost/balance", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/accounts", OpenAccountRequest{UserID: "user-1"})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = env.do(t, http.MethodPost, "/api/accounts", OpenAccountRequest{UserID: "user-1"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = env.do(t, http.MethodPost, "/api/accounts", OpenAccountRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/accounts/user-1/credits",
		CreditRequest{Delta: 500, ExternalRef: "stripe:pi_1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, metering.EntryPurchase, decode[metering.LedgerEntry](t, rec).Type)

	cycleEnd := time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC)
	rec = env.do(t, http.MethodPost, "/api/accounts/user-1/reset", ResetRequest{Allowance: 1000, CycleEndAt: cycleEnd})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	bal := decode[metering.Balance](t, rec)
	assert.Equal(t, int64(1000), bal.Credits)
	require.NotNil(t, bal.CycleEndAt)
	assert.True(t, bal.CycleEndAt.Equal(cycleEnd))

	rec = env.do(t, http.MethodPost, "/api/accounts/user-1/reset", map[string]any{"allowance": 10})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/accounts/user-1/reconcile", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	recon := decode[metering.Reconciliation](t, rec)
	assert.Equal(t, int64(0), recon.Drift)
	assert.Equal(t, int64(1000), recon.LedgerSum)
}

// =============================================================================
// SESSIONS
// =============================================================================

func TestSessions_PutGet(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/api/sessions/agent-1/contact-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPut, "/api/sessions/agent-1/contact-1",
		`{"state":{"step":"collect_email"},"ttl_seconds":600}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/api/sessions/agent-1/contact-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	s := decode[SessionDTO](t, rec)
	assert.JSONEq(t, `{"step":"collect_email"}`, string(s.State))
	assert.Equal(t, int64(600), s.TTLSeconds)

	rec = env.do(t, http.MethodPut, "/api/sessions/agent-1/contact-1", `{"state":"oops`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPut, "/api/sessions/agent-1/contact-1", `{"state":{},"ttl_seconds":-1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// HEALTH
// =============================================================================

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[map[string]any](t, rec)["status"])
	assert.NotEmpty(t, rec.Header().Get("Content-Type"))
}
