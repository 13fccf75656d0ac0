package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/warp/inbound-engine/metering"
	"github.com/warp/inbound-engine/queue"
)

// =============================================================================
// EXECUTOR CONTRACT
// =============================================================================

// Result is what the workflow reports after handling one envelope. A zero
// Amount means nothing is metered.
type Result struct {
	AccountID metering.UserID    `json:"account_id"`
	Kind      metering.UsageKind `json:"kind"`
	Amount    int64              `json:"amount"`
}

// Metered reports whether the result carries usage to debit.
func (r Result) Metered() bool {
	return r.AccountID != "" && r.Kind != "" && r.Amount > 0
}

// Executor runs the external workflow for one envelope. It must honour ctx.
// Errors are retried unless they are Permanent.
type Executor interface {
	Execute(ctx context.Context, env queue.Envelope) (Result, error)
}

type ExecutorFunc func(ctx context.Context, env queue.Envelope) (Result, error)

func (f ExecutorFunc) Execute(ctx context.Context, env queue.Envelope) (Result, error) {
	return f(ctx, env)
}

// =============================================================================
// ERROR CLASSIFICATION
// =============================================================================

// ErrExecTimeout is reported when an execution outlives the dispatcher's
// deadline. Retried.
var ErrExecTimeout = errors.New("execution deadline exceeded")

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }
func (e *permanentError) Retryable() bool { return false }

// Permanent marks err as not worth retrying; the entry is dead-lettered.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or an error it wraps, says it is not
// retryable.
func IsPermanent(err error) bool {
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return !r.Retryable()
	}
	return false
}

// =============================================================================
// HTTP EXECUTOR
// =============================================================================

// StatusError is a non-2xx response from the workflow service.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("workflow returned %d", e.Code)
	}
	return fmt.Sprintf("workflow returned %d: %s", e.Code, e.Body)
}

// Retryable is false for 4xx other than 408 and 429.
func (e *StatusError) Retryable() bool {
	if e.Code == http.StatusRequestTimeout || e.Code == http.StatusTooManyRequests {
		return true
	}
	return e.Code < 400 || e.Code >= 500
}

// HTTPExecutor POSTs the envelope as JSON to the workflow service and
// decodes a Result from a 2xx body. An empty body is a Result with no usage.
type HTTPExecutor struct {
	URL    string
	Client *http.Client
	Header http.Header
}

func NewHTTPExecutor(url string) *HTTPExecutor {
	return &HTTPExecutor{URL: url, Client: &http.Client{Timeout: 60 * time.Second}}
}

const maxErrorBody = 512

func (h *HTTPExecutor) Execute(ctx context.Context, env queue.Envelope) (Result, error) {
	var res Result

	body, err := json.Marshal(env)
	if err != nil {
		return res, Permanent(fmt.Errorf("encode envelope: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return res, Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", env.ID)
	for k, vs := range h.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return res, fmt.Errorf("call workflow: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return res, &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(snippet))}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return res, fmt.Errorf("read workflow response: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return res, nil
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return res, Permanent(fmt.Errorf("decode workflow response: %w", err))
	}
	return res, nil
}
