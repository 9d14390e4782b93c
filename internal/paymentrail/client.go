package paymentrail

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mbd888/tradeescrow/internal/circuitbreaker"
	"github.com/mbd888/tradeescrow/internal/escrow"
	"github.com/mbd888/tradeescrow/internal/logging"
	"github.com/mbd888/tradeescrow/internal/metrics"
	"github.com/mbd888/tradeescrow/internal/money"
	"github.com/mbd888/tradeescrow/internal/retry"
	"github.com/mbd888/tradeescrow/internal/traces"
)

const (
	maxResponseSize = 1 << 20

	// DefaultHTTPTimeout bounds one HTTP attempt.
	DefaultHTTPTimeout = 10 * time.Second

	defaultAttempts  = 3
	defaultBaseDelay = 200 * time.Millisecond

	breakerThreshold = 5
	breakerOpenFor   = 30 * time.Second
)

// ErrRejected is returned when the rail refuses a request (4xx).
var ErrRejected = errors.New("payment rail rejected request")

// StatusError is a non-2xx response from the rail.
type StatusError struct {
	Operation  string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("payment rail %s: HTTP %d: %s", e.Operation, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("payment rail %s: HTTP %d", e.Operation, e.StatusCode)
}

// Unwrap reports client errors as ErrRejected.
func (e *StatusError) Unwrap() error {
	if e.StatusCode >= 400 && e.StatusCode < 500 {
		return ErrRejected
	}
	return nil
}

// Client talks JSON over HTTP to an external payment rail. Transient
// failures are retried with backoff; each operation has its own circuit.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	breaker *circuitbreaker.Breaker
	retry   retry.Policy
}

// NewClient creates a rail client. Pass timeout=0 to use DefaultHTTPTimeout.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = DefaultHTTPTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		breaker: circuitbreaker.New(breakerThreshold, breakerOpenFor),
		retry:   retry.Policy{Attempts: defaultAttempts, BaseDelay: defaultBaseDelay},
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.http = hc
	return c
}

// WithRetry sets the attempt budget and first backoff delay.
func (c *Client) WithRetry(attempts int, baseDelay time.Duration) *Client {
	c.retry.Attempts = attempts
	c.retry.BaseDelay = baseDelay
	return c
}

// WithBreaker replaces the circuit breaker.
func (c *Client) WithBreaker(b *circuitbreaker.Breaker) *Client {
	c.breaker = b
	return c
}

type lockResponse struct {
	Reference string `json:"reference"`
	Confirmed bool   `json:"confirmed"`
}

// settlementRequest is the body of a release or refund.
type settlementRequest struct {
	EscrowID    string `json:"escrowId"`
	Payee       string `json:"payee"`
	Amount      string `json:"amount"`
	PlatformFee string `json:"platformFee,omitempty"`
	Deposit     string `json:"deposit,omitempty"`
	LockRef     string `json:"lockRef"`
}

type settlementResponse struct {
	Reference string `json:"reference"`
}

// ConfirmLock asks the rail whether funds under reference are locked. An
// unknown reference is reported as unconfirmed, not as an error.
func (c *Client) ConfirmLock(ctx context.Context, reference string) (bool, error) {
	var resp lockResponse
	err := c.call(ctx, "confirm_lock", http.MethodGet, "/v1/locks/"+url.PathEscape(reference), "", nil, &resp)
	var se *StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return resp.Confirmed, nil
}

// InitiateRelease pays the seller's proceeds out of the lock.
func (c *Client) InitiateRelease(ctx context.Context, e *escrow.Escrow) (string, error) {
	req := settlementRequest{
		EscrowID:    e.ID,
		Payee:       e.SellerID,
		Amount:      money.Format(e.SellerReceives),
		PlatformFee: money.Format(e.PlatformFee),
		LockRef:     e.LockTxRef,
	}
	if e.Deposit.IsPositive() {
		req.Deposit = money.Format(e.Deposit)
	}
	return c.settle(ctx, "release", "/v1/releases", req)
}

// InitiateRefund returns the full locked amount to the buyer.
func (c *Client) InitiateRefund(ctx context.Context, e *escrow.Escrow) (string, error) {
	return c.settle(ctx, "refund", "/v1/refunds", settlementRequest{
		EscrowID: e.ID,
		Payee:    e.BuyerID,
		Amount:   money.Format(e.Amount),
		LockRef:  e.LockTxRef,
	})
}

// settle posts one settlement. The escrow ID keys idempotency on the rail,
// so a retried request never moves funds twice.
func (c *Client) settle(ctx context.Context, op, path string, body settlementRequest) (string, error) {
	var resp settlementResponse
	if err := c.call(ctx, op, http.MethodPost, path, body.EscrowID+":"+op, body, &resp); err != nil {
		return "", err
	}
	if resp.Reference == "" {
		return "", fmt.Errorf("payment rail %s: empty reference", op)
	}
	return resp.Reference, nil
}

func (c *Client) call(ctx context.Context, op, method, path, idempotencyKey string, body, out interface{}) error {
	ctx, span := traces.StartSpan(ctx, "paymentrail."+op, traces.Operation(op))
	defer span.End()

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("marshal %s request: %w", op, err)
		}
	}

	policy := c.retry
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		metrics.PaymentRailRetriesTotal.WithLabelValues(op).Inc()
		logging.L(ctx).Warn("payment rail call failed, retrying",
			"operation", op, "attempt", attempt, "wait", wait, "error", err)
	}

	err := c.breaker.Execute(op, countable, func() error {
		return policy.Do(ctx, func() error {
			err := c.do(ctx, op, method, path, idempotencyKey, payload, out)
			if errors.Is(err, ErrRejected) {
				return retry.Permanent(err)
			}
			return err
		})
	})

	result := "ok"
	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		result = "circuit_open"
	case errors.Is(err, ErrRejected):
		result = "rejected"
	case err != nil:
		result = "error"
	}
	metrics.PaymentRailRequestsTotal.WithLabelValues(op, result).Inc()
	traces.Fail(span, err)
	return err
}

// countable reports whether err says something about the rail's health.
// Rejections are the caller's problem and never trip the circuit.
func countable(err error) bool {
	return !errors.Is(err, ErrRejected)
}

func (c *Client) do(ctx context.Context, op, method, path, idempotencyKey string, payload []byte, out interface{}) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("payment rail %s: %w", op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("read %s response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		se := &StatusError{Operation: op, StatusCode: resp.StatusCode}
		var body struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(data, &body) == nil {
			se.Message = body.Message
		}
		return se
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return retry.Permanent(fmt.Errorf("decode %s response: %w", op, err))
		}
	}
	return nil
}

var _ escrow.PaymentRail = (*Client)(nil)
