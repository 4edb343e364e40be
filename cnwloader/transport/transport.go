// Package transport carries opaque request bodies to the license authority.
//
// A Transport knows nothing about envelopes or sessions: it POSTs bytes and
// returns bytes. Errors are split into NetworkError (the request never produced
// an HTTP response) and StatusError (the authority answered non-2xx).
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/CloudNativeWorks/cnw-loader-sdk/cnwloader/telemetry"
)

const (
	defaultTimeout   = 10 * time.Second
	maxResponseBytes = 1 << 20 // 1 MB
	defaultUserAgent = "cnw-loader-sdk-go/1.0"
)

// Transport sends one request body to url and returns the response body.
type Transport interface {
	Send(ctx context.Context, url string, body []byte) ([]byte, error)
}

// Func adapts a function to Transport.
type Func func(ctx context.Context, url string, body []byte) ([]byte, error)

func (f Func) Send(ctx context.Context, url string, body []byte) ([]byte, error) {
	return f(ctx, url, body)
}

// NetworkError reports a failure to obtain any response from the authority.
type NetworkError struct {
	Op  string
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Timeout reports whether the failure was a deadline or network timeout.
func (e *NetworkError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(e.Err, &ne) && ne.Timeout()
}

// StatusError is a non-2xx response. Body is the raw, unauthenticated payload.
type StatusError struct {
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.StatusCode)
}

// Retryable reports whether the status indicates a server-side or throttling
// condition rather than a rejected request.
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// HTTPOption configures an HTTP transport.
type HTTPOption func(*HTTP)

// WithHTTPClient sets a custom HTTP client.
// The client's Timeout will be overridden by WithTimeout (or the default 10s).
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTP) {
		h.client = c
	}
}

// WithTimeout sets the HTTP client timeout. Default is 10 seconds.
func WithTimeout(d time.Duration) HTTPOption {
	return func(h *HTTP) {
		h.timeout = d
	}
}

// WithUserAgent sets the User-Agent header sent with requests.
func WithUserAgent(ua string) HTTPOption {
	return func(h *HTTP) {
		h.userAgent = ua
	}
}

// WithAPIKey sets the X-API-Key header identifying the integrating product.
func WithAPIKey(key string) HTTPOption {
	return func(h *HTTP) {
		h.apiKey = key
	}
}

// WithRateLimit caps outgoing requests per second with the given burst.
// A non-positive rps disables limiting.
func WithRateLimit(rps float64, burst int) HTTPOption {
	return func(h *HTTP) {
		if rps <= 0 {
			h.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		h.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// HTTP is a Transport that POSTs JSON bodies.
type HTTP struct {
	client    *http.Client
	timeout   time.Duration // applied after all options
	userAgent string
	apiKey    string
	limiter   *rate.Limiter
}

// NewHTTP creates an HTTP transport.
func NewHTTP(opts ...HTTPOption) *HTTP {
	h := &HTTP{
		timeout:   defaultTimeout,
		userAgent: defaultUserAgent,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.client == nil {
		h.client = &http.Client{}
	}
	h.client.Timeout = h.timeout
	return h
}

// Send performs a POST with body and returns at most 1 MB of the response.
// X-Request-ID carries the request id in ctx, or a fresh one.
func (h *HTTP) Send(ctx context.Context, url string, body []byte) ([]byte, error) {
	if h.limiter != nil {
		if err := h.limiter.Wait(ctx); err != nil {
			return nil, &NetworkError{Op: "rate limit", URL: url, Err: err}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	id := telemetry.RequestID(ctx)
	if id == "" {
		id = uuid.NewString()
	}
	req.Header.Set("X-Request-ID", id)
	if h.apiKey != "" {
		req.Header.Set("X-API-Key", h.apiKey)
	}
	if h.userAgent != "" {
		req.Header.Set("User-Agent", h.userAgent)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: "http request", URL: url, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &NetworkError{Op: "read response", URL: url, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: respBody}
	}
	return respBody, nil
}

// Call is one recorded Send.
type Call struct {
	URL  string
	Body []byte
	At   time.Time
}

// Counting wraps a Transport and records every Send, including ones that fail.
type Counting struct {
	next Transport

	mu    sync.Mutex
	calls []Call
}

// NewCounting wraps next.
func NewCounting(next Transport) *Counting {
	return &Counting{next: next}
}

func (c *Counting) Send(ctx context.Context, url string, body []byte) ([]byte, error) {
	c.mu.Lock()
	c.calls = append(c.calls, Call{URL: url, Body: append([]byte(nil), body...), At: time.Now()})
	c.mu.Unlock()
	return c.next.Send(ctx, url, body)
}

// Count returns the number of Sends so far.
func (c *Counting) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

// Calls returns a copy of the recorded calls.
func (c *Counting) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.calls...)
}

// Reset forgets recorded calls.
func (c *Counting) Reset() {
	c.mu.Lock()
	c.calls = nil
	c.mu.Unlock()
}
