// Package backend is the HTTP client for the Jeomgeuri backend: Braille
// conversion, AI question answering (plain and Server-Sent Events), lesson
// content and the review queue.
//
// Every endpoint sits behind its own circuit breaker and is recorded in the
// backend request metrics. Requests made under a context obtained from
// [Latest.Begin] fail with [ErrSuperseded] once a newer request of the same
// kind starts.
//
// Typical usage:
//
//	c, err := backend.New("http://localhost:8000", backend.WithTimeout(10*time.Second))
//	cells, err := c.ConvertBraille(ctx, "안녕", backend.ModeWord)
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jeomgeuri/jeomgeuri/internal/observe"
	"github.com/jeomgeuri/jeomgeuri/internal/resilience"
	"github.com/jeomgeuri/jeomgeuri/pkg/braille"
)

// Compile-time interface assertions.
var (
	_ braille.Converter = (*Client)(nil)
	_ LessonSource      = (*Client)(nil)
	_ ReviewSink        = (*Client)(nil)
)

const (
	defaultTimeout = 15 * time.Second

	convertEndpoint = "/api/braille/convert"
	askEndpoint     = "/api/chat/ask"
	streamEndpoint  = "/api/chat/ask/stream"
	learnEndpoint   = "/api/learn/"
	reviewEndpoint  = "/api/review/enqueue"
	healthEndpoint  = "/api/health"

	// maxErrorBody bounds how much of a failed response is kept in a
	// StatusError.
	maxErrorBody = 512
)

// StatusError is returned when the backend answers with a non-2xx status.
type StatusError struct {
	Endpoint string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend: %s: HTTP %d", e.Endpoint, e.Code)
	}
	return fmt.Sprintf("backend: %s: HTTP %d: %s", e.Endpoint, e.Code, e.Body)
}

// Temporary reports whether retrying later may succeed.
func (e *StatusError) Temporary() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests || e.Code == http.StatusRequestTimeout
}

// Option is a functional option for configuring a [Client].
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout. Streaming requests are bounded
// by their context only. Default: 15s.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithBreaker sets the configuration used for each endpoint's circuit
// breaker. Name and IsFailure are set by the client.
func WithBreaker(cfg resilience.CircuitBreakerConfig) Option {
	return func(c *Client) { c.breakerCfg = cfg }
}

// WithMetrics overrides the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// Client talks to the Jeomgeuri backend. It is safe for concurrent use.
type Client struct {
	baseURL    string
	http       *http.Client
	timeout    time.Duration
	metrics    *observe.Metrics
	breakerCfg resilience.CircuitBreakerConfig

	mu       sync.Mutex
	breakers map[string]*resilience.CircuitBreaker
}

// New creates a Client for the backend at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("backend: base URL must not be empty")
	}
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("backend: base URL %q must use http or https", baseURL)
	}
	c := &Client{
		baseURL:  baseURL,
		http:     &http.Client{},
		timeout:  defaultTimeout,
		breakers: make(map[string]*resilience.CircuitBreaker),
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c, nil
}

// BaseURL returns the backend base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// ConvertBraille converts text into Braille cells.
func (c *Client) ConvertBraille(ctx context.Context, text string, mode Mode) ([]braille.Cell, error) {
	if mode == "" {
		mode = ModeWord
	}
	var resp convertWire
	body := map[string]string{"text": text, "mode": string(mode)}
	if err := c.doJSON(ctx, "convert", http.MethodPost, convertEndpoint, body, &resp); err != nil {
		return nil, err
	}
	if resp.OK != nil && !*resp.OK {
		msg := resp.Error
		if msg == "" {
			msg = "conversion rejected"
		}
		return nil, fmt.Errorf("backend: convert: %s", msg)
	}
	if len(resp.Cells) == 0 {
		return []braille.Cell{}, nil
	}
	return braille.Normalize(resp.Cells), nil
}

// Convert implements [braille.Converter] using word mode.
func (c *Client) Convert(ctx context.Context, text string) ([]braille.Cell, error) {
	return c.ConvertBraille(ctx, text, ModeWord)
}

// Ask sends a question to the AI endpoint.
func (c *Client) Ask(ctx context.Context, req AskRequest) (ChatResponse, error) {
	if strings.TrimSpace(req.Q) == "" {
		return ChatResponse{}, errors.New("backend: ask: empty question")
	}
	var resp chatWire
	if err := c.doJSON(ctx, "ask", http.MethodPost, askEndpoint, req, &resp); err != nil {
		return ChatResponse{}, err
	}
	if resp.OK != nil && !*resp.OK && resp.Error != "" {
		return ChatResponse{}, fmt.Errorf("backend: ask: %s", resp.Error)
	}
	return resp.response(), nil
}

// Lessons returns the ordered lesson items for mode.
func (c *Client) Lessons(ctx context.Context, mode Mode) ([]Lesson, error) {
	if _, err := ParseMode(string(mode)); err != nil || mode == "" {
		return nil, fmt.Errorf("backend: lessons: unknown mode %q", mode)
	}
	var items lessonsWire
	if err := c.doJSON(ctx, "lessons", http.MethodGet, learnEndpoint+string(mode), nil, &items); err != nil {
		return nil, err
	}
	if items == nil {
		return []Lesson{}, nil
	}
	return items, nil
}

// EnqueueReview stores a missed item in the backend review queue.
func (c *Client) EnqueueReview(ctx context.Context, req ReviewRequest) error {
	if req.Kind == "" {
		return errors.New("backend: review: kind is required")
	}
	return c.doJSON(ctx, "review", http.MethodPost, reviewEndpoint, req, nil)
}

// Ping checks that the backend answers its health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	return c.doJSON(ctx, "health", http.MethodGet, healthEndpoint, nil, nil)
}

// ─── transport ──────────────────────────────────────────────────────────────

// breaker returns the circuit breaker for endpoint, creating it on first use.
func (c *Client) breaker(endpoint string) *resilience.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[endpoint]; ok {
		return cb
	}
	cfg := c.breakerCfg
	cfg.Name = "backend." + endpoint
	cfg.IsFailure = isBackendFailure
	cb := resilience.NewCircuitBreaker(cfg)
	c.breakers[endpoint] = cb
	return cb
}

// isBackendFailure excludes outcomes that say nothing about backend health.
func isBackendFailure(err error) bool {
	if errors.Is(err, ErrSuperseded) || errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return true
}

// doJSON performs a JSON request/response round trip. A nil out discards the
// response body.
func (c *Client) doJSON(ctx context.Context, endpoint, method, path string, in, out any) error {
	ctx, span := observe.StartSpan(ctx, "backend."+endpoint)
	start := time.Now()

	err := c.breaker(endpoint).Execute(func() error {
		rctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		resp, err := c.send(rctx, endpoint, method, path, in, "application/json")
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("backend: %s: decode response: %w", endpoint, err)
		}
		return nil
	})
	err = superseded(ctx, endpoint, err)

	c.metrics.RecordBackendRequest(ctx, endpoint, statusLabel(err), time.Since(start))
	observe.EndSpan(span, err)
	if err != nil {
		observe.Logger(ctx).Debug("backend: request failed", "endpoint", endpoint, "err", err)
	}
	return err
}

// send builds and executes a request, mapping non-2xx responses to
// [StatusError]. The caller closes the body of a successful response.
func (c *Client) send(ctx context.Context, endpoint, method, path string, in any, accept string) (*http.Response, error) {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("backend: %s: encode request: %w", endpoint, err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("backend: %s: build request: %w", endpoint, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", accept)
	if id := observe.CorrelationID(ctx); id != "" {
		req.Header.Set("X-Correlation-ID", id)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend: %s: %w", endpoint, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{
			Endpoint: endpoint,
			Code:     resp.StatusCode,
			Body:     strings.TrimSpace(string(snippet)),
		}
	}
	return resp, nil
}

// superseded replaces err with [ErrSuperseded] when ctx was cancelled by a
// newer request. A response that arrived after supersession is discarded
// the same way.
func superseded(ctx context.Context, endpoint string, err error) error {
	if errors.Is(context.Cause(ctx), ErrSuperseded) {
		return fmt.Errorf("backend: %s: %w", endpoint, ErrSuperseded)
	}
	return err
}

func statusLabel(err error) string {
	var se *StatusError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrSuperseded):
		return "superseded"
	case errors.Is(err, resilience.ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &se):
		return strconv.Itoa(se.Code)
	default:
		return "error"
	}
}
