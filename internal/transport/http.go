package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/qcloud-go/capi/internal/signing"
)

// RequestIDHeader carries a per-call identifier on every outgoing request.
const RequestIDHeader = "X-Request-ID"

// APIError is defined in transport to avoid circular imports with the parent
// client package. It describes a non-2xx HTTP response.
type APIError struct {
	StatusCode int
	Method     string
	Path       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("transport: %s %s returned %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
}

// Recorder receives per-request metrics.
type Recorder interface {
	ObserveRequest(method string, status int, d time.Duration)
	IncRetry()
}

// HTTPClient is a resilient HTTP client with retry logic, exponential backoff,
// and jitter for sending signed API requests.
type HTTPClient struct {
	client     *http.Client
	baseURL    *url.URL
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	log        *zap.Logger
	metrics    Recorder
}

// Option is a functional option for configuring HTTPClient.
type Option func(*HTTPClient)

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *HTTPClient) {
		c.client.Timeout = d
	}
}

// WithMaxRetries sets the maximum number of retry attempts.
func WithMaxRetries(n int) Option {
	return func(c *HTTPClient) {
		c.maxRetries = n
	}
}

// WithBaseDelay sets the base delay for exponential backoff.
func WithBaseDelay(d time.Duration) Option {
	return func(c *HTTPClient) {
		c.baseDelay = d
	}
}

// WithMaxDelay sets the maximum delay cap for exponential backoff.
func WithMaxDelay(d time.Duration) Option {
	return func(c *HTTPClient) {
		c.maxDelay = d
	}
}

// WithLogger sets the logger used for retry and failure reporting.
func WithLogger(l *zap.Logger) Option {
	return func(c *HTTPClient) {
		if l != nil {
			c.log = l
		}
	}
}

// WithRecorder enables request metrics.
func WithRecorder(r Recorder) Option {
	return func(c *HTTPClient) {
		c.metrics = r
	}
}

// NewHTTPClient creates a new HTTPClient. When baseURL is non-empty its scheme
// and host replace those of every signed URL, so requests signed for the
// public endpoint can be routed through a proxy or a test server.
// Default configuration: timeout=10s, maxRetries=3, baseDelay=100ms, maxDelay=5s.
func NewHTTPClient(baseURL string, opts ...Option) (*HTTPClient, error) {
	c := &HTTPClient{
		client:     &http.Client{Timeout: 10 * time.Second},
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   5 * time.Second,
		log:        zap.NewNop(),
	}
	if baseURL != "" {
		u, err := url.Parse(strings.TrimRight(baseURL, "/"))
		if err != nil {
			return nil, fmt.Errorf("transport: parsing base URL: %w", err)
		}
		if u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("transport: base URL %q needs a scheme and host", baseURL)
		}
		c.baseURL = u
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Execute sends a signed request. GET requests carry their parameters in the
// URL; other methods send Body with its ContentType.
func (c *HTTPClient) Execute(ctx context.Context, sr signing.SignedRequest) (*http.Response, error) {
	req, err := c.newRequest(ctx, sr)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

// DoJSON executes the signed request through the retry-aware client and
// unmarshals the JSON response body into a value of type T.
func DoJSON[T any](ctx context.Context, c *HTTPClient, sr signing.SignedRequest) (T, error) {
	var zero T

	resp, err := c.Execute(ctx, sr)
	if err != nil {
		return zero, err
	}

	body, err := ParseResponse(resp)
	if err != nil {
		return zero, err
	}

	var result T
	if err := json.Unmarshal(body, &result); err != nil {
		return zero, fmt.Errorf("transport: unmarshalling response: %w", err)
	}
	return result, nil
}

// do executes the HTTP request with retry logic, exponential backoff, and jitter.
// It buffers the request body upfront so retries can replay it.
func (c *HTTPClient) do(req *http.Request) (*http.Response, error) {
	start := time.Now()
	log := c.log.With(
		zap.String("method", req.Method),
		zap.String("host", req.URL.Host),
		zap.String("request_id", req.Header.Get(RequestIDHeader)),
	)

	// Buffer the request body so we can replay it on retries.
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("transport: reading request body: %w", err)
		}
		req.Body.Close()
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if err := req.Context().Err(); err != nil {
			c.observe(req.Method, 0, start)
			return nil, err
		}
		if attempt > 0 && c.metrics != nil {
			c.metrics.IncRetry()
		}

		if bodyBytes != nil {
			req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
			req.ContentLength = int64(len(bodyBytes))
		}

		resp, err := c.client.Do(req)
		if err != nil {
			if !isRetryableError(err) {
				c.observe(req.Method, 0, start)
				return nil, err
			}
			lastErr = err
			log.Warn("request failed, retrying", zap.Int("attempt", attempt+1), zap.Error(err))
			if attempt < c.maxRetries {
				if waitErr := c.backoff(req.Context(), attempt, 0); waitErr != nil {
					c.observe(req.Method, 0, start)
					return nil, waitErr
				}
			}
			continue
		}

		if !isRetryableStatus(resp.StatusCode) {
			c.observe(req.Method, resp.StatusCode, start)
			log.Debug("request done",
				zap.Int("status", resp.StatusCode),
				zap.Duration("latency", time.Since(start)))
			return resp, nil
		}

		// Drain so the connection can be reused.
		drainBody(resp)
		lastErr = &APIError{
			StatusCode: resp.StatusCode,
			Method:     req.Method,
			Path:       req.URL.Path,
			Message:    http.StatusText(resp.StatusCode),
		}
		log.Warn("retryable status", zap.Int("attempt", attempt+1), zap.Int("status", resp.StatusCode))

		if attempt < c.maxRetries {
			retryAfter := parseRetryAfter(resp)
			if waitErr := c.backoff(req.Context(), attempt, retryAfter); waitErr != nil {
				c.observe(req.Method, 0, start)
				return nil, waitErr
			}
		}
	}

	c.observe(req.Method, 0, start)
	return nil, fmt.Errorf("transport: request failed after %d attempts: %w", c.maxRetries+1, lastErr)
}

func (c *HTTPClient) observe(method string, status int, start time.Time) {
	if c.metrics != nil {
		c.metrics.ObserveRequest(method, status, time.Since(start))
	}
}

// backoff sleeps for an exponentially increasing duration with jitter, capped
// at maxDelay. If retryAfterSec is positive (from a Retry-After header), that
// value is used instead.
func (c *HTTPClient) backoff(ctx context.Context, attempt int, retryAfterSec int) error {
	var delay time.Duration
	if retryAfterSec > 0 {
		delay = time.Duration(retryAfterSec) * time.Second
	} else {
		exp := math.Pow(2, float64(attempt))
		delay = time.Duration(float64(c.baseDelay) * exp)
		if delay > c.maxDelay {
			delay = c.maxDelay
		}
		// Jitter in [0.75, 1.25].
		jitter := 0.75 + rand.Float64()*0.5
		delay = time.Duration(float64(delay) * jitter)
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// parseRetryAfter extracts the Retry-After header value (in seconds) from an
// HTTP response. Returns 0 if the header is absent or unparseable.
func parseRetryAfter(resp *http.Response) int {
	val := resp.Header.Get("Retry-After")
	if val == "" {
		return 0
	}
	secs, err := strconv.Atoi(val)
	if err != nil || secs < 0 {
		return 0
	}
	return secs
}

// drainBody reads and closes the response body so the underlying connection
// can be returned to the pool.
func drainBody(resp *http.Response) {
	if resp.Body != nil {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
}

// isRetryableError reports whether a network-level error is transient and the
// request should be retried.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	// NXDOMAIN is permanent.
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return !dnsErr.IsNotFound
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe")
}

// isRetryableStatus reports whether an HTTP status code indicates a transient
// failure: 429 and all 5xx.
func isRetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// newRequest builds an *http.Request from a signed request, applying the base
// URL override and a fresh request id.
func (c *HTTPClient) newRequest(ctx context.Context, sr signing.SignedRequest) (*http.Request, error) {
	target, err := url.Parse(sr.URL)
	if err != nil {
		return nil, fmt.Errorf("transport: parsing request URL: %w", err)
	}
	if c.baseURL != nil {
		target.Scheme = c.baseURL.Scheme
		target.Host = c.baseURL.Host
		target.Path = c.baseURL.Path + target.Path
	}

	method := sr.Method
	if method == "" {
		method = http.MethodGet
	}

	var bodyReader io.Reader
	if method != http.MethodGet && sr.Body != "" {
		bodyReader = strings.NewReader(sr.Body)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), bodyReader)
	if err != nil {
		return nil, fmt.Errorf("transport: creating request: %w", err)
	}
	if bodyReader != nil && sr.ContentType != "" {
		req.Header.Set("Content-Type", sr.ContentType)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(RequestIDHeader, uuid.NewString())
	return req, nil
}

// ParseResponse reads the response body and checks the HTTP status.
// On success (2xx), it returns the raw body bytes; otherwise an *APIError.
func ParseResponse(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("transport: reading response body: %w", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}

	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	return nil, &APIError{
		StatusCode: resp.StatusCode,
		Method:     resp.Request.Method,
		Path:       resp.Request.URL.Path,
		Message:    msg,
	}
}
