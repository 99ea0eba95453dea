// Package vco provides the HTTP client adapter for the VeloCloud
// Orchestrator portal API: request signing, page fetching, error
// classification, and retry with independent transient and rate-limit
// budgets.
package vco

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/vcotools/vco-collector/pkg/logging"
)

// Prometheus metrics for orchestrator requests.
var (
	vcoRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vco_requests_total",
		Help: "Total orchestrator requests by endpoint and status",
	}, []string{"endpoint", "status"})

	vcoRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vco_request_duration_seconds",
		Help:    "Orchestrator request duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"endpoint"})

	vcoErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vco_errors_total",
		Help: "Total orchestrator errors by class",
	}, []string{"class"})

	vcoResponseBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vco_response_bytes_total",
		Help: "Total response payload bytes by endpoint",
	}, []string{"endpoint"})
)

// Limiter gates requests on a rate-limit cooldown that may be shared
// across collector processes. Implementations live in pkg/ratelimit.
type Limiter interface {
	// Wait blocks until any active cooldown has expired or ctx is done.
	Wait(ctx context.Context) error

	// Cooldown records that the orchestrator asked for a pause of d.
	Cooldown(ctx context.Context, d time.Duration) error
}

// Page is one decoded orchestrator response page.
type Page struct {
	// Records is the raw "data" array, order preserved.
	Records []json.RawMessage

	// More reports whether the orchestrator advertises a further page.
	More bool

	// NextPageLink is the continuation token for the next page, empty
	// when the orchestrator sent none.
	NextPageLink string

	// Bytes is the size of the response payload.
	Bytes int

	// Duration covers the whole fetch including retries and backoff.
	Duration time.Duration

	// Attempts is the number of HTTP calls made for this page.
	Attempts int

	// TransientRetries and RateLimitRetries are the per-budget retry
	// counts charged to this page.
	TransientRetries int
	RateLimitRetries int
}

// Config holds the client configuration.
type Config struct {
	// BaseURL is the API base, e.g. "https://vco99-us.velocloud.net/portal/rest/".
	BaseURL string

	// AuthToken is sent as "Authorization: Token <AuthToken>".
	AuthToken string

	// Timeout bounds a single HTTP call. Mandatory; New applies a
	// default when zero so no call can hang indefinitely.
	Timeout time.Duration

	// InsecureSkipVerify disables TLS certificate verification, for
	// orchestrators fronted by self-signed certificates.
	InsecureSkipVerify bool

	// Retry is the per-page retry policy.
	Retry RetryConfig

	// Limiter is the shared rate-limit gate. Optional.
	Limiter Limiter
}

// DefaultTimeout bounds a single orchestrator call.
const DefaultTimeout = 60 * time.Second

// Client issues authenticated page requests against the orchestrator.
type Client struct {
	httpClient *http.Client
	baseURL    string
	authHeader string
	retry      RetryConfig
	limiter    Limiter
	logger     zerolog.Logger
}

// New creates a new orchestrator client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if cfg.AuthToken == "" {
		return nil, fmt.Errorf("auth token is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryConfig()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	limiter := cfg.Limiter
	if limiter == nil {
		limiter = NopLimiter{}
	}

	return &Client{
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/") + "/",
		authHeader: "Token " + cfg.AuthToken,
		retry:      cfg.Retry,
		limiter:    limiter,
		logger:     logging.NewLogger("vco-client"),
	}, nil
}

// NopLimiter allows every request immediately.
type NopLimiter struct{}

// Wait implements Limiter.
func (NopLimiter) Wait(context.Context) error { return nil }

// Cooldown implements Limiter.
func (NopLimiter) Cooldown(context.Context, time.Duration) error { return nil }

// FetchPage POSTs one page request and decodes the response envelope.
// Transient failures and rate limits are retried per the client's retry
// policy; the returned error is always classified (see Classify).
func (c *Client) FetchPage(ctx context.Context, path string, body any) (*Page, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request body: %w", err)
	}
	url := c.baseURL + strings.TrimPrefix(path, "/")

	start := time.Now()
	defer func() {
		vcoRequestDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
	}()

	var page *Page
	stats, err := retryWithBackoff(ctx, c.retry, c.logger, func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: %v", ErrContextCancelled, err)
		}
		attemptErr := c.fetchOnce(ctx, url, path, payload, &page)
		if apiErr, ok := asAPIError(attemptErr); ok && apiErr.Class == ClassRateLimited {
			// Share the cooldown so sibling collectors back off too.
			wait := apiErr.RetryAfter
			if wait < c.retry.RateLimitMinBackoff {
				wait = c.retry.RateLimitMinBackoff
			}
			if err := c.limiter.Cooldown(ctx, wait); err != nil {
				c.logger.Warn().Err(err).Msg("Failed to record shared cooldown")
			}
		}
		return attemptErr
	})
	if err != nil {
		return nil, err
	}

	page.Duration = time.Since(start)
	page.Attempts = stats.Attempts
	page.TransientRetries = stats.TransientRetries
	page.RateLimitRetries = stats.RateLimitRetries

	mbps := 0.0
	if secs := page.Duration.Seconds(); secs > 0 {
		mbps = float64(page.Bytes) * 8 / (secs * 1_000_000)
	}
	c.logger.Info().
		Str("endpoint", path).
		Int("bytes", page.Bytes).
		Dur("duration", page.Duration).
		Float64("mbps", mbps).
		Int("records", len(page.Records)).
		Msg("Page transferred")

	return page, nil
}

// fetchOnce performs a single HTTP attempt and decodes the envelope.
func (c *Client) fetchOnce(ctx context.Context, url, path string, payload []byte, out **Page) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", c.authHeader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		vcoErrorsTotal.WithLabelValues(string(ClassTransient)).Inc()
		vcoRequestsTotal.WithLabelValues(path, "network_error").Inc()
		return fmt.Errorf("http post: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		vcoErrorsTotal.WithLabelValues(string(ClassTransient)).Inc()
		vcoRequestsTotal.WithLabelValues(path, "read_error").Inc()
		return fmt.Errorf("read response body: %w", err)
	}

	vcoRequestsTotal.WithLabelValues(path, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode != http.StatusOK {
		class := classifyStatus(resp.StatusCode)
		vcoErrorsTotal.WithLabelValues(string(class)).Inc()
		return &APIError{
			StatusCode: resp.StatusCode,
			Class:      class,
			Message:    truncateBody(raw),
			RetryAfter: parseRetryAfter(resp.Header),
		}
	}

	page, err := decodePage(raw)
	if err != nil {
		vcoErrorsTotal.WithLabelValues(string(ClassMalformed)).Inc()
		return err
	}

	vcoResponseBytes.WithLabelValues(path).Add(float64(len(raw)))
	*out = page
	return nil
}

// decodePage parses the orchestrator envelope
// {"data": [...], "metaData": {"more": bool, "nextPageLink": "..."}}.
// A 200 response without a "data" key is how the orchestrator reports an
// invalid token, so its absence is malformed, never end-of-data.
func decodePage(raw []byte) (*Page, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, &APIError{
			StatusCode: http.StatusOK,
			Class:      ClassMalformed,
			Message:    "response is not a JSON object",
			Err:        err,
		}
	}

	dataRaw, ok := envelope["data"]
	if !ok {
		return nil, &APIError{
			StatusCode: http.StatusOK,
			Class:      ClassMalformed,
			Message:    "response missing 'data' key: " + truncateBody(raw),
		}
	}

	var records []json.RawMessage
	if err := json.Unmarshal(dataRaw, &records); err != nil {
		return nil, &APIError{
			StatusCode: http.StatusOK,
			Class:      ClassMalformed,
			Message:    "'data' is not an array",
			Err:        err,
		}
	}

	page := &Page{
		Records: records,
		Bytes:   len(raw),
	}

	if metaRaw, ok := envelope["metaData"]; ok {
		var meta struct {
			More         bool   `json:"more"`
			NextPageLink string `json:"nextPageLink"`
		}
		if err := json.Unmarshal(metaRaw, &meta); err != nil {
			return nil, &APIError{
				StatusCode: http.StatusOK,
				Class:      ClassMalformed,
				Message:    "'metaData' has unexpected shape",
				Err:        err,
			}
		}
		page.More = meta.More
		page.NextPageLink = meta.NextPageLink
	}

	return page, nil
}

// parseRetryAfter reads the Retry-After header as delta seconds or an
// HTTP date. Returns 0 when absent or unparseable.
func parseRetryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func asAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// truncateBody keeps error messages readable when the orchestrator
// returns large HTML error pages.
func truncateBody(raw []byte) string {
	const max = 512
	s := strings.TrimSpace(string(raw))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
