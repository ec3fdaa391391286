package fetcher

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/repusense/internal/resilience"
)

// AdaptiveLimiter wraps a rate.Limiter that backs off on 429 responses.
// A 429 halves the rate (down to a quarter of the initial rate); each
// success recovers 20% of it, never above the initial rate.
type AdaptiveLimiter struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	initialRate rate.Limit
	minRate     rate.Limit
	currentRate rate.Limit
}

// NewAdaptiveLimiter creates a limiter starting at initialRate.
func NewAdaptiveLimiter(initialRate rate.Limit, burst int) *AdaptiveLimiter {
	return &AdaptiveLimiter{
		limiter:     rate.NewLimiter(initialRate, burst),
		initialRate: initialRate,
		minRate:     initialRate / 4,
		currentRate: initialRate,
	}
}

// IntervalLimiter allows one request per interval. A non-positive interval
// means unlimited.
func IntervalLimiter(interval time.Duration) *AdaptiveLimiter {
	if interval <= 0 {
		return NewAdaptiveLimiter(rate.Inf, 1)
	}
	return NewAdaptiveLimiter(rate.Every(interval), 1)
}

// Wait blocks until the limiter allows an event.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// OnSuccess moves the rate back toward the initial rate.
func (a *AdaptiveLimiter) OnSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.currentRate >= a.initialRate {
		return
	}
	newRate := a.currentRate * 1.2
	if newRate > a.initialRate {
		newRate = a.initialRate
	}
	a.currentRate = newRate
	a.limiter.SetLimit(newRate)
}

// OnRateLimit halves the rate.
func (a *AdaptiveLimiter) OnRateLimit() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.initialRate == rate.Inf {
		return
	}
	newRate := a.currentRate * 0.5
	if newRate < a.minRate {
		newRate = a.minRate
	}
	a.currentRate = newRate
	a.limiter.SetLimit(newRate)
	zap.L().Warn("fetcher: rate limited, reducing request rate",
		zap.Float64("new_rate", float64(newRate)),
	)
}

// Limit returns the current rate limit.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentRate
}

// HTTPOptions configures an HTTPClient.
type HTTPOptions struct {
	UserAgent string
	Timeout   time.Duration
	// Limiter is shared by every request made through the client.
	Limiter *AdaptiveLimiter
	// Retry controls retries of transport failures, 429 and 5xx.
	Retry resilience.Policy
	// Service names the remote in errors and logs.
	Service string
}

// HTTPClient issues rate-limited GET requests with retries.
type HTTPClient struct {
	client *http.Client
	opts   HTTPOptions
}

// NewHTTPClient creates an HTTPClient with the given options.
func NewHTTPClient(opts HTTPOptions) *HTTPClient {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "repusense/1.0"
	}
	if opts.Limiter == nil {
		opts.Limiter = IntervalLimiter(0)
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = resilience.DefaultPolicy()
	}
	if opts.Service == "" {
		opts.Service = "http"
	}
	if opts.Retry.OnRetry == nil {
		opts.Retry.OnRetry = resilience.LogRetry(opts.Service, "get")
	}
	transport := &http.Transport{
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     20,
		IdleConnTimeout:     90 * time.Second,
	}
	return &HTTPClient{
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		opts: opts,
	}
}

// Get fetches rawURL and returns the body of a 200 response.
func (c *HTTPClient) Get(ctx context.Context, rawURL string) ([]byte, error) {
	return resilience.DoVal(ctx, c.opts.Retry, func(ctx context.Context) ([]byte, error) {
		return c.getOnce(ctx, rawURL)
	})
}

// GetJSON fetches rawURL and decodes the body into v.
func (c *HTTPClient) GetJSON(ctx context.Context, rawURL string, v any) error {
	body, err := c.Get(ctx, rawURL)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return eris.Wrapf(err, "%s: decode response", c.opts.Service)
	}
	return nil
}

func (c *HTTPClient) getOnce(ctx context.Context, rawURL string) ([]byte, error) {
	if err := c.opts.Limiter.Wait(ctx); err != nil {
		return nil, eris.Wrapf(err, "%s: rate limiter wait", c.opts.Service)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, eris.Wrapf(err, "%s: create request", c.opts.Service)
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrapf(err, "%s: request", c.opts.Service), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrapf(err, "%s: read body", c.opts.Service), 0)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		c.opts.Limiter.OnRateLimit()
	}
	if resp.StatusCode != http.StatusOK {
		return nil, resilience.StatusError(c.opts.Service, resp.StatusCode, body)
	}

	c.opts.Limiter.OnSuccess()
	return body, nil
}
