package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/sells-group/repusense/internal/resilience"
)

func fastRetry() resilience.Policy {
	return resilience.Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func newTestClient() *HTTPClient {
	return NewHTTPClient(HTTPOptions{
		UserAgent: "test-agent",
		Timeout:   5 * time.Second,
		Retry:     fastRetry(),
		Service:   "test",
	})
}

func TestGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte("hello world"))
	}))
	defer srv.Close()

	body, err := newTestClient().Get(context.Background(), srv.URL+"/data")
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(body))
}

func TestGetJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"name":"acme"}`))
	}))
	defer srv.Close()

	var out struct {
		Name string `json:"name"`
	}
	require.NoError(t, newTestClient().GetJSON(context.Background(), srv.URL, &out))
	assert.Equal(t, "acme", out.Name)
}

func TestGetJSON_Malformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"name":`))
	}))
	defer srv.Close()

	var out map[string]any
	err := newTestClient().GetJSON(context.Background(), srv.URL, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode response")
}

func TestGet_RetriesServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	body, err := newTestClient().Get(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
	assert.Equal(t, int32(2), calls.Load())
}

func TestGet_RetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestClient().Get(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Equal(t, int32(3), calls.Load())
}

func TestGet_NotFoundNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newTestClient().Get(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGet_RateLimitedSlowsLimiter(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	lim := NewAdaptiveLimiter(1000, 1)
	c := NewHTTPClient(HTTPOptions{Limiter: lim, Retry: fastRetry()})

	_, err := c.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Less(t, float64(lim.Limit()), 1000.0)
	assert.Equal(t, int32(2), calls.Load())
}

func TestAdaptiveLimiter(t *testing.T) {
	a := NewAdaptiveLimiter(10, 1)

	a.OnSuccess()
	assert.Equal(t, rate.Limit(10), a.Limit(), "never exceeds initial rate")

	a.OnRateLimit()
	assert.InDelta(t, 5.0, float64(a.Limit()), 0.001)
	a.OnRateLimit()
	a.OnRateLimit()
	assert.InDelta(t, 2.5, float64(a.Limit()), 0.001, "floored at a quarter")

	a.OnSuccess()
	assert.InDelta(t, 3.0, float64(a.Limit()), 0.001)
}

func TestIntervalLimiter(t *testing.T) {
	assert.Equal(t, rate.Inf, IntervalLimiter(0).Limit())
	assert.InDelta(t, 0.5, float64(IntervalLimiter(2*time.Second).Limit()), 0.0001)

	unlimited := IntervalLimiter(0)
	unlimited.OnRateLimit()
	assert.Equal(t, rate.Inf, unlimited.Limit())
}

func TestAdaptiveLimiter_WaitHonoursContext(t *testing.T) {
	a := IntervalLimiter(time.Hour)
	require.NoError(t, a.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, a.Wait(ctx))
}
