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

	"github.com/sells-group/portal-sync/internal/model"
	"github.com/sells-group/portal-sync/internal/request"
	"github.com/sells-group/portal-sync/internal/resilience"
)

func newTestClient() *Client {
	return New(Options{
		UserAgent:  "test-agent",
		Timeout:    5 * time.Second,
		RatePerSec: 1000,
		Retry: resilience.RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
		},
	})
}

var generic = request.ProfileFor(model.VendorGeneric)

func TestFetch_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte(`[{"id":1}]`))
	}))
	defer srv.Close()

	page, err := newTestClient().Fetch(context.Background(), srv.URL+"/contracts", generic)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, page.Status)
	assert.Equal(t, srv.URL+"/contracts", page.URL)
	assert.Equal(t, 1, page.Payload.Len())
}

func TestFetch_RetriesServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`[{"id":1}]`))
	}))
	defer srv.Close()

	_, err := newTestClient().Fetch(context.Background(), srv.URL, generic)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetch_RetryExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newTestClient().Fetch(context.Background(), srv.URL, generic)
	require.Error(t, err)
	assert.Equal(t, "HttpError(503)", resilience.LabelOf(err))
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetch_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newTestClient().Fetch(context.Background(), srv.URL, generic)
	require.Error(t, err)
	assert.Equal(t, resilience.KindHTTP, resilience.KindOf(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetch_RateLimitedThenOK(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"a":[1],"b":[2]}`))
	}))
	defer srv.Close()

	c := newTestClient()
	page, err := c.Fetch(context.Background(), srv.URL, generic)
	require.NoError(t, err)
	assert.Equal(t, ShapeColumnarObject, page.Payload.Shape)
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetch_EmptyBodyNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	_, err := newTestClient().Fetch(context.Background(), srv.URL, generic)
	assert.Equal(t, resilience.KindEmpty, resilience.KindOf(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetch_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c := New(Options{
		Timeout:    20 * time.Millisecond,
		RatePerSec: 1000,
		Retry:      resilience.RetryConfig{MaxAttempts: 1},
	})
	_, err := c.Fetch(context.Background(), srv.URL, generic)
	require.Error(t, err)
	assert.Equal(t, resilience.KindNetwork, resilience.KindOf(err))
}

func TestFetch_InvalidURL(t *testing.T) {
	_, err := newTestClient().Fetch(context.Background(), "::not a url", generic)
	assert.Equal(t, resilience.KindNetwork, resilience.KindOf(err))
}

func TestFetch_CircuitOpens(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(Options{
		RatePerSec: 1000,
		Retry:      resilience.RetryConfig{MaxAttempts: 1},
		Circuit:    resilience.BreakerConfig{FailureThreshold: 2, ResetTimeout: time.Hour},
	})
	for range 4 {
		_, _ = c.Fetch(context.Background(), srv.URL, generic)
	}
	assert.Equal(t, int32(2), calls.Load())
	for _, st := range c.Breakers().States() {
		assert.Equal(t, resilience.StateOpen, st)
	}
}

func TestAdaptiveLimiter(t *testing.T) {
	a := NewAdaptiveLimiter(rate.Limit(8), 1)
	a.OnRateLimit()
	assert.Equal(t, rate.Limit(4), a.Limit())
	a.OnRateLimit()
	a.OnRateLimit()
	assert.Equal(t, rate.Limit(2), a.Limit(), "floor at a quarter")

	for range 20 {
		a.OnSuccess()
	}
	assert.Equal(t, rate.Limit(8), a.Limit(), "recovers to the initial rate")
}
