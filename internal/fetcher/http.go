package fetcher

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/portal-sync/internal/request"
	"github.com/sells-group/portal-sync/internal/resilience"
)

// Options configures the HTTP client.
type Options struct {
	UserAgent string

	// Timeout overrides the vendor profile's per-call timeout when > 0.
	Timeout time.Duration

	// RatePerSec is the initial per-host request rate.
	RatePerSec float64

	Retry   resilience.RetryConfig
	Circuit resilience.BreakerConfig

	// Transport replaces the default transport, mainly for tests.
	Transport http.RoundTripper
}

// AdaptiveLimiter wraps a rate.Limiter whose rate halves on 429 responses
// (down to a quarter of the initial rate) and recovers by 20% on each
// success (up to the initial rate).
type AdaptiveLimiter struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	initialRate rate.Limit
	minRate     rate.Limit
	currentRate rate.Limit
}

// NewAdaptiveLimiter creates an adaptive limiter starting at r.
func NewAdaptiveLimiter(r rate.Limit, burst int) *AdaptiveLimiter {
	return &AdaptiveLimiter{
		limiter:     rate.NewLimiter(r, burst),
		initialRate: r,
		minRate:     r / 4,
		currentRate: r,
	}
}

// Wait blocks until the limiter allows a request.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// OnSuccess raises the rate by 20%, never above the initial rate.
func (a *AdaptiveLimiter) OnSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.currentRate >= a.initialRate {
		return
	}
	a.currentRate = min(a.currentRate*1.2, a.initialRate)
	a.limiter.SetLimit(a.currentRate)
}

// OnRateLimit halves the rate.
func (a *AdaptiveLimiter) OnRateLimit() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.currentRate = max(a.currentRate*0.5, a.minRate)
	a.limiter.SetLimit(a.currentRate)
}

// Limit returns the current rate.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentRate
}

// Client fetches portal URLs with per-host throttling, retries and circuit
// breaking. It is safe for concurrent use.
type Client struct {
	http     *http.Client
	opts     Options
	breakers *resilience.HostBreakers

	mu       sync.Mutex
	limiters map[string]*AdaptiveLimiter
}

// New creates a Client.
func New(opts Options) *Client {
	if opts.UserAgent == "" {
		opts.UserAgent = "portal-sync/1.0"
	}
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = 2
	}
	transport := opts.Transport
	if transport == nil {
		transport = &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConnsPerHost: 10,
			MaxConnsPerHost:     20,
			IdleConnTimeout:     90 * time.Second,
		}
	}
	circuit := opts.Circuit
	if circuit.OnStateChange == nil {
		circuit.OnStateChange = func(host string, from, to resilience.BreakerState) {
			zap.L().Warn("portal circuit breaker state change",
				zap.String("host", host),
				zap.Stringer("from", from),
				zap.Stringer("to", to),
			)
		}
	}
	return &Client{
		http:     &http.Client{Transport: transport},
		opts:     opts,
		breakers: resilience.NewHostBreakers(circuit),
		limiters: make(map[string]*AdaptiveLimiter),
	}
}

func (c *Client) limiterFor(host string) *AdaptiveLimiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	lim, ok := c.limiters[host]
	if !ok {
		burst := max(int(c.opts.RatePerSec), 1)
		lim = NewAdaptiveLimiter(rate.Limit(c.opts.RatePerSec), burst)
		c.limiters[host] = lim
	}
	return lim
}

// Breakers exposes the per-host breaker registry for status reporting.
func (c *Client) Breakers() *resilience.HostBreakers {
	return c.breakers
}

// Fetch downloads rawURL and decodes it according to the vendor profile.
// Failures are *resilience.Error values carrying their Kind.
func (c *Client) Fetch(ctx context.Context, rawURL string, p request.Profile) (*Page, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return nil, resilience.NewError(resilience.KindNetwork, eris.Errorf("invalid url %q", rawURL))
	}

	retry := c.opts.Retry
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger(rawURL)
	}

	var status int
	body, err := resilience.DoVal(ctx, retry, func(ctx context.Context) ([]byte, error) {
		b, code, err := c.attempt(ctx, u, p)
		status = code
		return b, err
	})
	if err != nil {
		return nil, err
	}

	page, err := Decode(body, p)
	if err != nil {
		return nil, err
	}
	page.URL = rawURL
	page.Status = status
	page.Bytes = len(body)
	return page, nil
}

func (c *Client) attempt(ctx context.Context, u *url.URL, p request.Profile) ([]byte, int, error) {
	lim := c.limiterFor(u.Host)
	if err := lim.Wait(ctx); err != nil {
		return nil, 0, resilience.NewError(resilience.KindNetwork, eris.Wrap(err, "rate limiter wait"))
	}

	breaker := c.breakers.Get(u.Host)
	if err := breaker.Allow(); err != nil {
		return nil, 0, resilience.NewError(resilience.KindNetwork, eris.Wrapf(err, "host %s", u.Host))
	}

	body, status, err := c.get(ctx, u.String(), c.timeout(p))
	breaker.Record(err)

	switch {
	case status == http.StatusTooManyRequests:
		lim.OnRateLimit()
		zap.L().Warn("rate limited by portal, slowing down",
			zap.String("host", u.Host),
			zap.Float64("new_rate", float64(lim.Limit())),
		)
	case err == nil:
		lim.OnSuccess()
	}
	return body, status, err
}

func (c *Client) timeout(p request.Profile) time.Duration {
	if c.opts.Timeout > 0 {
		return c.opts.Timeout
	}
	if p.Timeout > 0 {
		return p.Timeout
	}
	return 30 * time.Second
}

func (c *Client) get(ctx context.Context, rawURL string, timeout time.Duration) ([]byte, int, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, resilience.NewError(resilience.KindNetwork, eris.Wrap(err, "create request"))
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	req.Header.Set("Accept", "application/json, text/xml;q=0.9, */*;q=0.8")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, resilience.NewError(resilience.KindNetwork, eris.Wrap(err, "get"))
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, resp.StatusCode, resilience.NewHTTPError(resp.StatusCode, rawURL)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, resilience.NewError(resilience.KindNetwork, eris.Wrap(err, "read body"))
	}
	return body, resp.StatusCode, nil
}
