// Package resilience holds the failure taxonomy, retry policy and per-host
// circuit breakers shared by the portal fetcher and the crawl engine.
package resilience

import (
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// BreakerState is the state of a host breaker.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when a request to a host is refused because its
// breaker is open.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// BreakerConfig controls a host breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive transient failures that
	// opens the breaker. Default: 8.
	FailureThreshold int

	// ResetTimeout is how long the breaker stays open before letting a
	// probe through. Default: 60s.
	ResetTimeout time.Duration

	// OnStateChange is called with the host whenever its breaker moves.
	OnStateChange func(host string, from, to BreakerState)
}

// DefaultBreakerConfig returns the defaults used for portal hosts.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 8,
		ResetTimeout:     60 * time.Second,
	}
}

// Breaker trips after repeated transient failures against one host. Only
// transient failures count: a 404 says nothing about the host's health.
type Breaker struct {
	host string
	cfg  BreakerConfig

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	probing  bool

	now func() time.Time
}

func newBreaker(host string, cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultBreakerConfig().ResetTimeout
	}
	return &Breaker{host: host, cfg: cfg, now: time.Now}
}

// Allow reports whether a request may be sent. In half-open state a single
// probe is let through until its result is recorded.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.ResetTimeout {
			return ErrCircuitOpen
		}
		b.transition(StateHalfOpen)
		b.probing = true
		return nil
	case StateHalfOpen:
		if b.probing {
			return ErrCircuitOpen
		}
		b.probing = true
		return nil
	default:
		return nil
	}
}

// Record feeds the outcome of an allowed request back into the breaker.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probing = false
	if err == nil || !IsTransient(err) {
		b.failures = 0
		if b.state != StateClosed {
			b.transition(StateClosed)
		}
		return
	}

	b.failures++
	switch b.state {
	case StateHalfOpen:
		b.openedAt = b.now()
		b.transition(StateOpen)
	case StateClosed:
		if b.failures >= b.cfg.FailureThreshold {
			b.openedAt = b.now()
			b.transition(StateOpen)
		}
	}
}

// State returns the current state without side effects.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) transition(to BreakerState) {
	from := b.state
	b.state = to
	if b.cfg.OnStateChange != nil && from != to {
		b.cfg.OnStateChange(b.host, from, to)
	}
}

// HostBreakers lazily creates one Breaker per host.
type HostBreakers struct {
	cfg BreakerConfig

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewHostBreakers creates an empty registry.
func NewHostBreakers(cfg BreakerConfig) *HostBreakers {
	return &HostBreakers{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for host, creating it on first use.
func (h *HostBreakers) Get(host string) *Breaker {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.breakers[host]
	if !ok {
		b = newBreaker(host, h.cfg)
		h.breakers[host] = b
	}
	return b
}

// States returns a snapshot of every known host's state.
func (h *HostBreakers) States() map[string]BreakerState {
	h.mu.Lock()
	hosts := make(map[string]*Breaker, len(h.breakers))
	for k, v := range h.breakers {
		hosts[k] = v
	}
	h.mu.Unlock()

	out := make(map[string]BreakerState, len(hosts))
	for k, b := range hosts {
		out[k] = b.State()
	}
	return out
}
