package resilience

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestBreaker_OpensAfterTransientFailures(t *testing.T) {
	hb := NewHostBreakers(BreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})
	b := hb.Get("portal.example")

	for range 3 {
		if err := b.Allow(); err != nil {
			t.Fatalf("unexpected refusal: %v", err)
		}
		b.Record(NewHTTPError(502, "u"))
	}
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %s", b.State())
	}
	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestBreaker_PermanentFailuresDoNotTrip(t *testing.T) {
	b := newBreaker("h", BreakerConfig{FailureThreshold: 2})
	for range 5 {
		_ = b.Allow()
		b.Record(NewHTTPError(404, "u"))
	}
	if b.State() != StateClosed {
		t.Errorf("expected closed, got %s", b.State())
	}
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	now := time.Now()
	var transitions []string
	b := newBreaker("h", BreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     10 * time.Second,
		OnStateChange: func(host string, from, to BreakerState) {
			transitions = append(transitions, host+":"+from.String()+">"+to.String())
		},
	})
	b.now = func() time.Time { return now }

	_ = b.Allow()
	b.Record(NewError(KindNetwork, errors.New("reset")))
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %s", b.State())
	}

	now = now.Add(11 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("probe should be allowed: %v", err)
	}
	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("second concurrent probe should be refused, got %v", err)
	}
	b.Record(nil)
	if b.State() != StateClosed {
		t.Errorf("expected closed after good probe, got %s", b.State())
	}

	want := []string{"h:closed>open", "h:open>half-open", "h:half-open>closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v", transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %q, want %q", i, transitions[i], want[i])
		}
	}
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	now := time.Now()
	b := newBreaker("h", BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Second})
	b.now = func() time.Time { return now }

	_ = b.Allow()
	b.Record(NewHTTPError(500, "u"))
	now = now.Add(2 * time.Second)
	_ = b.Allow()
	b.Record(NewHTTPError(500, "u"))

	if b.State() != StateOpen {
		t.Errorf("expected open after failed probe, got %s", b.State())
	}
	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected refusal right after reopening, got %v", err)
	}
}

func TestHostBreakers_ConcurrentGet(t *testing.T) {
	hb := NewHostBreakers(DefaultBreakerConfig())
	var wg sync.WaitGroup
	got := make([]*Breaker, 20)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = hb.Get("a.example")
		}(i)
	}
	wg.Wait()
	for _, b := range got[1:] {
		if b != got[0] {
			t.Fatal("expected a single breaker per host")
		}
	}
	if len(hb.States()) != 1 {
		t.Errorf("expected 1 host, got %d", len(hb.States()))
	}
}

func TestFromCircuitConfig(t *testing.T) {
	cfg := FromCircuitConfig(0, 5)
	if cfg.FailureThreshold != 8 {
		t.Errorf("FailureThreshold = %d", cfg.FailureThreshold)
	}
	if cfg.ResetTimeout != 5*time.Second {
		t.Errorf("ResetTimeout = %v", cfg.ResetTimeout)
	}
}
