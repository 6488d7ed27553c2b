package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errTest = errors.New("test error")

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(cfg CircuitBreakerConfig) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	cb := NewCircuitBreaker(cfg)
	cb.now = clock.Now
	return cb, clock
}

func fail(context.Context) error { return errTest }
func succeed(context.Context) error { return nil }

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "test"})
	if cb.maxFailures != DefaultMaxFailures {
		t.Errorf("maxFailures = %d, want %d", cb.maxFailures, DefaultMaxFailures)
	}
	if cb.resetTimeout != DefaultResetTimeout {
		t.Errorf("resetTimeout = %v, want %v", cb.resetTimeout, DefaultResetTimeout)
	}
	if cb.halfOpenMax != DefaultHalfOpenMax {
		t.Errorf("halfOpenMax = %d, want %d", cb.halfOpenMax, DefaultHalfOpenMax)
	}
	if cb.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_ClosedToOpen(t *testing.T) {
	cb, _ := newTestBreaker(CircuitBreakerConfig{MaxFailures: 3, ResetTimeout: time.Minute})
	ctx := context.Background()

	for range 3 {
		if err := cb.Do(ctx, fail); !errors.Is(err, errTest) {
			t.Fatalf("Do = %v, want errTest", err)
		}
	}
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}

	called := false
	err := cb.Do(ctx, func(context.Context) error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) || called {
		t.Errorf("Do while open = %v (called %v), want ErrCircuitOpen", err, called)
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(CircuitBreakerConfig{MaxFailures: 3})
	ctx := context.Background()

	_ = cb.Do(ctx, fail)
	_ = cb.Do(ctx, fail)
	_ = cb.Do(ctx, succeed)
	_ = cb.Do(ctx, fail)
	_ = cb.Do(ctx, fail)

	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenToClosed(t *testing.T) {
	cb, clock := newTestBreaker(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Minute, HalfOpenMax: 2})
	ctx := context.Background()

	_ = cb.Do(ctx, fail)
	clock.Advance(time.Minute)
	if cb.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half-open", cb.State())
	}

	for range 2 {
		if err := cb.Do(ctx, succeed); err != nil {
			t.Fatalf("probe: %v", err)
		}
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenToOpen(t *testing.T) {
	cb, clock := newTestBreaker(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Minute})
	ctx := context.Background()

	_ = cb.Do(ctx, fail)
	clock.Advance(time.Minute)
	_ = cb.Do(ctx, fail)

	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}
	// The reset timeout restarts from the failed probe.
	clock.Advance(30 * time.Second)
	if err := cb.Do(ctx, succeed); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Do = %v, want ErrCircuitOpen", err)
	}
}

func TestCircuitBreaker_CallerCancellationNotCounted(t *testing.T) {
	cb, _ := newTestBreaker(CircuitBreakerConfig{MaxFailures: 1})

	ctx, cancel := context.WithCancel(context.Background())
	err := cb.Do(ctx, func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Do = %v, want Canceled", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}

	// A done context is rejected before fn runs.
	called := false
	_ = cb.Do(ctx, func(context.Context) error { called = true; return nil })
	if called {
		t.Error("fn called with a done context")
	}
}

func TestCircuitBreaker_TimeoutCounted(t *testing.T) {
	cb, _ := newTestBreaker(CircuitBreakerConfig{MaxFailures: 1})
	err := cb.Do(context.Background(), func(context.Context) error {
		return context.DeadlineExceeded
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Do = %v", err)
	}
	if cb.State() != StateOpen {
		t.Errorf("state = %v, want open", cb.State())
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	type change struct{ from, to State }
	var got []change
	cb, clock := newTestBreaker(CircuitBreakerConfig{
		Name:         "sink:db",
		MaxFailures:  1,
		ResetTimeout: time.Second,
		HalfOpenMax:  1,
		OnStateChange: func(name string, from, to State) {
			if name != "sink:db" {
				t.Errorf("name = %q", name)
			}
			got = append(got, change{from, to})
		},
	})
	ctx := context.Background()

	_ = cb.Do(ctx, fail)
	clock.Advance(time.Second)
	_ = cb.Do(ctx, succeed)

	want := []change{
		{StateClosed, StateOpen},
		{StateOpen, StateHalfOpen},
		{StateHalfOpen, StateClosed},
	}
	if len(got) != len(want) {
		t.Fatalf("changes = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("change %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb, _ := newTestBreaker(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour})
	_ = cb.Do(context.Background(), fail)
	cb.Reset()
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}
	if err := cb.Do(context.Background(), succeed); err != nil {
		t.Errorf("Do after reset = %v", err)
	}
}

func TestState_String(t *testing.T) {
	for s, want := range map[State]string{
		StateClosed: "closed", StateOpen: "open", StateHalfOpen: "half-open", State(9): "unknown",
	} {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}
