package resilience

import (
	"errors"
	"testing"
	"time"
)

var errBackendDown = errors.New("backend down")

func openBreaker(t *testing.T, cb *CircuitBreaker, failures int) {
	t.Helper()
	for range failures {
		_ = cb.Execute(func() error { return errBackendDown })
	}
	if cb.State() != StateOpen {
		t.Fatalf("state after %d failures = %v, want open", failures, cb.State())
	}
}

func TestCircuitBreaker(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "llm"})
		if cb.maxFailures != 5 || cb.resetTimeout != 30*time.Second || cb.halfOpenMax != 3 {
			t.Errorf("defaults = %d/%v/%d, want 5/30s/3",
				cb.maxFailures, cb.resetTimeout, cb.halfOpenMax)
		}
		if cb.State() != StateClosed {
			t.Errorf("initial state = %v, want closed", cb.State())
		}
	})

	t.Run("closed forwards calls", func(t *testing.T) {
		cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 3})
		called := false
		if err := cb.Execute(func() error { called = true; return nil }); err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if !called {
			t.Fatal("fn was not called")
		}
	})

	t.Run("opens after consecutive failures", func(t *testing.T) {
		cb := NewCircuitBreaker(CircuitBreakerConfig{
			MaxFailures:  3,
			ResetTimeout: time.Hour,
		})
		openBreaker(t, cb, 3)

		err := cb.Execute(func() error { return nil })
		if !errors.Is(err, ErrCircuitOpen) {
			t.Fatalf("err = %v, want ErrCircuitOpen", err)
		}
	})

	t.Run("success resets the failure count", func(t *testing.T) {
		cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 3})
		_ = cb.Execute(func() error { return errBackendDown })
		_ = cb.Execute(func() error { return errBackendDown })
		_ = cb.Execute(func() error { return nil })

		// Two more failures must not reach the threshold again.
		_ = cb.Execute(func() error { return errBackendDown })
		_ = cb.Execute(func() error { return errBackendDown })
		if cb.State() != StateClosed {
			t.Fatalf("state = %v, want closed", cb.State())
		}
	})

	t.Run("reports half-open after the reset timeout", func(t *testing.T) {
		cb := NewCircuitBreaker(CircuitBreakerConfig{
			MaxFailures:  2,
			ResetTimeout: 10 * time.Millisecond,
			HalfOpenMax:  2,
		})
		openBreaker(t, cb, 2)

		time.Sleep(15 * time.Millisecond)
		if cb.State() != StateHalfOpen {
			t.Fatalf("state = %v, want half-open", cb.State())
		}
	})

	t.Run("closes after successful probes", func(t *testing.T) {
		cb := NewCircuitBreaker(CircuitBreakerConfig{
			MaxFailures:  2,
			ResetTimeout: 10 * time.Millisecond,
			HalfOpenMax:  2,
		})
		openBreaker(t, cb, 2)

		time.Sleep(15 * time.Millisecond)
		for i := range 2 {
			if err := cb.Execute(func() error { return nil }); err != nil {
				t.Fatalf("probe %d: %v", i, err)
			}
		}
		if cb.State() != StateClosed {
			t.Fatalf("state = %v, want closed", cb.State())
		}
	})

	t.Run("failed probe re-opens", func(t *testing.T) {
		cb := NewCircuitBreaker(CircuitBreakerConfig{
			MaxFailures:  2,
			ResetTimeout: 10 * time.Millisecond,
			HalfOpenMax:  3,
		})
		openBreaker(t, cb, 2)

		time.Sleep(15 * time.Millisecond)
		if err := cb.Execute(func() error { return errBackendDown }); err == nil {
			t.Fatal("expected error from failing probe")
		}

		// The probe just failed, so the stored state is open again.
		cb.mu.Lock()
		s := cb.state
		cb.mu.Unlock()
		if s != StateOpen {
			t.Fatalf("state = %v, want open", s)
		}
	})

	t.Run("manual reset closes the breaker", func(t *testing.T) {
		cb := NewCircuitBreaker(CircuitBreakerConfig{
			MaxFailures:  2,
			ResetTimeout: time.Hour,
		})
		openBreaker(t, cb, 2)

		cb.Reset()
		if cb.State() != StateClosed {
			t.Fatalf("state = %v, want closed after reset", cb.State())
		}
		if err := cb.Execute(func() error { return nil }); err != nil {
			t.Fatalf("Execute after reset: %v", err)
		}
	})
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half-open",
		State(99):     "unknown",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}
