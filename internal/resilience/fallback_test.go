package resilience

import (
	"errors"
	"testing"
	"time"
)

func TestFallbackGroup(t *testing.T) {
	newGroup := func(cb CircuitBreakerConfig) *FallbackGroup[string] {
		fg := NewFallbackGroup("primary", "primary", FallbackConfig{CircuitBreaker: cb})
		fg.AddFallback("secondary", "secondary")
		return fg
	}

	t.Run("healthy primary is used", func(t *testing.T) {
		fg := newGroup(CircuitBreakerConfig{MaxFailures: 3})
		var called string
		if err := fg.Execute(func(v string) error { called = v; return nil }); err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if called != "primary" {
			t.Fatalf("called = %q, want primary", called)
		}
	})

	t.Run("failing primary falls over", func(t *testing.T) {
		fg := newGroup(CircuitBreakerConfig{MaxFailures: 3})
		var called string
		err := fg.Execute(func(v string) error {
			if v == "primary" {
				return errBackendDown
			}
			called = v
			return nil
		})
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if called != "secondary" {
			t.Fatalf("called = %q, want secondary", called)
		}
	})

	t.Run("all backends failing returns ErrAllFailed", func(t *testing.T) {
		fg := newGroup(CircuitBreakerConfig{MaxFailures: 3})
		err := fg.Execute(func(string) error { return errBackendDown })
		if !errors.Is(err, ErrAllFailed) {
			t.Fatalf("err = %v, want ErrAllFailed", err)
		}
	})

	t.Run("open breaker skips the primary", func(t *testing.T) {
		fg := newGroup(CircuitBreakerConfig{
			MaxFailures:  2,
			ResetTimeout: time.Hour,
		})

		// Trip the primary's breaker.
		for range 2 {
			_ = fg.Execute(func(v string) error {
				if v == "primary" {
					return errBackendDown
				}
				return nil
			})
		}

		var called string
		if err := fg.Execute(func(v string) error { called = v; return nil }); err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if called != "secondary" {
			t.Fatalf("called = %q, want secondary", called)
		}
	})
}

func TestExecuteWithResult(t *testing.T) {
	newGroup := func() *FallbackGroup[int] {
		fg := NewFallbackGroup(10, "ten", FallbackConfig{
			CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
		})
		fg.AddFallback("twenty", 20)
		return fg
	}

	t.Run("primary result", func(t *testing.T) {
		result, err := ExecuteWithResult(newGroup(), func(v int) (string, error) {
			if v == 10 {
				return "from-ten", nil
			}
			return "from-twenty", nil
		})
		if err != nil {
			t.Fatalf("ExecuteWithResult: %v", err)
		}
		if result != "from-ten" {
			t.Fatalf("result = %q, want from-ten", result)
		}
	})

	t.Run("fallback result after primary error", func(t *testing.T) {
		result, err := ExecuteWithResult(newGroup(), func(v int) (string, error) {
			if v == 10 {
				return "", errBackendDown
			}
			return "from-twenty", nil
		})
		if err != nil {
			t.Fatalf("ExecuteWithResult: %v", err)
		}
		if result != "from-twenty" {
			t.Fatalf("result = %q, want from-twenty", result)
		}
	})

	t.Run("all failing", func(t *testing.T) {
		_, err := ExecuteWithResult(newGroup(), func(int) (string, error) {
			return "", errBackendDown
		})
		if !errors.Is(err, ErrAllFailed) {
			t.Fatalf("err = %v, want ErrAllFailed", err)
		}
	})
}
