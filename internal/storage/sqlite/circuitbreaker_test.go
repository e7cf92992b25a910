package sqlite

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func tripBreaker(cb *CircuitBreaker, failure error) {
	for i := 0; i < cb.threshold; i++ {
		_ = cb.Execute(func() error { return failure })
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreaker(5, 30*time.Second)
	if cb.State() != StateClosed {
		t.Fatalf("fresh breaker state = %s, want closed", cb.State())
	}

	tripBreaker(cb, errors.New("disk I/O error"))
	if cb.State() != StateOpen {
		t.Fatalf("state after %d failures = %s, want open", cb.threshold, cb.State())
	}

	called := false
	err := cb.Execute(func() error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("open breaker returned %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Fatal("open breaker must not run the call")
	}
}

func TestBreakerProbeClosesOnSuccess(t *testing.T) {
	cb := NewCircuitBreaker(5, 100*time.Millisecond)
	now := time.Now()
	cb.nowFunc = func() time.Time { return now }

	tripBreaker(cb, errors.New("disk I/O error"))
	now = now.Add(200 * time.Millisecond)

	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("state after successful probe = %s, want closed", cb.State())
	}
}

func TestBreakerProbeFailureReOpens(t *testing.T) {
	cb := NewCircuitBreaker(5, 100*time.Millisecond)
	now := time.Now()
	cb.nowFunc = func() time.Time { return now }
	failure := errors.New("disk I/O error")

	tripBreaker(cb, failure)
	now = now.Add(200 * time.Millisecond)

	_ = cb.Execute(func() error { return failure })
	if cb.State() != StateOpen {
		t.Fatalf("state after failed probe = %s, want open", cb.State())
	}

	// Still inside the new reset window, so calls are rejected again.
	if err := cb.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("re-opened breaker returned %v, want ErrCircuitOpen", err)
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker(5, 30*time.Second)
	failure := errors.New("disk I/O error")

	for i := 0; i < 3; i++ {
		_ = cb.Execute(func() error { return failure })
	}
	_ = cb.Execute(func() error { return nil })
	for i := 0; i < 3; i++ {
		_ = cb.Execute(func() error { return failure })
	}

	// 3 + 3 failures with a success in between never reach the threshold.
	if cb.State() != StateClosed {
		t.Fatalf("state = %s, want closed", cb.State())
	}
}

func TestBreakerConcurrentAccess(t *testing.T) {
	cb := NewCircuitBreaker(1000, 30*time.Second)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = cb.Execute(func() error { return nil })
			_ = cb.State()
		}()
	}
	wg.Wait()
	if cb.State() != StateClosed {
		t.Fatalf("state = %s, want closed", cb.State())
	}
}
