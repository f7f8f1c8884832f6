package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastRetry() RetryConfig {
	return RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), "op", fastRetry(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	sentinel := errors.New("always fails")
	attempts := 0
	err := Retry(context.Background(), "op", fastRetry(), func() error {
		attempts++
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("final error should wrap the last failure, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	permanent := errors.New("permanent")
	cfg := fastRetry()
	cfg.Retryable = func(err error) bool { return !errors.Is(err, permanent) }
	attempts := 0
	err := Retry(context.Background(), "op", cfg, func() error {
		attempts++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("expected the permanent error back, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("non-retryable errors must not be retried, got %d attempts", attempts)
	}
}

func TestRetryHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := Retry(ctx, "op", fastRetry(), func() error {
		attempts++
		cancel()
		return errors.New("transient")
	})
	if err == nil {
		t.Fatal("expected an error after cancellation")
	}
	if attempts != 1 {
		t.Errorf("cancellation should stop retries, got %d attempts", attempts)
	}
}

func TestCircuitBreakerOpensAndRecovers(t *testing.T) {
	cb := NewCircuitBreaker("test", CircuitBreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     10 * time.Millisecond,
	})
	boom := errors.New("boom")
	fail := func() error { return boom }
	ok := func() error { return nil }

	if err := cb.Do(fail); !errors.Is(err, boom) {
		t.Fatal(err)
	}
	if err := cb.Do(fail); !errors.Is(err, boom) {
		t.Fatal(err)
	}
	if got := cb.GetState(); got != StateOpen {
		t.Fatalf("breaker should be open after threshold, got %v", got)
	}
	if err := cb.Do(ok); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("open breaker must short-circuit, got %v", err)
	}

	time.Sleep(15 * time.Millisecond)
	if err := cb.Do(ok); err != nil {
		t.Fatalf("half-open probe should run, got %v", err)
	}
	if got := cb.GetState(); got != StateClosed {
		t.Errorf("breaker should close after a successful probe, got %v", got)
	}
}
