package agent

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestRetryPolicy(t *testing.T) {
	policy := DefaultRetryPolicy()

	if !policy.ShouldRetry(errors.New("connection refused"), 100) {
		t.Error("default policy should retry forever")
	}

	for attempt, want := range map[int]time.Duration{1: time.Second, 2: 2 * time.Second, 3: 4 * time.Second} {
		if got := policy.NextDelay(attempt); got != want {
			t.Errorf("attempt %d: expected %v, got %v", attempt, want, got)
		}
	}
}

func TestRetryPolicyMaxAttempts(t *testing.T) {
	policy := &RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 2, MaxDelay: time.Second}
	if !policy.ShouldRetry(errors.New("x"), 2) {
		t.Error("expected retry after attempt 2")
	}
	if policy.ShouldRetry(errors.New("x"), 3) {
		t.Error("should not retry after max attempts")
	}
}

func TestRetryPolicyPermanent(t *testing.T) {
	policy := DefaultRetryPolicy()

	if policy.ShouldRetry(fmt.Errorf("dial: %w", Permanent(errors.New("bad handshake"))), 1) {
		t.Error("expected permanent error to stop retries")
	}
	if policy.ShouldRetry(context.Canceled, 1) {
		t.Error("expected canceled context to stop retries")
	}
	if policy.ShouldRetry(nil, 1) {
		t.Error("nil error should not be retryable")
	}
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
}

func TestRetryPolicyMaxDelayCap(t *testing.T) {
	policy := &RetryPolicy{InitialDelay: time.Second, Multiplier: 10, MaxDelay: 30 * time.Second}
	if delay := policy.NextDelay(5); delay != policy.MaxDelay {
		t.Errorf("expected cap %v, got %v", policy.MaxDelay, delay)
	}
}

func TestSleepCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
