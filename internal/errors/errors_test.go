package errors

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestKindOf(t *testing.T) {
	if got := KindOf(New(KindNotFound, "gone")); got != KindNotFound {
		t.Fatalf("got %v", got)
	}
	wrapped := fmt.Errorf("outer: %w", Wrap(KindAuth, "login", fmt.Errorf("401")))
	if got := KindOf(wrapped); got != KindAuth {
		t.Fatalf("wrapped kind: %v", got)
	}
	if got := KindOf(fmt.Errorf("plain")); got != KindPermanent {
		t.Fatalf("unclassified default: %v", got)
	}
}

func TestIsTransient(t *testing.T) {
	if IsTransient(nil) {
		t.Fatal("nil is not transient")
	}
	if !IsTransient(New(KindTransient, "upstream 503")) {
		t.Fatal("classified transient missed")
	}
	if IsTransient(New(KindValidation, "bad input")) {
		t.Fatal("validation is never transient")
	}
	if IsTransient(context.Canceled) {
		t.Fatal("cancellation is not transient")
	}
	// Unclassified errors fall back to message sniffing.
	if !IsTransient(fmt.Errorf("dial tcp: connection refused")) {
		t.Fatal("connection refused should be transient")
	}
	if IsTransient(fmt.Errorf("no such attribute")) {
		t.Fatal("arbitrary error should not be transient")
	}
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond}, func(context.Context) error {
		calls++
		return New(KindValidation, "bad input")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("permanent error retried %d times", calls)
	}
}

func TestRetryRecoversFromTransientError(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond}, func(context.Context) error {
		calls++
		if calls < 3 {
			return New(KindTransient, "upstream 502")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if calls != 3 {
		t.Fatalf("got %d calls", calls)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond}, func(context.Context) error {
		calls++
		return New(KindTransient, "still down")
	})
	if err == nil {
		t.Fatal("expected exhaustion error")
	}
	if calls != 3 {
		t.Fatalf("MaxAttempts 2 should try 3 times, got %d", calls)
	}
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, DefaultRetryConfig(), func(context.Context) error {
		t.Fatal("fn should not run after cancellation")
		return nil
	})
	if err == nil {
		t.Fatal("expected context error")
	}
}

func TestBackoffDelayRespectsMax(t *testing.T) {
	config := RetryConfig{BaseDelay: time.Second, MaxDelay: 2 * time.Second}
	for attempt := 0; attempt < 8; attempt++ {
		if delay := backoffDelay(config, attempt); delay > config.MaxDelay {
			t.Fatalf("attempt %d delay %s exceeds max", attempt, delay)
		}
	}
}
