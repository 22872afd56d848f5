package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2.0,
	}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastConfig(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("connection refused")
		}
		return nil
	})
	if err != nil {
		t.Errorf("Expected success after retries, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	cfg := fastConfig()
	cfg.RetryIf = IsRetryable

	permanent := errors.New("download failed with status 404: not found")
	attempts := 0
	err := Do(context.Background(), cfg, func() error {
		attempts++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Errorf("Expected permanent error returned unchanged, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt for permanent error, got %d", attempts)
	}
}

func TestDoMaxRetriesExceeded(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxRetries = 2

	attempts := 0
	err := Do(context.Background(), cfg, func() error {
		attempts++
		return errors.New("timeout")
	})
	if err == nil {
		t.Fatal("Expected error after exhausting retries")
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts (1 initial + 2 retries), got %d", attempts)
	}
}

func TestDoContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Do(ctx, fastConfig(), func() error {
		return errors.New("connection reset")
	})
	if err == nil {
		t.Fatal("Expected error for cancelled context")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled in chain, got %v", err)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil error", nil, false},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"throttled", errors.New("request failed with status 429: slow down"), true},
		{"server error", errors.New("request failed with status 503: unavailable"), true},
		{"not found", errors.New("request failed with status 404: no such key"), false},
		{"validation", errors.New("invalid accession"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("Expected IsRetryable=%v for %v, got %v", tt.want, tt.err, got)
			}
		})
	}
}

func TestRetryableStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		if !RetryableStatus(code) {
			t.Errorf("Expected status %d to be retryable", code)
		}
	}
	for _, code := range []int{200, 400, 403, 404, 501} {
		if RetryableStatus(code) {
			t.Errorf("Expected status %d to be permanent", code)
		}
	}
}
