package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var (
	errTestError    = errors.New("test error")
	errNonRetryable = errors.New("non-retryable error")
)

func testConfig() Config {
	return Config{
		Enabled:      true,
		MaxAttempts:  3,
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     50 * time.Millisecond,
		Multiplier:   2.0,
		Jitter:       false,
	}
}

func TestDo_SuccessOnFirstAttempt(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), testConfig(), func() error {
		attempts++
		return nil
	})

	if err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got: %d", attempts)
	}
}

func TestDo_SuccessAfterRetries(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), testConfig(), func() error {
		attempts++
		if attempts < 3 {
			return errTestError
		}
		return nil
	})

	if err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got: %d", attempts)
	}
}

func TestDo_MaxAttemptsExceeded(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 2

	attempts := 0
	err := Do(context.Background(), cfg, func() error {
		attempts++
		return errTestError
	})

	if err == nil {
		t.Error("Expected error, got nil")
	}
	if !errors.Is(err, errTestError) {
		t.Errorf("Expected wrapped test error, got: %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts (initial + 2 retries), got: %d", attempts)
	}
}

func TestDo_NonRetryableError(t *testing.T) {
	cfg := testConfig()
	cfg.NonRetryableErrors = []error{errNonRetryable}

	attempts := 0
	err := Do(context.Background(), cfg, func() error {
		attempts++
		return errNonRetryable
	})

	if err == nil {
		t.Error("Expected error, got nil")
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt for non-retryable error, got: %d", attempts)
	}
}

func TestDo_DisabledRunsOnce(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false

	attempts := 0
	err := Do(context.Background(), cfg, func() error {
		attempts++
		return errTestError
	})

	if err == nil {
		t.Error("Expected error, got nil")
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt when disabled, got: %d", attempts)
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	attempts := 0
	err := Do(ctx, testConfig(), func() error {
		attempts++
		cancel()
		return errTestError
	})

	if err == nil {
		t.Error("Expected error, got nil")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context cancellation, got: %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt before cancellation, got: %d", attempts)
	}
}

func TestDoWithResult_ReturnsValue(t *testing.T) {
	attempts := 0
	result, err := DoWithResult(context.Background(), testConfig(), func() (string, error) {
		attempts++
		if attempts < 2 {
			return "", errTestError
		}
		return "ready", nil
	})

	if err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}
	if result != "ready" {
		t.Errorf("Expected result 'ready', got: %q", result)
	}
	if attempts != 2 {
		t.Errorf("Expected 2 attempts, got: %d", attempts)
	}
}

func TestDoWithResult_ZeroValueOnFailure(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 1

	result, err := DoWithResult(context.Background(), cfg, func() (int, error) {
		return 42, errTestError
	})

	if err == nil {
		t.Error("Expected error, got nil")
	}
	if result != 0 {
		t.Errorf("Expected zero value, got: %d", result)
	}
}

func TestCalculateDelay_ExponentialBackoff(t *testing.T) {
	cfg := testConfig()
	cfg.InitialDelay = 100 * time.Millisecond
	cfg.MaxDelay = 5 * time.Second

	delays := []time.Duration{
		calculateDelay(cfg, 0),
		calculateDelay(cfg, 1),
		calculateDelay(cfg, 2),
	}

	if delays[0] != 100*time.Millisecond {
		t.Errorf("Expected 100ms first delay, got: %v", delays[0])
	}
	if delays[1] != 200*time.Millisecond {
		t.Errorf("Expected 200ms second delay, got: %v", delays[1])
	}
	if delays[2] != 400*time.Millisecond {
		t.Errorf("Expected 400ms third delay, got: %v", delays[2])
	}
}

func TestCalculateDelay_CapsAtMaxDelay(t *testing.T) {
	cfg := testConfig()
	cfg.InitialDelay = time.Second
	cfg.MaxDelay = 2 * time.Second

	delay := calculateDelay(cfg, 10)
	if delay != 2*time.Second {
		t.Errorf("Expected delay capped at 2s, got: %v", delay)
	}
}
