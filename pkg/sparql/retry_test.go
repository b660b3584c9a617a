package sparql

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

var quietLogger = zerolog.New(os.Stderr).Level(zerolog.Disabled)

func fastRetry() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    20 * time.Millisecond,
		MaxBackoff:        200 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

func TestDefaultRetryConfig(t *testing.T) {
	config := DefaultRetryConfig()

	if config.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", config.MaxAttempts)
	}
	if config.InitialBackoff != 1*time.Second {
		t.Errorf("InitialBackoff = %v, want 1s", config.InitialBackoff)
	}
	if config.MaxBackoff != 30*time.Second {
		t.Errorf("MaxBackoff = %v, want 30s", config.MaxBackoff)
	}
	if config.BackoffMultiplier != 2.0 {
		t.Errorf("BackoffMultiplier = %v, want 2.0", config.BackoffMultiplier)
	}
}

func TestRetryConfig_ForErrorClass(t *testing.T) {
	base := DefaultRetryConfig()

	tests := []struct {
		name            string
		errorClass      ErrorClass
		expectedInitial time.Duration
	}{
		{name: "server error keeps base", errorClass: ErrorClassServer, expectedInitial: 1 * time.Second},
		{name: "rate limit waits longer", errorClass: ErrorClassRateLimit, expectedInitial: 5 * time.Second},
		{name: "network error doubles", errorClass: ErrorClassNetwork, expectedInitial: 2 * time.Second},
		{name: "decode error keeps base", errorClass: ErrorClassDecode, expectedInitial: 1 * time.Second},
		{name: "unknown class keeps base", errorClass: "", expectedInitial: 1 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := base.ForErrorClass(tt.errorClass)
			if config.InitialBackoff != tt.expectedInitial {
				t.Errorf("InitialBackoff = %v, want %v", config.InitialBackoff, tt.expectedInitial)
			}
			if config.MaxAttempts != base.MaxAttempts {
				t.Errorf("MaxAttempts = %d, want %d", config.MaxAttempts, base.MaxAttempts)
			}
		})
	}

	capped := RetryConfig{InitialBackoff: time.Second, MaxBackoff: 2 * time.Second}.ForErrorClass(ErrorClassRateLimit)
	if capped.InitialBackoff != 2*time.Second {
		t.Errorf("InitialBackoff = %v, want capped at 2s", capped.InitialBackoff)
	}
}

func TestRetryConfig_BackoffFor(t *testing.T) {
	config := RetryConfig{
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        3 * time.Second,
		BackoffMultiplier: 10.0,
	}

	if got := config.backoffFor(1); got != 1*time.Second {
		t.Errorf("backoffFor(1) = %v, want 1s", got)
	}
	if got := config.backoffFor(2); got != 3*time.Second {
		t.Errorf("backoffFor(2) = %v, want capped 3s", got)
	}
	if got := config.backoffFor(5); got != 3*time.Second {
		t.Errorf("backoffFor(5) = %v, want capped 3s", got)
	}
}

func TestRetryWithBackoff_Success(t *testing.T) {
	callCount := 0
	err := retryWithBackoff(context.Background(), fastRetry(), quietLogger, func(int) (ErrorClass, error) {
		callCount++
		return "", nil
	})

	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if callCount != 1 {
		t.Errorf("Expected 1 call, got %d", callCount)
	}
}

func TestRetryWithBackoff_SuccessAfterRetry(t *testing.T) {
	callCount := 0
	start := time.Now()
	err := retryWithBackoff(context.Background(), fastRetry(), quietLogger, func(int) (ErrorClass, error) {
		callCount++
		if callCount < 3 {
			return ErrorClassServer, errors.New("temporary error")
		}
		return "", nil
	})

	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if callCount != 3 {
		t.Errorf("Expected 3 calls, got %d", callCount)
	}
	// 20ms + 40ms, each -20% jitter at worst
	if d := time.Since(start); d < 45*time.Millisecond {
		t.Errorf("Expected some backoff delay, got %v", d)
	}
}

func TestRetryWithBackoff_MaxAttemptsExhausted(t *testing.T) {
	callCount := 0
	testErr := errors.New("persistent error")
	err := retryWithBackoff(context.Background(), fastRetry(), quietLogger, func(int) (ErrorClass, error) {
		callCount++
		return ErrorClassServer, testErr
	})

	if !errors.Is(err, ErrRetryExhausted) {
		t.Errorf("Expected ErrRetryExhausted, got %v", err)
	}
	if !errors.Is(err, testErr) {
		t.Errorf("Expected the last error to stay wrapped, got %v", err)
	}
	if callCount != 3 {
		t.Errorf("Expected 3 calls (MaxAttempts), got %d", callCount)
	}
}

func TestRetryWithBackoff_ClientErrorNoRetry(t *testing.T) {
	callCount := 0
	testErr := errors.New("client error")
	err := retryWithBackoff(context.Background(), fastRetry(), quietLogger, func(int) (ErrorClass, error) {
		callCount++
		return ErrorClassClient, testErr
	})

	if callCount != 1 {
		t.Errorf("Expected 1 call (no retry for client errors), got %d", callCount)
	}
	if errors.Is(err, ErrRetryExhausted) {
		t.Error("Should not return ErrRetryExhausted for client errors")
	}
	if !errors.Is(err, testErr) {
		t.Errorf("Expected original error, got %v", err)
	}
}

func TestRetryWithBackoff_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	config := fastRetry()
	config.InitialBackoff = time.Second

	callCount := 0
	err := retryWithBackoff(ctx, config, quietLogger, func(int) (ErrorClass, error) {
		callCount++
		if callCount == 1 {
			cancel()
		}
		return ErrorClassServer, errors.New("error")
	})

	if !errors.Is(err, ErrContextCancelled) {
		t.Errorf("Expected ErrContextCancelled, got %v", err)
	}
	if callCount != 1 {
		t.Errorf("Expected 1 call before cancellation, got %d", callCount)
	}
}

func TestRetryWithBackoff_ZeroAttemptsRunsOnce(t *testing.T) {
	callCount := 0
	_ = retryWithBackoff(context.Background(), RetryConfig{}, quietLogger, func(int) (ErrorClass, error) {
		callCount++
		return ErrorClassServer, errors.New("error")
	})

	if callCount != 1 {
		t.Errorf("Expected 1 call, got %d", callCount)
	}
}

func TestRetryWithBackoff_AttemptNumbers(t *testing.T) {
	var attempts []int
	_ = retryWithBackoff(context.Background(), fastRetry(), quietLogger, func(attempt int) (ErrorClass, error) {
		attempts = append(attempts, attempt)
		return ErrorClassDecode, errors.New("truncated")
	})

	if len(attempts) != 3 || attempts[0] != 1 || attempts[2] != 3 {
		t.Errorf("attempts = %v, want [1 2 3]", attempts)
	}
}

func TestRetryWithBackoff_Jitter(t *testing.T) {
	config := fastRetry()
	config.InitialBackoff = 50 * time.Millisecond

	for i := 0; i < 3; i++ {
		var timestamps []time.Time
		_ = retryWithBackoff(context.Background(), config, quietLogger, func(int) (ErrorClass, error) {
			timestamps = append(timestamps, time.Now())
			if len(timestamps) < 2 {
				return ErrorClassServer, errors.New("error")
			}
			return "", nil
		})

		d := timestamps[1].Sub(timestamps[0])
		if d < 40*time.Millisecond || d > 150*time.Millisecond {
			t.Errorf("Delay %v outside jitter range [40ms, 150ms]", d)
		}
	}
}
