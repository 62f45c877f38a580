package util

import (
	"context"
	"errors"
	"testing"

	"github.com/axisrow/alpaca-bot/internal/domain"
)

func TestRetry(t *testing.T) {
	attempts := 0
	targetAttempts := 3

	err := Retry(context.Background(), 5, 0, func() error {
		attempts++
		if attempts < targetAttempts {
			return errors.New("transient error")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Retry returned unexpected error: %v", err)
	}
	if attempts != targetAttempts {
		t.Errorf("Retry called fn %d times, want %d", attempts, targetAttempts)
	}
}

func TestRetryAllFail(t *testing.T) {
	attempts := 0
	maxAttempts := 3

	err := Retry(context.Background(), maxAttempts, 0, func() error {
		attempts++
		return errors.New("persistent error")
	})

	if err == nil {
		t.Fatal("Retry should return error when all attempts fail")
	}
	if attempts != maxAttempts {
		t.Errorf("Retry called fn %d times, want %d", attempts, maxAttempts)
	}
}

func TestRetryPortStopsOnFatal(t *testing.T) {
	attempts := 0
	fatal := &domain.PortError{Kind: domain.PortFatal, Tier: "low", Op: "GetBalance", Err: errors.New("401")}

	err := RetryPort(context.Background(), 5, 0, func() error {
		attempts++
		return fatal
	})

	if !domain.IsFatalPortError(err) {
		t.Fatalf("RetryPort returned %v, want fatal port error", err)
	}
	if attempts != 1 {
		t.Errorf("RetryPort called fn %d times, want 1 (no retry on fatal)", attempts)
	}
}

func TestRetryPortRetriesTransient(t *testing.T) {
	attempts := 0
	transient := &domain.PortError{Kind: domain.PortTransient, Tier: "low", Op: "GetBalance", Err: errors.New("timeout")}

	err := RetryPort(context.Background(), 3, 0, func() error {
		attempts++
		if attempts < 3 {
			return transient
		}
		return nil
	})

	if err != nil {
		t.Fatalf("RetryPort returned unexpected error: %v", err)
	}
	if attempts != 3 {
		t.Errorf("RetryPort called fn %d times, want 3", attempts)
	}
}
