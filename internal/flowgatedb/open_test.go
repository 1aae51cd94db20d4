package flowgatedb

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestOpen_NilDatabase(t *testing.T) {
	if _, err := Open(context.Background(), nil, Options{}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestBackoff(t *testing.T) {
	if got := backoff(250*time.Millisecond, 1); got != 500*time.Millisecond {
		t.Fatalf("unexpected first delay: %s", got)
	}
	if got := backoff(time.Second, 10); got != maxRetryDelay {
		t.Fatalf("delay must be capped: %s", got)
	}
}

func TestRetry(t *testing.T) {
	opts := Options{MaxRetries: 3, InitialDelay: time.Millisecond, PingTimeout: time.Second}
	calls := 0
	err := retry(context.Background(), opts, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("expected success on third attempt, got %v after %d calls", err, calls)
	}

	boom := errors.New("down")
	calls = 0
	err = retry(context.Background(), opts, func(context.Context) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) || calls != 3 {
		t.Fatalf("expected wrapped failure after 3 attempts, got %v after %d calls", err, calls)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = retry(ctx, Options{MaxRetries: 5, InitialDelay: time.Hour, PingTimeout: time.Second}, func(context.Context) error { return boom })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
