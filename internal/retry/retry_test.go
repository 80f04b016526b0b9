package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fleetglass/fleetglass/internal/retry"
)

func fastConfig() retry.Config {
	cfg := retry.DefaultConfig()
	cfg.BaseDelay = time.Millisecond
	cfg.MaxDelay = 5 * time.Millisecond
	return cfg
}

func TestDoSucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := retry.Do(context.Background(), fastConfig(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do = %v, want nil", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoExhausts(t *testing.T) {
	calls := 0
	boom := errors.New("still down")
	err := retry.Do(context.Background(), fastConfig(), func(ctx context.Context) error {
		calls++
		return boom
	})
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	var ex *retry.ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("err = %T, want *ExhaustedError", err)
	}
	if ex.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", ex.Attempts)
	}
	if !errors.Is(err, boom) {
		t.Error("ExhaustedError does not unwrap to the last error")
	}
}

func TestDoPermanentStopsImmediately(t *testing.T) {
	calls := 0
	base := errors.New("bad credentials")
	err := retry.Do(context.Background(), fastConfig(), func(ctx context.Context) error {
		calls++
		return retry.Permanent(base)
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if !errors.Is(err, base) {
		t.Errorf("err = %v, want wrapped base error", err)
	}
	var ex *retry.ExhaustedError
	if errors.As(err, &ex) {
		t.Error("permanent error reported as exhaustion")
	}
}

func TestDoRetryableClassifier(t *testing.T) {
	calls := 0
	cfg := fastConfig()
	cfg.Retryable = func(err error) bool { return false }
	err := retry.Do(context.Background(), cfg, func(ctx context.Context) error {
		calls++
		return errors.New("nope")
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1 with non-retryable classifier", calls)
	}
	if err == nil {
		t.Error("err = nil, want original error")
	}
}

func TestDoRespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	cfg := retry.DefaultConfig()
	cfg.BaseDelay = time.Hour // would hang without cancellation
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := retry.Do(ctx, cfg, func(ctx context.Context) error {
		calls++
		return errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestIsPermanent(t *testing.T) {
	if retry.IsPermanent(errors.New("x")) {
		t.Error("plain error reported permanent")
	}
	if !retry.IsPermanent(retry.Permanent(errors.New("x"))) {
		t.Error("Permanent error not detected")
	}
	if retry.Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
}
