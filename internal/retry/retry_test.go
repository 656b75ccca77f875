package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoSucceedsAfterFailures(t *testing.T) {
	calls := 0
	v, err := Do(context.Background(), Options{Initial: time.Millisecond, Retryable: Always}, func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("transient")
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if v != 42 {
		t.Errorf("Do() = %d, want 42", v)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	fatal := errors.New("fatal")
	calls := 0
	_, err := Do(context.Background(), Options{Initial: time.Millisecond, Retryable: Unless(fatal)}, func(context.Context) (int, error) {
		calls++
		return 0, fatal
	})
	if !errors.Is(err, fatal) {
		t.Errorf("Do() error = %v, want %v", err, fatal)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDoMaxAttempts(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), Options{Initial: time.Millisecond, MaxAttempts: 4, Retryable: Always}, func(context.Context) (int, error) {
		calls++
		return 0, errors.New("nope")
	})
	if err == nil {
		t.Fatal("Do() expected error")
	}
	if calls != 4 {
		t.Errorf("calls = %d, want 4", calls)
	}
}

func TestDoContextCancelDuringSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	_, err := Do(ctx, Options{Initial: time.Hour, Retryable: Always}, func(context.Context) (int, error) {
		return 0, errors.New("always")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Do() error = %v, want context.Canceled", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Do() did not abort the backoff sleep")
	}
}

func TestDoBackoffProgression(t *testing.T) {
	var delays []time.Duration
	opts := Options{
		Initial:     10 * time.Millisecond,
		Max:         40 * time.Millisecond,
		Factor:      2,
		MaxAttempts: 5,
		Retryable:   Always,
		OnRetry: func(_ int, _ error, next time.Duration) {
			delays = append(delays, next)
		},
	}
	// Shrink actual sleeps: the recorded delay is what matters.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _ = Do(ctx, opts, func(context.Context) (int, error) {
		return 0, errors.New("x")
	})

	want := []time.Duration{10, 20, 40, 40}
	for i := range want {
		want[i] *= time.Millisecond
	}
	if len(delays) != len(want) {
		t.Fatalf("delays = %v, want %v", delays, want)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, delays[i], want[i])
		}
	}
}
