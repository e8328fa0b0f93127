package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastConfig() Config {
	return Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	calls := 0
	result := Do(context.Background(), fastConfig(), func() error {
		calls++
		return nil
	})
	if result.Err != nil || result.Attempts != 1 || calls != 1 {
		t.Fatalf("result = %+v, calls = %d", result, calls)
	}
}

func TestDoRetriesTransientErrors(t *testing.T) {
	calls := 0
	result := Do(context.Background(), fastConfig(), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if result.Err != nil || result.Attempts != 3 {
		t.Fatalf("result = %+v", result)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	wantErr := errors.New("still broken")
	result := Do(context.Background(), fastConfig(), func() error { return wantErr })
	if !errors.Is(result.Err, wantErr) || result.Attempts != 3 {
		t.Fatalf("result = %+v", result)
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	calls := 0
	result := Do(context.Background(), fastConfig(), func() error {
		calls++
		return MarkPermanent(errors.New("bad credentials"))
	})
	if calls != 1 || result.Attempts != 1 {
		t.Fatalf("permanent error retried: calls = %d", calls)
	}
	if !Permanent(result.Err) {
		t.Fatal("expected Permanent(err)")
	}
}

func TestDoHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result := Do(ctx, fastConfig(), func() error { return errors.New("never seen") })
	if !errors.Is(result.Err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", result.Err)
	}
}
