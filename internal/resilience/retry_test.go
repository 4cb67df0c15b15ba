package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Multiplier:  2.0,
	}
}

func TestPolicyDo_FirstAttemptSucceeds(t *testing.T) {
	var calls int
	err := fastPolicy(3).Do(context.Background(), func(_ context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestPolicyDo_RetriesTransientUntilSuccess(t *testing.T) {
	var calls int
	err := fastPolicy(3).Do(context.Background(), func(_ context.Context) error {
		calls++
		if calls < 3 {
			return NewTransientError(errors.New("rate limited"), 429)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestPolicyDo_ReturnsLastErrorWhenExhausted(t *testing.T) {
	var calls int
	err := fastPolicy(4).Do(context.Background(), func(_ context.Context) error {
		calls++
		return NewTransientError(errors.New("unavailable"), 503)
	})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if calls != 4 {
		t.Errorf("expected 4 calls, got %d", calls)
	}
}

func TestPolicyDo_PermanentErrorNotRetried(t *testing.T) {
	var calls int
	err := fastPolicy(3).Do(context.Background(), func(_ context.Context) error {
		calls++
		return errors.New("invalid request")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestPolicyDo_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 10, BaseDelay: 20 * time.Millisecond, MaxDelay: 50 * time.Millisecond}

	var calls int
	err := p.Do(ctx, func(_ context.Context) error {
		calls++
		if calls == 2 {
			cancel()
		}
		return NewTransientError(errors.New("fail"), 500)
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

func TestPolicyDo_CustomRetryable(t *testing.T) {
	p := fastPolicy(3)
	p.Retryable = func(err error) bool { return err.Error() == "again" }

	var calls int
	err := p.Do(context.Background(), func(_ context.Context) error {
		calls++
		if calls == 1 {
			return errors.New("again")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

func TestPolicyDo_OnRetryHook(t *testing.T) {
	p := fastPolicy(3)
	var seen []int
	p.OnRetry = func(attempt int, delay time.Duration, _ error) {
		seen = append(seen, attempt)
		if delay < 0 {
			t.Errorf("negative delay %v", delay)
		}
	}

	_ = p.Do(context.Background(), func(_ context.Context) error {
		return NewTransientError(errors.New("fail"), 502)
	})
	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Errorf("expected retries [1 2], got %v", seen)
	}
}

func TestDoVal_PreservesValue(t *testing.T) {
	var calls int
	got, err := DoVal(context.Background(), fastPolicy(3), func(_ context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", NewTransientError(errors.New("timeout"), 504)
		}
		return "structured", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "structured" {
		t.Errorf("expected value to survive retry, got %q", got)
	}
}

func TestBackoff_GrowsAndCaps(t *testing.T) {
	p := Policy{BaseDelay: 10 * time.Millisecond, MaxDelay: 35 * time.Millisecond, Multiplier: 2}

	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 35 * time.Millisecond, 35 * time.Millisecond}
	for i, w := range want {
		if got := p.Backoff(i + 1); got != w {
			t.Errorf("attempt %d: expected %v, got %v", i+1, w, got)
		}
	}
}

func TestBackoff_JitterStaysInRange(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2, Jitter: 0.5}
	for i := 0; i < 50; i++ {
		d := p.Backoff(1)
		if d < 50*time.Millisecond || d > 150*time.Millisecond {
			t.Fatalf("jittered delay %v outside [50ms, 150ms]", d)
		}
	}
}

func TestFromSettings(t *testing.T) {
	p := FromSettings(5, 100, 2000, 3, 0)
	if p.MaxAttempts != 5 || p.BaseDelay != 100*time.Millisecond || p.MaxDelay != 2*time.Second {
		t.Errorf("unexpected policy: %+v", p)
	}
	if p.Multiplier != 3 || p.Jitter != 0 {
		t.Errorf("unexpected multiplier/jitter: %+v", p)
	}

	def := FromSettings(0, 0, 0, 0, -1)
	if def.MaxAttempts != 3 || def.Jitter != 0.25 {
		t.Errorf("expected defaults, got %+v", def)
	}
}
