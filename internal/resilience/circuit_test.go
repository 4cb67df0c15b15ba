package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errTransport = NewTransientError(errors.New("connection reset by peer"), 0)

func failN(t *testing.T, b *Breaker, n int, err error) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, _ = Call(context.Background(), b, func(_ context.Context) (int, error) {
			return 0, err
		})
	}
}

func TestBreaker_ClosedPassesThrough(t *testing.T) {
	b := NewBreaker("haiku", BreakerConfig{FailureThreshold: 3})

	got, err := Call(context.Background(), b, func(_ context.Context) (int, error) {
		return 7, nil
	})
	if err != nil || got != 7 {
		t.Fatalf("expected 7, nil; got %d, %v", got, err)
	}
	if b.State() != BreakerClosed {
		t.Errorf("expected closed, got %s", b.State())
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := NewBreaker("haiku", BreakerConfig{FailureThreshold: 3, Cooldown: time.Minute})
	failN(t, b, 3, errTransport)

	if b.State() != BreakerOpen {
		t.Fatalf("expected open, got %s", b.State())
	}

	_, err := Call(context.Background(), b, func(_ context.Context) (int, error) {
		t.Error("call should be rejected while open")
		return 0, nil
	})
	if !errors.Is(err, ErrBreakerOpen) {
		t.Errorf("expected ErrBreakerOpen, got %v", err)
	}
}

func TestBreaker_PermanentErrorsDoNotCount(t *testing.T) {
	b := NewBreaker("haiku", BreakerConfig{FailureThreshold: 2})
	failN(t, b, 5, errors.New("invalid json in response"))

	if b.State() != BreakerClosed {
		t.Errorf("expected closed, got %s", b.State())
	}
	if b.Failures() != 0 {
		t.Errorf("expected 0 failures, got %d", b.Failures())
	}
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b := NewBreaker("haiku", BreakerConfig{FailureThreshold: 3})
	failN(t, b, 2, errTransport)
	_, _ = Call(context.Background(), b, func(_ context.Context) (int, error) { return 1, nil })
	failN(t, b, 2, errTransport)

	if b.State() != BreakerClosed {
		t.Errorf("expected closed, got %s", b.State())
	}
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var transitions []string
	b := NewBreaker("sonnet", BreakerConfig{
		FailureThreshold: 1,
		Cooldown:         10 * time.Second,
		OnChange: func(name string, from, to BreakerState) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})
	b.now = func() time.Time { return now }

	failN(t, b, 1, errTransport)
	now = now.Add(11 * time.Second)
	if b.State() != BreakerHalfOpen {
		t.Fatalf("expected half-open after cooldown, got %s", b.State())
	}

	_, err := Call(context.Background(), b, func(_ context.Context) (int, error) { return 1, nil })
	if err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if b.State() != BreakerClosed {
		t.Errorf("expected closed after probe, got %s", b.State())
	}

	want := []string{"closed->open", "open->half-open", "half-open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("expected %v, got %v", want, transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d: expected %s, got %s", i, want[i], transitions[i])
		}
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewBreaker("opus", BreakerConfig{FailureThreshold: 1, Cooldown: time.Second})
	b.now = func() time.Time { return now }

	failN(t, b, 1, errTransport)
	now = now.Add(2 * time.Second)
	failN(t, b, 1, errTransport)

	if b.State() != BreakerOpen {
		t.Errorf("expected open after failed probe, got %s", b.State())
	}
}

func TestBreaker_DisabledWithZeroThreshold(t *testing.T) {
	b := NewBreaker("haiku", BreakerConfig{})
	failN(t, b, 10, errTransport)
	if b.State() != BreakerClosed {
		t.Errorf("expected closed, got %s", b.State())
	}
}

func TestCall_NilBreaker(t *testing.T) {
	got, err := Call(context.Background(), nil, func(_ context.Context) (string, error) {
		return "ok", nil
	})
	if err != nil || got != "ok" {
		t.Errorf("expected ok, got %q %v", got, err)
	}
}

func TestBreakerSet_GetIsStable(t *testing.T) {
	set := NewBreakerSet(BreakerConfig{FailureThreshold: 1, Cooldown: time.Hour})

	var wg sync.WaitGroup
	got := make([]*Breaker, 20)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = set.Get("gemini-2.5-flash")
		}(i)
	}
	wg.Wait()
	for _, b := range got[1:] {
		if b != got[0] {
			t.Fatal("expected the same breaker for the same name")
		}
	}

	failN(t, set.Get("opus"), 1, errTransport)
	states := set.States()
	if states["opus"] != BreakerOpen || states["gemini-2.5-flash"] != BreakerClosed {
		t.Errorf("unexpected states: %v", states)
	}
}
