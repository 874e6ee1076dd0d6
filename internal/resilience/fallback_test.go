package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newStringGroup(names ...string) *FallbackGroup[string] {
	fg := NewFallbackGroup[string](CircuitBreakerConfig{MaxFailures: 3})
	for _, n := range names {
		fg.Add(n, n)
	}
	return fg
}

func TestFallbackGroup_PrimaryServes(t *testing.T) {
	fg := newStringGroup("primary", "secondary")

	var served string
	err := fg.Execute(context.Background(), func(_ context.Context, v string) error {
		served = v
		return nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if served != "primary" {
		t.Errorf("served by %q, want primary", served)
	}
}

func TestFallbackGroup_FailsThroughToNext(t *testing.T) {
	fg := newStringGroup("primary", "secondary")

	var served string
	err := fg.Execute(context.Background(), func(_ context.Context, v string) error {
		if v == "primary" {
			return errTest
		}
		served = v
		return nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if served != "secondary" {
		t.Errorf("served by %q, want secondary", served)
	}
}

func TestFallbackGroup_AllFail(t *testing.T) {
	fg := newStringGroup("primary", "secondary")

	err := fg.Execute(context.Background(), func(_ context.Context, _ string) error {
		return errTest
	})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestFallbackGroup_SkipsOpenBreaker(t *testing.T) {
	fg := NewFallbackGroup[string](CircuitBreakerConfig{
		MaxFailures:  2,
		ResetTimeout: time.Hour,
	})
	fg.Add("primary", "primary")
	fg.Add("secondary", "secondary")

	// Trip the primary's breaker.
	for i := 0; i < 2; i++ {
		_ = fg.Execute(context.Background(), func(_ context.Context, v string) error {
			if v == "primary" {
				return errTest
			}
			return nil
		})
	}

	calls := map[string]int{}
	err := fg.Execute(context.Background(), func(_ context.Context, v string) error {
		calls[v]++
		return nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if calls["primary"] != 0 {
		t.Error("primary was called despite an open breaker")
	}
	if calls["secondary"] != 1 {
		t.Errorf("secondary called %d times, want 1", calls["secondary"])
	}
}

func TestFallbackGroup_CancelledContextStopsChain(t *testing.T) {
	fg := newStringGroup("primary", "secondary")

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := fg.Execute(ctx, func(_ context.Context, v string) error {
		calls++
		cancel()
		return errTest
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("expected the chain to stop after cancellation, got %d calls", calls)
	}
}

func TestFallbackGroup_PrimaryAndLen(t *testing.T) {
	fg := NewFallbackGroup[int](CircuitBreakerConfig{})
	if _, ok := fg.Primary(); ok {
		t.Error("expected no primary on an empty group")
	}
	fg.Add("ten", 10)
	fg.Add("twenty", 20)
	if v, ok := fg.Primary(); !ok || v != 10 {
		t.Errorf("Primary() = %v, %v; want 10, true", v, ok)
	}
	if fg.Len() != 2 {
		t.Errorf("Len() = %d, want 2", fg.Len())
	}
}

func TestExecuteWithResult_Failover(t *testing.T) {
	fg := NewFallbackGroup[int](CircuitBreakerConfig{MaxFailures: 3})
	fg.Add("ten", 10)
	fg.Add("twenty", 20)

	result, err := ExecuteWithResult(context.Background(), fg, func(_ context.Context, v int) (string, error) {
		if v == 10 {
			return "", errTest
		}
		return "from-twenty", nil
	})
	if err != nil {
		t.Fatalf("ExecuteWithResult: %v", err)
	}
	if result != "from-twenty" {
		t.Errorf("result = %q, want from-twenty", result)
	}
}

func TestExecuteWithResult_AllFailWrapsLastError(t *testing.T) {
	fg := NewFallbackGroup[int](CircuitBreakerConfig{MaxFailures: 3})
	fg.Add("ten", 10)

	_, err := ExecuteWithResult(context.Background(), fg, func(_ context.Context, _ int) (string, error) {
		return "", errTest
	})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}
