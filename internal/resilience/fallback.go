package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrAllFailed is returned when no entry in a [FallbackGroup] could serve the
// call: every provider either failed or was skipped because its circuit
// breaker is open.
var ErrAllFailed = errors.New("no provider in the fallback chain succeeded")

// fallbackEntry pairs a provider with its dedicated circuit breaker.
type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup chains instances of the same provider type in priority order.
// Each entry carries its own circuit breaker; calls go to the first entry
// whose breaker admits them, falling through to the next on failure.
//
// Entries are registered with [FallbackGroup.Add] before use. FallbackGroup
// is safe for concurrent use once registration is done.
type FallbackGroup[T any] struct {
	mu         sync.RWMutex
	entries    []fallbackEntry[T]
	breakerCfg CircuitBreakerConfig
}

// NewFallbackGroup creates an empty group. Every entry added later gets a
// circuit breaker built from breakerCfg (with the entry's name substituted).
func NewFallbackGroup[T any](breakerCfg CircuitBreakerConfig) *FallbackGroup[T] {
	return &FallbackGroup[T]{breakerCfg: breakerCfg}
}

// Add appends a provider to the chain. The first entry added is the primary;
// later entries are tried in registration order when earlier ones fail.
func (fg *FallbackGroup[T]) Add(name string, value T) {
	cfg := fg.breakerCfg
	cfg.Name = name
	fg.mu.Lock()
	fg.entries = append(fg.entries, fallbackEntry[T]{
		name:    name,
		value:   value,
		breaker: NewCircuitBreaker(cfg),
	})
	fg.mu.Unlock()
}

// Primary returns the first registered provider. ok is false when the group
// is empty.
func (fg *FallbackGroup[T]) Primary() (value T, ok bool) {
	fg.mu.RLock()
	defer fg.mu.RUnlock()
	if len(fg.entries) == 0 {
		return value, false
	}
	return fg.entries[0].value, true
}

// Len returns the number of registered providers.
func (fg *FallbackGroup[T]) Len() int {
	fg.mu.RLock()
	defer fg.mu.RUnlock()
	return len(fg.entries)
}

// Execute runs fn against the chain until one entry succeeds. See
// [ExecuteWithResult] for the semantics; this variant is for calls with no
// result value.
func (fg *FallbackGroup[T]) Execute(ctx context.Context, fn func(context.Context, T) error) error {
	_, err := ExecuteWithResult(ctx, fg, func(ctx context.Context, v T) (struct{}, error) {
		return struct{}{}, fn(ctx, v)
	})
	return err
}

// ExecuteWithResult tries fn against each entry in priority order until one
// succeeds. Entries with open breakers are skipped without calling fn. The
// walk stops early when ctx is cancelled; the context error is joined with
// the last provider error. When every entry fails, the result is
// [ErrAllFailed] wrapped with the last error.
//
// This is a package-level function because Go does not support method-level
// type parameters.
func ExecuteWithResult[T any, R any](ctx context.Context, fg *FallbackGroup[T], fn func(context.Context, T) (R, error)) (R, error) {
	fg.mu.RLock()
	entries := fg.entries
	fg.mu.RUnlock()

	var (
		lastErr error
		zero    R
	)
	for i := range entries {
		entry := &entries[i]
		if err := ctx.Err(); err != nil {
			return zero, errors.Join(err, lastErr)
		}

		var result R
		err := entry.breaker.Execute(func() error {
			var callErr error
			result, callErr = fn(ctx, entry.value)
			return callErr
		})
		if err == nil {
			if i > 0 {
				slog.Info("served by fallback provider",
					"provider", entry.name, "position", i)
			}
			return result, nil
		}
		lastErr = err

		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("provider skipped, circuit open", "provider", entry.name)
			continue
		}
		slog.Warn("provider failed, falling through",
			"provider", entry.name, "error", err)
	}
	return zero, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}
