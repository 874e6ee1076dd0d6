// Package mock provides an in-memory test double for [memory.Store].
//
// The mock records every method call for assertion in tests and exposes
// exported fields that control what it returns. Safe for concurrent use via
// an internal [sync.Mutex].
//
// Typical usage:
//
//	store := &mock.Store{}
//	store.QueryTopKResult = []memory.ScoredMemory{{Memory: m, Score: 0.9}}
//
//	// inject store into the system under test …
//
//	if got := store.CallCount("QueryTopK"); got != 1 {
//	    t.Errorf("expected 1 QueryTopK call, got %d", got)
//	}
package mock

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/loomworks/loreweaver/pkg/memory"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Store is a configurable test double for [memory.Store].
// All exported *Err fields default to nil (success); QueryTopKResult defaults
// to nil (empty slice returned).
type Store struct {
	mu sync.Mutex

	// calls records every method invocation in order.
	calls []Call

	// Appended collects every memory passed to [Store.Append].
	Appended []memory.Memory

	// AppendErr is returned by [Store.Append] when non-nil.
	AppendErr error

	// AppendErrCount fails the first N Append calls with AppendErr, then
	// succeeds. Zero means AppendErr (when set) applies to every call.
	AppendErrCount int

	// QueryTopKResult is returned by [Store.QueryTopK].
	// When nil, QueryTopK returns an empty non-nil slice.
	QueryTopKResult []memory.ScoredMemory

	// QueryTopKErr is returned by [Store.QueryTopK] when non-nil.
	QueryTopKErr error

	// LastQueryOpts holds the options passed to the most recent QueryTopK
	// call, for assertion via [memory.ResolveQueryOptions].
	LastQueryOpts []memory.QueryOpt

	// PruneResult is returned by [Store.Prune].
	PruneResult int

	// PruneErr is returned by [Store.Prune] when non-nil.
	PruneErr error

	// PinnedIDs collects every id passed to [Store.Pin].
	PinnedIDs []uuid.UUID

	appendCalls int
}

// Calls returns a copy of all recorded method invocations.
func (m *Store) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *Store) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Append implements [memory.Store].
func (m *Store) Append(_ context.Context, mem memory.Memory) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, Call{Method: "Append", Args: []any{mem}})
	m.appendCalls++
	if m.AppendErr != nil && (m.AppendErrCount == 0 || m.appendCalls <= m.AppendErrCount) {
		return m.AppendErr
	}
	m.Appended = append(m.Appended, mem)
	return nil
}

// QueryTopK implements [memory.Store].
func (m *Store) QueryTopK(_ context.Context, campaignID uuid.UUID, queryVector []float32, k int, opts ...memory.QueryOpt) ([]memory.ScoredMemory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, Call{Method: "QueryTopK", Args: []any{campaignID, queryVector, k}})
	m.LastQueryOpts = opts
	if m.QueryTopKErr != nil {
		return nil, m.QueryTopKErr
	}
	if m.QueryTopKResult == nil {
		return []memory.ScoredMemory{}, nil
	}
	out := m.QueryTopKResult
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// Pin implements [memory.Store].
func (m *Store) Pin(ids []uuid.UUID) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, Call{Method: "Pin", Args: []any{ids}})
	m.PinnedIDs = append(m.PinnedIDs, ids...)
	return func() {}
}

// Prune implements [memory.Store].
func (m *Store) Prune(_ context.Context, campaignID uuid.UUID, policy memory.RetentionPolicy) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, Call{Method: "Prune", Args: []any{campaignID, policy}})
	return m.PruneResult, m.PruneErr
}

// Compile-time interface check.
var _ memory.Store = (*Store)(nil)
