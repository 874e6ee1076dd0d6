// Package memstore provides an in-memory implementation of [memory.Store].
//
// It computes the blended similarity + recency ranking exactly (no index
// approximation), which makes it the reference implementation for the scoring
// contract and the backend used by tests and single-binary development mode.
package memstore

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loreweaver/pkg/memory"
)

// Compile-time interface check.
var _ memory.Store = (*Store)(nil)

// Store is a mutex-guarded in-memory [memory.Store].
// All methods are safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	byCamp map[uuid.UUID][]memory.Memory
	pins   *memory.PinSet
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		byCamp: make(map[uuid.UUID][]memory.Memory),
		pins:   memory.NewPinSet(),
	}
}

// Append implements [memory.Store].
func (s *Store) Append(_ context.Context, mem memory.Memory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.byCamp[mem.CampaignID] = append(s.byCamp[mem.CampaignID], mem)
	return nil
}

// QueryTopK implements [memory.Store].
func (s *Store) QueryTopK(_ context.Context, campaignID uuid.UUID, queryVector []float32, k int, opts ...memory.QueryOpt) ([]memory.ScoredMemory, error) {
	alpha, halfLife, now := memory.ResolveQueryOptions(opts)

	s.mu.RLock()
	mems := s.byCamp[campaignID]
	scored := make([]memory.ScoredMemory, 0, len(mems))
	for _, m := range mems {
		sim := 0.0
		if len(queryVector) > 0 {
			sim = CosineSimilarity(queryVector, m.Embedding)
		}
		rec := RecencyDecay(now.Sub(m.CreatedAt), halfLife)
		scored = append(scored, memory.ScoredMemory{
			Memory:     m,
			Similarity: sim,
			Recency:    rec,
			Score:      alpha*sim + (1-alpha)*rec,
		})
	}
	s.mu.RUnlock()

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Memory.CreatedAt.After(scored[j].Memory.CreatedAt)
	})

	if k < 0 {
		k = 0
	}
	if k > len(scored) {
		k = len(scored)
	}
	return scored[:k:k], nil
}

// Pin implements [memory.Store].
func (s *Store) Pin(ids []uuid.UUID) func() {
	return s.pins.Pin(ids)
}

// Prune implements [memory.Store]. Age-based removal runs first, then the
// count cap removes the oldest survivors. Pinned memories are always skipped.
func (s *Store) Prune(_ context.Context, campaignID uuid.UUID, policy memory.RetentionPolicy) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mems := s.byCamp[campaignID]
	if len(mems) == 0 {
		return 0, nil
	}

	// Oldest first for deterministic cap trimming.
	ordered := make([]memory.Memory, len(mems))
	copy(ordered, mems)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})

	cutoff := time.Time{}
	if policy.MaxAge > 0 {
		cutoff = time.Now().Add(-policy.MaxAge)
	}

	kept := make([]memory.Memory, 0, len(ordered))
	removed := 0
	surviving := len(ordered)
	for _, m := range ordered {
		overAge := !cutoff.IsZero() && m.CreatedAt.Before(cutoff)
		overCount := policy.MaxCount > 0 && surviving > policy.MaxCount

		if (overAge || overCount) && !s.pins.Pinned(m.ID) {
			removed++
			surviving--
			continue
		}
		kept = append(kept, m)
	}

	s.byCamp[campaignID] = kept
	return removed, nil
}

// CosineSimilarity returns the cosine similarity of a and b. Mismatched
// lengths or zero vectors yield 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// RecencyDecay returns the exponential decay term 2^(-age/halfLife),
// clamped to 1 for non-positive ages.
func RecencyDecay(age, halfLife time.Duration) float64 {
	if age <= 0 {
		return 1
	}
	return math.Exp2(-age.Hours() / halfLife.Hours())
}
