package memory

import (
	"sync"

	"github.com/google/uuid"
)

// PinSet tracks which memories are referenced by in-flight turns. Pins are an
// in-process concern: a turn pins the memories it retrieved so that a
// concurrent prune cannot remove them mid-turn, and releases them at turn end.
//
// PinSet is reference-counted — the same memory may be pinned by several
// turns at once. Safe for concurrent use.
type PinSet struct {
	mu   sync.Mutex
	refs map[uuid.UUID]int
}

// NewPinSet creates an empty PinSet.
func NewPinSet() *PinSet {
	return &PinSet{refs: make(map[uuid.UUID]int)}
}

// Pin increments the reference count of each id and returns a release
// function that decrements them. The release function is idempotent.
func (p *PinSet) Pin(ids []uuid.UUID) func() {
	if len(ids) == 0 {
		return func() {}
	}

	p.mu.Lock()
	for _, id := range ids {
		p.refs[id]++
	}
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			for _, id := range ids {
				if p.refs[id] <= 1 {
					delete(p.refs, id)
				} else {
					p.refs[id]--
				}
			}
		})
	}
}

// Pinned reports whether id currently has at least one pin.
func (p *PinSet) Pinned(id uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refs[id] > 0
}

// Snapshot returns the ids of all currently pinned memories.
func (p *PinSet) Snapshot() []uuid.UUID {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]uuid.UUID, 0, len(p.refs))
	for id := range p.refs {
		out = append(out, id)
	}
	return out
}
