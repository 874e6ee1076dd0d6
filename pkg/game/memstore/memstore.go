// Package memstore provides an in-memory implementation of [game.Store] for
// tests and single-binary development mode. Data does not survive a restart.
package memstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/loomworks/loreweaver/pkg/game"
)

// Compile-time interface check.
var _ game.Store = (*Store)(nil)

// Store is a mutex-guarded in-memory [game.Store].
// All methods are safe for concurrent use.
type Store struct {
	mu         sync.RWMutex
	campaigns  map[uuid.UUID]game.Campaign
	characters map[uuid.UUID]game.Character
	turns      map[uuid.UUID][]game.Turn
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		campaigns:  make(map[uuid.UUID]game.Campaign),
		characters: make(map[uuid.UUID]game.Character),
		turns:      make(map[uuid.UUID][]game.Turn),
	}
}

// LoadCampaign implements [game.Store].
func (s *Store) LoadCampaign(_ context.Context, id uuid.UUID) (*game.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.campaigns[id]
	if !ok {
		return nil, fmt.Errorf("memstore: campaign %s: %w", id, game.ErrNotFound)
	}
	out := c
	out.State = game.CloneState(c.State)
	return &out, nil
}

// SaveCampaign implements [game.Store].
func (s *Store) SaveCampaign(_ context.Context, c *game.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *c
	stored.State = game.CloneState(c.State)
	s.campaigns[c.ID] = stored
	return nil
}

// LoadCharacter implements [game.Store].
func (s *Store) LoadCharacter(_ context.Context, id uuid.UUID) (*game.Character, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ch, ok := s.characters[id]
	if !ok {
		return nil, fmt.Errorf("memstore: character %s: %w", id, game.ErrNotFound)
	}
	out := ch
	return &out, nil
}

// SaveCharacter implements [game.Store].
func (s *Store) SaveCharacter(_ context.Context, ch *game.Character) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.characters[ch.ID] = *ch
	return nil
}

// AppendTurn implements [game.Store].
func (s *Store) AppendTurn(_ context.Context, t *game.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.turns[t.CampaignID] = append(s.turns[t.CampaignID], *t)
	return nil
}

// RecentTurns implements [game.Store].
func (s *Store) RecentTurns(_ context.Context, campaignID uuid.UUID, n int) ([]game.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.turns[campaignID]
	if n <= 0 || len(log) == 0 {
		return []game.Turn{}, nil
	}
	if n > len(log) {
		n = len(log)
	}
	out := make([]game.Turn, n)
	copy(out, log[len(log)-n:])
	return out, nil
}
