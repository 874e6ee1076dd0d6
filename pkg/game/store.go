package game

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is returned by store lookups when the requested record does not
// exist.
var ErrNotFound = errors.New("record not found")

// Store is the persistence boundary for campaign state, character records,
// and the append-only turn log.
//
// The engine never assumes a particular storage backend; it only relies on
// writes for a single campaign being linearizable with respect to that
// campaign's own reads. The per-campaign turn serialization in the
// orchestrator means a campaign is only ever written by one goroutine at a
// time, so implementations do not need cross-writer conflict handling.
//
// Implementations must be safe for concurrent use across campaigns.
type Store interface {
	// LoadCampaign returns the campaign with the given id, or [ErrNotFound].
	LoadCampaign(ctx context.Context, id uuid.UUID) (*Campaign, error)

	// SaveCampaign persists the full campaign record, replacing any previous
	// version.
	SaveCampaign(ctx context.Context, c *Campaign) error

	// LoadCharacter returns the character with the given id, or [ErrNotFound].
	LoadCharacter(ctx context.Context, id uuid.UUID) (*Character, error)

	// SaveCharacter persists the full character record.
	SaveCharacter(ctx context.Context, ch *Character) error

	// AppendTurn appends a terminal turn record to the campaign's turn log.
	// Turns are immutable once written.
	AppendTurn(ctx context.Context, t *Turn) error

	// RecentTurns returns up to n most recent terminal turns for the
	// campaign, ordered oldest first. Returns an empty (non-nil) slice when
	// the campaign has no turns.
	RecentTurns(ctx context.Context, campaignID uuid.UUID, n int) ([]Turn, error)
}
