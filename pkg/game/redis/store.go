// Package redis provides a Redis-backed implementation of [game.Store].
//
// Campaigns and characters are stored as JSON documents under prefixed keys;
// the per-campaign turn log is a Redis list (RPUSH / LRANGE), which preserves
// append order and gives cheap recency-window reads. A configurable cap trims
// the turn log to bound memory use.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/loomworks/loreweaver/pkg/game"
)

// Compile-time interface check.
var _ game.Store = (*Store)(nil)

// defaultTurnLogCap is how many turn records are retained per campaign before
// the oldest are trimmed.
const defaultTurnLogCap = 500

// Store implements [game.Store] on top of a Redis client.
// All methods are safe for concurrent use.
type Store struct {
	client     *redis.Client
	turnLogCap int64
	password   string
}

// Option is a functional option for [New].
type Option func(*Store)

// WithTurnLogCap overrides the number of turn records retained per campaign.
// The default is 500.
func WithTurnLogCap(n int) Option {
	return func(s *Store) { s.turnLogCap = int64(n) }
}

// WithPassword authenticates the connection. Only honoured by [New];
// [NewWithClient] callers configure their own client.
func WithPassword(password string) Option {
	return func(s *Store) { s.password = password }
}

// New creates a Store connected to the Redis instance at addr and verifies
// the connection with a ping.
func New(ctx context.Context, addr string, opts ...Option) (*Store, error) {
	s := &Store{turnLogCap: defaultTurnLogCap}
	for _, o := range opts {
		o(s)
	}
	client := redis.NewClient(&redis.Options{Addr: addr, Password: s.password})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("game store: ping redis at %q: %w", addr, err)
	}
	s.client = client
	return s, nil
}

// NewWithClient wraps an existing Redis client. Useful in tests with
// miniredis.
func NewWithClient(client *redis.Client, opts ...Option) *Store {
	s := &Store{client: client, turnLogCap: defaultTurnLogCap}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Ping probes the Redis connection. Intended for readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the underlying Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

func campaignKey(id uuid.UUID) string  { return "campaign:" + id.String() }
func characterKey(id uuid.UUID) string { return "character:" + id.String() }
func turnLogKey(id uuid.UUID) string   { return "turns:" + id.String() }

// LoadCampaign implements [game.Store].
func (s *Store) LoadCampaign(ctx context.Context, id uuid.UUID) (*game.Campaign, error) {
	data, err := s.client.Get(ctx, campaignKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("game store: campaign %s: %w", id, game.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("game store: load campaign %s: %w", id, err)
	}

	var c game.Campaign
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("game store: decode campaign %s: %w", id, err)
	}
	if c.State == nil {
		c.State = map[string]any{}
	}
	return &c, nil
}

// SaveCampaign implements [game.Store].
func (s *Store) SaveCampaign(ctx context.Context, c *game.Campaign) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("game store: encode campaign %s: %w", c.ID, err)
	}
	if err := s.client.Set(ctx, campaignKey(c.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("game store: save campaign %s: %w", c.ID, err)
	}
	return nil
}

// LoadCharacter implements [game.Store].
func (s *Store) LoadCharacter(ctx context.Context, id uuid.UUID) (*game.Character, error) {
	data, err := s.client.Get(ctx, characterKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("game store: character %s: %w", id, game.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("game store: load character %s: %w", id, err)
	}

	var ch game.Character
	if err := json.Unmarshal(data, &ch); err != nil {
		return nil, fmt.Errorf("game store: decode character %s: %w", id, err)
	}
	return &ch, nil
}

// SaveCharacter implements [game.Store].
func (s *Store) SaveCharacter(ctx context.Context, ch *game.Character) error {
	data, err := json.Marshal(ch)
	if err != nil {
		return fmt.Errorf("game store: encode character %s: %w", ch.ID, err)
	}
	if err := s.client.Set(ctx, characterKey(ch.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("game store: save character %s: %w", ch.ID, err)
	}
	return nil
}

// AppendTurn implements [game.Store]. The turn is RPUSHed onto the campaign's
// turn list and the list is trimmed to the configured cap.
func (s *Store) AppendTurn(ctx context.Context, t *game.Turn) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("game store: encode turn %s: %w", t.ID, err)
	}

	key := turnLogKey(t.CampaignID)
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.LTrim(ctx, key, -s.turnLogCap, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("game store: append turn %s: %w", t.ID, err)
	}
	return nil
}

// RecentTurns implements [game.Store].
func (s *Store) RecentTurns(ctx context.Context, campaignID uuid.UUID, n int) ([]game.Turn, error) {
	if n <= 0 {
		return []game.Turn{}, nil
	}

	raw, err := s.client.LRange(ctx, turnLogKey(campaignID), int64(-n), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("game store: recent turns for %s: %w", campaignID, err)
	}

	turns := make([]game.Turn, 0, len(raw))
	for _, item := range raw {
		var t game.Turn
		if err := json.Unmarshal([]byte(item), &t); err != nil {
			return nil, fmt.Errorf("game store: decode turn for %s: %w", campaignID, err)
		}
		turns = append(turns, t)
	}
	return turns, nil
}
