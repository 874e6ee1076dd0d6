// Package assembler builds the bounded context injected into every dungeon
// master model call.
//
// The assembled context consists of four layers that are fetched concurrently:
//
//  1. Character sheet for the acting character.
//  2. Campaign world-state snapshot.
//  3. Recent turn history (last N turns).
//  4. Semantically retrieved memories, ranked by blended similarity + recency.
//
// The player action is embedded first to form the retrieval query. When the
// embedding provider is unavailable after retries, assembly degrades to
// recency-only retrieval instead of failing the turn. Use
// [FormatSystemPrompt] to convert a [TurnContext] into a prompt string ready
// for model injection.
package assembler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/google/uuid"
	"github.com/loomworks/loreweaver/internal/observe"
	"github.com/loomworks/loreweaver/internal/resilience"
	"github.com/loomworks/loreweaver/pkg/game"
	"github.com/loomworks/loreweaver/pkg/memory"
	"github.com/loomworks/loreweaver/pkg/provider/embeddings"
)

// ErrEmbeddingUnavailable indicates the embedding provider failed after
// retries. Assembly recovers by falling back to recency-only retrieval; the
// sentinel surfaces in logs and metrics, not in the turn result.
var ErrEmbeddingUnavailable = errors.New("embedding provider unavailable")

// ─────────────────────────────────────────────────────────────────────────────
// Public types
// ─────────────────────────────────────────────────────────────────────────────

// TurnContext is the assembled context for a single turn.
type TurnContext struct {
	// Campaign is the campaign snapshot loaded at assembly time.
	Campaign *game.Campaign

	// Character is the acting character's sheet.
	Character *game.Character

	// RecentTurns holds the last turns, ordered oldest first.
	RecentTurns []game.Turn

	// Memories holds the retrieved memories, ranked best first.
	Memories []memory.ScoredMemory

	// PlayerAction is the raw action text driving this turn.
	PlayerAction string

	// QueryVector is the embedding of PlayerAction, empty when assembly
	// degraded to recency-only retrieval.
	QueryVector []float32

	// Degraded is true when the embedding provider was unavailable and
	// memories were retrieved by recency alone.
	Degraded bool

	// AssemblyDuration records how long [Assembler.Assemble] took.
	AssemblyDuration time.Duration
}

// ─────────────────────────────────────────────────────────────────────────────
// Assembler
// ─────────────────────────────────────────────────────────────────────────────

// Assembler concurrently fetches all context layers and combines them into a
// [TurnContext] bounded by the character budget.
type Assembler struct {
	games    game.Store
	memories memory.Store
	embedder embeddings.Provider // nil disables semantic retrieval

	mu          sync.RWMutex // guards the tuning knobs below (hot-reloadable)
	recentTurns int
	topK        int
	charBudget  int
	alpha       float64
	halfLife    time.Duration

	retry   resilience.RetryPolicy
	metrics *observe.Metrics
}

// Option is a functional option for [New].
type Option func(*Assembler)

// WithRecentTurns sets how many prior turns are included. Defaults to 5.
func WithRecentTurns(n int) Option {
	return func(a *Assembler) {
		if n > 0 {
			a.recentTurns = n
		}
	}
}

// WithTopK sets how many memories are retrieved. Defaults to 8.
func WithTopK(k int) Option {
	return func(a *Assembler) {
		if k > 0 {
			a.topK = k
		}
	}
}

// WithCharBudget caps the rendered context size in characters. Defaults to
// 8000.
func WithCharBudget(n int) Option {
	return func(a *Assembler) {
		if n > 0 {
			a.charBudget = n
		}
	}
}

// WithRanking overrides the blend weight and recency half-life passed to
// the memory store. A negative alpha and a zero half-life keep the store
// defaults; alpha 0 is a legal value and ranks purely by recency.
func WithRanking(alpha float64, halfLife time.Duration) Option {
	return func(a *Assembler) {
		a.alpha = alpha
		a.halfLife = halfLife
	}
}

// WithRetryPolicy overrides the backoff schedule for embedding calls.
func WithRetryPolicy(p resilience.RetryPolicy) Option {
	return func(a *Assembler) { a.retry = p }
}

// WithMetrics attaches a metrics instance. Defaults to
// [observe.DefaultMetrics] when nil.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Assembler) { a.metrics = m }
}

// New creates an [Assembler] with sensible defaults. The embedder may be nil,
// in which case every assembly uses recency-only retrieval.
func New(games game.Store, memories memory.Store, embedder embeddings.Provider, opts ...Option) *Assembler {
	a := &Assembler{
		games:       games,
		memories:    memories,
		embedder:    embedder,
		recentTurns: 5,
		topK:        8,
		charBudget:  8000,
		alpha:       -1, // store default
		retry:       resilience.DefaultRetryPolicy,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	return a
}

// UpdateTuning replaces the context-size knobs at runtime. Non-positive
// values keep the current setting. Safe for concurrent use with Assemble.
func (a *Assembler) UpdateTuning(recentTurns, topK, charBudget int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if recentTurns > 0 {
		a.recentTurns = recentTurns
	}
	if topK > 0 {
		a.topK = topK
	}
	if charBudget > 0 {
		a.charBudget = charBudget
	}
}

// UpdateRanking replaces the retrieval blend weight and recency half-life at
// runtime. A negative alpha and a zero half-life fall back to the store
// defaults. Safe for concurrent use with Assemble.
func (a *Assembler) UpdateRanking(alpha float64, halfLife time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alpha = alpha
	a.halfLife = halfLife
}

// Assemble builds the [TurnContext] for one turn.
//
// The player action is embedded first (with retry); afterwards the campaign,
// character, recent turns, and memories are fetched in parallel via errgroup.
// If any store fetch fails, assembly is aborted with that error. An embedding
// failure is not fatal: the context degrades to recency-only retrieval.
//
// Assemble respects context cancellation on all underlying I/O calls.
func (a *Assembler) Assemble(ctx context.Context, campaignID, characterID uuid.UUID, playerAction string) (*TurnContext, error) {
	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "assembler.Assemble")
	defer span.End()

	a.mu.RLock()
	recentTurns, topK, charBudget := a.recentTurns, a.topK, a.charBudget
	alpha, halfLife := a.alpha, a.halfLife
	a.mu.RUnlock()

	tc := &TurnContext{PlayerAction: playerAction}

	// ── embed the player action to form the retrieval query ─────────────────
	if a.embedder != nil {
		embedStart := time.Now()
		vec, err := resilience.RetryWithResult(ctx, a.retry, "embed player action",
			func(ctx context.Context) ([]float32, error) {
				return a.embedder.Embed(ctx, playerAction)
			})
		a.metrics.EmbedDuration.Record(ctx, time.Since(embedStart).Seconds())
		a.metrics.RecordProviderRequest(ctx, a.embedder.ModelID(), "embeddings", err)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("context assembly: embed player action: %w", err)
			}
			observe.Logger(ctx).Warn("embedding unavailable, degrading to recency-only retrieval",
				"campaign_id", campaignID,
				"error", errors.Join(ErrEmbeddingUnavailable, err))
			a.metrics.DegradedAssemblies.Add(ctx, 1)
			tc.Degraded = true
		} else {
			tc.QueryVector = vec
		}
	} else {
		tc.Degraded = true
	}

	// ── fetch all context layers in parallel ─────────────────────────────────
	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		c, err := a.games.LoadCampaign(egCtx, campaignID)
		if err != nil {
			return fmt.Errorf("context assembly: load campaign %s: %w", campaignID, err)
		}
		tc.Campaign = c
		return nil
	})

	eg.Go(func() error {
		ch, err := a.games.LoadCharacter(egCtx, characterID)
		if err != nil {
			return fmt.Errorf("context assembly: load character %s: %w", characterID, err)
		}
		tc.Character = ch
		return nil
	})

	eg.Go(func() error {
		turns, err := a.games.RecentTurns(egCtx, campaignID, recentTurns)
		if err != nil {
			return fmt.Errorf("context assembly: recent turns for %s: %w", campaignID, err)
		}
		tc.RecentTurns = turns
		return nil
	})

	eg.Go(func() error {
		opts := []memory.QueryOpt{}
		if alpha >= 0 {
			opts = append(opts, memory.WithAlpha(alpha))
		}
		if halfLife > 0 {
			opts = append(opts, memory.WithHalfLife(halfLife))
		}
		// An empty query vector makes the store rank by pure recency.
		mems, err := a.memories.QueryTopK(egCtx, campaignID, tc.QueryVector, topK, opts...)
		if err != nil {
			return fmt.Errorf("context assembly: query memories for %s: %w", campaignID, err)
		}
		tc.Memories = mems
		return nil
	})

	if err := eg.Wait(); err != nil {
		return nil, err
	}

	// Character must belong to the campaign it acts in.
	if tc.Character.CampaignID != campaignID {
		return nil, fmt.Errorf("context assembly: character %s belongs to campaign %s, not %s",
			characterID, tc.Character.CampaignID, campaignID)
	}

	trimToBudget(tc, charBudget)

	tc.AssemblyDuration = time.Since(start)
	a.metrics.AssembleDuration.Record(ctx, tc.AssemblyDuration.Seconds())
	return tc, nil
}

// trimToBudget drops context items until the rendered prompt fits the
// character budget. Oldest memories go first, then oldest turns. The
// character sheet and player action are never trimmed.
func trimToBudget(tc *TurnContext, charBudget int) {
	for len(FormatSystemPrompt(tc)) > charBudget {
		if len(tc.Memories) > 0 {
			tc.Memories = dropOldestMemory(tc.Memories)
			continue
		}
		if len(tc.RecentTurns) > 0 {
			tc.RecentTurns = tc.RecentTurns[1:]
			continue
		}
		// Nothing left to trim.
		return
	}
}

// dropOldestMemory removes the memory with the earliest CreatedAt while
// preserving the score ordering of the rest.
func dropOldestMemory(mems []memory.ScoredMemory) []memory.ScoredMemory {
	oldest := 0
	for i := 1; i < len(mems); i++ {
		if mems[i].Memory.CreatedAt.Before(mems[oldest].Memory.CreatedAt) {
			oldest = i
		}
	}
	out := make([]memory.ScoredMemory, 0, len(mems)-1)
	out = append(out, mems[:oldest]...)
	return append(out, mems[oldest+1:]...)
}

// ─────────────────────────────────────────────────────────────────────────────
// Prompt formatting
// ─────────────────────────────────────────────────────────────────────────────

// FormatSystemPrompt renders a [TurnContext] into the system prompt string
// injected before the model conversation. Sections with no content are
// omitted.
func FormatSystemPrompt(tc *TurnContext) string {
	var b strings.Builder

	b.WriteString("You are the Dungeon Master of an ongoing tabletop campaign")
	if tc.Campaign != nil && tc.Campaign.Theme != "" {
		fmt.Fprintf(&b, " with a %s theme", tc.Campaign.Theme)
	}
	b.WriteString(".\n")

	if ch := tc.Character; ch != nil {
		b.WriteString("\n## Acting character\n")
		fmt.Fprintf(&b, "%s — %s %s", ch.Name, ch.Race, ch.Class)
		if ch.Background != "" {
			fmt.Fprintf(&b, " (%s)", ch.Background)
		}
		b.WriteString("\n")
		fmt.Fprintf(&b, "HP %d/%d, AC %d\n", ch.HP, ch.MaxHP, ch.ArmorClass)
		ab := ch.Abilities
		fmt.Fprintf(&b, "STR %d DEX %d CON %d INT %d WIS %d CHA %d\n",
			ab.Strength, ab.Dexterity, ab.Constitution, ab.Intelligence, ab.Wisdom, ab.Charisma)
		if ch.StyleTag != "" {
			fmt.Fprintf(&b, "Narrative style: %s\n", ch.StyleTag)
		}
	}

	if tc.Campaign != nil && len(tc.Campaign.State) > 0 {
		b.WriteString("\n## World state\n")
		for _, key := range sortedKeys(tc.Campaign.State) {
			fmt.Fprintf(&b, "- %s: %v\n", key, tc.Campaign.State[key])
		}
	}

	if len(tc.RecentTurns) > 0 {
		b.WriteString("\n## Recent turns\n")
		for _, t := range tc.RecentTurns {
			fmt.Fprintf(&b, "Player: %s\n", t.PlayerAction)
			fmt.Fprintf(&b, "DM: %s\n", t.Narrative)
		}
	}

	if len(tc.Memories) > 0 {
		b.WriteString("\n## Relevant memories\n")
		for _, m := range tc.Memories {
			fmt.Fprintf(&b, "- %s\n", m.Memory.Content)
		}
	}

	return b.String()
}

// sortedKeys returns the map keys in lexical order so rendered state is
// stable across runs.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
