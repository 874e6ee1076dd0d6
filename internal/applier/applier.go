// Package applier commits a validated turn: it applies the agent's state
// deltas atomically, persists the campaign and turn record, and materializes
// significant events as long-term memories.
//
// Delta application is all-or-nothing. The campaign is re-read from the store
// at apply time and preconditions run against that fresh state, so a delta
// validated against a stale assembly-time snapshot still fails loudly instead
// of silently clobbering. Once the campaign save commits, the turn record and
// memory writes are best-effort: a storage failure there degrades the turn
// with a warning rather than failing it, because reporting failure for a
// turn whose state already committed invites double-application on resubmit.
package applier

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loomworks/loreweaver/internal/observe"
	"github.com/loomworks/loreweaver/internal/resilience"
	"github.com/loomworks/loreweaver/pkg/game"
	"github.com/loomworks/loreweaver/pkg/memory"
	"github.com/loomworks/loreweaver/pkg/provider/embeddings"
)

// MemoryCandidate is a potential long-term memory extracted from a turn.
type MemoryCandidate struct {
	// Content is the narrative text to store.
	Content string

	// Salience is the significance estimate in [0, 1].
	Salience float64

	// Tags are structured labels (NPC names, "combat", "irreversible").
	Tags []string
}

// SignificancePolicy decides which parts of a completed turn deserve
// long-term memory. Implementations must be pure functions of their inputs.
type SignificancePolicy func(turn *game.Turn, out *game.AgentOutput) []MemoryCandidate

// Applier commits turn outcomes to the game and memory stores.
type Applier struct {
	games    game.Store
	memories memory.Store
	embedder embeddings.Provider // nil stores memories without vectors

	policy    SignificancePolicy
	threshold float64
	retry     resilience.RetryPolicy
	metrics   *observe.Metrics
}

// Option is a functional option for [New].
type Option func(*Applier)

// WithPolicy replaces the significance policy. Defaults to
// [DefaultSignificancePolicy].
func WithPolicy(p SignificancePolicy) Option {
	return func(a *Applier) {
		if p != nil {
			a.policy = p
		}
	}
}

// WithSalienceThreshold sets the minimum salience for a candidate to be
// persisted. Defaults to 0.5.
func WithSalienceThreshold(t float64) Option {
	return func(a *Applier) {
		if t > 0 {
			a.threshold = t
		}
	}
}

// WithRetryPolicy overrides the backoff schedule for storage writes.
func WithRetryPolicy(p resilience.RetryPolicy) Option {
	return func(a *Applier) { a.retry = p }
}

// WithMetrics attaches a metrics instance. Defaults to
// [observe.DefaultMetrics] when nil.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Applier) { a.metrics = m }
}

// New creates an [Applier]. The embedder may be nil; memories are then
// stored without embeddings and retrieved by recency only.
func New(games game.Store, memories memory.Store, embedder embeddings.Provider, opts ...Option) *Applier {
	a := &Applier{
		games:     games,
		memories:  memories,
		embedder:  embedder,
		policy:    DefaultSignificancePolicy,
		threshold: 0.5,
		retry:     resilience.DefaultRetryPolicy,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	return a
}

// Apply commits the agent output for one turn.
//
// The campaign is reloaded from the store first; deltas and their
// preconditions are evaluated against that fresh state, all-or-nothing. A
// failed precondition returns [game.ErrPreconditionFailed] (wrapped) and
// leaves both stores untouched. The turn's sequence number is allocated here
// from the committed counter and the turn log tail, superseding the
// provisional value set at submission.
//
// The campaign save is the commit point: a save failure fails the turn with
// no store change, while turn-record and memory writes after it degrade with
// a warning instead of failing a turn whose state already committed.
//
// On success campaign reflects the new state and turn carries the applied
// deltas.
func (a *Applier) Apply(ctx context.Context, campaign *game.Campaign, turn *game.Turn, out *game.AgentOutput) error {
	ctx, span := observe.StartSpan(ctx, "applier.Apply")
	defer span.End()
	start := time.Now()
	defer func() {
		a.metrics.ApplyDuration.Record(ctx, time.Since(start).Seconds())
	}()

	// Re-read the campaign so preconditions see the state as of apply time,
	// not the snapshot taken during context assembly. Campaign records may
	// be written by services outside the turn pipeline.
	fresh, err := resilience.RetryWithResult(ctx, a.retry, "load campaign",
		func(ctx context.Context) (*game.Campaign, error) {
			return a.games.LoadCampaign(ctx, campaign.ID)
		})
	if err != nil {
		return fmt.Errorf("apply turn for campaign %s: load campaign: %w", campaign.ID, err)
	}

	newState, err := game.ApplyDeltas(fresh.State, out.StateDeltas)
	if err != nil {
		return fmt.Errorf("apply turn %d: %w", turn.Seq, err)
	}

	turn.Seq = a.nextSeq(ctx, fresh)
	*campaign = *fresh
	campaign.State = newState
	campaign.TurnCounter = turn.Seq
	campaign.UpdatedAt = time.Now()

	turn.Narrative = out.Narrative
	turn.Deltas = out.StateDeltas
	turn.Status = game.TurnSucceeded
	turn.CreatedAt = campaign.UpdatedAt

	if err := resilience.Retry(ctx, a.retry, "save campaign", func(ctx context.Context) error {
		return a.games.SaveCampaign(ctx, campaign)
	}); err != nil {
		return fmt.Errorf("apply turn %d: save campaign: %w", turn.Seq, err)
	}
	if err := resilience.Retry(ctx, a.retry, "append turn", func(ctx context.Context) error {
		return a.games.AppendTurn(ctx, turn)
	}); err != nil {
		// The state commit already happened; a missing audit record is
		// tolerable, a spuriously failed turn is not.
		observe.Logger(ctx).Warn("turn record append failed after retries, audit log degrades",
			"campaign_id", campaign.ID,
			"seq", turn.Seq,
			"error", err)
	}

	a.writeMemories(ctx, campaign.ID, turn, out)
	return nil
}

// nextSeq allocates the next sequence number in the campaign's total order.
// Failure records consume sequence numbers too, so the turn log tail may be
// ahead of the committed counter.
func (a *Applier) nextSeq(ctx context.Context, c *game.Campaign) uint64 {
	seq := c.TurnCounter
	if tail, err := a.games.RecentTurns(ctx, c.ID, 1); err == nil && len(tail) > 0 && tail[0].Seq > seq {
		seq = tail[0].Seq
	}
	return seq + 1
}

// RecordFailure persists a terminal turn record for a failed turn. State is
// never touched; failure records exist purely for the audit trail. The turn
// takes the next slot in the campaign's sequence so consecutive failures stay
// distinct; when the turn log cannot be read the provisional sequence from
// submission is kept.
func (a *Applier) RecordFailure(ctx context.Context, turn *game.Turn, status game.TurnStatus) {
	turn.Status = status
	turn.Deltas = nil
	turn.CreatedAt = time.Now()
	if tail, err := a.games.RecentTurns(ctx, turn.CampaignID, 1); err == nil {
		var last uint64
		if len(tail) > 0 {
			last = tail[0].Seq
		}
		if last+1 > turn.Seq {
			turn.Seq = last + 1
		}
	}
	if err := a.games.AppendTurn(ctx, turn); err != nil {
		observe.Logger(ctx).Warn("failed to record failed turn",
			"campaign_id", turn.CampaignID,
			"seq", turn.Seq,
			"status", status,
			"error", err)
	}
}

// writeMemories runs the significance policy and appends qualifying
// candidates. Failures degrade the turn instead of failing it.
func (a *Applier) writeMemories(ctx context.Context, campaignID uuid.UUID, turn *game.Turn, out *game.AgentOutput) {
	log := observe.Logger(ctx)

	var kept []MemoryCandidate
	for _, c := range a.policy(turn, out) {
		if c.Salience >= a.threshold {
			kept = append(kept, c)
		}
	}
	if len(kept) == 0 {
		return
	}

	// Embed all candidate texts in one provider call.
	var (
		vectors [][]float32
		modelID string
	)
	if a.embedder != nil {
		texts := make([]string, len(kept))
		for i, c := range kept {
			texts[i] = c.Content
		}
		vecs, err := resilience.RetryWithResult(ctx, a.retry, "embed memories",
			func(ctx context.Context) ([][]float32, error) {
				return a.embedder.EmbedBatch(ctx, texts)
			})
		a.metrics.RecordProviderRequest(ctx, a.embedder.ModelID(), "embeddings", err)
		if err != nil {
			log.Warn("embedding memories failed, storing without vectors",
				"campaign_id", campaignID, "error", err)
		} else {
			vectors = vecs
			modelID = a.embedder.ModelID()
		}
	}

	for i, c := range kept {
		mem := memory.Memory{
			ID:         uuid.New(),
			CampaignID: campaignID,
			Content:    c.Content,
			ModelID:    modelID,
			Salience:   c.Salience,
			Tags:       c.Tags,
			CreatedAt:  turn.CreatedAt,
		}
		if vectors != nil {
			mem.Embedding = vectors[i]
		}
		err := resilience.Retry(ctx, a.retry, "append memory", func(ctx context.Context) error {
			return a.memories.Append(ctx, mem)
		})
		if err != nil {
			// The state mutation already committed; losing a memory is
			// tolerable, losing the turn is not.
			log.Warn("memory append failed after retries, turn degrades",
				"campaign_id", campaignID,
				"seq", turn.Seq,
				"error", err)
			continue
		}
		a.metrics.MemoriesWritten.Add(ctx, 1)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Default significance policy
// ─────────────────────────────────────────────────────────────────────────────

// significantWords boost salience when they appear in the narrative. They
// mark events that tend to matter many turns later.
var significantWords = []string{
	"dies", "died", "killed", "slain", "destroyed",
	"betray", "betrayed", "revealed", "discovered", "secret",
	"sworn", "oath", "promised", "curse", "cursed",
	"stolen", "lost forever", "burned down",
}

// DefaultSignificancePolicy scores the turn narrative: a base score, boosted
// by applied state deltas (the world actually changed) and by
// consequence-heavy vocabulary. It emits at most one candidate per turn.
func DefaultSignificancePolicy(turn *game.Turn, out *game.AgentOutput) []MemoryCandidate {
	if strings.TrimSpace(out.Narrative) == "" {
		return nil
	}

	salience := 0.3
	if len(out.StateDeltas) > 0 {
		salience += 0.2
	}

	lower := strings.ToLower(out.Narrative)
	for _, w := range significantWords {
		if strings.Contains(lower, w) {
			salience += 0.2
			break
		}
	}

	var tags []string
	for _, npc := range out.NPCActions {
		if npc.Name != "" {
			tags = append(tags, npc.Name)
		}
	}
	for _, roll := range out.RollRequests {
		if roll.Type == "attack" || roll.Type == "initiative" {
			tags = append(tags, "combat")
			salience += 0.1
			break
		}
	}
	if salience > 1 {
		salience = 1
	}

	content := fmt.Sprintf("Turn %d: %s → %s", turn.Seq, turn.PlayerAction, out.Narrative)
	return []MemoryCandidate{{Content: content, Salience: salience, Tags: tags}}
}
