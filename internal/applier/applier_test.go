package applier

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/loomworks/loreweaver/internal/resilience"
	"github.com/loomworks/loreweaver/pkg/game"
	gamemem "github.com/loomworks/loreweaver/pkg/game/memstore"
	memmock "github.com/loomworks/loreweaver/pkg/memory/mock"
	embmock "github.com/loomworks/loreweaver/pkg/provider/embeddings/mock"
)

var fastRetry = resilience.RetryPolicy{
	MaxAttempts:  2,
	InitialDelay: time.Millisecond,
}

func seedCampaign(t *testing.T) (*gamemem.Store, *game.Campaign) {
	t.Helper()
	gs := gamemem.New()
	c := &game.Campaign{
		ID:    uuid.New(),
		Theme: "high-fantasy",
		State: map[string]any{"gate": "closed", "gold": float64(10)},
	}
	if err := gs.SaveCampaign(context.Background(), c); err != nil {
		t.Fatalf("SaveCampaign: %v", err)
	}
	return gs, c
}

func newTurn(campaignID uuid.UUID, seq uint64) *game.Turn {
	return &game.Turn{
		ID:           uuid.New(),
		CampaignID:   campaignID,
		Seq:          seq,
		PlayerAction: "force the gate",
	}
}

// appendlessStore delegates to a real store but refuses turn-log appends.
type appendlessStore struct {
	game.Store
	err error
}

func (s *appendlessStore) AppendTurn(context.Context, *game.Turn) error { return s.err }

func TestApply_CommitsStateAndTurn(t *testing.T) {
	gs, campaign := seedCampaign(t)
	ms := &memmock.Store{}
	a := New(gs, ms, nil, WithRetryPolicy(fastRetry))

	turn := newTurn(campaign.ID, 1)
	out := &game.AgentOutput{
		Narrative: "The gate splinters open.",
		StateDeltas: []game.GameStateDelta{
			{Op: game.OpSet, Key: "gate", Value: "open"},
			{Op: game.OpIncrement, Key: "gold", Value: float64(-2)},
		},
	}

	if err := a.Apply(context.Background(), campaign, turn, out); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if campaign.State["gate"] != "open" {
		t.Errorf("gate = %v, want open", campaign.State["gate"])
	}
	if campaign.State["gold"] != float64(8) {
		t.Errorf("gold = %v, want 8", campaign.State["gold"])
	}
	if campaign.TurnCounter != 1 {
		t.Errorf("turn counter = %d, want 1", campaign.TurnCounter)
	}

	// Store reflects the commit.
	stored, err := gs.LoadCampaign(context.Background(), campaign.ID)
	if err != nil {
		t.Fatalf("LoadCampaign: %v", err)
	}
	if stored.State["gate"] != "open" {
		t.Error("campaign not persisted")
	}
	turns, err := gs.RecentTurns(context.Background(), campaign.ID, 10)
	if err != nil {
		t.Fatalf("RecentTurns: %v", err)
	}
	if len(turns) != 1 {
		t.Fatalf("turn records = %d, want 1", len(turns))
	}
	if turns[0].Status != game.TurnSucceeded {
		t.Errorf("status = %q, want succeeded", turns[0].Status)
	}
	if len(turns[0].Deltas) != 2 {
		t.Errorf("recorded deltas = %d, want 2", len(turns[0].Deltas))
	}
}

func TestApply_PreconditionFailureLeavesStateUntouched(t *testing.T) {
	gs, campaign := seedCampaign(t)
	ms := &memmock.Store{}
	a := New(gs, ms, nil, WithRetryPolicy(fastRetry))

	expected := any("open") // actual value is "closed"
	turn := newTurn(campaign.ID, 1)
	out := &game.AgentOutput{
		Narrative: "It was already open.",
		StateDeltas: []game.GameStateDelta{
			{Op: game.OpSet, Key: "gate", Value: "barred", Precondition: &expected},
		},
	}

	err := a.Apply(context.Background(), campaign, turn, out)
	if !errors.Is(err, game.ErrPreconditionFailed) {
		t.Fatalf("error = %v, want ErrPreconditionFailed", err)
	}

	if campaign.State["gate"] != "closed" {
		t.Error("in-memory state mutated despite precondition failure")
	}
	stored, _ := gs.LoadCampaign(context.Background(), campaign.ID)
	if stored.TurnCounter != 0 {
		t.Error("campaign persisted despite precondition failure")
	}
	turns, _ := gs.RecentTurns(context.Background(), campaign.ID, 10)
	if len(turns) != 0 {
		t.Error("turn record appended despite precondition failure")
	}
	if got := ms.CallCount("Append"); got != 0 {
		t.Errorf("memory appends = %d, want 0", got)
	}
}

func TestApply_AllOrNothing(t *testing.T) {
	gs, campaign := seedCampaign(t)
	a := New(gs, &memmock.Store{}, nil, WithRetryPolicy(fastRetry))

	expected := any("wrong")
	turn := newTurn(campaign.ID, 1)
	out := &game.AgentOutput{
		Narrative: "Partial progress.",
		StateDeltas: []game.GameStateDelta{
			{Op: game.OpSet, Key: "gate", Value: "open"}, // would succeed
			{Op: game.OpSet, Key: "gold", Value: float64(0), Precondition: &expected},
		},
	}

	if err := a.Apply(context.Background(), campaign, turn, out); err == nil {
		t.Fatal("expected precondition failure")
	}
	if campaign.State["gate"] != "closed" {
		t.Error("first delta leaked despite second delta failing")
	}
}

func TestApply_TurnAppendFailureStillCommits(t *testing.T) {
	gs, campaign := seedCampaign(t)
	fs := &appendlessStore{Store: gs, err: errors.New("redis down")}
	a := New(fs, &memmock.Store{}, nil, WithRetryPolicy(fastRetry))

	turn := newTurn(campaign.ID, 1)
	out := &game.AgentOutput{
		Narrative:   "The gate splinters open.",
		StateDeltas: []game.GameStateDelta{{Op: game.OpIncrement, Key: "gold", Value: float64(-2)}},
	}

	// Once the campaign save commits, a turn-log failure must not be
	// reported as a turn failure: a resubmit would apply the increment twice.
	if err := a.Apply(context.Background(), campaign, turn, out); err != nil {
		t.Fatalf("Apply should degrade on a turn-log failure, not fail: %v", err)
	}
	if turn.Status != game.TurnSucceeded {
		t.Errorf("status = %q, want succeeded", turn.Status)
	}
	stored, err := gs.LoadCampaign(context.Background(), campaign.ID)
	if err != nil {
		t.Fatalf("LoadCampaign: %v", err)
	}
	if stored.State["gold"] != float64(8) {
		t.Errorf("gold = %v, want 8", stored.State["gold"])
	}
	if stored.TurnCounter != 1 {
		t.Errorf("turn counter = %d, want 1", stored.TurnCounter)
	}
}

func TestApply_PreconditionSeesFreshState(t *testing.T) {
	ctx := context.Background()
	gs, campaign := seedCampaign(t)
	a := New(gs, &memmock.Store{}, nil, WithRetryPolicy(fastRetry))

	// Another writer moves the gate after the assembly snapshot was taken.
	drifted, err := gs.LoadCampaign(ctx, campaign.ID)
	if err != nil {
		t.Fatalf("LoadCampaign: %v", err)
	}
	drifted.State["gate"] = "warded"
	if err := gs.SaveCampaign(ctx, drifted); err != nil {
		t.Fatalf("SaveCampaign: %v", err)
	}

	// A precondition matching the stale snapshot must fail against the
	// store's current state.
	stale := any("closed")
	out := &game.AgentOutput{
		Narrative:   "You bar the gate.",
		StateDeltas: []game.GameStateDelta{{Op: game.OpSet, Key: "gate", Value: "barred", Precondition: &stale}},
	}
	err = a.Apply(ctx, campaign, newTurn(campaign.ID, 1), out)
	if !errors.Is(err, game.ErrPreconditionFailed) {
		t.Fatalf("error = %v, want ErrPreconditionFailed", err)
	}

	// A precondition matching the drifted store state succeeds even though
	// the snapshot passed in disagrees.
	current := any("warded")
	out = &game.AgentOutput{
		Narrative:   "You bar the gate.",
		StateDeltas: []game.GameStateDelta{{Op: game.OpSet, Key: "gate", Value: "barred", Precondition: &current}},
	}
	if err := a.Apply(ctx, campaign, newTurn(campaign.ID, 1), out); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if campaign.State["gate"] != "barred" {
		t.Errorf("gate = %v, want barred", campaign.State["gate"])
	}
}

func TestApply_SequenceFollowsFailureRecords(t *testing.T) {
	ctx := context.Background()
	gs, campaign := seedCampaign(t)
	a := New(gs, &memmock.Store{}, nil, WithRetryPolicy(fastRetry))

	// Two failed attempts occupy slots 1 and 2 in the turn log.
	a.RecordFailure(ctx, newTurn(campaign.ID, 1), game.TurnFailedExternal)
	a.RecordFailure(ctx, newTurn(campaign.ID, 1), game.TurnFailedExternal)

	turn := newTurn(campaign.ID, 1)
	out := &game.AgentOutput{
		Narrative:   "The gate finally gives way.",
		StateDeltas: []game.GameStateDelta{{Op: game.OpSet, Key: "gate", Value: "open"}},
	}
	if err := a.Apply(ctx, campaign, turn, out); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if turn.Seq != 3 {
		t.Errorf("seq = %d, want 3 after two failure records", turn.Seq)
	}
	if campaign.TurnCounter != 3 {
		t.Errorf("turn counter = %d, want 3", campaign.TurnCounter)
	}

	turns, err := gs.RecentTurns(ctx, campaign.ID, 10)
	if err != nil {
		t.Fatalf("RecentTurns: %v", err)
	}
	want := []uint64{1, 2, 3}
	if len(turns) != len(want) {
		t.Fatalf("turn records = %d, want %d", len(turns), len(want))
	}
	for i, w := range want {
		if turns[i].Seq != w {
			t.Errorf("record %d: seq = %d, want %d", i, turns[i].Seq, w)
		}
	}
}

func TestApply_WritesSalientMemory(t *testing.T) {
	gs, campaign := seedCampaign(t)
	ms := &memmock.Store{}
	emb := &embmock.Provider{}
	a := New(gs, ms, emb, WithRetryPolicy(fastRetry))

	turn := newTurn(campaign.ID, 1)
	out := &game.AgentOutput{
		Narrative:   "The captain is slain; the garrison scatters.",
		StateDeltas: []game.GameStateDelta{{Op: game.OpSet, Key: "captain", Value: "dead"}},
		NPCActions:  []game.NPCAction{{Name: "Captain Herrick", Action: "falls"}},
	}

	if err := a.Apply(context.Background(), campaign, turn, out); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if len(ms.Appended) != 1 {
		t.Fatalf("memories appended = %d, want 1", len(ms.Appended))
	}
	mem := ms.Appended[0]
	if mem.CampaignID != campaign.ID {
		t.Error("memory not scoped to campaign")
	}
	if !strings.Contains(mem.Content, "slain") {
		t.Errorf("memory content = %q", mem.Content)
	}
	if mem.Salience < 0.5 {
		t.Errorf("salience = %v, want >= 0.5", mem.Salience)
	}
	if len(mem.Embedding) == 0 {
		t.Error("memory stored without embedding despite working embedder")
	}
	if mem.ModelID != emb.ModelID() {
		t.Errorf("model id = %q, want %q", mem.ModelID, emb.ModelID())
	}
	if len(mem.Tags) == 0 || mem.Tags[0] != "Captain Herrick" {
		t.Errorf("tags = %v", mem.Tags)
	}
}

func TestApply_MundaneTurnWritesNoMemory(t *testing.T) {
	gs, campaign := seedCampaign(t)
	ms := &memmock.Store{}
	a := New(gs, ms, nil, WithRetryPolicy(fastRetry))

	turn := newTurn(campaign.ID, 1)
	out := &game.AgentOutput{Narrative: "You walk along the road. Nothing happens."}

	if err := a.Apply(context.Background(), campaign, turn, out); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(ms.Appended) != 0 {
		t.Errorf("memories appended = %d, want 0 for a mundane turn", len(ms.Appended))
	}
}

func TestApply_MemoryFailureDegrades(t *testing.T) {
	gs, campaign := seedCampaign(t)
	ms := &memmock.Store{AppendErr: errors.New("pg down")}
	a := New(gs, ms, nil, WithRetryPolicy(fastRetry))

	turn := newTurn(campaign.ID, 1)
	out := &game.AgentOutput{
		Narrative:   "The bridge is destroyed behind you.",
		StateDeltas: []game.GameStateDelta{{Op: game.OpSet, Key: "bridge", Value: "destroyed"}},
	}

	// The turn must still succeed.
	if err := a.Apply(context.Background(), campaign, turn, out); err != nil {
		t.Fatalf("Apply should degrade, not fail: %v", err)
	}
	if campaign.State["bridge"] != "destroyed" {
		t.Error("state not committed")
	}
	// The append was retried before giving up.
	if got := ms.CallCount("Append"); got != fastRetry.MaxAttempts {
		t.Errorf("append attempts = %d, want %d", got, fastRetry.MaxAttempts)
	}
}

func TestApply_EmbedFailureStoresWithoutVector(t *testing.T) {
	gs, campaign := seedCampaign(t)
	ms := &memmock.Store{}
	emb := &embmock.Provider{EmbedErr: errors.New("model down")}
	a := New(gs, ms, emb, WithRetryPolicy(fastRetry))

	turn := newTurn(campaign.ID, 1)
	out := &game.AgentOutput{
		Narrative:   "The vault is discovered beneath the chapel.",
		StateDeltas: []game.GameStateDelta{{Op: game.OpSet, Key: "vault", Value: "found"}},
	}

	if err := a.Apply(context.Background(), campaign, turn, out); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(ms.Appended) != 1 {
		t.Fatalf("memories appended = %d, want 1", len(ms.Appended))
	}
	if len(ms.Appended[0].Embedding) != 0 {
		t.Error("expected memory without embedding after embed failure")
	}
	if ms.Appended[0].ModelID != "" {
		t.Error("model id should be empty without an embedding")
	}
}

func TestRecordFailure_AppendsTerminalRecord(t *testing.T) {
	gs, campaign := seedCampaign(t)
	a := New(gs, &memmock.Store{}, nil)

	turn := newTurn(campaign.ID, 1)
	a.RecordFailure(context.Background(), turn, game.TurnFailedExternal)

	turns, err := gs.RecentTurns(context.Background(), campaign.ID, 10)
	if err != nil {
		t.Fatalf("RecentTurns: %v", err)
	}
	if len(turns) != 1 {
		t.Fatalf("turn records = %d, want 1", len(turns))
	}
	if turns[0].Status != game.TurnFailedExternal {
		t.Errorf("status = %q, want failed_external", turns[0].Status)
	}
	if len(turns[0].Deltas) != 0 {
		t.Error("failed turn must carry no deltas")
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// DefaultSignificancePolicy
// ─────────────────────────────────────────────────────────────────────────────

func TestDefaultSignificancePolicy_Scoring(t *testing.T) {
	turn := &game.Turn{Seq: 3, PlayerAction: "attack"}

	cases := []struct {
		name    string
		out     *game.AgentOutput
		wantMin float64
		wantMax float64
	}{
		{
			name:    "plain narration",
			out:     &game.AgentOutput{Narrative: "You rest by the fire."},
			wantMin: 0.3, wantMax: 0.3,
		},
		{
			name: "state change",
			out: &game.AgentOutput{
				Narrative:   "You pocket the key.",
				StateDeltas: []game.GameStateDelta{{Op: game.OpSet, Key: "key", Value: true}},
			},
			wantMin: 0.5, wantMax: 0.5,
		},
		{
			name: "deadly combat",
			out: &game.AgentOutput{
				Narrative:    "The ogre is slain.",
				StateDeltas:  []game.GameStateDelta{{Op: game.OpRemove, Key: "ogre"}},
				RollRequests: []game.RollRequest{{Type: "attack", Formula: "1d20+5"}},
			},
			wantMin: 0.8, wantMax: 0.8,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cands := DefaultSignificancePolicy(turn, tc.out)
			if len(cands) != 1 {
				t.Fatalf("candidates = %d, want 1", len(cands))
			}
			s := cands[0].Salience
			if s < tc.wantMin-1e-9 || s > tc.wantMax+1e-9 {
				t.Errorf("salience = %v, want in [%v, %v]", s, tc.wantMin, tc.wantMax)
			}
		})
	}
}

func TestDefaultSignificancePolicy_EmptyNarrative(t *testing.T) {
	if got := DefaultSignificancePolicy(&game.Turn{}, &game.AgentOutput{}); got != nil {
		t.Errorf("expected nil candidates, got %v", got)
	}
}
