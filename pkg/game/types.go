// Package game defines the shared domain types for the Loreweaver turn engine.
//
// These types form the lingua franca between the orchestrator, the context
// assembler, the agent client, and the state mutation applier. Each package
// defines its own internals, but cross-cutting data structures live here to
// avoid circular imports.
package game

import (
	"time"

	"github.com/google/uuid"
)

// Campaign is a single ongoing adventure. Its State map is the authoritative
// world-state snapshot and is mutated exclusively through validated
// [GameStateDelta] sets applied by the state mutation applier.
type Campaign struct {
	// ID is the unique campaign identifier.
	ID uuid.UUID `json:"id"`

	// Theme is the genre/tone tag injected into the narrator prompt
	// (e.g., "high-fantasy", "noir", "cosmic-horror").
	Theme string `json:"theme"`

	// TurnCounter is the sequence number of the most recently committed turn.
	// Zero means no turn has ever completed.
	TurnCounter uint64 `json:"turn_counter"`

	// State maps world-state keys to their current values. Values are plain
	// JSON types: string, float64, bool, []any, or map[string]any.
	State map[string]any `json:"state"`

	// UpdatedAt is when the campaign state last changed.
	UpdatedAt time.Time `json:"updated_at"`
}

// AbilityScores holds the six classic ability scores of a character.
type AbilityScores struct {
	Strength     int `json:"strength"`
	Dexterity    int `json:"dexterity"`
	Constitution int `json:"constitution"`
	Intelligence int `json:"intelligence"`
	Wisdom       int `json:"wisdom"`
	Charisma     int `json:"charisma"`
}

// Character is a player character bound to a campaign. Once Finalized, its
// sheet is immutable except through explicit state deltas (HP, inventory, …)
// recorded on the campaign state under "character.<field>" keys.
type Character struct {
	// ID is the unique character identifier.
	ID uuid.UUID `json:"id"`

	// CampaignID is the campaign this character belongs to.
	CampaignID uuid.UUID `json:"campaign_id"`

	// Name is the character's display name.
	Name string `json:"name"`

	Race       string `json:"race"`
	Class      string `json:"class"`
	Background string `json:"background"`

	// Abilities are the base ability scores.
	Abilities AbilityScores `json:"abilities"`

	// HP and MaxHP are the current and maximum hit points.
	HP    int `json:"hp"`
	MaxHP int `json:"max_hp"`

	// ArmorClass is the derived defensive stat.
	ArmorClass int `json:"armor_class"`

	// StyleTag biases narrative tone and art direction for this character
	// (e.g., "grimdark", "storybook"). May be empty.
	StyleTag string `json:"style_tag,omitempty"`

	// Finalized marks the sheet as locked after character creation.
	Finalized bool `json:"finalized"`
}

// TurnStatus is the terminal status of a processed turn.
type TurnStatus string

const (
	// TurnSucceeded means the turn completed and its deltas were applied.
	TurnSucceeded TurnStatus = "succeeded"

	// TurnFailedValidation means the agent output or a delta precondition
	// failed validation; no state was changed.
	TurnFailedValidation TurnStatus = "failed_validation"

	// TurnFailedExternal means an external collaborator (model, embeddings,
	// storage) failed after exhausting retries; no state was changed.
	TurnFailedExternal TurnStatus = "failed_external"

	// TurnSuperseded means the turn was cancelled before reaching the apply
	// stage (e.g., client disconnect while queued or invoking).
	TurnSuperseded TurnStatus = "superseded"
)

// IsValid reports whether s is a recognised terminal status.
func (s TurnStatus) IsValid() bool {
	switch s {
	case TurnSucceeded, TurnFailedValidation, TurnFailedExternal, TurnSuperseded:
		return true
	}
	return false
}

// Turn is the immutable record of one player-action-to-response cycle.
// Turns are append-only; Seq imposes a total order per campaign.
type Turn struct {
	// ID is the unique turn identifier.
	ID uuid.UUID `json:"id"`

	// CampaignID is the campaign this turn belongs to.
	CampaignID uuid.UUID `json:"campaign_id"`

	// Seq is the monotonic per-campaign sequence number, starting at 1.
	Seq uint64 `json:"seq"`

	// PlayerAction is the raw player action text that drove this turn.
	PlayerAction string `json:"player_action"`

	// Narrative is the dungeon master's narrative response.
	Narrative string `json:"narrative"`

	// ContextSnapshot is the rendered prompt context sent to the model,
	// retained for auditability.
	ContextSnapshot string `json:"context_snapshot,omitempty"`

	// RawOutput is the unparsed model response, retained for auditability.
	RawOutput string `json:"raw_output,omitempty"`

	// Deltas are the state mutations applied by this turn, in application
	// order. Empty for failed turns.
	Deltas []GameStateDelta `json:"deltas,omitempty"`

	// Status is the terminal status of the turn.
	Status TurnStatus `json:"status"`

	// CreatedAt is when the turn reached its terminal status.
	CreatedAt time.Time `json:"created_at"`
}

// NPCAction describes what a non-player character does or says during a turn.
type NPCAction struct {
	// NPCID identifies the acting NPC. May be empty for ad-hoc NPCs that
	// exist only in narration.
	NPCID string `json:"npc_id,omitempty"`

	// Name is the NPC's display name.
	Name string `json:"name"`

	// Action is a short description of what the NPC does.
	Action string `json:"action"`

	// Dialogue is the NPC's spoken line, if any.
	Dialogue string `json:"dialogue,omitempty"`
}

// RollRequest asks the player to roll dice before the story can continue.
// Exactly one of DC or AC is typically set, depending on Type.
type RollRequest struct {
	// Type is the roll category: "check", "save", "attack", "damage",
	// or "initiative".
	Type string `json:"type"`

	// Formula is the dice expression to roll (e.g., "1d20+3").
	Formula string `json:"formula,omitempty"`

	// Purpose is a human-readable explanation (e.g., "Stealth check").
	Purpose string `json:"purpose,omitempty"`

	// DC is the difficulty class for checks and saves. Nil when not applicable.
	DC *int `json:"dc,omitempty"`

	// AC is the armor class target for attacks. Nil when not applicable.
	AC *int `json:"ac,omitempty"`
}

// AgentOutput is the schema-validated structured result of one generative
// model call. The agent client guarantees that any AgentOutput it returns has
// passed shape validation; malformed model responses never reach this type.
type AgentOutput struct {
	// Narrative is the dungeon master's prose response. Never empty in a
	// valid output.
	Narrative string `json:"narrative"`

	// StateDeltas are the world-state mutations the model requests, in the
	// order they must be applied.
	StateDeltas []GameStateDelta `json:"state_deltas,omitempty"`

	// NPCActions lists NPC behaviour accompanying the narration.
	NPCActions []NPCAction `json:"npc_actions,omitempty"`

	// RollRequests asks the player for dice rolls needed to resolve the
	// action.
	RollRequests []RollRequest `json:"roll_requests,omitempty"`

	// SuggestedOptions are up to three short action suggestions offered to
	// the player.
	SuggestedOptions []string `json:"suggested_options,omitempty"`
}
