// Package heuristic provides a deterministic, offline [llm.Provider] used
// when no generative model is configured (development mode, CI, and the
// degraded path when every real backend is down).
//
// It inspects the player's action for dice-roll intent (skill checks, saving
// throws, attacks, initiative) and answers with a well-formed structured
// response: a roll prompt when a roll is called for, otherwise a short
// narrative nudge with generic suggested options. The response body is the
// same JSON document a real model is instructed to produce, so the rest of
// the pipeline runs unchanged.
package heuristic

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/loomworks/loreweaver/pkg/game"
	"github.com/loomworks/loreweaver/pkg/provider/llm"
)

// ModelName is the pseudo model identifier reported by this provider.
const ModelName = "heuristic-dm-v1"

// Compile-time interface check.
var _ llm.Provider = (*Provider)(nil)

// Provider is the offline rule-based narrator.
type Provider struct{}

// New creates a heuristic Provider.
func New() *Provider {
	return &Provider{}
}

var dcPattern = regexp.MustCompile(`\b(?:dc|difficulty\s*class)\s*(\d+)\b`)

// skillSynonyms maps a skill to trigger words in the player's action.
// Direct skill names are matched separately.
var skillSynonyms = []struct {
	skill string
	words []string
}{
	{"stealth", []string{"sneak", "hide", "hidden", "shadows", "creep", "quietly", "silently", "tiptoe"}},
	{"deception", []string{"diversion", "distract", "bluff", "mislead", "decoy"}},
	{"athletics", []string{"throw", "hurl", "shove", "lift", "climb", "jump", "grapple"}},
	{"acrobatics", []string{"tumble", "flip", "balance", "dodge"}},
	{"persuasion", []string{"persuade", "convince", "negotiate", "bargain", "charm"}},
	{"intimidation", []string{"intimidate", "threaten", "menace", "coerce", "scare"}},
	{"investigation", []string{"search", "examine", "inspect", "analyze", "study"}},
	{"perception", []string{"look", "listen", "scan", "spot", "notice", "observe"}},
	{"survival", []string{"track", "forage", "navigate", "trail"}},
}

var skillNames = []string{
	"stealth", "perception", "investigation", "athletics", "acrobatics",
	"insight", "persuasion", "deception", "intimidation", "survival",
	"arcana", "history", "religion", "nature", "medicine", "performance",
}

// Complete implements [llm.Provider]. The last user message is treated as the
// player action; the reply Content is an AgentOutput JSON document.
func (p *Provider) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	action := ""
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == llm.RoleUser {
			action = req.Messages[i].Content
			break
		}
	}

	out := respond(action)
	body, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("heuristic: encode output: %w", err)
	}
	return &llm.Response{Content: string(body)}, nil
}

// ModelID implements [llm.Provider].
func (p *Provider) ModelID() string {
	return ModelName
}

// respond builds the structured output for one player action.
func respond(action string) game.AgentOutput {
	m := strings.ToLower(action)

	var parsedDC *int
	if match := dcPattern.FindStringSubmatch(m); match != nil {
		if dc, err := strconv.Atoi(match[1]); err == nil {
			parsedDC = &dc
		}
	}

	var rolls []game.RollRequest
	if strings.Contains(m, "initiative") {
		rolls = append(rolls, game.RollRequest{
			Type: "initiative", Formula: "1d20+2", Purpose: "Roll initiative",
		})
	}
	if strings.Contains(m, "attack") {
		ac := 13
		rolls = append(rolls, game.RollRequest{
			Type: "attack", Formula: "1d20+5", Purpose: "Attack roll", AC: &ac,
		})
	}

	skill := detectSkill(m)
	if skill != "" {
		rolls = append(rolls, game.RollRequest{
			Type:    "check",
			Formula: "1d20+3",
			Purpose: strings.ToUpper(skill[:1]) + skill[1:] + " check",
			DC:      parsedDC,
		})
	}
	if strings.Contains(m, "save") {
		rolls = append(rolls, game.RollRequest{
			Type: "save", Formula: "1d20+2", Purpose: "Saving throw", DC: parsedDC,
		})
	}

	out := game.AgentOutput{RollRequests: rolls}
	if len(rolls) > 0 {
		rr := rolls[0]
		target := ""
		if rr.DC != nil {
			target = fmt.Sprintf(" (DC %d)", *rr.DC)
		} else if rr.AC != nil {
			target = fmt.Sprintf(" (AC %d)", *rr.AC)
		}
		out.Narrative = fmt.Sprintf("Please roll %s%s.", rr.Purpose, target)
	} else {
		out.Narrative = "The scene awaits your action. Describe what you do next and the world will answer with clear consequences."
		out.SuggestedOptions = []string{
			"Approach cautiously, gathering information before acting.",
			"Create a distraction to shift the situation in your favor.",
			"Withdraw and reassess, planning a better approach.",
		}
	}
	return out
}

// detectSkill returns the skill implied by the action text, preferring an
// explicit skill name over a synonym hit.
func detectSkill(m string) string {
	for _, s := range skillNames {
		if strings.Contains(m, s) {
			return s
		}
	}
	for _, syn := range skillSynonyms {
		for _, w := range syn.words {
			if strings.Contains(m, w) {
				return syn.skill
			}
		}
	}
	return ""
}
