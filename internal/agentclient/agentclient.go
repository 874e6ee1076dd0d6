// Package agentclient invokes the dungeon master model and validates its
// structured output.
//
// The client renders the assembled context into a completion request with a
// JSON response contract, calls the configured [llm.Provider] under a
// per-call wall-clock timeout, and strict-decodes the reply into
// [game.AgentOutput]. A malformed reply earns exactly one corrective
// re-prompt quoting the decode failure; a second failure surfaces as
// [ErrAgentOutputInvalid]. Transport-level failures are retried with bounded
// backoff before surfacing as [ErrAgentUnavailable].
package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loomworks/loreweaver/internal/observe"
	"github.com/loomworks/loreweaver/internal/resilience"
	"github.com/loomworks/loreweaver/pkg/game"
	"github.com/loomworks/loreweaver/pkg/provider/llm"
)

// ErrAgentOutputInvalid means the model's output failed shape validation
// even after the corrective re-prompt. The turn fails without any state
// change.
var ErrAgentOutputInvalid = errors.New("agent output invalid")

// ErrAgentUnavailable means the model backend failed after exhausting
// retries. The turn fails without any state change.
var ErrAgentUnavailable = errors.New("agent unavailable")

// outputContract is appended to every task message. It pins the reply to a
// single JSON object so the decoder can be strict.
const outputContract = `Respond with a single JSON object and nothing else:
{
  "narrative": "your dungeon master prose (required, non-empty)",
  "state_deltas": [{"op": "set|increment|append|remove", "key": "...", "value": ..., "precondition": ...}],
  "npc_actions": [{"npc_id": "...", "name": "...", "action": "...", "dialogue": "..."}],
  "roll_requests": [{"type": "check|save|attack|damage|initiative", "formula": "1d20+3", "purpose": "...", "dc": 13, "ac": 15}],
  "suggested_options": ["up to three short player options"]
}
Omit empty arrays. Do not wrap the JSON in markdown fences.`

// Client calls the generative model and validates the result.
type Client struct {
	provider    llm.Provider
	callTimeout time.Duration
	temperature float64
	maxTokens   int
	retry       resilience.RetryPolicy
	metrics     *observe.Metrics
}

// Option is a functional option for [New].
type Option func(*Client)

// WithCallTimeout bounds each individual model call. Defaults to 30s.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.callTimeout = d
		}
	}
}

// WithTemperature sets the sampling temperature. Zero keeps the provider
// default.
func WithTemperature(t float64) Option {
	return func(c *Client) { c.temperature = t }
}

// WithMaxTokens caps completion length. Zero keeps the provider default.
func WithMaxTokens(n int) Option {
	return func(c *Client) { c.maxTokens = n }
}

// WithRetryPolicy overrides the backoff schedule for transient failures.
func WithRetryPolicy(p resilience.RetryPolicy) Option {
	return func(c *Client) { c.retry = p }
}

// WithMetrics attaches a metrics instance. Defaults to
// [observe.DefaultMetrics] when nil.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// New creates a [Client] around the given provider.
func New(provider llm.Provider, opts ...Option) *Client {
	c := &Client{
		provider:    provider,
		callTimeout: 30 * time.Second,
		retry:       resilience.DefaultRetryPolicy,
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// Invoke sends the assembled context to the model and returns the validated
// output plus the raw model text (for the audit trail).
//
// The first malformed reply triggers one corrective re-prompt containing the
// decode error; if the second reply is also malformed, Invoke returns
// [ErrAgentOutputInvalid] wrapped with both decode errors. Transport failures
// are retried per the retry policy and surface as [ErrAgentUnavailable].
func (c *Client) Invoke(ctx context.Context, systemPrompt, playerAction string) (*game.AgentOutput, string, error) {
	ctx, span := observe.StartSpan(ctx, "agentclient.Invoke")
	defer span.End()

	messages := []llm.Message{
		{Role: llm.RoleUser, Content: fmt.Sprintf("Player action: %s\n\n%s", playerAction, outputContract)},
	}

	raw, err := c.complete(ctx, systemPrompt, messages)
	if err != nil {
		return nil, "", err
	}

	out, parseErr := ParseAgentOutput(raw)
	if parseErr == nil {
		return out, raw, nil
	}

	// One corrective re-prompt, quoting the failure.
	observe.Logger(ctx).Warn("agent output failed validation, re-prompting",
		"model", c.provider.ModelID(),
		"error", parseErr)
	messages = append(messages,
		llm.Message{Role: llm.RoleAssistant, Content: raw},
		llm.Message{Role: llm.RoleUser, Content: fmt.Sprintf(
			"Your previous reply was rejected: %v.\nReply again with only the corrected JSON object.", parseErr)},
	)

	raw2, err := c.complete(ctx, systemPrompt, messages)
	if err != nil {
		return nil, raw, err
	}
	out, parseErr2 := ParseAgentOutput(raw2)
	if parseErr2 != nil {
		return nil, raw2, fmt.Errorf("%w: %w (after re-prompt for: %v)", ErrAgentOutputInvalid, parseErr2, parseErr)
	}
	return out, raw2, nil
}

// complete performs one logical model call with per-attempt timeout and
// bounded retries.
func (c *Client) complete(ctx context.Context, systemPrompt string, messages []llm.Message) (string, error) {
	start := time.Now()
	resp, err := resilience.RetryWithResult(ctx, c.retry, "agent completion",
		func(ctx context.Context) (*llm.Response, error) {
			callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
			defer cancel()
			return c.provider.Complete(callCtx, llm.Request{
				SystemPrompt: systemPrompt,
				Messages:     messages,
				Temperature:  c.temperature,
				MaxTokens:    c.maxTokens,
			})
		})
	c.metrics.AgentDuration.Record(ctx, time.Since(start).Seconds())
	c.metrics.RecordProviderRequest(ctx, c.provider.ModelID(), "llm", err)
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("agent client: %w", err)
		}
		return "", fmt.Errorf("%w: %w", ErrAgentUnavailable, err)
	}
	return resp.Content, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Output validation
// ─────────────────────────────────────────────────────────────────────────────

// ParseAgentOutput strict-decodes raw model text into a [game.AgentOutput].
// Markdown code fences around the JSON are tolerated; unknown fields, missing
// narrative, malformed deltas, and unknown roll types are not.
func ParseAgentOutput(raw string) (*game.AgentOutput, error) {
	payload := stripFences(raw)

	dec := json.NewDecoder(bytes.NewReader([]byte(payload)))
	dec.DisallowUnknownFields()

	var out game.AgentOutput
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode agent output: %w", err)
	}
	// Exactly one JSON value is allowed.
	if dec.More() {
		return nil, errors.New("decode agent output: trailing content after JSON object")
	}

	if strings.TrimSpace(out.Narrative) == "" {
		return nil, errors.New("agent output: narrative is empty")
	}
	for i, d := range out.StateDeltas {
		if err := d.Validate(); err != nil {
			return nil, fmt.Errorf("agent output: state_deltas[%d]: %w", i, err)
		}
	}
	for i, r := range out.RollRequests {
		switch r.Type {
		case "check", "save", "attack", "damage", "initiative":
		default:
			return nil, fmt.Errorf("agent output: roll_requests[%d]: unknown type %q", i, r.Type)
		}
	}
	if len(out.SuggestedOptions) > 3 {
		out.SuggestedOptions = out.SuggestedOptions[:3]
	}
	return &out, nil
}

// stripFences removes a surrounding markdown code fence, if present, and
// trims whitespace. Models occasionally fence the JSON despite instructions.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
