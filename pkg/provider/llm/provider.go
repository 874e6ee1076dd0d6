// Package llm defines the Provider interface for generative model backends.
//
// A provider wraps a remote or local model API (OpenAI, Anthropic, a local
// Ollama instance, …) and exposes a uniform completion interface so the agent
// client can invoke the dungeon master model without coupling to any specific
// SDK. The wire format of the model response is the provider's concern; the
// agent client is responsible for validating the structured content.
//
// Implementations must be safe for concurrent use and must propagate context
// cancellation promptly.
package llm

import "context"

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single entry in the conversation history sent to the model.
type Message struct {
	Role    Role
	Content string
}

// Usage holds token accounting information returned by the model backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Request carries everything the model needs to produce a completion.
// At minimum Messages must be non-empty.
type Request struct {
	// SystemPrompt is a high-priority instruction injected before the
	// conversation history. Providers that lack a dedicated system channel
	// prepend it as a system-role message.
	SystemPrompt string

	// Messages is the ordered conversation. The last message is typically
	// user-role and drives the response.
	Messages []Message

	// Temperature controls output randomness in [0.0, 2.0]. Zero means use
	// the provider default.
	Temperature float64

	// MaxTokens caps completion length. Zero means provider default.
	MaxTokens int
}

// Response is the full (non-streaming) model reply.
type Response struct {
	// Content is the raw text of the model's reply.
	Content string

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// Provider is the abstraction over any generative model backend.
type Provider interface {
	// Complete sends req to the model and waits for the full response.
	// Returns an error if the request fails or ctx is cancelled first.
	Complete(ctx context.Context, req Request) (*Response, error)

	// ModelID returns the backing model identifier (e.g., "gpt-4o"), used
	// for logging and metrics attribution.
	ModelID() string
}
