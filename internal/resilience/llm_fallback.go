package resilience

import (
	"context"

	"github.com/loomworks/loreweaver/pkg/provider/llm"
)

// LLMFallback implements [llm.Provider] with automatic failover across
// several narrator backends. Each backend gets its own circuit breaker; when
// the primary fails or its breaker is open, the next healthy backend serves
// the completion. The agent client stays unaware of the chain.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates a chain with primary as the preferred backend.
// Additional backends are registered via [LLMFallback.Add].
func NewLLMFallback(primaryName string, primary llm.Provider, breakerCfg CircuitBreakerConfig) *LLMFallback {
	group := NewFallbackGroup[llm.Provider](breakerCfg)
	group.Add(primaryName, primary)
	return &LLMFallback{group: group}
}

// Add registers an additional backend at the end of the chain.
func (f *LLMFallback) Add(name string, provider llm.Provider) {
	f.group.Add(name, provider)
}

// Complete implements [llm.Provider], walking the chain until a backend
// answers.
func (f *LLMFallback) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	return ExecuteWithResult(ctx, f.group, func(ctx context.Context, p llm.Provider) (*llm.Response, error) {
		return p.Complete(ctx, req)
	})
}

// ModelID implements [llm.Provider]. It reports the primary backend's model
// identifier; failover does not change the reported ID because metrics and
// audit records attribute turns to the configured narrator.
func (f *LLMFallback) ModelID() string {
	primary, ok := f.group.Primary()
	if !ok {
		return "unconfigured"
	}
	return primary.ModelID()
}
