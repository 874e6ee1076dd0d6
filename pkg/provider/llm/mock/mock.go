// Package mock provides a test double for the [llm.Provider] interface.
//
// Use Provider in unit tests to verify the requests the agent client sends
// and to feed controlled responses without a live model backend.
//
// Example:
//
//	p := &mock.Provider{
//	    Responses: []string{`{"narrative":"You swing."}`},
//	}
//	resp, err := p.Complete(ctx, req)
package mock

import (
	"context"
	"sync"

	"github.com/loomworks/loreweaver/pkg/provider/llm"
)

// Compile-time interface check.
var _ llm.Provider = (*Provider)(nil)

// CompleteCall records a single invocation of Complete.
type CompleteCall struct {
	// Req is the request passed to Complete.
	Req llm.Request
}

// Provider is a mock implementation of [llm.Provider].
// Responses are consumed in order; the last one repeats once exhausted.
type Provider struct {
	mu sync.Mutex

	// Responses are the Content values returned by successive Complete
	// calls. When empty, Complete returns an empty response.
	Responses []string

	// Errs are errors returned by successive Complete calls; a nil entry
	// means success for that call. Entries beyond len(Errs) succeed.
	Errs []error

	// Model is returned by ModelID. Defaults to "mock-llm" when empty.
	Model string

	calls []CompleteCall
}

// Complete implements [llm.Provider].
func (p *Provider) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := len(p.calls)
	p.calls = append(p.calls, CompleteCall{Req: req})

	if idx < len(p.Errs) && p.Errs[idx] != nil {
		return nil, p.Errs[idx]
	}

	content := ""
	if len(p.Responses) > 0 {
		if idx >= len(p.Responses) {
			idx = len(p.Responses) - 1
		}
		content = p.Responses[idx]
	}
	return &llm.Response{Content: content}, nil
}

// ModelID implements [llm.Provider].
func (p *Provider) ModelID() string {
	if p.Model == "" {
		return "mock-llm"
	}
	return p.Model
}

// Calls returns a copy of all recorded Complete invocations.
func (p *Provider) Calls() []CompleteCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]CompleteCall, len(p.calls))
	copy(out, p.calls)
	return out
}

// CallCount returns how many times Complete was invoked.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}
