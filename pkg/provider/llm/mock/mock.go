// Package mock provides a test double for the llm.Provider interface.
//
//	p := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "Hello!"}}
//	resp, err := p.Complete(ctx, req)
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/attune/pkg/provider/llm"
)

// CompleteCall records a single invocation of Complete.
type CompleteCall struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider. A nil CompleteResponse
// with a nil CompleteErr yields an empty response.
type Provider struct {
	mu sync.Mutex

	CompleteResponse *llm.CompletionResponse
	CompleteErr      error
	ModelIDValue     string

	CompleteCalls []CompleteCall
}

var _ llm.Provider = (*Provider)(nil)

// Complete records the call and returns CompleteResponse, CompleteErr.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	req.Messages = slices.Clone(req.Messages)
	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Ctx: ctx, Req: req})
	if p.CompleteErr != nil {
		return nil, p.CompleteErr
	}
	if p.CompleteResponse == nil {
		return &llm.CompletionResponse{}, nil
	}
	resp := *p.CompleteResponse
	return &resp, nil
}

// ModelID returns ModelIDValue.
func (p *Provider) ModelID() string {
	return p.ModelIDValue
}

// Calls returns a snapshot of the recorded Complete calls.
func (p *Provider) Calls() []CompleteCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.CompleteCalls)
}
