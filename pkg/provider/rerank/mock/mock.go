// Package mock provides a test double for the rerank.Provider interface.
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/attune/pkg/provider/rerank"
)

// RerankCall records a single invocation of Rerank.
type RerankCall struct {
	Query string
	Docs  []string
	TopN  int
}

// Provider is a mock implementation of rerank.Provider.
//
// When neither RerankFunc nor RerankResult is set, Rerank returns the identity
// ordering truncated to min(topN, len(docs)).
type Provider struct {
	mu sync.Mutex

	RerankResult []int
	RerankFunc   func(query string, docs []string, topN int) ([]int, error)
	RerankErr    error
	ModelIDValue string

	RerankCalls []RerankCall
}

var _ rerank.Provider = (*Provider)(nil)

// Rerank records the call and returns the configured result.
func (p *Provider) Rerank(_ context.Context, query string, docs []string, topN int) ([]int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.RerankCalls = append(p.RerankCalls, RerankCall{Query: query, Docs: slices.Clone(docs), TopN: topN})
	switch {
	case p.RerankFunc != nil:
		return p.RerankFunc(query, docs, topN)
	case p.RerankErr != nil:
		return nil, p.RerankErr
	case p.RerankResult != nil:
		return slices.Clone(p.RerankResult), nil
	}
	n := min(topN, len(docs))
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out, nil
}

// ModelID returns ModelIDValue.
func (p *Provider) ModelID() string {
	return p.ModelIDValue
}

// Calls returns a snapshot of the recorded Rerank calls.
func (p *Provider) Calls() []RerankCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.RerankCalls)
}
