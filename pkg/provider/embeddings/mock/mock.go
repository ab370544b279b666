// Package mock provides a test double for the embeddings.Provider interface.
//
//	p := &mock.Provider{EmbedResult: []float32{1, 0, 0}, DimensionsValue: 3}
//	vec, _ := p.Embed(ctx, "likes tea")
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/attune/pkg/provider/embeddings"
)

// EmbedCall records a single invocation of Embed.
type EmbedCall struct {
	Ctx  context.Context
	Text string
}

// Provider is a mock implementation of embeddings.Provider.
type Provider struct {
	mu sync.Mutex

	// EmbedResult is returned (copied) by Embed.
	EmbedResult []float32

	// EmbedFunc, when set, takes precedence over EmbedResult and EmbedErr.
	EmbedFunc func(text string) ([]float32, error)

	// EmbedErr, if non-nil, is returned as the error from Embed.
	EmbedErr error

	// DimensionsValue is returned by Dimensions.
	DimensionsValue int

	// ModelIDValue is returned by ModelID.
	ModelIDValue string

	// EmbedCalls records every call to Embed in order.
	EmbedCalls []EmbedCall
}

var _ embeddings.Provider = (*Provider)(nil)

// Embed records the call and returns the configured result.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EmbedCalls = append(p.EmbedCalls, EmbedCall{Ctx: ctx, Text: text})
	if p.EmbedFunc != nil {
		return p.EmbedFunc(text)
	}
	if p.EmbedErr != nil {
		return nil, p.EmbedErr
	}
	return slices.Clone(p.EmbedResult), nil
}

// Dimensions returns DimensionsValue.
func (p *Provider) Dimensions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.DimensionsValue
}

// ModelID returns ModelIDValue.
func (p *Provider) ModelID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ModelIDValue
}

// Calls returns a snapshot of the recorded Embed calls.
func (p *Provider) Calls() []EmbedCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.EmbedCalls)
}
