// Package rerank defines the Provider interface for relevance rerankers.
//
// A reranker scores candidate documents against a query and returns the
// indices of the best ones, most relevant first. The personalization pipeline
// uses it to narrow the retrieval candidates down to the handful of documents
// quoted to the generator.
package rerank

import "context"

// Provider orders documents by relevance to a query.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Rerank returns at most min(topN, len(docs)) indices into docs, most
	// relevant first. Implementations do not validate the indices reported by
	// the backend; callers must bounds-check them. Failures are wrapped with
	// provider.Wrap.
	Rerank(ctx context.Context, query string, docs []string, topN int) ([]int, error)

	// ModelID returns the backend model identifier (e.g., "rerank-v3.5").
	ModelID() string
}
