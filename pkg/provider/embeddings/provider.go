// Package embeddings defines the Provider interface for text-embedding backends.
//
// The adaptive memory embeds every observed fact once, then fuses the vector
// into the user's long-term and policy state. Every vector a Provider returns
// must have the same length, because the store's vector columns are sized at
// migration time.
//
// Implementations must be safe for concurrent use.
package embeddings

import "context"

// Provider maps text to a dense float32 vector.
type Provider interface {
	// Embed computes the embedding vector for a single text string. The text is
	// forwarded verbatim. Failures are returned wrapped with provider.Wrap so
	// callers can tell a timeout from any other backend failure.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the length of every vector produced by this provider,
	// or 0 when it cannot be determined without a request.
	Dimensions() int

	// ModelID returns the backend model identifier (e.g., "text-embedding-3-large").
	ModelID() string
}
