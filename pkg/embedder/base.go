// Package embedder provides text embedding providers and the multi-projection embedder used
// by the vector memory store.
//
// Every provider returns vectors of a fixed dimension for its whole lifetime; stores rely on
// that to keep their embedding columns fixed-width.
package embedder

import "context"

// Provider defines the interface for embedding providers.
type Provider interface {
	// Embed converts a text string into a vector embedding.
	Embed(ctx context.Context, text string) ([]float64, error)

	// EmbedBatch converts multiple texts in one call. The result order matches texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float64, error)

	// Dimensions returns the dimension of produced vectors.
	Dimensions() int

	// Close releases provider resources.
	Close() error
}
