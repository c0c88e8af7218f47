// Package embeddings abstracts text-to-vector backends. The client uses one
// to index an agent's lore lines and to rank them against the current
// conversation; anything that maps strings to fixed-length float32 vectors
// can sit behind the interface.
package embeddings

import "context"

// Provider turns text into dense vectors. Every vector produced by one
// instance has the same length, reported by Dimensions; vectors from
// different instances are not comparable unless the caller knows both wrap
// the same model.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Embed returns the vector for one text. The text is passed to the
	// backend verbatim.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch embeds texts in a single backend call. The result is
	// index-aligned with texts; on any failure the whole batch errors and
	// no partial result is returned.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions is the length of every vector this provider produces. It
	// is fixed by the underlying model.
	Dimensions() int
}
