// Package embed is the boundary around the external embedding capability.
//
// Failures are loud: a provider that cannot embed returns an error
// classified under domain.ErrProviderUnavailable or domain.ErrProviderRequest,
// never a zero vector or a keyword fallback. Silent degradation would corrupt
// every downstream ranking without detection.
package embed

import "context"

// Provider converts text into fixed-dimension embedding vectors. The
// dimensionality is fixed for the lifetime of the provider; an index built
// from one provider must not be queried with vectors from another.
type Provider interface {
	// Embed returns the embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch returns one embedding per input text, in order. Used during
	// full rebuilds. Any single failure fails the whole batch.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}
