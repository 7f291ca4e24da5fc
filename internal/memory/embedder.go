package memory

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Embedder produces an embedding vector for a piece of text. The
// production implementation calls the Ollama embeddings endpoint; tests
// substitute a deterministic fake.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// embedConcurrency bounds parallel embedding calls so batch seeding
// does not overload the model server.
const embedConcurrency = 4

// embedBatch embeds all texts concurrently, preserving input order.
func embedBatch(ctx context.Context, e Embedder, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(embedConcurrency)

	for i, text := range texts {
		g.Go(func() error {
			vec, err := e.Embed(ctx, text)
			if err != nil {
				return fmt.Errorf("embedding text %d: %w", i, err)
			}
			vectors[i] = vec
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return vectors, nil
}
