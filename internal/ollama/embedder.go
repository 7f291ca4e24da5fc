package ollama

import "context"

// Embedder binds a Client to a fixed embedding model so it satisfies
// single-argument embedding interfaces elsewhere in the engine.
type Embedder struct {
	client *Client
	model  string
}

// NewEmbedder wraps a client with the model used for all embeddings.
func NewEmbedder(client *Client, model string) *Embedder {
	return &Embedder{client: client, model: model}
}

// Embed returns the embedding vector for text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return e.client.Embed(ctx, e.model, text)
}
