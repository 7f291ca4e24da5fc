package intent

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/kalambet/engram/internal/ollama"
)

const extractionTimeout = 10 * time.Second

// OllamaChatter is the interface for chat completion via Ollama.
type OllamaChatter interface {
	Chat(ctx context.Context, model string, messages []ollama.Message, jsonSchema *ollama.Schema) (string, error)
}

// Intent holds the structured extraction result for a user request:
// the concrete entities it mentions, the abstract problem class behind
// it, and a single search query combining both.
type Intent struct {
	Entities     []string `json:"entities"`
	ProblemClass string   `json:"problem_class"`
	SearchQuery  string   `json:"search_query"`
}

// Extractor uses a fast local LLM to extract structured intent from user requests.
type Extractor struct {
	client OllamaChatter
	model  string
}

// NewExtractor creates an Extractor using the given Ollama client and model name.
func NewExtractor(client OllamaChatter, model string) *Extractor {
	return &Extractor{client: client, model: model}
}

// Extract analyses the request and recent history, returning a structured
// Intent. On any failure (timeout, malformed JSON, Ollama error) it returns
// a zero-value Intent; retrieval falls back to searching the raw request
// text, so extraction failures must never block a search.
func (e *Extractor) Extract(ctx context.Context, request string, history []ollama.Message) Intent {
	if request == "" {
		return Intent{}
	}

	ctx, cancel := context.WithTimeout(ctx, extractionTimeout)
	defer cancel()

	messages := BuildPrompt(request, history)

	raw, err := e.client.Chat(ctx, e.model, messages, intentSchema())
	if err != nil {
		slog.Warn("intent extraction chat failed", "error", err)
		return Intent{}
	}

	var result Intent
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		slog.Warn("failed to unmarshal intent from LLM response", "error", err, "response", raw)
		return Intent{}
	}
	return result
}

// intentSchema returns the Ollama JSON schema for structured intent output.
func intentSchema() *ollama.Schema {
	return &ollama.Schema{
		Type: "object",
		Properties: map[string]ollama.SchemaProperty{
			"entities":      {Type: "array", Description: "Named entities mentioned in the request", Items: &ollama.SchemaProperty{Type: "string"}},
			"problem_class": {Type: "string", Description: "Abstract problem class or structural pattern behind the request"},
			"search_query":  {Type: "string", Description: "Single effective search query combining entities and abstract concepts"},
		},
		Required: []string{"entities", "problem_class", "search_query"},
	}
}
