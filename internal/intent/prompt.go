package intent

import (
	"github.com/kalambet/engram/internal/ollama"
)

const systemPromptTemplate = `You are an intent analysis engine for a long-term memory system. Analyze the user's latest request against the conversation history. Your output must be ONLY a single valid JSON object that conforms to the provided schema. Do not include any other text, prose, or markdown.

Target TWO things:
1. Specific entities and facts mentioned in the request (people, projects, technologies, concepts).
2. Abstract problem classes, structural patterns, or general principles relevant to the request.

Rules:
- Combine both into a single search_query string effective for both lexical and semantic retrieval.
- Keep the search_query short; it is a query, not a summary.`

// BuildPrompt constructs the Ollama chat messages for intent extraction.
func BuildPrompt(request string, history []ollama.Message) []ollama.Message {
	messages := []ollama.Message{
		{Role: "system", Content: systemPromptTemplate},
	}

	messages = append(messages, history...)

	messages = append(messages, ollama.Message{
		Role:    "user",
		Content: request,
	})

	return messages
}
