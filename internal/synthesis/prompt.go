package synthesis

import (
	"fmt"
	"strings"

	"github.com/kalambet/engram/internal/ollama"
	"github.com/kalambet/engram/internal/storage"
)

const systemPrompt = `You are a knowledge synthesis engine for an agent's long-term memory. Analyze one interaction and decide whether it should be stored in the knowledge base. Your output must be ONLY a single valid JSON object conforming to the provided schema. Do not include any other text, prose, or markdown.

Work in two phases:

1. Analysis: extract significant structural knowledge from the interaction. Capture not just specific details but also the abstract problem class behind them.

2. Synthesis decision: compare the extracted knowledge with the similar existing documents and choose an action.

Actions:
- "NEW": the knowledge is valuable and no existing document covers it.
- "UPDATE": an existing document covers the same subject; produce a merged replacement and set target_doc_id to that document's id.
- "KEEP": the existing documents already cover this fully; store nothing.

Rules:
- Set should_store to false for small talk, pleasantries, or content with no reusable knowledge.
- For NEW or UPDATE, content must hold the distilled knowledge itself, structured as a specific model followed by its generalization. Never copy the conversation verbatim.
- For UPDATE, merge the new knowledge into the target document's content rather than replacing it wholesale.
- Extract named entities (people, projects, technologies, concepts) and one abstract problem class.`

// BuildPrompt constructs the chat messages for a synthesis decision
// about one conversational turn, given the similar documents already in
// the knowledge base.
func BuildPrompt(userInput, agentOutput string, candidates []storage.Document) []ollama.Message {
	var sb strings.Builder
	fmt.Fprintf(&sb, "User: %s\nAI: %s\n\nSimilar Existing Knowledge:\n", userInput, agentOutput)

	if len(candidates) == 0 {
		sb.WriteString("(none)\n")
	}
	for _, doc := range candidates {
		fmt.Fprintf(&sb, "- id: %s\n  problem_class: %s\n  content: %s\n", doc.ID, doc.ProblemClass, doc.Content)
	}

	return []ollama.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: sb.String()},
	}
}
