package synthesis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/engram/internal/ollama"
	"github.com/kalambet/engram/internal/storage"
)

const decisionTimeout = 120 * time.Second

// Synthesis actions.
const (
	ActionNew    = "NEW"
	ActionUpdate = "UPDATE"
	ActionKeep   = "KEEP"
)

// OllamaChatter is the interface for chat completion via Ollama.
type OllamaChatter interface {
	Chat(ctx context.Context, model string, messages []ollama.Message, jsonSchema *ollama.Schema) (string, error)
}

// Decision is the structured outcome of analysing one interaction
// against the similar knowledge already stored.
type Decision struct {
	ShouldStore  bool     `json:"should_store"`
	Action       string   `json:"action"`
	TargetID     string   `json:"target_doc_id"`
	Content      string   `json:"content"`
	Entities     []string `json:"entities"`
	ProblemClass string   `json:"problem_class"`
	Rationale    string   `json:"rationale"`
}

// Synthesizer asks a local LLM to decide whether and how to store the
// knowledge from one conversational turn.
type Synthesizer struct {
	client OllamaChatter
	model  string
}

// New creates a Synthesizer using the given Ollama client and model name.
func New(client OllamaChatter, model string) *Synthesizer {
	return &Synthesizer{client: client, model: model}
}

// Decide analyses a turn against the candidate documents and returns
// the synthesis decision. Unlike intent extraction this is not
// best-effort: a failure here must surface so the task can be retried.
func (s *Synthesizer) Decide(ctx context.Context, userInput, agentOutput string, candidates []storage.Document) (Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, decisionTimeout)
	defer cancel()

	messages := BuildPrompt(userInput, agentOutput, candidates)

	raw, err := s.client.Chat(ctx, s.model, messages, decisionSchema())
	if err != nil {
		return Decision{}, fmt.Errorf("synthesis chat: %w", err)
	}

	var d Decision
	if err := json.Unmarshal([]byte(stripCodeFence(raw)), &d); err != nil {
		return Decision{}, fmt.Errorf("parsing synthesis decision from %q: %w", raw, err)
	}

	d.Action = normalizeAction(d.Action)
	if d.ShouldStore && d.Action != ActionNew && d.Action != ActionUpdate && d.Action != ActionKeep {
		return Decision{}, fmt.Errorf("synthesis decision has invalid action %q", d.Action)
	}
	if d.ShouldStore && d.Action == ActionUpdate && d.TargetID == "" {
		return Decision{}, fmt.Errorf("synthesis decision is UPDATE without a target id")
	}
	if d.ShouldStore && d.Action != ActionKeep && strings.TrimSpace(d.Content) == "" {
		return Decision{}, fmt.Errorf("synthesis decision is %s with empty content", d.Action)
	}

	return d, nil
}

// normalizeAction canonicalizes the action string. Models sometimes
// emit the past form "KEPT" for the keep action.
func normalizeAction(action string) string {
	action = strings.ToUpper(strings.TrimSpace(action))
	if action == "KEPT" {
		return ActionKeep
	}
	return action
}

// stripCodeFence removes a surrounding markdown code fence if the model
// wrapped its JSON in one despite the format constraint.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// decisionSchema returns the Ollama JSON schema for structured
// synthesis output.
func decisionSchema() *ollama.Schema {
	return &ollama.Schema{
		Type: "object",
		Properties: map[string]ollama.SchemaProperty{
			"should_store":  {Type: "boolean", Description: "Whether the interaction holds reusable knowledge"},
			"action":        {Type: "string", Description: "How to apply the knowledge", Enum: []string{ActionNew, ActionUpdate, ActionKeep}},
			"target_doc_id": {Type: "string", Description: "Id of the document to update; empty unless action is UPDATE"},
			"content":       {Type: "string", Description: "Distilled knowledge for NEW or UPDATE: specific model, then generalization"},
			"entities":      {Type: "array", Description: "Named entities in the knowledge", Items: &ollama.SchemaProperty{Type: "string"}},
			"problem_class": {Type: "string", Description: "Abstract problem class the knowledge belongs to"},
			"rationale":     {Type: "string", Description: "Reason for the decision"},
		},
		Required: []string{"should_store", "action", "content", "entities", "problem_class", "rationale"},
	}
}
