package synthesis

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/kalambet/engram/internal/ollama"
	"github.com/kalambet/engram/internal/storage"
)

type mockChatter struct {
	response string
	err      error
	gotMsgs  []ollama.Message
}

func (m *mockChatter) Chat(ctx context.Context, model string, msgs []ollama.Message, schema *ollama.Schema) (string, error) {
	m.gotMsgs = msgs
	return m.response, m.err
}

func TestDecide_New(t *testing.T) {
	m := &mockChatter{response: `{
		"should_store": true,
		"action": "NEW",
		"target_doc_id": "",
		"content": "WAL mode allows concurrent readers during a write",
		"entities": ["sqlite", "wal"],
		"problem_class": "database concurrency",
		"rationale": "no existing document covers this"
	}`}
	s := New(m, "test-model")

	d, err := s.Decide(context.Background(), "why is my db locked?", "enable WAL mode", nil)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if !d.ShouldStore {
		t.Error("ShouldStore = false, want true")
	}
	if d.Action != ActionNew {
		t.Errorf("Action = %q, want %q", d.Action, ActionNew)
	}
	if len(d.Entities) != 2 {
		t.Errorf("Entities = %v, want 2 entries", d.Entities)
	}
}

func TestDecide_Update(t *testing.T) {
	m := &mockChatter{response: `{
		"should_store": true,
		"action": "UPDATE",
		"target_doc_id": "doc-42",
		"content": "merged knowledge",
		"entities": [],
		"problem_class": "x",
		"rationale": "existing doc covers the same subject"
	}`}
	s := New(m, "test-model")

	d, err := s.Decide(context.Background(), "u", "a", nil)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d.Action != ActionUpdate || d.TargetID != "doc-42" {
		t.Errorf("got action %q target %q, want UPDATE doc-42", d.Action, d.TargetID)
	}
}

func TestDecide_KeptAliasNormalized(t *testing.T) {
	m := &mockChatter{response: `{
		"should_store": true,
		"action": "KEPT",
		"content": "",
		"entities": [],
		"problem_class": "",
		"rationale": "already stored"
	}`}
	s := New(m, "test-model")

	d, err := s.Decide(context.Background(), "u", "a", nil)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d.Action != ActionKeep {
		t.Errorf("Action = %q, want %q", d.Action, ActionKeep)
	}
}

func TestDecide_FencedJSON(t *testing.T) {
	m := &mockChatter{response: "```json\n{\"should_store\": false, \"action\": \"\", \"content\": \"\", \"entities\": [], \"problem_class\": \"\", \"rationale\": \"small talk\"}\n```"}
	s := New(m, "test-model")

	d, err := s.Decide(context.Background(), "hi", "hello", nil)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d.ShouldStore {
		t.Error("ShouldStore = true, want false")
	}
}

func TestDecide_UpdateWithoutTarget(t *testing.T) {
	m := &mockChatter{response: `{
		"should_store": true,
		"action": "UPDATE",
		"content": "c",
		"entities": [],
		"problem_class": "",
		"rationale": ""
	}`}
	s := New(m, "test-model")

	if _, err := s.Decide(context.Background(), "u", "a", nil); err == nil {
		t.Error("expected error for UPDATE without target id")
	}
}

func TestDecide_NewWithEmptyContent(t *testing.T) {
	m := &mockChatter{response: `{
		"should_store": true,
		"action": "NEW",
		"content": "  ",
		"entities": [],
		"problem_class": "",
		"rationale": ""
	}`}
	s := New(m, "test-model")

	if _, err := s.Decide(context.Background(), "u", "a", nil); err == nil {
		t.Error("expected error for NEW with empty content")
	}
}

func TestDecide_InvalidAction(t *testing.T) {
	m := &mockChatter{response: `{
		"should_store": true,
		"action": "MERGE",
		"content": "c",
		"entities": [],
		"problem_class": "",
		"rationale": ""
	}`}
	s := New(m, "test-model")

	if _, err := s.Decide(context.Background(), "u", "a", nil); err == nil {
		t.Error("expected error for unknown action")
	}
}

func TestDecide_MalformedJSON(t *testing.T) {
	m := &mockChatter{response: "not json at all"}
	s := New(m, "test-model")

	if _, err := s.Decide(context.Background(), "u", "a", nil); err == nil {
		t.Error("expected error for malformed response")
	}
}

func TestDecide_ChatError(t *testing.T) {
	m := &mockChatter{err: errors.New("model unavailable")}
	s := New(m, "test-model")

	if _, err := s.Decide(context.Background(), "u", "a", nil); err == nil {
		t.Error("expected chat error to propagate")
	}
}

func TestBuildPrompt_IncludesCandidates(t *testing.T) {
	candidates := []storage.Document{
		{ID: "d1", Content: "first fact", ProblemClass: "classA"},
		{ID: "d2", Content: "second fact", ProblemClass: "classB"},
	}
	msgs := BuildPrompt("question", "answer", candidates)

	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != "system" {
		t.Errorf("first role = %q, want system", msgs[0].Role)
	}
	user := msgs[1].Content
	for _, want := range []string{"d1", "first fact", "classA", "d2", "question", "answer"} {
		if !strings.Contains(user, want) {
			t.Errorf("user message missing %q", want)
		}
	}
}

func TestBuildPrompt_NoCandidates(t *testing.T) {
	msgs := BuildPrompt("q", "a", nil)
	if !strings.Contains(msgs[1].Content, "(none)") {
		t.Error("user message should mark empty candidate list")
	}
}

func TestStripCodeFence(t *testing.T) {
	cases := []struct{ in, want string }{
		{`{"a":1}`, `{"a":1}`},
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"```\n{\"a\":1}\n```", `{"a":1}`},
		{"  {\"a\":1}  ", `{"a":1}`},
	}
	for _, c := range cases {
		if got := stripCodeFence(c.in); got != c.want {
			t.Errorf("stripCodeFence(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
