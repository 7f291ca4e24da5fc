package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/engram/internal/spaces"
	"github.com/kalambet/engram/internal/storage"
)

const maxRequestBodySize = 10 << 20 // 10MB

// Deps carries everything the HTTP handlers need.
type Deps struct {
	Registry *spaces.Registry
	Token    string
}

// NewHandler returns the engram management API. The health endpoint is
// open; everything else requires the bearer token.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/turns", handleRecordTurn(deps))
		r.Get("/search", handleSearch(deps))

		r.Post("/documents", handleAddDocument(deps))
		r.Post("/documents/batch", handleAddDocuments(deps))
		r.Get("/documents", handleListDocuments(deps))
		r.Get("/documents/{id}", handleGetDocument(deps))
		r.Delete("/documents/{id}", handleDeleteDocument(deps))

		r.Get("/tasks", handleListTasks(deps))
		r.Get("/tasks/{id}", handleGetTask(deps))

		r.Get("/consistency", handleConsistency(deps))
		r.Get("/spaces", handleListSpaces(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

// space resolves the memory space named in the request query, falling
// back to the shared default.
func space(deps Deps, r *http.Request) (*spaces.Space, error) {
	return deps.Registry.Get(r.URL.Query().Get("space"))
}

func handleListSpaces(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"spaces": deps.Registry.Names()})
	}
}

// documentJSON is the wire form of a stored document.
type documentJSON struct {
	ID           string    `json:"id"`
	Content      string    `json:"content"`
	Entities     []string  `json:"entities"`
	ProblemClass string    `json:"problem_class"`
	Source       string    `json:"source"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func toDocumentJSON(d storage.Document) documentJSON {
	entities := d.Entities
	if entities == nil {
		entities = []string{}
	}
	return documentJSON{
		ID:           d.ID,
		Content:      d.Content,
		Entities:     entities,
		ProblemClass: d.ProblemClass,
		Source:       d.Source,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}
}

// taskJSON is the wire form of a queued task.
type taskJSON struct {
	ID          int64  `json:"id"`
	UserInput   string `json:"user_input"`
	AgentOutput string `json:"agent_output"`
	Status      string `json:"status"`
	Attempts    int    `json:"attempts"`
	ErrorMsg    string `json:"error_msg,omitempty"`
	CreatedAt   string `json:"created_at"`
	CompletedAt string `json:"completed_at,omitempty"`
}

func toTaskJSON(t storage.Task) taskJSON {
	out := taskJSON{
		ID:          t.ID,
		UserInput:   t.UserInput,
		AgentOutput: t.AgentOutput,
		Status:      t.Status,
		Attempts:    t.Attempts,
		ErrorMsg:    t.ErrorMsg,
		CreatedAt:   t.CreatedAt.Format(time.RFC3339),
	}
	if !t.CompletedAt.IsZero() {
		out.CompletedAt = t.CompletedAt.Format(time.RFC3339)
	}
	return out
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
