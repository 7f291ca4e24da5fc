package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kalambet/engram/internal/memory"
	"github.com/kalambet/engram/internal/spaces"
	"github.com/kalambet/engram/internal/storage"
	"github.com/kalambet/engram/internal/vector"
	"github.com/kalambet/engram/internal/worker"
)

const testToken = "test-token-12345"

// fakeEmbedder returns canned vectors for known texts and a constant
// fallback for everything else.
type fakeEmbedder struct {
	vectors  map[string][]float32
	fallback []float32
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return f.fallback, nil
}

func newTestEmbedder() *fakeEmbedder {
	return &fakeEmbedder{
		vectors: map[string][]float32{
			"Go uses goroutines for concurrency": {1, 0, 0, 0},
			"goroutines":                         {1, 0, 0, 0},
			"SQLite is an embedded database":     {0, 1, 0, 0},
		},
		fallback: []float32{0, 0, 0, 1},
	}
}

func setupHandler(t *testing.T, token string) (http.Handler, *spaces.Registry) {
	t.Helper()

	reg := spaces.NewRegistry(context.Background(), t.TempDir(), func(store *storage.Store) (*memory.Store, *worker.Worker) {
		idx := vector.NewSQLiteIndex(store.DB())
		return memory.New(store, idx, newTestEmbedder()), nil
	})
	t.Cleanup(func() { reg.Close() })

	return NewHandler(Deps{Registry: reg, Token: token}), reg
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func TestHealth_NoAuth(t *testing.T) {
	h, _ := setupHandler(t, testToken)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
}

func TestAuth_MissingToken(t *testing.T) {
	h, _ := setupHandler(t, testToken)

	rr := httptest.NewRecorder()
	req := authReq(http.MethodGet, "/documents", "", "")
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusUnauthorized)
	}
}

func TestAuth_WrongToken(t *testing.T) {
	h, _ := setupHandler(t, testToken)

	rr := httptest.NewRecorder()
	req := authReq(http.MethodGet, "/documents", "", "wrong-token")
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusUnauthorized)
	}
}

func TestRecordTurn(t *testing.T) {
	h, reg := setupHandler(t, testToken)

	body := `{"user_input":"how do I run things in parallel?","agent_output":"Use goroutines with errgroup."}`
	rr := httptest.NewRecorder()
	req := authReq(http.MethodPost, "/turns", body, testToken)
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusAccepted, rr.Body.String())
	}

	var resp struct {
		TaskID int64  `json:"task_id"`
		Status string `json:"status"`
	}
	json.NewDecoder(rr.Body).Decode(&resp)
	if resp.Status != "queued" {
		t.Errorf("status = %q, want %q", resp.Status, "queued")
	}

	sp, err := reg.Get("")
	if err != nil {
		t.Fatalf("Get default space: %v", err)
	}
	task, err := sp.Store.GetTask(resp.TaskID)
	if err != nil {
		t.Fatalf("GetTask(%d): %v", resp.TaskID, err)
	}
	if task.Status != storage.TaskPending {
		t.Errorf("task status = %q, want %q", task.Status, storage.TaskPending)
	}
}

func TestRecordTurn_EmptyTurn(t *testing.T) {
	h, _ := setupHandler(t, testToken)

	rr := httptest.NewRecorder()
	req := authReq(http.MethodPost, "/turns", `{}`, testToken)
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestAddDocument(t *testing.T) {
	h, _ := setupHandler(t, testToken)

	body := `{"content":"Go uses goroutines for concurrency","entities":["Go"],"problem_class":"concurrency"}`
	rr := httptest.NewRecorder()
	req := authReq(http.MethodPost, "/documents", body, testToken)
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusCreated, rr.Body.String())
	}

	var doc documentJSON
	json.NewDecoder(rr.Body).Decode(&doc)
	if doc.ID == "" {
		t.Fatal("response missing id")
	}
	if doc.Source != "manual" {
		t.Errorf("source = %q, want %q", doc.Source, "manual")
	}

	// Round trip through GET.
	rr = httptest.NewRecorder()
	req = authReq(http.MethodGet, "/documents/"+doc.ID, "", testToken)
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("GET status = %d, want %d", rr.Code, http.StatusOK)
	}
	var got documentJSON
	json.NewDecoder(rr.Body).Decode(&got)
	if got.Content != "Go uses goroutines for concurrency" {
		t.Errorf("content = %q", got.Content)
	}
}

func TestAddDocument_EmptyContent(t *testing.T) {
	h, _ := setupHandler(t, testToken)

	rr := httptest.NewRecorder()
	req := authReq(http.MethodPost, "/documents", `{"content":""}`, testToken)
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestAddDocuments_Batch(t *testing.T) {
	h, _ := setupHandler(t, testToken)

	body := `{"items":[{"content":"fact one"},{"content":"fact two"}]}`
	rr := httptest.NewRecorder()
	req := authReq(http.MethodPost, "/documents/batch", body, testToken)
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusCreated, rr.Body.String())
	}

	var resp struct {
		Documents []documentJSON `json:"documents"`
	}
	json.NewDecoder(rr.Body).Decode(&resp)
	if len(resp.Documents) != 2 {
		t.Fatalf("got %d documents, want 2", len(resp.Documents))
	}
}

func TestAddDocuments_EmptyItem(t *testing.T) {
	h, _ := setupHandler(t, testToken)

	body := `{"items":[{"content":"ok"},{"content":""}]}`
	rr := httptest.NewRecorder()
	req := authReq(http.MethodPost, "/documents/batch", body, testToken)
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestListDocuments_Paginated(t *testing.T) {
	h, _ := setupHandler(t, testToken)

	for i := 0; i < 3; i++ {
		body := fmt.Sprintf(`{"content":"doc number %d"}`, i)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, authReq(http.MethodPost, "/documents", body, testToken))
		if rr.Code != http.StatusCreated {
			t.Fatalf("seeding doc %d: status = %d", i, rr.Code)
		}
	}

	rr := httptest.NewRecorder()
	req := authReq(http.MethodGet, "/documents?limit=2", "", testToken)
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	var docs []documentJSON
	json.NewDecoder(rr.Body).Decode(&docs)
	if len(docs) != 2 {
		t.Fatalf("got %d docs, want 2", len(docs))
	}
}

func TestGetDocument_NotFound(t *testing.T) {
	h, _ := setupHandler(t, testToken)

	rr := httptest.NewRecorder()
	req := authReq(http.MethodGet, "/documents/nonexistent", "", testToken)
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestDeleteDocument(t *testing.T) {
	h, _ := setupHandler(t, testToken)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/documents", `{"content":"ephemeral"}`, testToken))
	var doc documentJSON
	json.NewDecoder(rr.Body).Decode(&doc)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodDelete, "/documents/"+doc.ID, "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("DELETE status = %d, want %d", rr.Code, http.StatusOK)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/documents/"+doc.ID, "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("GET after delete status = %d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestDeleteDocument_NotFound(t *testing.T) {
	h, _ := setupHandler(t, testToken)

	rr := httptest.NewRecorder()
	req := authReq(http.MethodDelete, "/documents/nonexistent", "", testToken)
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestSearch(t *testing.T) {
	h, _ := setupHandler(t, testToken)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/documents", `{"content":"Go uses goroutines for concurrency"}`, testToken))
	if rr.Code != http.StatusCreated {
		t.Fatalf("seeding doc: status = %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	req := authReq(http.MethodGet, "/search?q=goroutines", "", testToken)
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusOK, rr.Body.String())
	}

	var resp struct {
		Results []searchResult `json:"results"`
	}
	json.NewDecoder(rr.Body).Decode(&resp)
	if len(resp.Results) == 0 {
		t.Fatal("expected at least one result")
	}
	top := resp.Results[0]
	if top.Content != "Go uses goroutines for concurrency" {
		t.Errorf("top content = %q", top.Content)
	}
	if top.Origin != memory.OriginVector {
		t.Errorf("origin = %q, want %q", top.Origin, memory.OriginVector)
	}
	if top.Score < 0.99 {
		t.Errorf("score = %f, want ~1", top.Score)
	}
}

func TestSearch_MissingQuery(t *testing.T) {
	h, _ := setupHandler(t, testToken)

	rr := httptest.NewRecorder()
	req := authReq(http.MethodGet, "/search", "", testToken)
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestListTasks_UnknownStatus(t *testing.T) {
	h, _ := setupHandler(t, testToken)

	rr := httptest.NewRecorder()
	req := authReq(http.MethodGet, "/tasks?status=bogus", "", testToken)
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestListTasks(t *testing.T) {
	h, _ := setupHandler(t, testToken)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/turns", `{"user_input":"hi","agent_output":"hello"}`, testToken))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("seeding turn: status = %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	req := authReq(http.MethodGet, "/tasks?status=pending", "", testToken)
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	var tasks []taskJSON
	json.NewDecoder(rr.Body).Decode(&tasks)
	if len(tasks) != 1 {
		t.Fatalf("got %d tasks, want 1", len(tasks))
	}
	if tasks[0].UserInput != "hi" {
		t.Errorf("user_input = %q, want %q", tasks[0].UserInput, "hi")
	}
}

func TestGetTask_NotFound(t *testing.T) {
	h, _ := setupHandler(t, testToken)

	rr := httptest.NewRecorder()
	req := authReq(http.MethodGet, "/tasks/999", "", testToken)
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestConsistency(t *testing.T) {
	h, _ := setupHandler(t, testToken)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/documents", `{"content":"a stored fact"}`, testToken))

	rr = httptest.NewRecorder()
	req := authReq(http.MethodGet, "/consistency", "", testToken)
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}

	var resp struct {
		Consistent bool     `json:"consistent"`
		DriftedIDs []string `json:"drifted_ids"`
	}
	json.NewDecoder(rr.Body).Decode(&resp)
	if !resp.Consistent {
		t.Errorf("consistent = false, drifted = %v", resp.DriftedIDs)
	}
}

func TestSpaces_Isolated(t *testing.T) {
	h, _ := setupHandler(t, testToken)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/documents?space=alpha", `{"content":"alpha only"}`, testToken))
	if rr.Code != http.StatusCreated {
		t.Fatalf("seeding alpha: status = %d; body = %s", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/documents?space=beta", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("list beta: status = %d", rr.Code)
	}
	var docs []documentJSON
	json.NewDecoder(rr.Body).Decode(&docs)
	if len(docs) != 0 {
		t.Fatalf("beta sees %d docs, want 0", len(docs))
	}
}

func TestSpaces_InvalidName(t *testing.T) {
	h, _ := setupHandler(t, testToken)

	rr := httptest.NewRecorder()
	req := authReq(http.MethodGet, "/documents?space=..%2Fescape", "", testToken)
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestListSpaces(t *testing.T) {
	h, _ := setupHandler(t, testToken)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/documents?space=gamma", "", testToken))

	rr = httptest.NewRecorder()
	req := authReq(http.MethodGet, "/spaces", "", testToken)
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	var resp struct {
		Spaces []string `json:"spaces"`
	}
	json.NewDecoder(rr.Body).Decode(&resp)

	found := false
	for _, name := range resp.Spaces {
		if name == "gamma" {
			found = true
		}
	}
	if !found {
		t.Errorf("spaces = %v, want to contain gamma", resp.Spaces)
	}
}
