package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

func TestClient_RecordTurn(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /turns": `{"task_id":7,"status":"queued"}`,
	})

	client := ts.client()

	req := map[string]any{
		"user_input":   "how do I cross-compile?",
		"agent_output": "Set GOOS and GOARCH.",
	}
	resp, err := client.post(ctx, "/turns", req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result struct {
		TaskID int64  `json:"task_id"`
		Status string `json:"status"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if result.TaskID != 7 {
		t.Errorf("task_id = %d, want 7", result.TaskID)
	}
	if result.Status != "queued" {
		t.Errorf("status = %q, want %q", result.Status, "queued")
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Method != "POST" {
		t.Errorf("method = %q, want POST", r.Method)
	}
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}

	var body map[string]any
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["user_input"] != "how do I cross-compile?" {
		t.Errorf("body.user_input = %v", body["user_input"])
	}
}

func TestClient_Search(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /search": `{"results":[{"id":"abc","content":"fact","score":0.9,"origin":"vector"}]}`,
	})

	client := ts.client()

	params := url.Values{}
	params.Set("q", "cross compile")
	params.Set("k", "5")
	resp, err := client.get(ctx, "/search?"+params.Encode())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result struct {
		Results []struct {
			ID     string  `json:"id"`
			Score  float32 `json:"score"`
			Origin string  `json:"origin"`
		} `json:"results"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if len(result.Results) != 1 {
		t.Fatalf("got %d results, want 1", len(result.Results))
	}
	if result.Results[0].Origin != "vector" {
		t.Errorf("origin = %q, want vector", result.Results[0].Origin)
	}

	r := ts.requests[0]
	if !strings.Contains(r.Path, "q=cross+compile") {
		t.Errorf("path %q missing encoded query", r.Path)
	}
}

func TestClient_Delete(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"DELETE /documents/abc": `{"status":"deleted"}`,
	})

	client := ts.client()

	resp, err := client.delete(ctx, "/documents/abc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]string
	if err := decodeJSON(resp, &result); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if result["status"] != "deleted" {
		t.Errorf("status = %q, want deleted", result["status"])
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	ts := newTestServer(t, nil)

	client := ts.client()

	resp, err := client.get(ctx, "/documents/missing")
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}

	var out any
	err = decodeJSON(resp, &out)
	if err == nil {
		t.Fatal("expected error for 404 response")
	}
	if !strings.Contains(err.Error(), "404") {
		t.Errorf("error %q should mention status code", err)
	}
}

func TestSpaceQuery(t *testing.T) {
	if got := spaceQuery("", nil); got != "" {
		t.Errorf("spaceQuery empty = %q, want empty", got)
	}
	if got := spaceQuery("session1", nil); got != "?space=session1" {
		t.Errorf("spaceQuery = %q", got)
	}

	params := url.Values{}
	params.Set("limit", "5")
	got := spaceQuery("alpha", params)
	if !strings.HasPrefix(got, "?") || !strings.Contains(got, "space=alpha") || !strings.Contains(got, "limit=5") {
		t.Errorf("spaceQuery with params = %q", got)
	}
}
