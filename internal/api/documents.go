package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/engram/internal/memory"
	"github.com/kalambet/engram/internal/storage"
)

type addDocumentRequest struct {
	Content      string   `json:"content"`
	Entities     []string `json:"entities"`
	ProblemClass string   `json:"problem_class"`
	Source       string   `json:"source"`
}

func (req addDocumentRequest) input() memory.Input {
	source := req.Source
	if source == "" {
		source = "manual"
	}
	return memory.Input{
		Content:      req.Content,
		Entities:     req.Entities,
		ProblemClass: req.ProblemClass,
		Source:       source,
	}
}

// handleAddDocument stores one document directly, bypassing the
// learning queue. Used for seeding curated knowledge.
func handleAddDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var req addDocumentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Content == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "content is required")
			return
		}

		sp, err := space(deps, r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		doc, err := sp.Memory.Add(r.Context(), req.input())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to store document: %v", err)
			return
		}

		w.WriteHeader(http.StatusCreated)
		writeJSON(w, toDocumentJSON(doc))
	}
}

type addDocumentsRequest struct {
	Items []addDocumentRequest `json:"items"`
}

func handleAddDocuments(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var req addDocumentsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if len(req.Items) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "items is required")
			return
		}
		inputs := make([]memory.Input, len(req.Items))
		for i, item := range req.Items {
			if item.Content == "" {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "items[%d].content is required", i)
				return
			}
			inputs[i] = item.input()
		}

		sp, err := space(deps, r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		docs, err := sp.Memory.AddBatch(r.Context(), inputs)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to store documents: %v", err)
			return
		}

		out := make([]documentJSON, len(docs))
		for i, doc := range docs {
			out[i] = toDocumentJSON(doc)
		}
		w.WriteHeader(http.StatusCreated)
		writeJSON(w, map[string]any{"documents": out})
	}
}

func handleListDocuments(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		offset := parseIntParam(r, "offset", 0, 0)

		sp, err := space(deps, r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		docs, err := sp.Memory.List(limit, offset)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list documents: %v", err)
			return
		}

		out := make([]documentJSON, 0, len(docs))
		for _, doc := range docs {
			out = append(out, toDocumentJSON(doc))
		}
		writeJSON(w, out)
	}
}

func handleGetDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sp, err := space(deps, r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		doc, err := sp.Memory.Get(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "document not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get document: %v", err)
			return
		}

		writeJSON(w, toDocumentJSON(doc))
	}
}

func handleDeleteDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sp, err := space(deps, r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		err = sp.Memory.Delete(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "document not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete document: %v", err)
			return
		}

		writeJSON(w, map[string]string{"status": "deleted"})
	}
}

// searchResult is one hit in the wire form of a search response.
type searchResult struct {
	documentJSON
	Score  float32 `json:"score"`
	Origin string  `json:"origin"`
}

func handleSearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query().Get("q")
		if query == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "q is required")
			return
		}
		topK := parseIntParam(r, "k", 0, 50)

		sp, err := space(deps, r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		results, err := sp.Memory.Search(r.Context(), query, topK)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "search failed: %v", err)
			return
		}

		out := make([]searchResult, 0, len(results))
		for _, res := range results {
			out = append(out, searchResult{
				documentJSON: toDocumentJSON(res.Document),
				Score:        res.Score,
				Origin:       res.Origin,
			})
		}
		writeJSON(w, map[string]any{"results": out})
	}
}

func handleConsistency(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sp, err := space(deps, r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		drifted, err := sp.Memory.CheckConsistency()
		if err != nil && !errors.Is(err, memory.ErrIndexInconsistency) {
			httpError(w, http.StatusInternalServerError, "api_error", "consistency check failed: %v", err)
			return
		}

		if drifted == nil {
			drifted = []string{}
		}
		writeJSON(w, map[string]any{
			"consistent":  len(drifted) == 0,
			"drifted_ids": drifted,
		})
	}
}
