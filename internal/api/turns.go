package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/engram/internal/storage"
)

type recordTurnRequest struct {
	UserInput   string `json:"user_input"`
	AgentOutput string `json:"agent_output"`
}

// handleRecordTurn enqueues one conversational turn for background
// learning. The turn is durable once this returns 202; synthesis
// happens later in the worker.
func handleRecordTurn(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var req recordTurnRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.UserInput == "" && req.AgentOutput == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "at least one of user_input or agent_output is required")
			return
		}

		sp, err := space(deps, r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		id, err := sp.Store.EnqueueTask(req.UserInput, req.AgentOutput)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to enqueue turn: %v", err)
			return
		}

		w.WriteHeader(http.StatusAccepted)
		writeJSON(w, map[string]any{
			"task_id": id,
			"status":  "queued",
		})
	}
}

func handleListTasks(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		status := r.URL.Query().Get("status")

		switch status {
		case "", storage.TaskPending, storage.TaskProcessing, storage.TaskDone, storage.TaskFailed:
		default:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown status %q", status)
			return
		}

		sp, err := space(deps, r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		tasks, err := sp.Store.ListTasks(status, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list tasks: %v", err)
			return
		}

		out := make([]taskJSON, 0, len(tasks))
		for _, t := range tasks {
			out = append(out, toTaskJSON(t))
		}
		writeJSON(w, out)
	}
}

func handleGetTask(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid task id")
			return
		}

		sp, err := space(deps, r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		task, err := sp.Store.GetTask(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "task not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get task: %v", err)
			return
		}

		writeJSON(w, toTaskJSON(task))
	}
}
