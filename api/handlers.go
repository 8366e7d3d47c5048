package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	rkerrors "github.com/vinayprograms/replykit/errors"
	"github.com/vinayprograms/replykit/ingest"
	"github.com/vinayprograms/replykit/orchestrator"
)

const (
	defaultListLimit = 10
	maxBodyBytes     = 1 << 20
)

type envelope map[string]any

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter, status int, fields envelope) {
	body := envelope{"success": true}
	for k, v := range fields {
		body[k] = v
	}
	writeJSON(w, status, body)
}

// fail answers with the status implied by err's code. Internal details
// go to the log, not the client.
func (h *handlers) fail(w http.ResponseWriter, r *http.Request, msg string, err error) {
	status := rkerrors.HTTPStatus(err)
	body := envelope{"success": false, "error": msg}
	if status < 500 {
		body["details"] = err.Error()
	} else {
		h.logger.Error("request_failed", map[string]interface{}{
			"path":  r.URL.Path,
			"error": err.Error(),
		})
	}
	if code := rkerrors.CodeOf(err); code != "" {
		body["code"] = string(code)
	}
	writeJSON(w, status, body)
}

func notConfigured(w http.ResponseWriter, what string) {
	writeJSON(w, http.StatusNotImplemented, envelope{"success": false, "error": what + " is not configured"})
}

func limitParam(r *http.Request) (int, error) {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, rkerrors.InvalidInput("limit must be a positive integer")
	}
	return n, nil
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, envelope{"ok": true})
}

type createTaskRequest struct {
	SourceContentID string `json:"source_content_id"`
	MentionID       string `json:"mention_id"`
}

func (h *handlers) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.fail(w, r, "invalid JSON", rkerrors.InvalidInput(err.Error()))
		return
	}
	if req.SourceContentID == "" || req.MentionID == "" {
		h.fail(w, r, "Missing required parameters: source_content_id and mention_id are required",
			rkerrors.InvalidInput("source_content_id and mention_id are required"))
		return
	}

	existing, err := h.Store.GetByMentionID(r.Context(), req.MentionID)
	if err != nil {
		h.fail(w, r, "Failed to create task", err)
		return
	}
	task, err := h.Store.Create(r.Context(), req.SourceContentID, req.MentionID)
	if err != nil {
		h.fail(w, r, "Failed to create task", err)
		return
	}
	if existing == nil {
		h.Metrics.TaskCreated()
	}
	writeOK(w, http.StatusOK, envelope{
		"message": "Task created successfully",
		"created": existing == nil,
		"task":    viewOf(task),
	})
}

func (h *handlers) listRecent(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r)
	if err != nil {
		h.fail(w, r, "Failed to get recent tasks", err)
		return
	}
	ts, err := h.Store.ListRecent(r.Context(), limit)
	if err != nil {
		h.fail(w, r, "Failed to get recent tasks", err)
		return
	}
	writeOK(w, http.StatusOK, envelope{"count": len(ts), "tasks": viewsOf(ts)})
}

func (h *handlers) listPending(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r)
	if err != nil {
		h.fail(w, r, "Failed to get pending tasks", err)
		return
	}
	ts, err := h.Store.ListPending(r.Context(), limit)
	if err != nil {
		h.fail(w, r, "Failed to get pending tasks", err)
		return
	}
	writeOK(w, http.StatusOK, envelope{"count": len(ts), "tasks": viewsOf(ts)})
}

func (h *handlers) getTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, err := h.Store.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, "Failed to get task details", err)
		return
	}
	if task == nil {
		h.fail(w, r, "Task not found: "+id, rkerrors.NotFound("no task with id "+id))
		return
	}
	writeOK(w, http.StatusOK, envelope{"task": viewOf(task)})
}

// processTask hands the task to the dispatcher and answers 202 without
// waiting for the run.
func (h *handlers) processTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, err := h.Store.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, "Failed to trigger task", err)
		return
	}
	if task == nil {
		h.fail(w, r, "Task not found: "+id, rkerrors.NotFound("no task with id "+id))
		return
	}
	if !task.Status.CanStartRun() {
		writeOK(w, http.StatusOK, envelope{
			"message": fmt.Sprintf("Task %s is %s, not started", id, task.Status),
			"task_id": id,
			"status":  task.Status,
		})
		return
	}

	ctx := orchestrator.WithTrigger(r.Context(), ingest.TriggerAPI)
	if err := h.Dispatcher.Dispatch(ctx, id); err != nil {
		h.fail(w, r, "Failed to trigger task", err)
		return
	}
	writeOK(w, http.StatusAccepted, envelope{
		"message": fmt.Sprintf("Task %s has been triggered", id),
		"task_id": id,
	})
}

// runTask runs the task in the request and returns the final state.
func (h *handlers) runTask(w http.ResponseWriter, r *http.Request) {
	if h.Runner == nil {
		notConfigured(w, "synchronous runs")
		return
	}
	id := chi.URLParam(r, "id")
	ctx := orchestrator.WithTrigger(r.Context(), ingest.TriggerAPI)
	outcome, err := h.Runner.Run(ctx, id)
	if err != nil {
		h.fail(w, r, "Error processing task", err)
		return
	}
	task, err := h.Store.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, "Error processing task", err)
		return
	}
	if task == nil {
		h.fail(w, r, "Task not found: "+id, rkerrors.NotFound("no task with id "+id))
		return
	}

	body := envelope{
		"message":     fmt.Sprintf("Task %s processing %s", id, outcome),
		"outcome":     string(outcome),
		"status":      task.Status,
		"response_id": task.ResponseID,
		"reply_text":  task.ReplyText,
	}
	if len(task.ResultMedia) > 0 {
		body["image_url"] = task.ResultMedia[0]
	}
	if outcome == orchestrator.OutcomeFailed {
		body["error"] = task.ErrorMessage
	}
	writeOK(w, http.StatusOK, body)
}

func (h *handlers) poll(w http.ResponseWriter, r *http.Request) {
	if h.Poller == nil {
		notConfigured(w, "mention polling")
		return
	}
	res, err := h.Poller.Poll(r.Context())
	if errors.Is(err, ingest.ErrPollInProgress) {
		h.fail(w, r, "Mention poll already running", rkerrors.New(rkerrors.CodeConflict, err.Error()))
		return
	}
	if err != nil {
		h.fail(w, r, "Error checking mentions", err)
		return
	}
	writeOK(w, http.StatusOK, envelope{"message": "Mentions checked successfully", "result": res})
}

func (h *handlers) rateLimitStatus(w http.ResponseWriter, r *http.Request) {
	if h.Limits == nil {
		notConfigured(w, "rate limiting")
		return
	}
	userID := chi.URLParam(r, "user_id")
	count, err := h.Limits.Count(r.Context(), userID)
	if err != nil {
		h.fail(w, r, "Failed to read rate limit", err)
		return
	}
	remaining, err := h.Limits.Remaining(r.Context(), userID)
	if err != nil {
		h.fail(w, r, "Failed to read rate limit", err)
		return
	}
	writeOK(w, http.StatusOK, envelope{"user_id": userID, "count": count, "remaining": remaining})
}

func (h *handlers) rateLimitReset(w http.ResponseWriter, r *http.Request) {
	if h.Limits == nil {
		notConfigured(w, "rate limiting")
		return
	}
	userID := chi.URLParam(r, "user_id")
	if err := h.Limits.Reset(r.Context(), userID); err != nil {
		h.fail(w, r, "Failed to reset rate limit", err)
		return
	}
	writeOK(w, http.StatusOK, envelope{"message": "Rate limit reset", "user_id": userID})
}
