package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/lukasbauer/scribe/internal/store"
)

var validTaskStatuses = map[string]bool{
	store.TaskPending:   true,
	store.TaskCompleted: true,
}

// handleCreateTask adds a task by hand. Tasks seeded from a meeting
// summary are created by the finalize path, not through this endpoint.
func (r *Router) handleCreateTask(w http.ResponseWriter, req *http.Request) {
	authUser := getAuthUser(req.Context())
	if authUser == nil {
		http.Error(w, `{"error": "not authenticated"}`, http.StatusUnauthorized)
		return
	}

	var body struct {
		Description string  `json:"description"`
		MeetingID   *string `json:"meeting_id"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, `{"error": "invalid request body"}`, http.StatusBadRequest)
		return
	}
	if body.Description == "" {
		http.Error(w, `{"error": "description is required"}`, http.StatusBadRequest)
		return
	}
	if body.MeetingID != nil {
		// Tasks only attach to meetings the caller owns.
		if _, err := r.store.GetMeeting(req.Context(), *body.MeetingID, authUser.ID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				http.Error(w, `{"error": "meeting not found"}`, http.StatusNotFound)
				return
			}
			r.logger.Printf("tasks: meeting lookup failed: %v", err)
			http.Error(w, `{"error": "database error"}`, http.StatusInternalServerError)
			return
		}
	}

	task, err := r.store.CreateTask(req.Context(), store.Task{
		UserID:      authUser.ID,
		MeetingID:   body.MeetingID,
		Description: body.Description,
		Status:      store.TaskPending,
	})
	if err != nil {
		r.logger.Printf("tasks: create failed: %v", err)
		captureError(req, err, "tasks: create failed")
		http.Error(w, `{"error": "failed to create task"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, task)
}

// handleListTasks returns the user's tasks, optionally filtered by
// status and by source meeting.
func (r *Router) handleListTasks(w http.ResponseWriter, req *http.Request) {
	authUser := getAuthUser(req.Context())
	if authUser == nil {
		http.Error(w, `{"error": "not authenticated"}`, http.StatusUnauthorized)
		return
	}

	status := req.URL.Query().Get("status")
	if status != "" && !validTaskStatuses[status] {
		http.Error(w, `{"error": "invalid status filter"}`, http.StatusBadRequest)
		return
	}
	meetingID := req.URL.Query().Get("meeting_id")

	tasks, err := r.store.ListTasks(req.Context(), authUser.ID, status, meetingID)
	if err != nil {
		r.logger.Printf("tasks: list failed: %v", err)
		http.Error(w, `{"error": "failed to list tasks"}`, http.StatusInternalServerError)
		return
	}
	if tasks == nil {
		tasks = []store.Task{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

// handleUpdateTask edits a task's description and/or status.
func (r *Router) handleUpdateTask(w http.ResponseWriter, req *http.Request) {
	authUser := getAuthUser(req.Context())
	if authUser == nil {
		http.Error(w, `{"error": "not authenticated"}`, http.StatusUnauthorized)
		return
	}
	taskID := req.PathValue("id")

	var body struct {
		Description *string `json:"description"`
		Status      *string `json:"status"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, `{"error": "invalid request body"}`, http.StatusBadRequest)
		return
	}
	if body.Description == nil && body.Status == nil {
		http.Error(w, `{"error": "nothing to update"}`, http.StatusBadRequest)
		return
	}
	if body.Description != nil && *body.Description == "" {
		http.Error(w, `{"error": "description cannot be empty"}`, http.StatusBadRequest)
		return
	}
	if body.Status != nil && !validTaskStatuses[*body.Status] {
		http.Error(w, `{"error": "invalid status"}`, http.StatusBadRequest)
		return
	}

	task, err := r.store.UpdateTask(req.Context(), taskID, authUser.ID, body.Description, body.Status)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, `{"error": "task not found"}`, http.StatusNotFound)
			return
		}
		r.logger.Printf("tasks: update failed for %s: %v", taskID, err)
		captureError(req, err, "tasks: update failed")
		http.Error(w, `{"error": "failed to update task"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, task)
}

// handleDeleteTask removes a task.
func (r *Router) handleDeleteTask(w http.ResponseWriter, req *http.Request) {
	authUser := getAuthUser(req.Context())
	if authUser == nil {
		http.Error(w, `{"error": "not authenticated"}`, http.StatusUnauthorized)
		return
	}
	taskID := req.PathValue("id")

	if err := r.store.DeleteTask(req.Context(), taskID, authUser.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, `{"error": "task not found"}`, http.StatusNotFound)
			return
		}
		r.logger.Printf("tasks: delete failed for %s: %v", taskID, err)
		http.Error(w, `{"error": "failed to delete task"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
