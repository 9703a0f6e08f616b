package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/lukasbauer/scribe/internal/store"
)

func createTask(t *testing.T, srvURL, token, body string) store.Task {
	t.Helper()
	resp := doRequest(t, http.MethodPost, srvURL+"/api/tasks", token, strings.NewReader(body))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create task status = %d, want 201", resp.StatusCode)
	}
	var task store.Task
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		t.Fatalf("failed to decode task: %v", err)
	}
	return task
}

func listTasks(t *testing.T, srvURL, token, query string) []store.Task {
	t.Helper()
	resp := doRequest(t, http.MethodGet, srvURL+"/api/tasks"+query, token, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list tasks status = %d, want 200", resp.StatusCode)
	}
	var out struct {
		Tasks []store.Task `json:"tasks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("failed to decode task list: %v", err)
	}
	return out.Tasks
}

func TestTaskCRUD(t *testing.T) {
	srv, _, _ := newTestServer(t)
	token := mintToken(t, "u1", time.Hour)

	task := createTask(t, srv.URL, token, `{"description":"send the recap email"}`)
	if task.Description != "send the recap email" || task.Status != store.TaskPending {
		t.Fatalf("created task = %+v", task)
	}

	if tasks := listTasks(t, srv.URL, token, ""); len(tasks) != 1 {
		t.Fatalf("task list has %d entries, want 1", len(tasks))
	}

	resp := doRequest(t, http.MethodPatch, srv.URL+"/api/tasks/"+task.ID, token,
		strings.NewReader(`{"status":"completed"}`))
	var updated store.Task
	if err := json.NewDecoder(resp.Body).Decode(&updated); err != nil {
		t.Fatalf("failed to decode updated task: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || updated.Status != store.TaskCompleted {
		t.Fatalf("patch status = %d, task = %+v", resp.StatusCode, updated)
	}

	if tasks := listTasks(t, srv.URL, token, "?status=pending"); len(tasks) != 0 {
		t.Errorf("pending filter returned %d tasks, want 0", len(tasks))
	}
	if tasks := listTasks(t, srv.URL, token, "?status=completed"); len(tasks) != 1 {
		t.Errorf("completed filter returned %d tasks, want 1", len(tasks))
	}

	resp = doRequest(t, http.MethodDelete, srv.URL+"/api/tasks/"+task.ID, token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d, want 200", resp.StatusCode)
	}
	resp = doRequest(t, http.MethodDelete, srv.URL+"/api/tasks/"+task.ID, token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", resp.StatusCode)
	}
}

func TestTaskValidation(t *testing.T) {
	srv, _, _ := newTestServer(t)
	token := mintToken(t, "u1", time.Hour)
	task := createTask(t, srv.URL, token, `{"description":"review notes"}`)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
	}{
		{"missing description", http.MethodPost, "/api/tasks", `{}`},
		{"bad body", http.MethodPost, "/api/tasks", `not json`},
		{"empty patch", http.MethodPatch, "/api/tasks/" + task.ID, `{}`},
		{"blank description", http.MethodPatch, "/api/tasks/" + task.ID, `{"description":""}`},
		{"unknown status", http.MethodPatch, "/api/tasks/" + task.ID, `{"status":"someday"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doRequest(t, tt.method, srv.URL+tt.path, token, strings.NewReader(tt.body))
			resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}

	resp := doRequest(t, http.MethodGet, srv.URL+"/api/tasks?status=someday", token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("list with bad filter status = %d, want 400", resp.StatusCode)
	}
}

func TestTaskOwnershipIsolation(t *testing.T) {
	srv, _, _ := newTestServer(t)
	owner := mintToken(t, "u1", time.Hour)
	stranger := mintToken(t, "u2", time.Hour)

	task := createTask(t, srv.URL, owner, `{"description":"mine"}`)

	resp := doRequest(t, http.MethodPatch, srv.URL+"/api/tasks/"+task.ID, stranger,
		strings.NewReader(`{"status":"completed"}`))
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("stranger patch status = %d, want 404", resp.StatusCode)
	}
	resp = doRequest(t, http.MethodDelete, srv.URL+"/api/tasks/"+task.ID, stranger, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("stranger delete status = %d, want 404", resp.StatusCode)
	}
	if tasks := listTasks(t, srv.URL, stranger, ""); len(tasks) != 0 {
		t.Errorf("stranger sees %d tasks, want 0", len(tasks))
	}

	// Attaching a task to someone else's meeting is rejected the same
	// way as reading it.
	meetingID := startMeeting(t, srv.URL, owner, "https://meet.google.com/tasks")
	resp = doRequest(t, http.MethodPost, srv.URL+"/api/tasks", stranger,
		strings.NewReader(`{"description":"theirs","meeting_id":"`+meetingID+`"}`))
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("task on foreign meeting status = %d, want 404", resp.StatusCode)
	}
}

func TestTasksSeededFromSummary(t *testing.T) {
	srv, db, _ := newTestServer(t)
	token := mintToken(t, "u1", time.Hour)
	meetingID := startMeeting(t, srv.URL, token, "https://meet.google.com/seed")

	if err := db.InsertSegment(context.Background(), store.Segment{
		MeetingID:      meetingID,
		SequenceNumber: 0,
		Timestamp:      time.Now().UTC(),
		Text:           "we agreed on the plan",
		IsFinal:        true,
	}); err != nil {
		t.Fatalf("failed to seed segment: %v", err)
	}

	resp := doRequest(t, http.MethodPost, srv.URL+"/api/meetings/"+meetingID+"/stop", token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("stop status = %d, want 202", resp.StatusCode)
	}

	tasks := listTasks(t, srv.URL, token, "?meeting_id="+meetingID)
	if len(tasks) != 1 || tasks[0].Description != "follow up" {
		t.Fatalf("seeded tasks = %+v, want the summary's action item", tasks)
	}
	if tasks[0].Status != store.TaskPending {
		t.Errorf("seeded task status = %q, want pending", tasks[0].Status)
	}

	// Regenerating the summary reseeds instead of duplicating.
	resp = doRequest(t, http.MethodPost, srv.URL+"/api/meetings/"+meetingID+"/summary/retry", token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("retry status = %d, want 200", resp.StatusCode)
	}
	if tasks := listTasks(t, srv.URL, token, "?meeting_id="+meetingID); len(tasks) != 1 {
		t.Errorf("tasks after summary retry = %d, want 1", len(tasks))
	}
}
