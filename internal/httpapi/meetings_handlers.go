package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/lukasbauer/scribe/internal/costs"
	"github.com/lukasbauer/scribe/internal/session"
	"github.com/lukasbauer/scribe/internal/store"
)

var validStatusFilters = map[string]bool{
	store.StatusScheduled:    true,
	store.StatusActive:       true,
	store.StatusDisconnected: true,
	store.StatusFinalizing:   true,
	store.StatusCompleted:    true,
	store.StatusFailed:       true,
}

// handleStartMeeting creates a meeting and brings its session live. The
// client then connects to the returned websocket_url to stream audio.
func (r *Router) handleStartMeeting(w http.ResponseWriter, req *http.Request) {
	authUser := getAuthUser(req.Context())
	if authUser == nil {
		http.Error(w, `{"error": "not authenticated"}`, http.StatusUnauthorized)
		return
	}

	var body struct {
		MeetLink string `json:"meet_link"`
		Title    string `json:"title"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, `{"error": "invalid request body"}`, http.StatusBadRequest)
		return
	}
	if body.MeetLink == "" {
		http.Error(w, `{"error": "meet_link is required"}`, http.StatusBadRequest)
		return
	}
	if body.Title == "" {
		body.Title = "Untitled Meeting"
	}

	meeting, err := r.sessions.StartMeeting(req.Context(), store.Meeting{
		UserID:    authUser.ID,
		MeetLink:  body.MeetLink,
		Title:     body.Title,
		StartTime: time.Now().UTC(),
		IsManual:  true,
	})
	if err != nil {
		switch {
		case errors.Is(err, session.ErrConflict):
			http.Error(w, `{"error": "a live session already exists for this link"}`, http.StatusConflict)
		case errors.Is(err, session.ErrDraining):
			http.Error(w, `{"error": "server is shutting down"}`, http.StatusServiceUnavailable)
		default:
			r.logger.Printf("meetings: failed to start meeting: %v", err)
			captureError(req, err, "meetings: start failed")
			http.Error(w, `{"error": "failed to start meeting"}`, http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"meeting_id":    meeting.ID,
		"websocket_url": r.streamURL(meeting.ID),
	})
}

func (r *Router) streamURL(meetingID string) string {
	return fmt.Sprintf("%s/ws/meeting?meeting_id=%s",
		wsURLFromPublicBase(r.cfg.PublicBaseURL), url.QueryEscape(meetingID))
}

// handleStopMeeting triggers finalization. Idempotent: stopping an
// already-ended meeting returns 202 without doing anything.
func (r *Router) handleStopMeeting(w http.ResponseWriter, req *http.Request) {
	authUser := getAuthUser(req.Context())
	if authUser == nil {
		http.Error(w, `{"error": "not authenticated"}`, http.StatusUnauthorized)
		return
	}
	meetingID := req.PathValue("id")

	if err := r.sessions.Stop(req.Context(), meetingID, authUser.ID); err != nil {
		switch {
		case errors.Is(err, session.ErrNotFound):
			http.Error(w, `{"error": "meeting not found"}`, http.StatusNotFound)
		default:
			r.logger.Printf("meetings: stop failed for %s: %v", meetingID, err)
			captureError(req, err, "meetings: stop failed")
			http.Error(w, `{"error": "failed to stop meeting"}`, http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"meeting_id": meetingID})
}

// handleGetTranscript returns the meeting, its ordered segments, the
// summary (or the unavailable flag) and a cost estimate.
func (r *Router) handleGetTranscript(w http.ResponseWriter, req *http.Request) {
	authUser := getAuthUser(req.Context())
	if authUser == nil {
		http.Error(w, `{"error": "not authenticated"}`, http.StatusUnauthorized)
		return
	}
	meetingID := req.PathValue("id")

	meeting, err := r.store.GetMeeting(req.Context(), meetingID, authUser.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, `{"error": "meeting not found"}`, http.StatusNotFound)
			return
		}
		http.Error(w, `{"error": "database error"}`, http.StatusInternalServerError)
		return
	}

	segments, err := r.store.ListSegments(req.Context(), meetingID)
	if err != nil {
		r.logger.Printf("meetings: failed to list segments for %s: %v", meetingID, err)
		http.Error(w, `{"error": "database error"}`, http.StatusInternalServerError)
		return
	}

	resp := map[string]any{
		"meeting":             meeting,
		"segments":            segments,
		"summary":             nil,
		"summary_unavailable": false,
	}

	summary, err := r.store.GetSummary(req.Context(), meetingID)
	switch {
	case err == nil:
		resp["summary"] = summary
		resp["summary_unavailable"] = summary.Unavailable
		resp["cost"] = costs.CalculateMeetingCosts(costs.MeetingMetrics{
			AudioBytes:      meeting.AudioBytes,
			LLMInputTokens:  summary.InputTokens,
			LLMOutputTokens: summary.OutputTokens,
		})
	case errors.Is(err, store.ErrNotFound):
		// Meeting not finalized yet; transcript without a summary.
	default:
		r.logger.Printf("meetings: failed to load summary for %s: %v", meetingID, err)
		http.Error(w, `{"error": "database error"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleRetrySummary regenerates the summary for a completed meeting.
func (r *Router) handleRetrySummary(w http.ResponseWriter, req *http.Request) {
	authUser := getAuthUser(req.Context())
	if authUser == nil {
		http.Error(w, `{"error": "not authenticated"}`, http.StatusUnauthorized)
		return
	}
	meetingID := req.PathValue("id")

	summary, err := r.sessions.RetrySummary(req.Context(), meetingID, authUser.ID)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrNotFound):
			http.Error(w, `{"error": "meeting not found"}`, http.StatusNotFound)
		case errors.Is(err, session.ErrNotLive):
			http.Error(w, `{"error": "meeting is not completed"}`, http.StatusConflict)
		default:
			r.logger.Printf("meetings: summary retry failed for %s: %v", meetingID, err)
			captureError(req, err, "meetings: summary retry failed")
			http.Error(w, `{"error": "failed to regenerate summary"}`, http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

// handleLiveMeetings returns the user's currently recording meetings
// and those scheduled to start within the next hour.
func (r *Router) handleLiveMeetings(w http.ResponseWriter, req *http.Request) {
	authUser := getAuthUser(req.Context())
	if authUser == nil {
		http.Error(w, `{"error": "not authenticated"}`, http.StatusUnauthorized)
		return
	}

	active, err := r.store.ListActiveMeetings(req.Context(), authUser.ID)
	if err != nil {
		http.Error(w, `{"error": "database error"}`, http.StatusInternalServerError)
		return
	}
	upcoming, err := r.store.ListUpcomingMeetings(req.Context(), authUser.ID, time.Now().UTC())
	if err != nil {
		http.Error(w, `{"error": "database error"}`, http.StatusInternalServerError)
		return
	}

	if active == nil {
		active = []store.Meeting{}
	}
	if upcoming == nil {
		upcoming = []store.Meeting{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"active":   active,
		"upcoming": upcoming,
	})
}

// handleMeetingStatus returns the live status snapshot for a meeting.
func (r *Router) handleMeetingStatus(w http.ResponseWriter, req *http.Request) {
	authUser := getAuthUser(req.Context())
	if authUser == nil {
		http.Error(w, `{"error": "not authenticated"}`, http.StatusUnauthorized)
		return
	}
	meetingID := req.PathValue("id")

	st, err := r.sessions.Status(req.Context(), meetingID, authUser.ID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			http.Error(w, `{"error": "meeting not found"}`, http.StatusNotFound)
			return
		}
		http.Error(w, `{"error": "database error"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, st)
}

// handleListMeetings lists the user's meetings with an optional status
// filter and offset paging.
func (r *Router) handleListMeetings(w http.ResponseWriter, req *http.Request) {
	authUser := getAuthUser(req.Context())
	if authUser == nil {
		http.Error(w, `{"error": "not authenticated"}`, http.StatusUnauthorized)
		return
	}

	status := req.URL.Query().Get("status")
	if status != "" && !validStatusFilters[status] {
		http.Error(w, `{"error": "invalid status filter"}`, http.StatusBadRequest)
		return
	}

	limit := 50
	if v := req.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, `{"error": "invalid limit"}`, http.StatusBadRequest)
			return
		}
		if n > 200 {
			n = 200
		}
		limit = n
	}

	offset := 0
	if v := req.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, `{"error": "invalid offset"}`, http.StatusBadRequest)
			return
		}
		offset = n
	}

	meetings, err := r.store.ListMeetings(req.Context(), authUser.ID, status, limit, offset)
	if err != nil {
		http.Error(w, `{"error": "database error"}`, http.StatusInternalServerError)
		return
	}
	if meetings == nil {
		meetings = []store.Meeting{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"meetings": meetings,
		"limit":    limit,
		"offset":   offset,
	})
}

// handleDeleteMeeting removes a meeting and its transcript. Live
// meetings must be stopped first.
func (r *Router) handleDeleteMeeting(w http.ResponseWriter, req *http.Request) {
	authUser := getAuthUser(req.Context())
	if authUser == nil {
		http.Error(w, `{"error": "not authenticated"}`, http.StatusUnauthorized)
		return
	}
	meetingID := req.PathValue("id")

	if s, ok := r.sessions.Registry().Get(meetingID); ok && s.UserID() == authUser.ID {
		http.Error(w, `{"error": "meeting is live, stop it first"}`, http.StatusConflict)
		return
	}

	if err := r.store.DeleteMeeting(req.Context(), meetingID, authUser.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, `{"error": "meeting not found"}`, http.StatusNotFound)
			return
		}
		r.logger.Printf("meetings: delete failed for %s: %v", meetingID, err)
		http.Error(w, `{"error": "failed to delete meeting"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
