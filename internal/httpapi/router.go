package httpapi

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lukasbauer/scribe/internal/session"
	"github.com/lukasbauer/scribe/internal/store"
)

type RouterConfig struct {
	PublicBaseURL string

	// JWT Authentication
	JWTSecret string
	JWTExpiry time.Duration
}

// MeetingStore is the read/delete surface the REST handlers use directly.
// Writes that change session state go through the session.Manager instead.
type MeetingStore interface {
	GetMeeting(ctx context.Context, meetingID, userID string) (store.Meeting, error)
	ListMeetings(ctx context.Context, userID, status string, limit, offset int) ([]store.Meeting, error)
	ListActiveMeetings(ctx context.Context, userID string) ([]store.Meeting, error)
	ListUpcomingMeetings(ctx context.Context, userID string, now time.Time) ([]store.Meeting, error)
	ListSegments(ctx context.Context, meetingID string) ([]store.Segment, error)
	GetSummary(ctx context.Context, meetingID string) (store.Summary, error)
	DeleteMeeting(ctx context.Context, meetingID, userID string) error
	CreateTask(ctx context.Context, t store.Task) (store.Task, error)
	ListTasks(ctx context.Context, userID, status, meetingID string) ([]store.Task, error)
	UpdateTask(ctx context.Context, taskID, userID string, description, status *string) (store.Task, error)
	DeleteTask(ctx context.Context, taskID, userID string) error
}

type Router struct {
	cfg      RouterConfig
	logger   *log.Logger
	store    MeetingStore
	sessions *session.Manager
	mux      *http.ServeMux
}

func NewRouter(cfg RouterConfig, logger *log.Logger, s MeetingStore, sessions *session.Manager) http.Handler {
	r := &Router{
		cfg:      cfg,
		logger:   logger,
		store:    s,
		sessions: sessions,
		mux:      http.NewServeMux(),
	}

	r.routes()
	return withSentryRecovery(withRequestID(withCORS(r.mux)))
}

func (r *Router) routes() {
	// Health and operational endpoints (no auth)
	r.mux.HandleFunc("GET /healthz", r.handleHealthz)
	r.mux.HandleFunc("GET /readyz", r.handleReadyz)
	r.mux.Handle("GET /metrics", promhttp.Handler())

	// Audio streaming endpoint (token validated as query param)
	r.mux.HandleFunc("GET /ws/meeting", r.handleStreamWS)

	// Protected API endpoints
	r.mux.HandleFunc("POST /api/meetings/start", r.withAuth(r.handleStartMeeting))
	r.mux.HandleFunc("GET /api/meetings", r.withAuth(r.handleListMeetings))
	r.mux.HandleFunc("GET /api/meetings/live", r.withAuth(r.handleLiveMeetings))
	r.mux.HandleFunc("POST /api/meetings/{id}/stop", r.withAuth(r.handleStopMeeting))
	r.mux.HandleFunc("GET /api/meetings/{id}/transcript", r.withAuth(r.handleGetTranscript))
	r.mux.HandleFunc("POST /api/meetings/{id}/summary/retry", r.withAuth(r.handleRetrySummary))
	r.mux.HandleFunc("GET /api/meetings/{id}/status", r.withAuth(r.handleMeetingStatus))
	r.mux.HandleFunc("DELETE /api/meetings/{id}", r.withAuth(r.handleDeleteMeeting))

	r.mux.HandleFunc("POST /api/tasks", r.withAuth(r.handleCreateTask))
	r.mux.HandleFunc("GET /api/tasks", r.withAuth(r.handleListTasks))
	r.mux.HandleFunc("PATCH /api/tasks/{id}", r.withAuth(r.handleUpdateTask))
	r.mux.HandleFunc("DELETE /api/tasks/{id}", r.withAuth(r.handleDeleteTask))
}

func (r *Router) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz reports 503 once draining starts so the load balancer
// stops routing new sessions here during shutdown.
func (r *Router) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if r.sessions.Registry().IsDraining() {
		http.Error(w, `{"error": "draining"}`, http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func withSentryRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				hub := sentry.CurrentHub().Clone()
				hub.Scope().SetRequest(req)
				hub.RecoverWithContext(req.Context(), err)
				hub.Flush(2 * time.Second)
				http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, req)
	})
}

// withRequestID tags every response with an X-Request-ID for log and
// Sentry correlation, keeping the client's id when it sends one.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		id := req.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, req)
	})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if req.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, req)
	})
}

// captureError sends an error to Sentry with request context
func captureError(req *http.Request, err error, msg string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetRequest(req)
		scope.SetExtra("message", msg)
		sentry.CaptureException(err)
	})
}

func wsURLFromPublicBase(publicBase string) string {
	// http://x -> ws://x
	// https://x -> wss://x
	if strings.HasPrefix(publicBase, "https://") {
		return "wss://" + strings.TrimPrefix(publicBase, "https://")
	}
	if strings.HasPrefix(publicBase, "http://") {
		return "ws://" + strings.TrimPrefix(publicBase, "http://")
	}
	// assume already host[:port]
	return "wss://" + publicBase
}
