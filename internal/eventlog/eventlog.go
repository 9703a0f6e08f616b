package eventlog

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EventType represents the type of meeting event
type EventType string

const (
	EventSessionStarted     EventType = "session_started"
	EventWSConnected        EventType = "ws_connected"
	EventWSDisconnected     EventType = "ws_disconnected"
	EventSessionResumed     EventType = "session_resumed"
	EventGraceExpired       EventType = "grace_expired"
	EventSessionReaped      EventType = "session_reaped"
	EventWindowDropped      EventType = "window_dropped"
	EventTranscriptionError EventType = "transcription_error"
	EventSummaryGenerated   EventType = "summary_generated"
	EventSummaryFailed      EventType = "summary_failed"
	EventMeetingCompleted   EventType = "meeting_completed"
	EventMeetingFailed      EventType = "meeting_failed"
)

// Logger provides async event logging to the database
type Logger struct {
	db *pgxpool.Pool
}

// New creates a new event logger
func New(db *pgxpool.Pool) *Logger {
	return &Logger{db: db}
}

// Log writes an event to the database synchronously
func (l *Logger) Log(ctx context.Context, meetingID string, eventType EventType, data map[string]any) error {
	if l.db == nil || meetingID == "" {
		return nil // Silently skip if no DB or meeting ID
	}

	dataJSON, err := json.Marshal(data)
	if err != nil {
		dataJSON = []byte("{}")
	}

	_, err = l.db.Exec(ctx, `
		INSERT INTO meeting_events (meeting_id, event_type, event_data)
		VALUES ($1, $2, $3)
	`, meetingID, string(eventType), dataJSON)

	return err
}

// LogAsync logs an event without blocking the caller
func (l *Logger) LogAsync(meetingID string, eventType EventType, data map[string]any) {
	if l.db == nil || meetingID == "" {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = l.Log(ctx, meetingID, eventType, data)
	}()
}
