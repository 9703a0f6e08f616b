package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

type Store struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Meeting statuses. Completed and failed are terminal.
const (
	StatusScheduled    = "scheduled"
	StatusActive       = "active"
	StatusDisconnected = "disconnected"
	StatusFinalizing   = "finalizing"
	StatusCompleted    = "completed"
	StatusFailed       = "failed"
)

// Meeting represents one recorded meeting.
type Meeting struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id"`
	CalendarEventID *string    `json:"calendar_event_id,omitempty"`
	MeetLink        string     `json:"meet_link"`
	Title           string     `json:"title"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	Status          string     `json:"status"`
	IsManual        bool       `json:"is_manual"`
	LastActivity    time.Time  `json:"last_activity"`
	AudioBytes      int64      `json:"audio_bytes"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Segment is one finalized transcript segment. Sequence numbers are
// unique and gap-free per meeting, assigned by the session sequencer.
type Segment struct {
	MeetingID      string    `json:"meeting_id"`
	SequenceNumber int64     `json:"sequence_number"`
	Timestamp      time.Time `json:"timestamp"`
	Speaker        *string   `json:"speaker,omitempty"`
	Text           string    `json:"text"`
	IsFinal        bool      `json:"is_final"`
}

// Summary is the structured meeting summary. At most one row per
// meeting; regeneration overwrites it.
type Summary struct {
	MeetingID    string    `json:"meeting_id"`
	KeyPoints    string    `json:"key_points"`
	Decisions    string    `json:"decisions"`
	ActionItems  []string  `json:"action_items"`
	FollowUps    string    `json:"follow_ups"`
	Unavailable  bool      `json:"summary_unavailable"`
	ErrorDetail  string    `json:"error_detail,omitempty"`
	InputTokens  int       `json:"-"`
	OutputTokens int       `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Task statuses.
const (
	TaskPending   = "pending"
	TaskCompleted = "completed"
)

// Task is an action item, either seeded from a meeting summary or
// created by hand. Summary-sourced tasks carry the meeting id.
type Task struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	MeetingID   *string   `json:"meeting_id,omitempty"`
	Description string    `json:"description"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CalendarUser is a user whose calendar the poller watches.
type CalendarUser struct {
	UserID      string
	AccessToken string
}

// CreateMeeting inserts a new meeting in the scheduled state.
func (s *Store) CreateMeeting(ctx context.Context, m Meeting) (Meeting, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO meetings (id, user_id, calendar_event_id, meet_link, title, start_time, end_time, status, is_manual, last_activity)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, 'scheduled', $7, now())
		RETURNING id, status, last_activity, created_at
	`, m.UserID, m.CalendarEventID, m.MeetLink, m.Title, m.StartTime, m.EndTime, m.IsManual)
	if err := row.Scan(&m.ID, &m.Status, &m.LastActivity, &m.CreatedAt); err != nil {
		return Meeting{}, err
	}
	return m, nil
}

// GetMeeting returns a meeting owned by the given user.
func (s *Store) GetMeeting(ctx context.Context, meetingID, userID string) (Meeting, error) {
	return s.scanMeeting(s.db.QueryRow(ctx, `
		SELECT id, user_id, calendar_event_id, meet_link, title, start_time, end_time, status, is_manual, last_activity, audio_bytes, created_at
		FROM meetings WHERE id=$1 AND user_id=$2
	`, meetingID, userID))
}

// GetMeetingByID returns a meeting regardless of owner. Used by the
// session manager and pollers which act on meeting identity.
func (s *Store) GetMeetingByID(ctx context.Context, meetingID string) (Meeting, error) {
	return s.scanMeeting(s.db.QueryRow(ctx, `
		SELECT id, user_id, calendar_event_id, meet_link, title, start_time, end_time, status, is_manual, last_activity, audio_bytes, created_at
		FROM meetings WHERE id=$1
	`, meetingID))
}

// FindMeetingByCalendarEvent returns the meeting created for a calendar
// event, if one exists.
func (s *Store) FindMeetingByCalendarEvent(ctx context.Context, userID, eventID string) (Meeting, error) {
	return s.scanMeeting(s.db.QueryRow(ctx, `
		SELECT id, user_id, calendar_event_id, meet_link, title, start_time, end_time, status, is_manual, last_activity, audio_bytes, created_at
		FROM meetings WHERE user_id=$1 AND calendar_event_id=$2
	`, userID, eventID))
}

func (s *Store) scanMeeting(row pgx.Row) (Meeting, error) {
	var m Meeting
	err := row.Scan(&m.ID, &m.UserID, &m.CalendarEventID, &m.MeetLink, &m.Title, &m.StartTime, &m.EndTime,
		&m.Status, &m.IsManual, &m.LastActivity, &m.AudioBytes, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Meeting{}, ErrNotFound
	}
	return m, err
}

// ListMeetings returns a page of the user's meetings, newest first,
// optionally filtered by status.
func (s *Store) ListMeetings(ctx context.Context, userID, status string, limit, offset int) ([]Meeting, error) {
	q := `
		SELECT id, user_id, calendar_event_id, meet_link, title, start_time, end_time, status, is_manual, last_activity, audio_bytes, created_at
		FROM meetings WHERE user_id=$1`
	args := []any{userID}
	if status != "" {
		q += ` AND status=$2 ORDER BY start_time DESC LIMIT $3 OFFSET $4`
		args = append(args, status, limit, offset)
	} else {
		q += ` ORDER BY start_time DESC LIMIT $2 OFFSET $3`
		args = append(args, limit, offset)
	}

	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMeetings(rows)
}

// ListActiveMeetings returns the user's meetings currently in a live
// state (active or disconnected).
func (s *Store) ListActiveMeetings(ctx context.Context, userID string) ([]Meeting, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, user_id, calendar_event_id, meet_link, title, start_time, end_time, status, is_manual, last_activity, audio_bytes, created_at
		FROM meetings WHERE user_id=$1 AND status IN ('active','disconnected')
		ORDER BY start_time
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMeetings(rows)
}

// ListUpcomingMeetings returns scheduled meetings starting within the
// next hour.
func (s *Store) ListUpcomingMeetings(ctx context.Context, userID string, now time.Time) ([]Meeting, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, user_id, calendar_event_id, meet_link, title, start_time, end_time, status, is_manual, last_activity, audio_bytes, created_at
		FROM meetings
		WHERE user_id=$1 AND status='scheduled' AND start_time >= $2 AND start_time <= $3
		ORDER BY start_time
	`, userID, now, now.Add(time.Hour))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMeetings(rows)
}

// ListUnfinishedMeetings returns every meeting whose durable status is
// live (active, disconnected or finalizing) regardless of owner. At
// startup these are orphans of an earlier process exit.
func (s *Store) ListUnfinishedMeetings(ctx context.Context) ([]Meeting, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, user_id, calendar_event_id, meet_link, title, start_time, end_time, status, is_manual, last_activity, audio_bytes, created_at
		FROM meetings WHERE status IN ('active','disconnected','finalizing')
		ORDER BY start_time
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMeetings(rows)
}

func scanMeetings(rows pgx.Rows) ([]Meeting, error) {
	var out []Meeting
	for rows.Next() {
		var m Meeting
		if err := rows.Scan(&m.ID, &m.UserID, &m.CalendarEventID, &m.MeetLink, &m.Title, &m.StartTime, &m.EndTime,
			&m.Status, &m.IsManual, &m.LastActivity, &m.AudioBytes, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// HasLiveMeetingForLink reports whether the user already has a meeting
// on the same meet link in a live state. Enforces the single live
// session per (owner, link) invariant at the durable layer.
func (s *Store) HasLiveMeetingForLink(ctx context.Context, userID, meetLink string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM meetings
			WHERE user_id=$1 AND meet_link=$2 AND status IN ('active','disconnected')
		)
	`, userID, meetLink).Scan(&exists)
	return exists, err
}

// UpdateMeetingStatus sets the meeting status and bumps last_activity.
// Terminal statuses also record the actual end time.
func (s *Store) UpdateMeetingStatus(ctx context.Context, meetingID, status string) error {
	var endedAt *time.Time
	if status == StatusCompleted || status == StatusFailed {
		now := time.Now().UTC()
		endedAt = &now
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE meetings
		SET status = $1,
		    last_activity = now(),
		    end_time = COALESCE($2, end_time)
		WHERE id = $3
	`, status, endedAt, meetingID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetMeetingAudioBytes records the total audio volume received, used
// for cost estimation.
func (s *Store) SetMeetingAudioBytes(ctx context.Context, meetingID string, audioBytes int64) error {
	_, err := s.db.Exec(ctx, `UPDATE meetings SET audio_bytes=$1 WHERE id=$2`, audioBytes, meetingID)
	return err
}

// DeleteMeeting removes a meeting owned by the user; segments, the
// summary and seeded tasks go with it via ON DELETE CASCADE.
func (s *Store) DeleteMeeting(ctx context.Context, meetingID, userID string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM meetings WHERE id=$1 AND user_id=$2`, meetingID, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// NextSequence returns the sequence number the next segment of a
// meeting should carry: one past the highest persisted, or 0.
func (s *Store) NextSequence(ctx context.Context, meetingID string) (int64, error) {
	var next int64
	err := s.db.QueryRow(ctx, `
		SELECT COALESCE(MAX(sequence_number) + 1, 0)
		FROM meeting_transcripts WHERE meeting_id=$1
	`, meetingID).Scan(&next)
	return next, err
}

// InsertSegment appends one transcript segment. The (meeting_id,
// sequence_number) unique constraint makes double-assignment a hard
// error rather than silent duplication.
func (s *Store) InsertSegment(ctx context.Context, seg Segment) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO meeting_transcripts (id, meeting_id, sequence_number, timestamp, speaker, text, is_final)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6)
	`, seg.MeetingID, seg.SequenceNumber, seg.Timestamp, seg.Speaker, seg.Text, seg.IsFinal)
	return err
}

// ListSegments returns every segment of a meeting in sequence order.
func (s *Store) ListSegments(ctx context.Context, meetingID string) ([]Segment, error) {
	rows, err := s.db.Query(ctx, `
		SELECT meeting_id, sequence_number, timestamp, speaker, text, is_final
		FROM meeting_transcripts
		WHERE meeting_id=$1
		ORDER BY sequence_number
	`, meetingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Segment
	for rows.Next() {
		var seg Segment
		if err := rows.Scan(&seg.MeetingID, &seg.SequenceNumber, &seg.Timestamp, &seg.Speaker, &seg.Text, &seg.IsFinal); err != nil {
			return nil, err
		}
		out = append(out, seg)
	}
	return out, rows.Err()
}

// GetFullTranscript joins all segment texts in sequence order.
func (s *Store) GetFullTranscript(ctx context.Context, meetingID string) (string, error) {
	segments, err := s.ListSegments(ctx, meetingID)
	if err != nil {
		return "", err
	}
	parts := make([]string, 0, len(segments))
	for _, seg := range segments {
		parts = append(parts, seg.Text)
	}
	return strings.Join(parts, "\n"), nil
}

// UpsertSummary writes the meeting summary, overwriting any previous
// one. Retries therefore overwrite rather than append.
func (s *Store) UpsertSummary(ctx context.Context, sum Summary) error {
	items, err := json.Marshal(sum.ActionItems)
	if err != nil {
		return fmt.Errorf("failed to marshal action items: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO meeting_summaries (meeting_id, key_points, decisions, action_items, follow_ups, unavailable, error_detail, input_tokens, output_tokens, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
		ON CONFLICT (meeting_id) DO UPDATE SET
			key_points = EXCLUDED.key_points,
			decisions = EXCLUDED.decisions,
			action_items = EXCLUDED.action_items,
			follow_ups = EXCLUDED.follow_ups,
			unavailable = EXCLUDED.unavailable,
			error_detail = EXCLUDED.error_detail,
			input_tokens = EXCLUDED.input_tokens,
			output_tokens = EXCLUDED.output_tokens,
			created_at = EXCLUDED.created_at
	`, sum.MeetingID, sum.KeyPoints, sum.Decisions, items, sum.FollowUps, sum.Unavailable, sum.ErrorDetail, sum.InputTokens, sum.OutputTokens)
	return err
}

// GetSummary returns the meeting summary, or ErrNotFound when none has
// been written yet.
func (s *Store) GetSummary(ctx context.Context, meetingID string) (Summary, error) {
	var sum Summary
	var items []byte
	err := s.db.QueryRow(ctx, `
		SELECT meeting_id, key_points, decisions, action_items, follow_ups, unavailable, error_detail, input_tokens, output_tokens, created_at
		FROM meeting_summaries WHERE meeting_id=$1
	`, meetingID).Scan(&sum.MeetingID, &sum.KeyPoints, &sum.Decisions, &items, &sum.FollowUps,
		&sum.Unavailable, &sum.ErrorDetail, &sum.InputTokens, &sum.OutputTokens, &sum.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Summary{}, ErrNotFound
	}
	if err != nil {
		return Summary{}, err
	}
	if len(items) > 0 {
		if err := json.Unmarshal(items, &sum.ActionItems); err != nil {
			return Summary{}, fmt.Errorf("failed to unmarshal action items: %w", err)
		}
	}
	return sum, nil
}

// ReplaceMeetingTasks replaces the tasks seeded from a meeting's
// summary with a fresh set. A summary retry therefore reseeds instead
// of duplicating; hand-created tasks carry no meeting id and are left
// alone.
func (s *Store) ReplaceMeetingTasks(ctx context.Context, meetingID, userID string, descriptions []string) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM tasks WHERE meeting_id=$1`, meetingID); err != nil {
		return err
	}
	for _, desc := range descriptions {
		if _, err := tx.Exec(ctx, `
			INSERT INTO tasks (id, user_id, meeting_id, description, status)
			VALUES (gen_random_uuid(), $1, $2, $3, 'pending')
		`, userID, meetingID, desc); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// CreateTask inserts a hand-created task.
func (s *Store) CreateTask(ctx context.Context, t Task) (Task, error) {
	if t.Status == "" {
		t.Status = TaskPending
	}
	row := s.db.QueryRow(ctx, `
		INSERT INTO tasks (id, user_id, meeting_id, description, status)
		VALUES (gen_random_uuid(), $1, $2, $3, $4)
		RETURNING id, created_at, updated_at
	`, t.UserID, t.MeetingID, t.Description, t.Status)
	if err := row.Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return Task{}, err
	}
	return t, nil
}

// ListTasks returns the user's tasks, newest first, optionally filtered
// by status and by source meeting.
func (s *Store) ListTasks(ctx context.Context, userID, status, meetingID string) ([]Task, error) {
	q := `
		SELECT id, user_id, meeting_id, description, status, created_at, updated_at
		FROM tasks WHERE user_id=$1`
	args := []any{userID}
	if status != "" {
		args = append(args, status)
		q += fmt.Sprintf(" AND status=$%d", len(args))
	}
	if meetingID != "" {
		args = append(args, meetingID)
		q += fmt.Sprintf(" AND meeting_id=$%d", len(args))
	}
	q += ` ORDER BY created_at DESC`

	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var t Task
		if err := rows.Scan(&t.ID, &t.UserID, &t.MeetingID, &t.Description, &t.Status, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateTask applies the non-nil fields to a task owned by the user and
// returns the updated row.
func (s *Store) UpdateTask(ctx context.Context, taskID, userID string, description, status *string) (Task, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE tasks
		SET description = COALESCE($1, description),
		    status = COALESCE($2, status),
		    updated_at = now()
		WHERE id=$3 AND user_id=$4
		RETURNING id, user_id, meeting_id, description, status, created_at, updated_at
	`, description, status, taskID, userID)
	var t Task
	err := row.Scan(&t.ID, &t.UserID, &t.MeetingID, &t.Description, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	return t, err
}

// DeleteTask removes a task owned by the user.
func (s *Store) DeleteTask(ctx context.Context, taskID, userID string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM tasks WHERE id=$1 AND user_id=$2`, taskID, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListCalendarUsers returns users with a calendar token on file, for
// the calendar poller.
func (s *Store) ListCalendarUsers(ctx context.Context) ([]CalendarUser, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, google_access_token
		FROM users
		WHERE google_access_token IS NOT NULL AND is_active
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CalendarUser
	for rows.Next() {
		var u CalendarUser
		if err := rows.Scan(&u.UserID, &u.AccessToken); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// ListPushTokens returns the user's registered device push tokens.
func (s *Store) ListPushTokens(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT token FROM push_tokens WHERE user_id=$1`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var token string
		if err := rows.Scan(&token); err != nil {
			return nil, err
		}
		out = append(out, token)
	}
	return out, rows.Err()
}
