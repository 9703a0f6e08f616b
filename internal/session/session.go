// Package session implements the live meeting pipeline: the per-meeting
// state machine, audio buffering, transcription dispatch, transcript
// sequencing, grace-period handling and finalization.
package session

import (
	"errors"
	"sync"
	"time"
)

// Sentinel errors mapped to HTTP codes and WS rejections at the edge.
var (
	ErrNotFound     = errors.New("meeting not found")
	ErrConflict     = errors.New("conflicting live session for this meeting link")
	ErrTerminal     = errors.New("meeting already ended")
	ErrAlreadyBound = errors.New("meeting already has a live listener")
	ErrNotLive      = errors.New("meeting is not recording")
	ErrDraining     = errors.New("server is shutting down")
)

// Timer is the cancellable handle for the grace-period countdown.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f to run after d. Swapped for a fake in tests so
// grace-period behavior is testable without waiting 90 seconds.
type AfterFunc func(d time.Duration, f func()) Timer

func stdAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Status is a point-in-time snapshot of a live session, pushed to the
// client as a status event and served on the status endpoint.
type Status struct {
	MeetingID      string `json:"meeting_id"`
	Status         string `json:"status"`
	IsRecording    bool   `json:"is_recording"`
	SequenceNumber int64  `json:"sequence_number"`
	BufferSize     int    `json:"buffer_size"`
	DroppedWindows int64  `json:"dropped_windows"`
}

// TranscriptEvent is one finalized transcript segment pushed to the
// bound connection in sequence order.
type TranscriptEvent struct {
	MeetingID      string    `json:"meeting_id"`
	SequenceNumber int64     `json:"sequence_number"`
	Timestamp      time.Time `json:"timestamp"`
	Text           string    `json:"text"`
	IsFinal        bool      `json:"is_final"`
}

// EventSink is the outbound half of a bound streaming connection. The
// gateway implements it over the WebSocket; fakes implement it in tests.
type EventSink interface {
	SendTranscript(ev TranscriptEvent) error
	SendStatus(st Status) error
}

// Session is the in-memory runtime object coordinating one meeting's
// live pipeline. All mutable fields are guarded by mu; every state
// transition goes through the Manager so concurrent callers (gateway,
// pollers, grace timer) are serialized per meeting.
type Session struct {
	meetingID string
	userID    string
	meetLink  string
	title     string

	buffer *AudioBuffer
	seq    *Sequencer

	mu               sync.Mutex
	status           string
	conn             EventSink
	lastActivity     time.Time
	lastDeliveredSeq int64
	stopRequested    bool
	graceTimer       Timer
	audioBytes       int64
	fatalErr         error

	flushStop  chan struct{}
	workerDone chan struct{}

	mgr *Manager
}

// MeetingID returns the durable meeting identity this session serves.
func (s *Session) MeetingID() string { return s.meetingID }

// UserID returns the meeting owner.
func (s *Session) UserID() string { return s.userID }

// Ingest accepts one binary audio frame from the bound connection.
// Frames are only accepted while the session is recording.
func (s *Session) Ingest(data []byte) error {
	s.mu.Lock()
	if s.status != statusActive {
		s.mu.Unlock()
		return ErrNotLive
	}
	s.lastActivity = s.mgr.now()
	s.audioBytes += int64(len(data))
	s.mu.Unlock()

	s.mgr.metrics.AudioBytesTotal.Add(float64(len(data)))
	if dropped := s.buffer.Append(data); dropped > 0 {
		s.mgr.noteDropped(s, dropped)
	}
	return nil
}

// Snapshot returns the session's current status.
func (s *Session) Snapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		MeetingID:      s.meetingID,
		Status:         s.status,
		IsRecording:    s.status == statusActive,
		SequenceNumber: s.seq.NextSeq(),
		BufferSize:     s.buffer.PendingBytes(),
		DroppedWindows: s.buffer.Dropped(),
	}
}

// markStopRequested records that the owner asked for an explicit stop,
// so a following connection close skips the grace period.
func (s *Session) markStopRequested() {
	s.mu.Lock()
	s.stopRequested = true
	s.mu.Unlock()
}

// claimFinalize atomically takes the transition into finalizing,
// cancelling any pending grace timer. When from is non-empty the claim
// only succeeds if the session is still in that state, so a grace
// expiry racing a resume loses cleanly instead of finalizing the
// just-rebound session. Exactly one caller ever wins.
func (s *Session) claimFinalize(from string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.status {
	case statusFinalizing, statusCompleted, statusFailed:
		return false
	}
	if from != "" && s.status != from {
		return false
	}
	s.status = statusFinalizing
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
	return true
}

func (s *Session) idleSince(now time.Time) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != statusActive && s.status != statusDisconnected {
		return 0, false
	}
	return now.Sub(s.lastActivity), true
}
