package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lukasbauer/scribe/internal/eventlog"
	"github.com/lukasbauer/scribe/internal/llm"
	"github.com/lukasbauer/scribe/internal/metrics"
	"github.com/lukasbauer/scribe/internal/store"
	"github.com/lukasbauer/scribe/internal/stt"
)

const (
	statusScheduled    = store.StatusScheduled
	statusActive       = store.StatusActive
	statusDisconnected = store.StatusDisconnected
	statusFinalizing   = store.StatusFinalizing
	statusCompleted    = store.StatusCompleted
	statusFailed       = store.StatusFailed
)

// Store is the durable surface the manager reads and writes.
type Store interface {
	CreateMeeting(ctx context.Context, m store.Meeting) (store.Meeting, error)
	GetMeeting(ctx context.Context, meetingID, userID string) (store.Meeting, error)
	GetMeetingByID(ctx context.Context, meetingID string) (store.Meeting, error)
	HasLiveMeetingForLink(ctx context.Context, userID, meetLink string) (bool, error)
	ListUnfinishedMeetings(ctx context.Context) ([]store.Meeting, error)
	UpdateMeetingStatus(ctx context.Context, meetingID, status string) error
	SetMeetingAudioBytes(ctx context.Context, meetingID string, audioBytes int64) error
	NextSequence(ctx context.Context, meetingID string) (int64, error)
	InsertSegment(ctx context.Context, seg store.Segment) error
	GetFullTranscript(ctx context.Context, meetingID string) (string, error)
	UpsertSummary(ctx context.Context, sum store.Summary) error
	ReplaceMeetingTasks(ctx context.Context, meetingID, userID string, descriptions []string) error
}

// Notifier announces a finished summary to the meeting owner.
type Notifier interface {
	SummaryReady(ctx context.Context, m store.Meeting, sum store.Summary)
}

// Config wires the manager's collaborators and tunables. Zero tunables
// select the defaults; Now and After exist so tests can drive the
// grace period and reaper with a fake clock.
type Config struct {
	Store       Store
	Transcriber stt.Transcriber
	Summarizer  llm.Summarizer
	Events      *eventlog.Logger
	Notifier    Notifier
	Metrics     *metrics.Metrics
	Logger      *log.Logger

	GracePeriod       time.Duration // default 90s
	FlushInterval     time.Duration // default 2s
	MaxWindowBytes    int           // default 256 KiB
	MaxPendingWindows int           // default 8
	TranscribeTimeout time.Duration // default 30s
	SummarizeTimeout  time.Duration // default 60s

	Now   func() time.Time
	After AfterFunc
}

// Manager owns every session state transition. The gateway and the
// background pollers never mutate a session directly; they call the
// transition methods here, which serialize per meeting on the session
// mutex so racing callers (a reaper tick against a client stop, a grace
// expiry against a resume) see exactly one winner.
type Manager struct {
	cfg      Config
	registry *Registry
	store    Store
	events   *eventlog.Logger
	metrics  *metrics.Metrics
	logger   *log.Logger

	now   func() time.Time
	after AfterFunc
}

// NewManager creates a Manager, filling in defaults for unset tunables.
func NewManager(cfg Config) *Manager {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 90 * time.Second
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	if cfg.TranscribeTimeout <= 0 {
		cfg.TranscribeTimeout = 30 * time.Second
	}
	if cfg.SummarizeTimeout <= 0 {
		cfg.SummarizeTimeout = 60 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.After == nil {
		cfg.After = stdAfterFunc
	}
	if cfg.Events == nil {
		cfg.Events = eventlog.New(nil)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(prometheus.NewRegistry())
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}

	return &Manager{
		cfg:      cfg,
		registry: NewRegistry(),
		store:    cfg.Store,
		events:   cfg.Events,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,

		now:   cfg.Now,
		after: cfg.After,
	}
}

// Registry exposes the session registry for draining and readiness checks.
func (m *Manager) Registry() *Registry { return m.registry }

// StartMeeting creates a meeting record and activates a live session
// for it. Used by the manual join endpoint and the calendar poller
// alike. Returns ErrConflict when the owner already has a live session
// on the same meet link, and ErrDraining during shutdown.
func (m *Manager) StartMeeting(ctx context.Context, req store.Meeting) (store.Meeting, error) {
	if err := m.registry.Reserve(req.UserID, req.MeetLink); err != nil {
		return store.Meeting{}, err
	}

	live, err := m.store.HasLiveMeetingForLink(ctx, req.UserID, req.MeetLink)
	if err != nil {
		m.registry.Release(req.UserID, req.MeetLink)
		return store.Meeting{}, fmt.Errorf("failed to check live meetings: %w", err)
	}
	if live {
		m.registry.Release(req.UserID, req.MeetLink)
		return store.Meeting{}, ErrConflict
	}

	meeting, err := m.store.CreateMeeting(ctx, req)
	if err != nil {
		m.registry.Release(req.UserID, req.MeetLink)
		return store.Meeting{}, fmt.Errorf("failed to create meeting: %w", err)
	}

	if _, err := m.activate(ctx, meeting); err != nil {
		m.registry.Release(req.UserID, req.MeetLink)
		return store.Meeting{}, err
	}
	meeting.Status = statusActive
	return meeting, nil
}

// activate builds the Session for a meeting and starts its dispatcher
// and flush loop. The caller must hold the link reservation.
func (m *Manager) activate(ctx context.Context, meeting store.Meeting) (*Session, error) {
	startSeq, err := m.store.NextSequence(ctx, meeting.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to read sequence position: %w", err)
	}

	s := &Session{
		meetingID:        meeting.ID,
		userID:           meeting.UserID,
		meetLink:         meeting.MeetLink,
		title:            meeting.Title,
		buffer:           NewAudioBuffer(m.cfg.MaxWindowBytes, m.cfg.MaxPendingWindows),
		seq:              NewSequencer(startSeq),
		status:           statusActive,
		lastActivity:     m.now(),
		lastDeliveredSeq: startSeq - 1,
		flushStop:        make(chan struct{}),
		workerDone:       make(chan struct{}),
		mgr:              m,
	}

	if err := m.store.UpdateMeetingStatus(ctx, meeting.ID, statusActive); err != nil {
		return nil, fmt.Errorf("failed to activate meeting: %w", err)
	}

	m.registry.Insert(s)
	m.metrics.ActiveSessions.Inc()
	m.events.LogAsync(meeting.ID, eventlog.EventSessionStarted, map[string]any{
		"meet_link": meeting.MeetLink,
		"is_manual": meeting.IsManual,
	})
	m.logger.Printf("session: started for meeting %s (%s)", meeting.ID, meeting.Title)

	go m.runDispatcher(s)
	go m.runFlushLoop(s)
	return s, nil
}

// Bind attaches a streaming connection to a meeting's session: a fresh
// attach on an active session, a resume on a disconnected one, or an
// activation when the meeting is still scheduled. Rejections follow the
// gateway contract: ErrNotFound for unknown meetings, ErrTerminal once
// the meeting ended, ErrAlreadyBound when another listener is attached.
func (m *Manager) Bind(ctx context.Context, meetingID string, sink EventSink) (*Session, error) {
	s, ok := m.registry.Get(meetingID)
	if !ok {
		meeting, err := m.store.GetMeetingByID(ctx, meetingID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, ErrNotFound
			}
			return nil, err
		}
		if meeting.Status != statusScheduled {
			return nil, ErrTerminal
		}
		if err := m.registry.Reserve(meeting.UserID, meeting.MeetLink); err != nil {
			return nil, err
		}
		s, err = m.activate(ctx, meeting)
		if err != nil {
			m.registry.Release(meeting.UserID, meeting.MeetLink)
			return nil, err
		}
	}

	s.mu.Lock()
	switch s.status {
	case statusFinalizing, statusCompleted, statusFailed:
		s.mu.Unlock()
		return nil, ErrTerminal
	}
	if s.conn != nil {
		s.mu.Unlock()
		return nil, ErrAlreadyBound
	}
	resumed := s.status == statusDisconnected
	if resumed {
		if s.graceTimer != nil {
			s.graceTimer.Stop()
			s.graceTimer = nil
		}
		s.status = statusActive
	}
	s.conn = sink
	s.lastActivity = m.now()
	s.mu.Unlock()

	m.metrics.OpenConnections.Inc()
	if resumed {
		if err := m.store.UpdateMeetingStatus(ctx, meetingID, statusActive); err != nil {
			m.logger.Printf("session: failed to persist resume for %s: %v", meetingID, err)
		}
		m.events.LogAsync(meetingID, eventlog.EventSessionResumed, nil)
		m.logger.Printf("session: resumed meeting %s within grace period", meetingID)
	} else {
		m.events.LogAsync(meetingID, eventlog.EventWSConnected, nil)
	}
	return s, nil
}

// HandleClose reacts to the streaming connection going away. A closure
// that was not preceded by an explicit stop enters the grace period;
// after an explicit stop the finalize path is already in flight and the
// connection is simply unbound.
func (m *Manager) HandleClose(s *Session) {
	m.metrics.OpenConnections.Dec()

	s.mu.Lock()
	s.conn = nil
	if s.stopRequested || s.status != statusActive {
		s.mu.Unlock()
		return
	}
	s.status = statusDisconnected
	s.graceTimer = m.after(m.cfg.GracePeriod, func() { m.expireGrace(s) })
	s.mu.Unlock()

	m.events.LogAsync(s.meetingID, eventlog.EventWSDisconnected, map[string]any{
		"grace_seconds": m.cfg.GracePeriod.Seconds(),
	})
	m.logger.Printf("session: meeting %s disconnected, grace period started", s.meetingID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.store.UpdateMeetingStatus(ctx, s.meetingID, statusDisconnected); err != nil {
		m.logger.Printf("session: failed to persist disconnect for %s: %v", s.meetingID, err)
	}
}

// expireGrace fires when the grace period elapses without a resume.
// The expiry is only legal from the disconnected state, so the claim is
// restricted to it: a resume that rebound the session first makes the
// claim fail and the fire a clean no-op, never a finalize of the live
// session.
func (m *Manager) expireGrace(s *Session) {
	if !s.claimFinalize(statusDisconnected) {
		return
	}

	m.metrics.GraceExpirations.Inc()
	m.events.LogAsync(s.meetingID, eventlog.EventGraceExpired, nil)
	m.logger.Printf("session: grace period expired for meeting %s, finalizing", s.meetingID)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := m.completeFinalize(ctx, s, "grace_expired"); err != nil {
		m.logger.Printf("session: finalize after grace expiry failed for %s: %v", s.meetingID, err)
	}
}

// Stop is the explicit owner stop. Idempotent: stopping a meeting that
// is already finalizing or ended is a no-op.
func (m *Manager) Stop(ctx context.Context, meetingID, userID string) error {
	meeting, err := m.store.GetMeeting(ctx, meetingID, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}

	// Finalization outlives the stop request: a caller hanging up on the
	// HTTP request must not cancel the summarization mid-flight.
	fctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	s, ok := m.registry.Get(meetingID)
	if !ok {
		switch meeting.Status {
		case statusCompleted, statusFailed, statusFinalizing:
			return nil
		case statusScheduled:
			// Never went live; close it out without a pipeline.
			return m.store.UpdateMeetingStatus(ctx, meetingID, statusCompleted)
		default:
			// Durably live but no in-memory session: orphaned by an
			// earlier process exit.
			return m.finalizeOrphan(fctx, meeting)
		}
	}

	s.markStopRequested()
	return m.finalize(fctx, s, "stop")
}

// finalizeOrphan closes out a meeting whose durable status is live but
// which has no in-memory session, the state every live meeting is left
// in after a process restart. The transcript persisted so far is
// summarized and the record lands in a terminal state, releasing the
// (owner, meet link) slot held by the live status.
func (m *Manager) finalizeOrphan(ctx context.Context, meeting store.Meeting) error {
	m.logger.Printf("session: closing orphaned meeting %s (was %s)", meeting.ID, meeting.Status)
	if err := m.store.UpdateMeetingStatus(ctx, meeting.ID, statusFinalizing); err != nil {
		return fmt.Errorf("failed to mark orphaned meeting finalizing: %w", err)
	}

	transcript, err := m.store.GetFullTranscript(ctx, meeting.ID)
	if err != nil {
		_ = m.store.UpdateMeetingStatus(ctx, meeting.ID, statusFailed)
		return fmt.Errorf("failed to assemble transcript: %w", err)
	}
	sum := m.summarize(ctx, meeting.ID, transcript)
	if err := m.store.UpsertSummary(ctx, sum); err != nil {
		_ = m.store.UpdateMeetingStatus(ctx, meeting.ID, statusFailed)
		return fmt.Errorf("failed to persist summary: %w", err)
	}
	m.seedTasks(ctx, meeting.ID, meeting.UserID, sum)

	if err := m.store.UpdateMeetingStatus(ctx, meeting.ID, statusCompleted); err != nil {
		return err
	}
	m.events.LogAsync(meeting.ID, eventlog.EventMeetingCompleted, map[string]any{
		"reason":              "orphan_recovery",
		"summary_unavailable": sum.Unavailable,
	})
	return nil
}

// ReconcileOrphans closes out meetings left in a live durable status by
// an earlier process exit. Called once at startup, before any new
// session exists: anything live in the store but absent from the
// registry cannot be resumed and is finalized from its persisted
// transcript. Returns the number of meetings closed.
func (m *Manager) ReconcileOrphans(ctx context.Context) int {
	meetings, err := m.store.ListUnfinishedMeetings(ctx)
	if err != nil {
		m.logger.Printf("session: orphan scan failed: %v", err)
		return 0
	}

	closed := 0
	for _, meeting := range meetings {
		if _, live := m.registry.Get(meeting.ID); live {
			continue
		}
		if err := m.finalizeOrphan(ctx, meeting); err != nil {
			m.logger.Printf("session: failed to close orphaned meeting %s: %v", meeting.ID, err)
			continue
		}
		closed++
	}
	if closed > 0 {
		m.logger.Printf("session: closed %d orphaned meeting(s) at startup", closed)
	}
	return closed
}

// ReapIdle finalizes sessions whose last activity is older than the
// threshold. Called by the inactive-session reaper on its tick.
func (m *Manager) ReapIdle(ctx context.Context, threshold time.Duration) int {
	reaped := 0
	now := m.now()
	for _, s := range m.registry.List() {
		idle, live := s.idleSince(now)
		if !live || idle <= threshold {
			continue
		}
		m.logger.Printf("session: reaping meeting %s after %s idle", s.meetingID, idle.Round(time.Second))
		m.events.LogAsync(s.meetingID, eventlog.EventSessionReaped, map[string]any{
			"idle_seconds": idle.Seconds(),
		})
		if err := m.finalize(ctx, s, "reaped"); err != nil {
			m.logger.Printf("session: reap finalize failed for %s: %v", s.meetingID, err)
			continue
		}
		m.metrics.SessionsReaped.Inc()
		reaped++
	}
	return reaped
}

// Status returns a live snapshot for a meeting the user owns, falling
// back to the durable record when no session is in memory.
func (m *Manager) Status(ctx context.Context, meetingID, userID string) (Status, error) {
	meeting, err := m.store.GetMeeting(ctx, meetingID, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Status{}, ErrNotFound
		}
		return Status{}, err
	}
	if s, ok := m.registry.Get(meetingID); ok {
		return s.Snapshot(), nil
	}
	return Status{MeetingID: meetingID, Status: meeting.Status}, nil
}

// RetrySummary regenerates the summary for a completed meeting without
// reopening the session. The new summary overwrites the previous one.
func (m *Manager) RetrySummary(ctx context.Context, meetingID, userID string) (store.Summary, error) {
	meeting, err := m.store.GetMeeting(ctx, meetingID, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Summary{}, ErrNotFound
		}
		return store.Summary{}, err
	}
	if meeting.Status != statusCompleted {
		return store.Summary{}, ErrNotLive
	}

	transcript, err := m.store.GetFullTranscript(ctx, meetingID)
	if err != nil {
		return store.Summary{}, fmt.Errorf("failed to assemble transcript: %w", err)
	}

	sum := m.summarize(ctx, meetingID, transcript)
	if err := m.store.UpsertSummary(ctx, sum); err != nil {
		return store.Summary{}, fmt.Errorf("failed to persist summary: %w", err)
	}
	m.seedTasks(ctx, meetingID, userID, sum)
	return sum, nil
}

// Drain stops accepting new sessions, finalizes every live one, and
// waits for the registry to empty or the context to expire.
func (m *Manager) Drain(ctx context.Context) error {
	m.registry.StartDraining()
	for _, s := range m.registry.List() {
		s.markStopRequested()
		if err := m.finalize(ctx, s, "shutdown"); err != nil {
			m.logger.Printf("session: drain finalize failed for %s: %v", s.meetingID, err)
		}
	}

	done := make(chan struct{})
	go func() {
		m.registry.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
