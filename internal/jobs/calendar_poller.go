package jobs

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/lukasbauer/scribe/internal/calendar"
	"github.com/lukasbauer/scribe/internal/session"
	"github.com/lukasbauer/scribe/internal/store"
)

// CalendarStore is the slice of the store the poller reads.
type CalendarStore interface {
	ListCalendarUsers(ctx context.Context) ([]store.CalendarUser, error)
	FindMeetingByCalendarEvent(ctx context.Context, userID, eventID string) (store.Meeting, error)
}

// SessionStarter starts a live session for a detected meeting. Satisfied
// by session.Manager.
type SessionStarter interface {
	StartMeeting(ctx context.Context, req store.Meeting) (store.Meeting, error)
}

// CalendarPollerJob polls connected users' calendars and starts sessions
// for meetings that begin inside the lookahead window. It runs on a
// configurable interval (default: 1 minute) and:
// - Lists users with a calendar token on file
// - Fetches their upcoming events that carry a meeting link
// - Starts a session for each event not already tracked
type CalendarPollerJob struct {
	store     CalendarStore
	client    calendar.Client
	sessions  SessionStarter
	logger    *log.Logger
	interval  time.Duration
	lookahead time.Duration
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewCalendarPollerJob creates a new calendar poller job.
func NewCalendarPollerJob(s CalendarStore, client calendar.Client, sessions SessionStarter, logger *log.Logger, interval, lookahead time.Duration) *CalendarPollerJob {
	if interval == 0 {
		interval = 1 * time.Minute
	}
	if lookahead == 0 {
		lookahead = 2 * time.Minute
	}
	return &CalendarPollerJob{
		store:     s,
		client:    client,
		sessions:  sessions,
		logger:    logger,
		interval:  interval,
		lookahead: lookahead,
		stopCh:    make(chan struct{}),
	}
}

// Start begins the background job.
func (j *CalendarPollerJob) Start() {
	j.wg.Add(1)
	go j.run()
	j.logger.Printf("CalendarPollerJob: started (interval=%v, lookahead=%v)", j.interval, j.lookahead)
}

// Stop gracefully stops the background job.
func (j *CalendarPollerJob) Stop() {
	close(j.stopCh)
	j.wg.Wait()
	j.logger.Println("CalendarPollerJob: stopped")
}

func (j *CalendarPollerJob) run() {
	defer j.wg.Done()

	// Run immediately on start
	j.pollAll()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.pollAll()
		case <-j.stopCh:
			return
		}
	}
}

func (j *CalendarPollerJob) pollAll() {
	ctx := context.Background()

	users, err := j.store.ListCalendarUsers(ctx)
	if err != nil {
		j.logger.Printf("CalendarPollerJob: failed to list calendar users: %v", err)
		return
	}

	for _, u := range users {
		j.pollUser(ctx, u)
	}
}

func (j *CalendarPollerJob) pollUser(ctx context.Context, u store.CalendarUser) {
	now := time.Now()
	events, err := j.client.FindUpcomingMeetings(ctx, u.AccessToken, now, now.Add(j.lookahead))
	if err != nil {
		j.logger.Printf("CalendarPollerJob: calendar fetch failed for user %s: %v", u.UserID, err)
		return
	}

	for _, ev := range events {
		if err := j.startEvent(ctx, u.UserID, ev); err != nil {
			j.logger.Printf("CalendarPollerJob: failed to start meeting for event %s (user %s): %v", ev.ID, u.UserID, err)
		}
	}
}

// startEvent starts a session for a calendar event unless one is already
// tracked. A conflicting live session on the same link is not an error,
// the user may have joined manually before the poller saw the event.
func (j *CalendarPollerJob) startEvent(ctx context.Context, userID string, ev calendar.Event) error {
	_, err := j.store.FindMeetingByCalendarEvent(ctx, userID, ev.ID)
	if err == nil {
		return nil // already tracked
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	eventID := ev.ID
	endTime := ev.End
	_, err = j.sessions.StartMeeting(ctx, store.Meeting{
		UserID:          userID,
		CalendarEventID: &eventID,
		MeetLink:        ev.MeetLink,
		Title:           ev.Title,
		StartTime:       ev.Start,
		EndTime:         &endTime,
		IsManual:        false,
	})
	if errors.Is(err, session.ErrConflict) || errors.Is(err, session.ErrDraining) {
		return nil
	}
	if err != nil {
		return err
	}

	j.logger.Printf("CalendarPollerJob: started session for event %s (user %s, %q)", ev.ID, userID, ev.Title)
	return nil
}
