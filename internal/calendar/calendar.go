package calendar

import (
	"context"
	"time"
)

// Event is a calendar event that carries a meeting link.
type Event struct {
	ID       string
	Title    string
	MeetLink string
	Start    time.Time
	End      time.Time
}

// Client is the calendar collaborator consumed by the poller. Token
// refresh and consent flows live outside this service; the poller only
// asks for events starting inside a lookahead window.
type Client interface {
	// FindUpcomingMeetings returns events with a meeting link starting
	// between from and until, for the user the accessToken belongs to.
	FindUpcomingMeetings(ctx context.Context, accessToken string, from, until time.Time) ([]Event, error)
}
