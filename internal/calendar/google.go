package calendar

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const googleEventsURL = "https://www.googleapis.com/calendar/v3/calendars/primary/events"

// GoogleClient implements Client against the Google Calendar REST API.
type GoogleClient struct {
	httpClient *http.Client
	baseURL    string
}

// GoogleConfig holds configuration for the Google Calendar client.
type GoogleConfig struct {
	HTTPClient *http.Client
	BaseURL    string // override for tests; defaults to the Google Calendar API
}

// NewGoogleClient creates a new Google Calendar client.
func NewGoogleClient(cfg GoogleConfig) *GoogleClient {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = googleEventsURL
	}
	return &GoogleClient{httpClient: httpClient, baseURL: baseURL}
}

// googleEventList is the subset of the events.list response we read.
type googleEventList struct {
	Items []struct {
		ID          string `json:"id"`
		Summary     string `json:"summary"`
		HangoutLink string `json:"hangoutLink"`
		Start       struct {
			DateTime string `json:"dateTime"`
			Date     string `json:"date"`
		} `json:"start"`
		End struct {
			DateTime string `json:"dateTime"`
			Date     string `json:"date"`
		} `json:"end"`
	} `json:"items"`
}

// FindUpcomingMeetings lists events in [from, until) and keeps those
// that carry a Meet link. Events without a parseable start time are
// skipped rather than failing the whole poll.
func (c *GoogleClient) FindUpcomingMeetings(ctx context.Context, accessToken string, from, until time.Time) ([]Event, error) {
	q := url.Values{}
	q.Set("timeMin", from.UTC().Format(time.RFC3339))
	q.Set("timeMax", until.UTC().Format(time.RFC3339))
	q.Set("singleEvents", "true")
	q.Set("orderBy", "startTime")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to query calendar: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("calendar API error: %s - %s", resp.Status, string(body))
	}

	var list googleEventList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("failed to decode calendar response: %w", err)
	}

	var out []Event
	for _, item := range list.Items {
		if item.HangoutLink == "" {
			continue
		}
		start, err := parseEventTime(item.Start.DateTime, item.Start.Date)
		if err != nil {
			continue
		}
		end, err := parseEventTime(item.End.DateTime, item.End.Date)
		if err != nil {
			end = time.Time{}
		}
		title := item.Summary
		if title == "" {
			title = "Untitled Meeting"
		}
		out = append(out, Event{
			ID:       item.ID,
			Title:    title,
			MeetLink: item.HangoutLink,
			Start:    start,
			End:      end,
		})
	}
	return out, nil
}

func parseEventTime(dateTime, date string) (time.Time, error) {
	if dateTime != "" {
		return time.Parse(time.RFC3339, dateTime)
	}
	if date != "" {
		return time.Parse("2006-01-02", date)
	}
	return time.Time{}, fmt.Errorf("event has no start time")
}
