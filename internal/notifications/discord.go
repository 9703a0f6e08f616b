package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// Discord is a simple Discord webhook notifier.
type Discord struct {
	webhookURL string
	logger     *log.Logger
	client     *http.Client
}

// NewDiscord creates a new Discord notifier. If webhookURL is empty,
// notifications are silently skipped.
func NewDiscord(webhookURL string, logger *log.Logger) *Discord {
	return &Discord{
		webhookURL: webhookURL,
		logger:     logger,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Enabled returns true if the webhook is configured.
func (d *Discord) Enabled() bool {
	return d.webhookURL != ""
}

// discordMessage is the payload for Discord webhook.
type discordMessage struct {
	Content string         `json:"content,omitempty"`
	Embeds  []discordEmbed `json:"embeds,omitempty"`
}

type discordEmbed struct {
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color,omitempty"`
	Fields      []embedField `json:"fields,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// send posts a message to Discord webhook synchronously.
// Errors are logged but don't affect caller.
func (d *Discord) send(ctx context.Context, msg discordMessage) {
	if !d.Enabled() {
		return
	}

	body, err := json.Marshal(msg)
	if err != nil {
		d.logger.Printf("discord: failed to marshal message: %v", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, "POST", d.webhookURL, bytes.NewReader(body))
	if err != nil {
		d.logger.Printf("discord: failed to create request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		d.logger.Printf("discord: failed to send webhook: %v", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		d.logger.Printf("discord: webhook returned status %d", resp.StatusCode)
	}
}

// NotifySummaryReady announces a finished meeting summary.
func (d *Discord) NotifySummaryReady(ctx context.Context, title string, durationMinutes int, unavailable bool) {
	color := 0x00FF00 // Green
	description := fmt.Sprintf("Summary for **%s** is ready (~%d min of audio).", title, durationMinutes)
	if unavailable {
		color = 0xFFA500 // Orange
		description = fmt.Sprintf("Meeting **%s** finished, but summarization failed. The transcript is intact.", title)
	}

	msg := discordMessage{
		Embeds: []discordEmbed{{
			Title:       "Meeting summary ready",
			Description: description,
			Color:       color,
			Timestamp:   time.Now().UTC().Format(time.RFC3339),
		}},
	}
	d.send(ctx, msg)
}

// NotifyMeetingFailed announces a meeting that ended in the failed state.
func (d *Discord) NotifyMeetingFailed(ctx context.Context, meetingID, detail string) {
	msg := discordMessage{
		Content: "@here",
		Embeds: []discordEmbed{{
			Title:       "Meeting failed",
			Description: "A meeting hit an unrecoverable error during finalization.",
			Color:       0xFF0000, // Red
			Fields: []embedField{
				{Name: "Meeting ID", Value: fmt.Sprintf("`%s`", meetingID), Inline: true},
				{Name: "Error", Value: detail, Inline: false},
			},
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}},
	}
	d.send(ctx, msg)
}
