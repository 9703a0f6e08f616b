// Package notifications delivers "summary ready" announcements over the
// configured channels: a Discord webhook and APNs push to the owner's
// registered devices. Failures are logged and never affect the meeting
// lifecycle.
package notifications

import (
	"context"
	"log"

	"github.com/lukasbauer/scribe/internal/costs"
	"github.com/lukasbauer/scribe/internal/store"
)

// PushTokenSource looks up the device push tokens registered for a user.
type PushTokenSource interface {
	ListPushTokens(ctx context.Context, userID string) ([]string, error)
}

// SummaryNotifier fans a finished summary out to every enabled channel.
// It satisfies the session manager's Notifier interface.
type SummaryNotifier struct {
	discord *Discord
	apns    *APNsClient
	tokens  PushTokenSource
	logger  *log.Logger
}

// NewSummaryNotifier wires the channels; any of them may be nil or
// disabled.
func NewSummaryNotifier(discord *Discord, apns *APNsClient, tokens PushTokenSource, logger *log.Logger) *SummaryNotifier {
	return &SummaryNotifier{
		discord: discord,
		apns:    apns,
		tokens:  tokens,
		logger:  logger,
	}
}

// SummaryReady announces a completed meeting.
func (n *SummaryNotifier) SummaryReady(ctx context.Context, m store.Meeting, sum store.Summary) {
	minutes := int(m.AudioBytes / costs.BytesPerSecond / 60)

	if n.discord != nil && n.discord.Enabled() {
		n.discord.NotifySummaryReady(ctx, m.Title, minutes, sum.Unavailable)
	}

	if n.apns == nil || n.tokens == nil {
		return
	}
	tokens, err := n.tokens.ListPushTokens(ctx, m.UserID)
	if err != nil {
		n.logger.Printf("notifications: failed to list push tokens for user %s: %v", m.UserID, err)
		return
	}
	for _, deviceToken := range tokens {
		err := n.apns.SendSummaryNotification(deviceToken, SummaryNotification{
			MeetingID:   m.ID,
			Title:       m.Title,
			KeyPoints:   sum.KeyPoints,
			Unavailable: sum.Unavailable,
		})
		if err != nil {
			n.logger.Printf("notifications: push failed for meeting %s: %v", m.ID, err)
		}
	}
}
