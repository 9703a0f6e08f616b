package session

import (
	"context"
	"time"

	"github.com/lukasbauer/scribe/internal/costs"
	"github.com/lukasbauer/scribe/internal/eventlog"
	"github.com/lukasbauer/scribe/internal/store"
)

// finalize runs the finalizing state: flush the tail of the buffer,
// drain the dispatcher, assemble the ordered transcript, summarize, and
// land the meeting in a terminal state. Exactly one caller wins the
// transition; losers (a reaper tick racing a stop, a second stop call)
// observe the state and return nil without side effects.
func (m *Manager) finalize(ctx context.Context, s *Session, reason string) error {
	if !s.claimFinalize("") {
		return nil
	}
	return m.completeFinalize(ctx, s, reason)
}

// completeFinalize is the body of the finalizing state. The caller must
// have won the claimFinalize transition.
func (m *Manager) completeFinalize(ctx context.Context, s *Session, reason string) error {
	s.mu.Lock()
	audioBytes := s.audioBytes
	s.mu.Unlock()

	if err := m.store.UpdateMeetingStatus(ctx, s.meetingID, statusFinalizing); err != nil {
		m.logger.Printf("session: failed to persist finalizing for %s: %v", s.meetingID, err)
	}

	// Flush the partial window so no tail audio is discarded, then let
	// the dispatcher drain everything still queued.
	close(s.flushStop)
	if dropped := s.buffer.Flush(); dropped > 0 {
		m.noteDropped(s, dropped)
	}
	s.buffer.Close()
	<-s.workerDone

	s.mu.Lock()
	fatal := s.fatalErr
	s.mu.Unlock()
	if fatal != nil {
		return m.fail(ctx, s, fatal)
	}

	transcript, err := m.store.GetFullTranscript(ctx, s.meetingID)
	if err != nil {
		return m.fail(ctx, s, err)
	}

	sum := m.summarize(ctx, s.meetingID, transcript)
	if err := m.store.UpsertSummary(ctx, sum); err != nil {
		return m.fail(ctx, s, err)
	}
	m.seedTasks(ctx, s.meetingID, s.userID, sum)

	if err := m.store.SetMeetingAudioBytes(ctx, s.meetingID, audioBytes); err != nil {
		m.logger.Printf("session: failed to record audio volume for %s: %v", s.meetingID, err)
	}
	if err := m.store.UpdateMeetingStatus(ctx, s.meetingID, statusCompleted); err != nil {
		return m.fail(ctx, s, err)
	}

	s.mu.Lock()
	s.status = statusCompleted
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		_ = conn.SendStatus(s.Snapshot())
	}

	cost := costs.CalculateMeetingCosts(costs.MeetingMetrics{
		AudioBytes:      audioBytes,
		LLMInputTokens:  sum.InputTokens,
		LLMOutputTokens: sum.OutputTokens,
	})
	m.events.LogAsync(s.meetingID, eventlog.EventMeetingCompleted, map[string]any{
		"reason":              reason,
		"audio_bytes":         audioBytes,
		"summary_unavailable": sum.Unavailable,
		"cost_cents":          cost.TotalCostCents,
	})
	m.logger.Printf("session: meeting %s completed (%s), estimated cost %d cents", s.meetingID, reason, cost.TotalCostCents)

	if m.cfg.Notifier != nil {
		meeting, err := m.store.GetMeetingByID(ctx, s.meetingID)
		if err == nil {
			go func() {
				nctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				m.cfg.Notifier.SummaryReady(nctx, meeting, sum)
			}()
		}
	}

	m.cleanup(s)
	return nil
}

// fail lands the meeting in the failed state. Reached only through
// unrecoverable persistence errors; the transcript written so far stays
// in the store.
func (m *Manager) fail(ctx context.Context, s *Session, cause error) error {
	s.mu.Lock()
	s.status = statusFailed
	s.mu.Unlock()

	if err := m.store.UpdateMeetingStatus(ctx, s.meetingID, statusFailed); err != nil {
		m.logger.Printf("session: failed to persist failure for %s: %v", s.meetingID, err)
	}
	m.events.LogAsync(s.meetingID, eventlog.EventMeetingFailed, map[string]any{
		"error": cause.Error(),
	})
	m.logger.Printf("session: meeting %s failed: %v", s.meetingID, cause)

	m.cleanup(s)
	return cause
}

func (m *Manager) cleanup(s *Session) {
	m.registry.Remove(s.meetingID)
	m.metrics.ActiveSessions.Dec()
}

// seedTasks turns the summary's action items into pending tasks for the
// meeting owner. Reseeding replaces earlier summary-sourced tasks, so a
// summary retry never duplicates them. Task seeding is best effort and
// never affects the meeting outcome.
func (m *Manager) seedTasks(ctx context.Context, meetingID, userID string, sum store.Summary) {
	if sum.Unavailable || len(sum.ActionItems) == 0 {
		return
	}
	if err := m.store.ReplaceMeetingTasks(ctx, meetingID, userID, sum.ActionItems); err != nil {
		m.logger.Printf("session: failed to seed tasks for meeting %s: %v", meetingID, err)
	}
}

// summarize calls the external summarizer with one retry and degrades
// to an unavailable summary rather than failing the meeting, so the
// transcript is never lost to a summarizer outage.
func (m *Manager) summarize(ctx context.Context, meetingID, transcript string) store.Summary {
	if transcript == "" {
		m.events.LogAsync(meetingID, eventlog.EventSummaryFailed, map[string]any{
			"error": "empty transcript",
		})
		return store.Summary{
			MeetingID:   meetingID,
			Unavailable: true,
			ErrorDetail: "no speech detected",
		}
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		sctx, cancel := context.WithTimeout(ctx, m.cfg.SummarizeTimeout)
		result, usage, err := m.cfg.Summarizer.Summarize(sctx, transcript)
		cancel()
		if err != nil {
			lastErr = err
			m.logger.Printf("session: summarization attempt %d failed for %s: %v", attempt+1, meetingID, err)
			continue
		}

		m.metrics.SummariesGenerated.Inc()
		m.events.LogAsync(meetingID, eventlog.EventSummaryGenerated, map[string]any{
			"input_tokens":  usage.InputTokens,
			"output_tokens": usage.OutputTokens,
		})
		return store.Summary{
			MeetingID:    meetingID,
			KeyPoints:    result.KeyPoints,
			Decisions:    result.Decisions,
			ActionItems:  result.ActionItems,
			FollowUps:    result.FollowUps,
			InputTokens:  usage.InputTokens,
			OutputTokens: usage.OutputTokens,
		}
	}

	m.metrics.SummariesFailed.Inc()
	m.events.LogAsync(meetingID, eventlog.EventSummaryFailed, map[string]any{
		"error": lastErr.Error(),
	})
	return store.Summary{
		MeetingID:   meetingID,
		Unavailable: true,
		ErrorDetail: lastErr.Error(),
	}
}
