package session

import (
	"context"
	"time"

	"github.com/lukasbauer/scribe/internal/eventlog"
	"github.com/lukasbauer/scribe/internal/store"
)

// runDispatcher consumes the session's window queue and calls the
// transcription engine, one window at a time. Serial per session so
// output order matches audio arrival order; concurrent across sessions.
// Engine failure skips the window and keeps the session alive; only a
// segment persistence failure is fatal.
func (m *Manager) runDispatcher(s *Session) {
	defer close(s.workerDone)
	ctx := context.Background()

	for {
		w, ok := s.buffer.Next(ctx)
		if !ok {
			return
		}

		var text string
		resolved := false
		if !w.Dropped {
			tctx, cancel := context.WithTimeout(ctx, m.cfg.TranscribeTimeout)
			start := time.Now()
			result, err := m.cfg.Transcriber.Transcribe(tctx, w.Data)
			cancel()
			m.metrics.TranscriptionSeconds.Observe(time.Since(start).Seconds())
			m.metrics.WindowsFlushedTotal.Inc()

			if err != nil {
				m.metrics.TranscriptionErrors.Inc()
				m.events.LogAsync(s.meetingID, eventlog.EventTranscriptionError, map[string]any{
					"arrival": w.Arrival,
					"error":   err.Error(),
				})
				m.logger.Printf("session: transcription failed for meeting %s window %d: %v", s.meetingID, w.Arrival, err)
			} else {
				text = result
				resolved = true
			}
		}

		releases := s.seq.Resolve(w.Arrival, text, resolved)
		if err := m.deliver(s, releases); err != nil {
			s.mu.Lock()
			s.fatalErr = err
			s.mu.Unlock()
			m.logger.Printf("session: fatal persistence error for meeting %s: %v", s.meetingID, err)

			// Force the meeting to a terminal state now rather than
			// waiting for a stop that may never come. Finalize waits on
			// workerDone, so it must run outside this goroutine.
			go func() {
				fctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
				defer cancel()
				if ferr := m.finalize(fctx, s, "persistence_error"); ferr != nil {
					m.logger.Printf("session: finalize after persistence error failed for %s: %v", s.meetingID, ferr)
				}
			}()
			return
		}
	}
}

// deliver persists released segments in sequence order and pushes each
// to the bound connection. A segment is never pushed twice: the session
// tracks the last delivered sequence number across reconnects, and a
// resumed connection only receives segments newer than that (backfill
// goes through the transcript endpoint).
func (m *Manager) deliver(s *Session, releases []Release) error {
	for _, rel := range releases {
		now := m.now().UTC()
		seg := store.Segment{
			MeetingID:      s.meetingID,
			SequenceNumber: rel.Seq,
			Timestamp:      now,
			Text:           rel.Text,
			IsFinal:        true,
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := m.store.InsertSegment(ctx, seg)
		cancel()
		if err != nil {
			return err
		}
		m.metrics.SegmentsPersisted.Inc()

		s.mu.Lock()
		conn := s.conn
		shouldPush := conn != nil && rel.Seq > s.lastDeliveredSeq
		s.mu.Unlock()
		if !shouldPush {
			continue
		}

		ev := TranscriptEvent{
			MeetingID:      s.meetingID,
			SequenceNumber: rel.Seq,
			Timestamp:      now,
			Text:           rel.Text,
			IsFinal:        true,
		}
		if err := conn.SendTranscript(ev); err != nil {
			m.logger.Printf("session: transcript push failed for meeting %s seq %d: %v", s.meetingID, rel.Seq, err)
			continue
		}
		s.mu.Lock()
		if rel.Seq > s.lastDeliveredSeq {
			s.lastDeliveredSeq = rel.Seq
		}
		s.mu.Unlock()
	}
	return nil
}

// runFlushLoop cuts a window out of whatever audio accumulated every
// flush interval, so quiet periods still produce timely transcripts.
func (m *Manager) runFlushLoop(s *Session) {
	ticker := time.NewTicker(m.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.flushStop:
			return
		case <-ticker.C:
			if dropped := s.buffer.Flush(); dropped > 0 {
				m.noteDropped(s, dropped)
			}
		}
	}
}

// noteDropped records backpressure drops and pushes a status event so
// the client can throttle.
func (m *Manager) noteDropped(s *Session, n int) {
	m.metrics.WindowsDroppedTotal.Add(float64(n))
	m.events.LogAsync(s.meetingID, eventlog.EventWindowDropped, map[string]any{
		"count": n,
	})
	m.logger.Printf("session: dropped %d audio window(s) for meeting %s under backpressure", n, s.meetingID)

	st := s.Snapshot()
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		if err := conn.SendStatus(st); err != nil {
			m.logger.Printf("session: status push failed for meeting %s: %v", s.meetingID, err)
		}
	}
}
