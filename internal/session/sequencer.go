package session

import "sync"

// Release is a transcript segment released by the sequencer together
// with its assigned sequence number.
type Release struct {
	Seq  int64
	Text string
}

type stagedResult struct {
	text string
	ok   bool
}

// Sequencer assigns per-meeting sequence numbers: unique, gap-free and
// strictly increasing, starting at 0. Results arrive keyed by the audio
// window's arrival index; a sequence number is released only when no
// lower arrival index is still outstanding, so ordering holds even if
// dispatch ever stops being serialized. Windows that produced no text
// (engine failure, silence, backpressure drop) consume no sequence
// number but still unblock later arrivals.
type Sequencer struct {
	mu          sync.Mutex
	nextRelease int64 // lowest arrival index not yet resolved
	nextSeq     int64
	staged      map[int64]stagedResult
}

// NewSequencer creates a sequencer whose first released segment gets
// sequence number startSeq.
func NewSequencer(startSeq int64) *Sequencer {
	return &Sequencer{
		nextSeq: startSeq,
		staged:  make(map[int64]stagedResult),
	}
}

// Resolve records the outcome for one arrival index and returns the
// segments that become releasable, in sequence order. ok is false when
// the window was skipped.
func (q *Sequencer) Resolve(arrival int64, text string, ok bool) []Release {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.staged[arrival] = stagedResult{text: text, ok: ok}

	var out []Release
	for {
		r, exists := q.staged[q.nextRelease]
		if !exists {
			break
		}
		delete(q.staged, q.nextRelease)
		q.nextRelease++
		if r.ok && r.text != "" {
			out = append(out, Release{Seq: q.nextSeq, Text: r.text})
			q.nextSeq++
		}
	}
	return out
}

// NextSeq returns the sequence number the next released segment will
// receive, which equals the count of segments released so far.
func (q *Sequencer) NextSeq() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.nextSeq
}
