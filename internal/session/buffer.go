package session

import (
	"context"
	"sync"
)

const (
	// DefaultMaxWindowBytes is the size ceiling for one transcription
	// window: 2 seconds of headroom over 16kHz 16-bit mono audio.
	DefaultMaxWindowBytes = 256 * 1024

	// DefaultMaxPendingWindows bounds the unflushed window queue; past
	// it the oldest window's audio is dropped.
	DefaultMaxPendingWindows = 8
)

// Window is a contiguous block of buffered audio handed to the
// transcription engine as one unit. Arrival indices increase
// monotonically per session. A window dropped under backpressure keeps
// its arrival index but carries no data, so the sequencer can still
// account for it.
type Window struct {
	Arrival int64
	Data    []byte
	Dropped bool
}

// AudioBuffer accumulates raw audio frames and cuts them into windows,
// either when the size ceiling is reached or on an explicit flush (the
// periodic flush tick and finalization). The pending queue is bounded:
// overflow drops the oldest undropped window's audio in place rather
// than removing the entry, so arrival order stays gap-free for the
// sequencer.
type AudioBuffer struct {
	maxWindow  int
	maxPending int

	mu           sync.Mutex
	cur          []byte
	pending      []Window
	live         int // pending windows still carrying data
	pendingBytes int
	nextArrival  int64
	dropped      int64
	closed       bool
	notify       chan struct{}
}

// NewAudioBuffer creates a buffer with the given window size ceiling
// and pending-queue bound. Non-positive values select the defaults.
func NewAudioBuffer(maxWindowBytes, maxPendingWindows int) *AudioBuffer {
	if maxWindowBytes <= 0 {
		maxWindowBytes = DefaultMaxWindowBytes
	}
	if maxPendingWindows <= 0 {
		maxPendingWindows = DefaultMaxPendingWindows
	}
	return &AudioBuffer{
		maxWindow:  maxWindowBytes,
		maxPending: maxPendingWindows,
		notify:     make(chan struct{}, 1),
	}
}

// Append adds raw audio bytes, cutting full windows whenever the size
// ceiling is reached. It returns the number of windows dropped under
// backpressure so the caller can signal the client to throttle.
func (b *AudioBuffer) Append(data []byte) (dropped int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || len(data) == 0 {
		return 0
	}
	b.cur = append(b.cur, data...)
	for len(b.cur) >= b.maxWindow {
		dropped += b.cutLocked(b.maxWindow)
	}
	return dropped
}

// Flush cuts whatever has accumulated into a window, however small, so
// no tail audio is silently discarded.
func (b *AudioBuffer) Flush() (dropped int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || len(b.cur) == 0 {
		return 0
	}
	return b.cutLocked(len(b.cur))
}

func (b *AudioBuffer) cutLocked(n int) (dropped int) {
	data := make([]byte, n)
	copy(data, b.cur[:n])
	b.cur = b.cur[n:]

	b.pending = append(b.pending, Window{Arrival: b.nextArrival, Data: data})
	b.nextArrival++
	b.live++
	b.pendingBytes += n

	if b.live > b.maxPending {
		for i := range b.pending {
			if !b.pending[i].Dropped {
				b.pendingBytes -= len(b.pending[i].Data)
				b.pending[i].Data = nil
				b.pending[i].Dropped = true
				b.live--
				b.dropped++
				dropped++
				break
			}
		}
	}

	select {
	case b.notify <- struct{}{}:
	default:
	}
	return dropped
}

// Next blocks until a window is available. ok is false once the buffer
// has been closed and fully drained, which guarantees the tail flush is
// consumed before the dispatcher exits.
func (b *AudioBuffer) Next(ctx context.Context) (Window, bool) {
	for {
		b.mu.Lock()
		if len(b.pending) > 0 {
			w := b.pending[0]
			b.pending = b.pending[1:]
			if !w.Dropped {
				b.live--
				b.pendingBytes -= len(w.Data)
			}
			b.mu.Unlock()
			return w, true
		}
		if b.closed {
			b.mu.Unlock()
			return Window{}, false
		}
		b.mu.Unlock()

		select {
		case <-b.notify:
		case <-ctx.Done():
			return Window{}, false
		}
	}
}

// Close marks the end of input. Pending windows remain consumable.
func (b *AudioBuffer) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// PendingBytes reports the buffer fill level: accumulated bytes not yet
// cut plus queued window bytes not yet dispatched.
func (b *AudioBuffer) PendingBytes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.cur) + b.pendingBytes
}

// Dropped returns the total number of windows dropped under backpressure.
func (b *AudioBuffer) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
