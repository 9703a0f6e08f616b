package session

import "sync"

// Registry maps meeting id to its live Session and supports graceful
// draining: when draining, new sessions are rejected while in-flight
// sessions finalize naturally.
//
// Insert and remove are linearized under mu, so no session is ever
// visible half-constructed and the same meeting id can never be
// inserted twice. The link index enforces the duplicate-join invariant:
// at most one live session per (owner, meet link).
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	links    map[string]string // owner|link -> meeting id
	draining bool
	wg       sync.WaitGroup
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		links:    make(map[string]string),
	}
}

func linkKey(userID, meetLink string) string {
	return userID + "|" + meetLink
}

// Reserve claims the (owner, meet link) slot ahead of session creation,
// so two simultaneous joins for the same link see exactly one winner.
// Returns ErrDraining during shutdown and ErrConflict when the slot is
// already held.
func (r *Registry) Reserve(userID, meetLink string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.draining {
		return ErrDraining
	}
	key := linkKey(userID, meetLink)
	if _, held := r.links[key]; held {
		return ErrConflict
	}
	r.links[key] = "" // claimed, session not yet constructed
	return nil
}

// Release gives up a reservation when session creation fails.
func (r *Registry) Release(userID, meetLink string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.links, linkKey(userID, meetLink))
}

// Insert publishes a fully constructed session under its reservation.
func (r *Registry) Insert(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.meetingID] = s
	r.links[linkKey(s.userID, s.meetLink)] = s.meetingID
	r.wg.Add(1)
}

// Get returns the live session for a meeting id, if any.
func (r *Registry) Get(meetingID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[meetingID]
	return s, ok
}

// Remove drops a session once it reached a terminal state. Must be
// called exactly once per Insert.
func (r *Registry) Remove(meetingID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[meetingID]
	if !ok {
		return
	}
	delete(r.sessions, meetingID)
	delete(r.links, linkKey(s.userID, s.meetLink))
	r.wg.Done()
}

// List returns a snapshot of all live sessions, for the reaper scan and
// for draining.
func (r *Registry) List() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// StartDraining rejects future reservations. Safe to call concurrently
// with Reserve; the mutex ensures no reservation slips through after
// StartDraining returns.
func (r *Registry) StartDraining() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.draining = true
}

// IsDraining reports whether the registry is in draining mode.
func (r *Registry) IsDraining() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.draining
}

// Wait blocks until every inserted session has been removed.
func (r *Registry) Wait() {
	r.wg.Wait()
}
