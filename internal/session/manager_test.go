package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lukasbauer/scribe/internal/llm"
	"github.com/lukasbauer/scribe/internal/metrics"
	"github.com/lukasbauer/scribe/internal/store"
)

// fakeStore is an in-memory Store for driving the manager in tests.
type fakeStore struct {
	mu          sync.Mutex
	nextID      int
	meetings    map[string]store.Meeting
	segments    map[string][]store.Segment
	summaries   map[string]store.Summary
	tasks       map[string][]string
	upsertCalls int
	segmentErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		meetings:  make(map[string]store.Meeting),
		segments:  make(map[string][]store.Segment),
		summaries: make(map[string]store.Summary),
		tasks:     make(map[string][]string),
	}
}

func (f *fakeStore) CreateMeeting(_ context.Context, m store.Meeting) (store.Meeting, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	m.ID = fmt.Sprintf("m%d", f.nextID)
	m.Status = store.StatusScheduled
	f.meetings[m.ID] = m
	return m, nil
}

func (f *fakeStore) GetMeeting(_ context.Context, meetingID, userID string) (store.Meeting, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.meetings[meetingID]
	if !ok || m.UserID != userID {
		return store.Meeting{}, store.ErrNotFound
	}
	return m, nil
}

func (f *fakeStore) GetMeetingByID(_ context.Context, meetingID string) (store.Meeting, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.meetings[meetingID]
	if !ok {
		return store.Meeting{}, store.ErrNotFound
	}
	return m, nil
}

func (f *fakeStore) HasLiveMeetingForLink(_ context.Context, userID, meetLink string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.meetings {
		if m.UserID == userID && m.MeetLink == meetLink &&
			(m.Status == store.StatusActive || m.Status == store.StatusDisconnected) {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) ListUnfinishedMeetings(_ context.Context) ([]store.Meeting, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Meeting
	for _, m := range f.meetings {
		switch m.Status {
		case store.StatusActive, store.StatusDisconnected, store.StatusFinalizing:
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateMeetingStatus(_ context.Context, meetingID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.meetings[meetingID]
	if !ok {
		return store.ErrNotFound
	}
	m.Status = status
	f.meetings[meetingID] = m
	return nil
}

func (f *fakeStore) SetMeetingAudioBytes(_ context.Context, meetingID string, audioBytes int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.meetings[meetingID]
	if !ok {
		return store.ErrNotFound
	}
	m.AudioBytes = audioBytes
	f.meetings[meetingID] = m
	return nil
}

func (f *fakeStore) NextSequence(_ context.Context, meetingID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	next := int64(0)
	for _, seg := range f.segments[meetingID] {
		if seg.SequenceNumber+1 > next {
			next = seg.SequenceNumber + 1
		}
	}
	return next, nil
}

func (f *fakeStore) InsertSegment(_ context.Context, seg store.Segment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.segmentErr != nil {
		return f.segmentErr
	}
	f.segments[seg.MeetingID] = append(f.segments[seg.MeetingID], seg)
	return nil
}

func (f *fakeStore) GetFullTranscript(_ context.Context, meetingID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	segs := append([]store.Segment(nil), f.segments[meetingID]...)
	sort.Slice(segs, func(i, j int) bool { return segs[i].SequenceNumber < segs[j].SequenceNumber })
	parts := make([]string, 0, len(segs))
	for _, seg := range segs {
		parts = append(parts, seg.Text)
	}
	return strings.Join(parts, "\n"), nil
}

func (f *fakeStore) UpsertSummary(_ context.Context, sum store.Summary) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upsertCalls++
	f.summaries[sum.MeetingID] = sum
	return nil
}

func (f *fakeStore) ReplaceMeetingTasks(_ context.Context, meetingID, _ string, descriptions []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[meetingID] = append([]string(nil), descriptions...)
	return nil
}

func (f *fakeStore) meetingTasks(meetingID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.tasks[meetingID]...)
}

func (f *fakeStore) meetingStatus(meetingID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.meetings[meetingID].Status
}

func (f *fakeStore) segmentCount(meetingID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.segments[meetingID])
}

func (f *fakeStore) summary(meetingID string) (store.Summary, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sum, ok := f.summaries[meetingID]
	return sum, ok
}

func (f *fakeStore) upserts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.upsertCalls
}

// fakeTranscriber echoes the audio bytes as text unless fn overrides it.
type fakeTranscriber struct {
	fn func(ctx context.Context, audio []byte) (string, error)
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, audio []byte) (string, error) {
	if f.fn != nil {
		return f.fn(ctx, audio)
	}
	return string(audio), nil
}

type fakeSummarizer struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (f *fakeSummarizer) Summarize(ctx context.Context, transcript string) (*llm.Summary, llm.Usage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := ctx.Err(); err != nil {
		return nil, llm.Usage{}, err
	}
	if f.err != nil {
		return nil, llm.Usage{}, f.err
	}
	return &llm.Summary{
		KeyPoints:   "Discussed the roadmap.",
		Decisions:   "Ship in Q3.",
		ActionItems: []string{"Alice: draft the plan"},
		FollowUps:   "None.",
	}, llm.Usage{InputTokens: 120, OutputTokens: 40}, nil
}

func (f *fakeSummarizer) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeSummarizer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeSink records pushed events.
type fakeSink struct {
	mu          sync.Mutex
	transcripts []TranscriptEvent
	statuses    []Status
}

func (f *fakeSink) SendTranscript(ev TranscriptEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transcripts = append(f.transcripts, ev)
	return nil
}

func (f *fakeSink) SendStatus(st Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, st)
	return nil
}

func (f *fakeSink) transcriptEvents() []TranscriptEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]TranscriptEvent(nil), f.transcripts...)
}

func (f *fakeSink) statusEvents() []Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Status(nil), f.statuses...)
}

// fakeTimer lets tests drive the grace period by hand.
type fakeTimer struct {
	mu      sync.Mutex
	fn      func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

func (t *fakeTimer) fire() {
	t.mu.Lock()
	if t.stopped || t.fired {
		t.mu.Unlock()
		return
	}
	t.fired = true
	fn := t.fn
	t.mu.Unlock()
	fn()
}

func (t *fakeTimer) wasStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

type timerFactory struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (f *timerFactory) After(_ time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{fn: fn}
	f.timers = append(f.timers, t)
	return t
}

func (f *timerFactory) last() *fakeTimer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.timers) == 0 {
		return nil
	}
	return f.timers[len(f.timers)-1]
}

func newTestManager(t *testing.T, st *fakeStore, tr *fakeTranscriber, sum *fakeSummarizer) (*Manager, *timerFactory) {
	t.Helper()
	tf := &timerFactory{}
	m := NewManager(Config{
		Store:             st,
		Transcriber:       tr,
		Summarizer:        sum,
		Logger:            log.New(io.Discard, "", 0),
		Metrics:           metrics.New(prometheus.NewRegistry()),
		MaxWindowBytes:    8,
		MaxPendingWindows: 8,
		FlushInterval:     5 * time.Millisecond,
		After:             tf.After,
	})
	return m, tf
}

func startTestMeeting(t *testing.T, m *Manager, userID, link string) store.Meeting {
	t.Helper()
	meeting, err := m.StartMeeting(context.Background(), store.Meeting{
		UserID:    userID,
		MeetLink:  link,
		Title:     "Sync",
		StartTime: time.Now().UTC(),
		IsManual:  true,
	})
	if err != nil {
		t.Fatalf("StartMeeting failed: %v", err)
	}
	return meeting
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestEndToEndTranscription(t *testing.T) {
	st := newFakeStore()
	sum := &fakeSummarizer{}
	m, _ := newTestManager(t, st, &fakeTranscriber{}, sum)
	ctx := context.Background()

	meeting := startTestMeeting(t, m, "u1", "https://meet.google.com/abc")
	if meeting.Status != store.StatusActive {
		t.Fatalf("meeting status = %q, want active", meeting.Status)
	}

	sink := &fakeSink{}
	s, err := m.Bind(ctx, meeting.ID, sink)
	if err != nil {
		t.Fatalf("Bind failed: %v", err)
	}

	// Each frame fills exactly one window (MaxWindowBytes is 8).
	for _, frame := range []string{"aaaaaaaa", "bbbbbbbb", "cccccccc"} {
		if err := s.Ingest([]byte(frame)); err != nil {
			t.Fatalf("Ingest(%q) failed: %v", frame, err)
		}
	}

	if err := m.Stop(ctx, meeting.ID, "u1"); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	evs := sink.transcriptEvents()
	if len(evs) != 3 {
		t.Fatalf("received %d transcript events, want 3", len(evs))
	}
	for i, want := range []string{"aaaaaaaa", "bbbbbbbb", "cccccccc"} {
		if evs[i].SequenceNumber != int64(i) {
			t.Errorf("event %d has sequence %d", i, evs[i].SequenceNumber)
		}
		if evs[i].Text != want {
			t.Errorf("event %d text = %q, want %q", i, evs[i].Text, want)
		}
		if !evs[i].IsFinal {
			t.Errorf("event %d not final", i)
		}
	}

	summary, ok := st.summary(meeting.ID)
	if !ok {
		t.Fatal("no summary persisted")
	}
	if summary.Unavailable || summary.KeyPoints == "" {
		t.Errorf("summary = %+v, want generated key points", summary)
	}
	if got := st.meetingStatus(meeting.ID); got != store.StatusCompleted {
		t.Errorf("meeting status = %q, want completed", got)
	}
	if m.Registry().Count() != 0 {
		t.Errorf("registry still holds %d sessions after finalize", m.Registry().Count())
	}
}

func TestStopIsIdempotent(t *testing.T) {
	st := newFakeStore()
	m, _ := newTestManager(t, st, &fakeTranscriber{}, &fakeSummarizer{})
	ctx := context.Background()

	meeting := startTestMeeting(t, m, "u1", "https://meet.google.com/abc")
	s, _ := m.Bind(ctx, meeting.ID, &fakeSink{})
	_ = s.Ingest([]byte("aaaaaaaa"))

	if err := m.Stop(ctx, meeting.ID, "u1"); err != nil {
		t.Fatalf("first Stop failed: %v", err)
	}
	if err := m.Stop(ctx, meeting.ID, "u1"); err != nil {
		t.Fatalf("second Stop errored: %v", err)
	}
	if st.upserts() != 1 {
		t.Errorf("summary written %d times, want exactly 1", st.upserts())
	}
}

func TestDuplicateJoinOneWinner(t *testing.T) {
	st := newFakeStore()
	m, _ := newTestManager(t, st, &fakeTranscriber{}, &fakeSummarizer{})
	ctx := context.Background()

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.StartMeeting(ctx, store.Meeting{
				UserID:    "u1",
				MeetLink:  "https://meet.google.com/same",
				Title:     "Race",
				StartTime: time.Now().UTC(),
				IsManual:  true,
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var winners, conflicts int
	for err := range errs {
		switch {
		case err == nil:
			winners++
		case errors.Is(err, ErrConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if winners != 1 || conflicts != 1 {
		t.Errorf("winners=%d conflicts=%d, want 1/1", winners, conflicts)
	}
	if m.Registry().Count() != 1 {
		t.Errorf("registry holds %d sessions, want 1", m.Registry().Count())
	}
}

func TestGraceResumeKeepsSessionAndCounter(t *testing.T) {
	st := newFakeStore()
	m, tf := newTestManager(t, st, &fakeTranscriber{}, &fakeSummarizer{})
	ctx := context.Background()

	meeting := startTestMeeting(t, m, "u1", "https://meet.google.com/abc")
	sink1 := &fakeSink{}
	s1, err := m.Bind(ctx, meeting.ID, sink1)
	if err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	_ = s1.Ingest([]byte("aaaaaaaa"))
	waitFor(t, 2*time.Second, "first segment delivery", func() bool {
		return len(sink1.transcriptEvents()) == 1
	})

	m.HandleClose(s1)
	if got := st.meetingStatus(meeting.ID); got != store.StatusDisconnected {
		t.Fatalf("meeting status after close = %q, want disconnected", got)
	}
	timer := tf.last()
	if timer == nil {
		t.Fatal("no grace timer started on disconnect")
	}

	sink2 := &fakeSink{}
	s2, err := m.Bind(ctx, meeting.ID, sink2)
	if err != nil {
		t.Fatalf("resume Bind failed: %v", err)
	}
	if s2 != s1 {
		t.Fatal("resume created a new Session instead of rebinding the existing one")
	}
	if !timer.wasStopped() {
		t.Error("grace timer not cancelled on resume")
	}

	_ = s2.Ingest([]byte("bbbbbbbb"))
	waitFor(t, 2*time.Second, "post-resume delivery", func() bool {
		return len(sink2.transcriptEvents()) == 1
	})

	evs := sink2.transcriptEvents()
	if evs[0].SequenceNumber != 1 {
		t.Errorf("post-resume segment sequence = %d, want 1 (counter preserved)", evs[0].SequenceNumber)
	}
	for _, ev := range evs {
		if ev.SequenceNumber == 0 {
			t.Error("already-delivered segment replayed on the resumed connection")
		}
	}

	if err := m.Stop(ctx, meeting.ID, "u1"); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}

func TestGraceExpiryFinalizes(t *testing.T) {
	st := newFakeStore()
	m, tf := newTestManager(t, st, &fakeTranscriber{}, &fakeSummarizer{})
	ctx := context.Background()

	meeting := startTestMeeting(t, m, "u1", "https://meet.google.com/abc")
	s, _ := m.Bind(ctx, meeting.ID, &fakeSink{})
	_ = s.Ingest([]byte("aaaaaaaa"))

	m.HandleClose(s)
	tf.last().fire()

	if got := st.meetingStatus(meeting.ID); got != store.StatusCompleted {
		t.Fatalf("meeting status after grace expiry = %q, want completed", got)
	}
	if st.segmentCount(meeting.ID) != 1 {
		t.Errorf("accumulated transcript lost: %d segments", st.segmentCount(meeting.ID))
	}

	// A reconnect after expiry is rejected, not resumed.
	if _, err := m.Bind(ctx, meeting.ID, &fakeSink{}); !errors.Is(err, ErrTerminal) {
		t.Errorf("Bind after grace expiry = %v, want ErrTerminal", err)
	}
}

func TestGraceExpiryNoOpsWhenResumed(t *testing.T) {
	st := newFakeStore()
	m, _ := newTestManager(t, st, &fakeTranscriber{}, &fakeSummarizer{})
	ctx := context.Background()

	meeting := startTestMeeting(t, m, "u1", "https://meet.google.com/abc")
	s, _ := m.Bind(ctx, meeting.ID, &fakeSink{})

	// Session is active: a straggling expiry callback must not finalize.
	m.expireGrace(s)
	if got := st.meetingStatus(meeting.ID); got != store.StatusActive {
		t.Errorf("meeting status = %q after stray expiry, want active", got)
	}

	_ = m.Stop(ctx, meeting.ID, "u1")
}

func TestGraceExpiryRacingResumeHasOneWinner(t *testing.T) {
	st := newFakeStore()
	m, tf := newTestManager(t, st, &fakeTranscriber{}, &fakeSummarizer{})
	ctx := context.Background()

	meeting := startTestMeeting(t, m, "u1", "https://meet.google.com/abc")
	s, _ := m.Bind(ctx, meeting.ID, &fakeSink{})
	m.HandleClose(s)
	timer := tf.last()
	if timer == nil {
		t.Fatal("no grace timer started on disconnect")
	}

	// Fire the expiry and attempt the resume at the same time. Whatever
	// the interleaving, exactly one side may win: a resumed session must
	// never be finalized out from under its live connection.
	var bindErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, bindErr = m.Bind(ctx, meeting.ID, &fakeSink{})
	}()
	go func() {
		defer wg.Done()
		timer.fire()
	}()
	wg.Wait()

	if bindErr == nil {
		if got := st.meetingStatus(meeting.ID); got != store.StatusActive {
			t.Fatalf("resumed meeting status = %q, want active", got)
		}
		if err := s.Ingest([]byte("aaaaaaaa")); err != nil {
			t.Errorf("Ingest on resumed session failed: %v", err)
		}
		if err := m.Stop(ctx, meeting.ID, "u1"); err != nil {
			t.Fatalf("Stop failed: %v", err)
		}
		return
	}

	if !errors.Is(bindErr, ErrTerminal) {
		t.Fatalf("losing Bind = %v, want ErrTerminal", bindErr)
	}
	if got := st.meetingStatus(meeting.ID); got != store.StatusCompleted {
		t.Errorf("meeting status after expiry won = %q, want completed", got)
	}
	if st.upserts() != 1 {
		t.Errorf("summary written %d times, want exactly 1", st.upserts())
	}
}

func TestStopClosesOrphanedMeeting(t *testing.T) {
	st := newFakeStore()
	m, _ := newTestManager(t, st, &fakeTranscriber{}, &fakeSummarizer{})
	ctx := context.Background()

	// A meeting durably active with no in-memory session, as left behind
	// by a process restart mid-recording.
	meeting, err := st.CreateMeeting(ctx, store.Meeting{
		UserID:    "u1",
		MeetLink:  "https://meet.google.com/orphan",
		Title:     "Interrupted",
		StartTime: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("CreateMeeting failed: %v", err)
	}
	_ = st.UpdateMeetingStatus(ctx, meeting.ID, store.StatusActive)
	_ = st.InsertSegment(ctx, store.Segment{MeetingID: meeting.ID, SequenceNumber: 0, Text: "we got this far"})

	if err := m.Stop(ctx, meeting.ID, "u1"); err != nil {
		t.Fatalf("Stop on orphaned meeting failed: %v", err)
	}
	if got := st.meetingStatus(meeting.ID); got != store.StatusCompleted {
		t.Errorf("orphaned meeting status = %q, want completed", got)
	}
	summary, ok := st.summary(meeting.ID)
	if !ok || summary.Unavailable {
		t.Errorf("summary = %+v, want generated from the persisted transcript", summary)
	}

	// The link is free again: a new meeting on it starts cleanly.
	if _, err := m.StartMeeting(ctx, store.Meeting{
		UserID:    "u1",
		MeetLink:  "https://meet.google.com/orphan",
		Title:     "Retake",
		StartTime: time.Now().UTC(),
		IsManual:  true,
	}); err != nil {
		t.Errorf("StartMeeting on the freed link = %v, want nil", err)
	}
}

func TestReconcileOrphansAtStartup(t *testing.T) {
	st := newFakeStore()
	ctx := context.Background()

	for _, status := range []string{store.StatusActive, store.StatusDisconnected} {
		meeting, err := st.CreateMeeting(ctx, store.Meeting{
			UserID:    "u1",
			MeetLink:  "https://meet.google.com/" + status,
			Title:     "Interrupted",
			StartTime: time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("CreateMeeting failed: %v", err)
		}
		_ = st.UpdateMeetingStatus(ctx, meeting.ID, status)
	}
	done, _ := st.CreateMeeting(ctx, store.Meeting{
		UserID:    "u1",
		MeetLink:  "https://meet.google.com/done",
		Title:     "Finished",
		StartTime: time.Now().UTC(),
	})
	_ = st.UpdateMeetingStatus(ctx, done.ID, store.StatusCompleted)

	m, _ := newTestManager(t, st, &fakeTranscriber{}, &fakeSummarizer{})
	if closed := m.ReconcileOrphans(ctx); closed != 2 {
		t.Fatalf("ReconcileOrphans closed %d meetings, want 2", closed)
	}

	st.mu.Lock()
	for id, meeting := range st.meetings {
		if meeting.Status != store.StatusCompleted {
			t.Errorf("meeting %s status = %q after reconcile, want completed", id, meeting.Status)
		}
	}
	st.mu.Unlock()
}

func TestStopSurvivesCallerCancellation(t *testing.T) {
	st := newFakeStore()
	m, _ := newTestManager(t, st, &fakeTranscriber{}, &fakeSummarizer{})

	meeting := startTestMeeting(t, m, "u1", "https://meet.google.com/abc")
	s, _ := m.Bind(context.Background(), meeting.ID, &fakeSink{})
	_ = s.Ingest([]byte("aaaaaaaa"))

	// The HTTP client gives up, but finalization keeps its own deadline:
	// the summary is still generated, not degraded to unavailable.
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.Stop(cancelled, meeting.ID, "u1"); err != nil {
		t.Fatalf("Stop with cancelled context failed: %v", err)
	}

	summary, ok := st.summary(meeting.ID)
	if !ok {
		t.Fatal("no summary persisted")
	}
	if summary.Unavailable || summary.KeyPoints == "" {
		t.Errorf("summary = %+v, want generated despite cancelled request context", summary)
	}
}

func TestFinalizeSeedsTasksFromActionItems(t *testing.T) {
	st := newFakeStore()
	m, _ := newTestManager(t, st, &fakeTranscriber{}, &fakeSummarizer{})
	ctx := context.Background()

	meeting := startTestMeeting(t, m, "u1", "https://meet.google.com/abc")
	s, _ := m.Bind(ctx, meeting.ID, &fakeSink{})
	_ = s.Ingest([]byte("aaaaaaaa"))

	if err := m.Stop(ctx, meeting.ID, "u1"); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	tasks := st.meetingTasks(meeting.ID)
	if len(tasks) != 1 || tasks[0] != "Alice: draft the plan" {
		t.Errorf("seeded tasks = %v, want the summary's action items", tasks)
	}
}

func TestSummarizerFailureKeepsTranscript(t *testing.T) {
	st := newFakeStore()
	sum := &fakeSummarizer{}
	sum.setErr(errors.New("model overloaded"))
	m, _ := newTestManager(t, st, &fakeTranscriber{}, sum)
	ctx := context.Background()

	meeting := startTestMeeting(t, m, "u1", "https://meet.google.com/abc")
	s, _ := m.Bind(ctx, meeting.ID, &fakeSink{})
	_ = s.Ingest([]byte("aaaaaaaa"))

	if err := m.Stop(ctx, meeting.ID, "u1"); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if got := st.meetingStatus(meeting.ID); got != store.StatusCompleted {
		t.Errorf("meeting status = %q, want completed despite summarizer failure", got)
	}
	summary, ok := st.summary(meeting.ID)
	if !ok || !summary.Unavailable || summary.ErrorDetail == "" {
		t.Errorf("summary = %+v, want unavailable with error detail", summary)
	}
	if st.segmentCount(meeting.ID) != 1 {
		t.Errorf("transcript lost: %d segments", st.segmentCount(meeting.ID))
	}
	if sum.callCount() != 2 {
		t.Errorf("summarizer called %d times, want 2 (one retry)", sum.callCount())
	}
}

func TestTranscriptionFailureSkipsWindow(t *testing.T) {
	st := newFakeStore()
	tr := &fakeTranscriber{fn: func(_ context.Context, audio []byte) (string, error) {
		if audio[0] == 'b' {
			return "", errors.New("engine hiccup")
		}
		return string(audio), nil
	}}
	m, _ := newTestManager(t, st, tr, &fakeSummarizer{})
	ctx := context.Background()

	meeting := startTestMeeting(t, m, "u1", "https://meet.google.com/abc")
	sink := &fakeSink{}
	s, _ := m.Bind(ctx, meeting.ID, sink)
	for _, frame := range []string{"aaaaaaaa", "bbbbbbbb", "cccccccc"} {
		_ = s.Ingest([]byte(frame))
	}

	if err := m.Stop(ctx, meeting.ID, "u1"); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	evs := sink.transcriptEvents()
	if len(evs) != 2 {
		t.Fatalf("received %d transcript events, want 2 (failed window skipped)", len(evs))
	}
	if evs[0].SequenceNumber != 0 || evs[1].SequenceNumber != 1 {
		t.Errorf("sequences = %d,%d, want gap-free 0,1", evs[0].SequenceNumber, evs[1].SequenceNumber)
	}
	if evs[1].Text != "cccccccc" {
		t.Errorf("second segment text = %q, want %q", evs[1].Text, "cccccccc")
	}
}

func TestPersistenceFailureFailsMeeting(t *testing.T) {
	st := newFakeStore()
	st.segmentErr = errors.New("db down")
	m, _ := newTestManager(t, st, &fakeTranscriber{}, &fakeSummarizer{})
	ctx := context.Background()

	meeting := startTestMeeting(t, m, "u1", "https://meet.google.com/abc")
	s, _ := m.Bind(ctx, meeting.ID, &fakeSink{})
	_ = s.Ingest([]byte("aaaaaaaa"))

	// The dispatcher hits the insert failure and forces the meeting to
	// failed on its own; no stop call is needed.
	waitFor(t, 2*time.Second, "meeting failed", func() bool {
		return st.meetingStatus(meeting.ID) == store.StatusFailed
	})
	waitFor(t, 2*time.Second, "registry emptied", func() bool {
		return m.Registry().Count() == 0
	})

	// A later stop on the failed meeting is a clean no-op.
	if err := m.Stop(ctx, meeting.ID, "u1"); err != nil {
		t.Errorf("Stop after persistence failure = %v, want nil", err)
	}
	if got := st.meetingStatus(meeting.ID); got != store.StatusFailed {
		t.Errorf("meeting status = %q, want failed", got)
	}
}

func TestReapIdleFinalizesStaleSession(t *testing.T) {
	st := newFakeStore()
	m, _ := newTestManager(t, st, &fakeTranscriber{}, &fakeSummarizer{})
	ctx := context.Background()

	meeting := startTestMeeting(t, m, "u1", "https://meet.google.com/abc")
	s, _ := m.Bind(ctx, meeting.ID, &fakeSink{})

	s.mu.Lock()
	s.lastActivity = time.Now().Add(-10 * time.Minute)
	s.mu.Unlock()

	if reaped := m.ReapIdle(ctx, 5*time.Minute); reaped != 1 {
		t.Fatalf("ReapIdle reaped %d sessions, want 1", reaped)
	}
	if got := st.meetingStatus(meeting.ID); got != store.StatusCompleted {
		t.Errorf("meeting status = %q, want completed", got)
	}
}

func TestStopAndReapRaceFinalizesOnce(t *testing.T) {
	st := newFakeStore()
	m, _ := newTestManager(t, st, &fakeTranscriber{}, &fakeSummarizer{})
	ctx := context.Background()

	meeting := startTestMeeting(t, m, "u1", "https://meet.google.com/abc")
	s, _ := m.Bind(ctx, meeting.ID, &fakeSink{})
	_ = s.Ingest([]byte("aaaaaaaa"))

	s.mu.Lock()
	s.lastActivity = time.Now().Add(-10 * time.Minute)
	s.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = m.Stop(ctx, meeting.ID, "u1")
	}()
	go func() {
		defer wg.Done()
		m.ReapIdle(ctx, 5*time.Minute)
	}()
	wg.Wait()

	if st.upserts() != 1 {
		t.Errorf("summary written %d times under stop/reap race, want exactly 1", st.upserts())
	}
	if got := st.meetingStatus(meeting.ID); got != store.StatusCompleted {
		t.Errorf("meeting status = %q, want completed", got)
	}
}

func TestBackpressureDropsOldestAndSignals(t *testing.T) {
	st := newFakeStore()
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	tr := &fakeTranscriber{fn: func(ctx context.Context, audio []byte) (string, error) {
		once.Do(func() { close(started) })
		select {
		case <-release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
		return string(audio), nil
	}}

	tf := &timerFactory{}
	m := NewManager(Config{
		Store:             st,
		Transcriber:       tr,
		Summarizer:        &fakeSummarizer{},
		Logger:            log.New(io.Discard, "", 0),
		Metrics:           metrics.New(prometheus.NewRegistry()),
		MaxWindowBytes:    8,
		MaxPendingWindows: 2,
		FlushInterval:     time.Hour, // only size-based cuts in this test
		After:             tf.After,
	})
	ctx := context.Background()

	meeting := startTestMeeting(t, m, "u1", "https://meet.google.com/abc")
	sink := &fakeSink{}
	s, _ := m.Bind(ctx, meeting.ID, sink)

	// First window is taken by the dispatcher, which then blocks in the
	// engine; everything after queues against the bound of 2.
	_ = s.Ingest([]byte("wwwwwwww"))
	<-started
	for _, c := range []byte{'1', '2', '3', '4', '5'} {
		frame := []byte{c, c, c, c, c, c, c, c}
		_ = s.Ingest(frame)
	}

	snap := s.Snapshot()
	if snap.DroppedWindows != 3 {
		t.Errorf("dropped windows = %d, want 3", snap.DroppedWindows)
	}
	if len(sink.statusEvents()) == 0 {
		t.Error("no status push after backpressure drop, client cannot throttle")
	}

	close(release)
	if err := m.Stop(ctx, meeting.ID, "u1"); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	// Survivors are the in-flight window and the two newest; sequence
	// numbers stay gap-free across the drops.
	evs := sink.transcriptEvents()
	if len(evs) != 3 {
		t.Fatalf("received %d transcript events, want 3", len(evs))
	}
	for i, want := range []string{"wwwwwwww", "44444444", "55555555"} {
		if evs[i].SequenceNumber != int64(i) || evs[i].Text != want {
			t.Errorf("event %d = {%d %q}, want {%d %q}", i, evs[i].SequenceNumber, evs[i].Text, i, want)
		}
	}
}

func TestBindRejections(t *testing.T) {
	st := newFakeStore()
	m, _ := newTestManager(t, st, &fakeTranscriber{}, &fakeSummarizer{})
	ctx := context.Background()

	if _, err := m.Bind(ctx, "missing", &fakeSink{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Bind unknown meeting = %v, want ErrNotFound", err)
	}

	meeting := startTestMeeting(t, m, "u1", "https://meet.google.com/abc")
	if _, err := m.Bind(ctx, meeting.ID, &fakeSink{}); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	if _, err := m.Bind(ctx, meeting.ID, &fakeSink{}); !errors.Is(err, ErrAlreadyBound) {
		t.Errorf("second concurrent Bind = %v, want ErrAlreadyBound", err)
	}

	if err := m.Stop(ctx, meeting.ID, "u1"); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if _, err := m.Bind(ctx, meeting.ID, &fakeSink{}); !errors.Is(err, ErrTerminal) {
		t.Errorf("Bind completed meeting = %v, want ErrTerminal", err)
	}
}

func TestBindActivatesScheduledMeeting(t *testing.T) {
	st := newFakeStore()
	m, _ := newTestManager(t, st, &fakeTranscriber{}, &fakeSummarizer{})
	ctx := context.Background()

	// Calendar-detected meetings exist as scheduled records before any
	// connection arrives.
	meeting, err := st.CreateMeeting(ctx, store.Meeting{
		UserID:    "u1",
		MeetLink:  "https://meet.google.com/cal",
		Title:     "Detected",
		StartTime: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("CreateMeeting failed: %v", err)
	}

	s, err := m.Bind(ctx, meeting.ID, &fakeSink{})
	if err != nil {
		t.Fatalf("Bind scheduled meeting failed: %v", err)
	}
	if got := st.meetingStatus(meeting.ID); got != store.StatusActive {
		t.Errorf("meeting status = %q, want active", got)
	}
	if snap := s.Snapshot(); !snap.IsRecording {
		t.Errorf("snapshot = %+v, want recording", snap)
	}

	_ = m.Stop(ctx, meeting.ID, "u1")
}

func TestRetrySummary(t *testing.T) {
	st := newFakeStore()
	sum := &fakeSummarizer{}
	sum.setErr(errors.New("model overloaded"))
	m, _ := newTestManager(t, st, &fakeTranscriber{}, sum)
	ctx := context.Background()

	meeting := startTestMeeting(t, m, "u1", "https://meet.google.com/abc")
	s, _ := m.Bind(ctx, meeting.ID, &fakeSink{})
	_ = s.Ingest([]byte("aaaaaaaa"))
	if err := m.Stop(ctx, meeting.ID, "u1"); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if summary, _ := st.summary(meeting.ID); !summary.Unavailable {
		t.Fatalf("setup: expected unavailable summary, got %+v", summary)
	}

	sum.setErr(nil)
	regenerated, err := m.RetrySummary(ctx, meeting.ID, "u1")
	if err != nil {
		t.Fatalf("RetrySummary failed: %v", err)
	}
	if regenerated.Unavailable || regenerated.KeyPoints == "" {
		t.Errorf("regenerated summary = %+v, want real content", regenerated)
	}
	if stored, _ := st.summary(meeting.ID); stored.Unavailable {
		t.Error("retry did not overwrite the unavailable summary")
	}

	if _, err := m.RetrySummary(ctx, "missing", "u1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("RetrySummary unknown meeting = %v, want ErrNotFound", err)
	}
}

func TestDrain(t *testing.T) {
	st := newFakeStore()
	m, _ := newTestManager(t, st, &fakeTranscriber{}, &fakeSummarizer{})
	ctx := context.Background()

	m1 := startTestMeeting(t, m, "u1", "https://meet.google.com/one")
	m2 := startTestMeeting(t, m, "u1", "https://meet.google.com/two")

	dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := m.Drain(dctx); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	for _, id := range []string{m1.ID, m2.ID} {
		if got := st.meetingStatus(id); got != store.StatusCompleted {
			t.Errorf("meeting %s status = %q after drain, want completed", id, got)
		}
	}
	if m.Registry().Count() != 0 {
		t.Errorf("registry holds %d sessions after drain", m.Registry().Count())
	}

	_, err := m.StartMeeting(ctx, store.Meeting{UserID: "u1", MeetLink: "https://meet.google.com/late"})
	if !errors.Is(err, ErrDraining) {
		t.Errorf("StartMeeting while draining = %v, want ErrDraining", err)
	}
}
