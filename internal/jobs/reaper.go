package jobs

import (
	"context"
	"log"
	"sync"
	"time"
)

// IdleReaper finalizes sessions that stopped receiving audio. Satisfied
// by session.Manager.
type IdleReaper interface {
	ReapIdle(ctx context.Context, threshold time.Duration) int
}

// SessionReaperJob force-finalizes sessions with no activity beyond a
// staleness threshold. It runs on a configurable interval (default: 30
// seconds) so a client that silently went away does not hold a live
// session open forever.
type SessionReaperJob struct {
	sessions  IdleReaper
	logger    *log.Logger
	interval  time.Duration
	threshold time.Duration
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewSessionReaperJob creates a new session reaper job.
func NewSessionReaperJob(sessions IdleReaper, logger *log.Logger, interval, threshold time.Duration) *SessionReaperJob {
	if interval == 0 {
		interval = 30 * time.Second
	}
	if threshold == 0 {
		threshold = 5 * time.Minute
	}
	return &SessionReaperJob{
		sessions:  sessions,
		logger:    logger,
		interval:  interval,
		threshold: threshold,
		stopCh:    make(chan struct{}),
	}
}

// Start begins the background job.
func (j *SessionReaperJob) Start() {
	j.wg.Add(1)
	go j.run()
	j.logger.Printf("SessionReaperJob: started (interval=%v, threshold=%v)", j.interval, j.threshold)
}

// Stop gracefully stops the background job.
func (j *SessionReaperJob) Stop() {
	close(j.stopCh)
	j.wg.Wait()
	j.logger.Println("SessionReaperJob: stopped")
}

func (j *SessionReaperJob) run() {
	defer j.wg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := j.sessions.ReapIdle(context.Background(), j.threshold); n > 0 {
				j.logger.Printf("SessionReaperJob: reaped %d idle sessions", n)
			}
		case <-j.stopCh:
			return
		}
	}
}
