package app

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lukasbauer/scribe/internal/calendar"
	"github.com/lukasbauer/scribe/internal/eventlog"
	"github.com/lukasbauer/scribe/internal/httpapi"
	"github.com/lukasbauer/scribe/internal/jobs"
	"github.com/lukasbauer/scribe/internal/llm"
	"github.com/lukasbauer/scribe/internal/metrics"
	"github.com/lukasbauer/scribe/internal/notifications"
	"github.com/lukasbauer/scribe/internal/session"
	"github.com/lukasbauer/scribe/internal/store"
	"github.com/lukasbauer/scribe/internal/stt"
)

type App struct {
	cfg      Config
	logger   *log.Logger
	db       *pgxpool.Pool
	store    *store.Store
	eventLog *eventlog.Logger
	sessions *session.Manager

	calendarJob *jobs.CalendarPollerJob
	reaperJob   *jobs.SessionReaperJob
}

func New(cfg Config, logger *log.Logger) (*App, error) {
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, err
	}

	s := store.New(db)
	el := eventlog.New(db)

	// Migrations are applied externally by the CI deploy job (docker exec psql).
	// No automatic migration runner at startup.

	transcriber := stt.NewDeepgramClient(stt.DeepgramConfig{
		APIKey:     cfg.DeepgramAPIKey,
		Language:   "en",
		Model:      "nova-3",
		SampleRate: 16000,
		Encoding:   "linear16",
	})
	summarizer := llm.NewOpenAIClient(llm.OpenAIConfig{
		APIKey: cfg.OpenAIAPIKey,
		Model:  cfg.OpenAIModel,
	})

	// APNs client may be nil when not configured; the notifier handles that.
	apnsClient, err := notifications.NewAPNsClient(notifications.APNsConfig{
		KeyPath:    cfg.APNsKeyPath,
		KeyID:      cfg.APNsKeyID,
		TeamID:     cfg.APNsTeamID,
		BundleID:   cfg.APNsBundleID,
		Production: cfg.APNsProduction,
	}, logger)
	if err != nil {
		logger.Printf("Warning: APNs client initialization failed: %v", err)
	}
	notifier := notifications.NewSummaryNotifier(
		notifications.NewDiscord(cfg.DiscordWebhookURL, logger),
		apnsClient, s, logger)

	sessions := session.NewManager(session.Config{
		Store:             s,
		Transcriber:       transcriber,
		Summarizer:        summarizer,
		Events:            el,
		Notifier:          notifier,
		Metrics:           metrics.Default(),
		Logger:            logger,
		GracePeriod:       cfg.GracePeriod,
		FlushInterval:     cfg.FlushInterval,
		MaxPendingWindows: cfg.MaxPendingWindows,
	})

	// Meetings left in a live status by an earlier process exit cannot
	// be resumed; close them out before accepting new sessions.
	rctx, rcancel := context.WithTimeout(context.Background(), 5*time.Minute)
	sessions.ReconcileOrphans(rctx)
	rcancel()

	calendarClient := calendar.NewGoogleClient(calendar.GoogleConfig{})

	return &App{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		store:    s,
		eventLog: el,
		sessions: sessions,

		calendarJob: jobs.NewCalendarPollerJob(s, calendarClient, sessions, logger,
			cfg.CalendarPollInterval, cfg.CalendarLookahead),
		reaperJob: jobs.NewSessionReaperJob(sessions, logger,
			cfg.ReaperInterval, cfg.IdleThreshold),
	}, nil
}

func (a *App) Router() http.Handler {
	return httpapi.NewRouter(httpapi.RouterConfig{
		PublicBaseURL: a.cfg.PublicBaseURL,
		JWTSecret:     a.cfg.JWTSecret,
		JWTExpiry:     a.cfg.JWTExpiry,
	}, a.logger, a.store, a.sessions)
}

// StartJobs launches the calendar poller and the idle-session reaper.
func (a *App) StartJobs() {
	a.calendarJob.Start()
	a.reaperJob.Start()
}

// StopJobs stops the background jobs and waits for their loops to exit.
func (a *App) StopJobs() {
	a.calendarJob.Stop()
	a.reaperJob.Stop()
}

// Drain stops accepting new sessions and finalizes every live one, so
// in-flight transcripts get their summaries before shutdown.
func (a *App) Drain(ctx context.Context) error {
	return a.sessions.Drain(ctx)
}

func (a *App) Close() error {
	if a.db != nil {
		a.db.Close()
	}
	return nil
}
