package app

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTPAddr      string
	PublicBaseURL string
	DatabaseURL   string
	SentryDSN     string

	// External engines
	DeepgramAPIKey string
	OpenAIAPIKey   string
	OpenAIModel    string

	// JWT Authentication
	JWTSecret string
	JWTExpiry time.Duration

	// Session pipeline tunables
	GracePeriod       time.Duration
	FlushInterval     time.Duration
	MaxPendingWindows int

	// Background jobs
	CalendarPollInterval time.Duration
	CalendarLookahead    time.Duration
	ReaperInterval       time.Duration
	IdleThreshold        time.Duration

	// Shutdown
	DrainTimeout time.Duration

	// Notifications
	DiscordWebhookURL string

	// APNs Push Notifications
	APNsKeyPath    string
	APNsKeyID      string
	APNsTeamID     string
	APNsBundleID   string
	APNsProduction bool
}

// fileConfig is the optional YAML overlay loaded from CONFIG_FILE. Only
// fields present in the file override the environment; durations are
// strings in time.ParseDuration format.
type fileConfig struct {
	HTTPAddr      string `yaml:"http_addr"`
	PublicBaseURL string `yaml:"public_base_url"`
	DatabaseURL   string `yaml:"database_url"`
	SentryDSN     string `yaml:"sentry_dsn"`

	DeepgramAPIKey string `yaml:"deepgram_api_key"`
	OpenAIAPIKey   string `yaml:"openai_api_key"`
	OpenAIModel    string `yaml:"openai_model"`

	JWTSecret string `yaml:"jwt_secret"`
	JWTExpiry string `yaml:"jwt_expiry"`

	GracePeriod       string `yaml:"grace_period"`
	FlushInterval     string `yaml:"flush_interval"`
	MaxPendingWindows int    `yaml:"max_pending_windows"`

	CalendarPollInterval string `yaml:"calendar_poll_interval"`
	CalendarLookahead    string `yaml:"calendar_lookahead"`
	ReaperInterval       string `yaml:"reaper_interval"`
	IdleThreshold        string `yaml:"idle_threshold"`

	DrainTimeout string `yaml:"drain_timeout"`

	DiscordWebhookURL string `yaml:"discord_webhook_url"`

	APNsKeyPath  string `yaml:"apns_key_path"`
	APNsKeyID    string `yaml:"apns_key_id"`
	APNsTeamID   string `yaml:"apns_team_id"`
	APNsBundleID string `yaml:"apns_bundle_id"`
}

// LoadConfig builds the configuration from the environment, then
// overlays the YAML file named by CONFIG_FILE when set.
func LoadConfig() (Config, error) {
	cfg := LoadConfigFromEnv()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.ApplyFile(path); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

func LoadConfigFromEnv() Config {
	return Config{
		HTTPAddr:      getenv("HTTP_ADDR", ":8080"),
		PublicBaseURL: getenv("PUBLIC_BASE_URL", "http://localhost:8080"),
		DatabaseURL:   getenv("DATABASE_URL", ""),
		SentryDSN:     getenv("SENTRY_DSN", ""),

		DeepgramAPIKey: getenv("DEEPGRAM_API_KEY", ""),
		OpenAIAPIKey:   getenv("OPENAI_API_KEY", ""),
		OpenAIModel:    getenv("OPENAI_MODEL", "gpt-4o-mini"),

		JWTSecret: os.Getenv("JWT_SECRET"), // Required - no fallback for security
		JWTExpiry: getenvDuration("JWT_EXPIRY", 24*time.Hour),

		GracePeriod:       getenvDuration("GRACE_PERIOD", 90*time.Second),
		FlushInterval:     getenvDuration("FLUSH_INTERVAL", 2*time.Second),
		MaxPendingWindows: getenvInt("MAX_PENDING_WINDOWS", 8),

		CalendarPollInterval: getenvDuration("CALENDAR_POLL_INTERVAL", time.Minute),
		CalendarLookahead:    getenvDuration("CALENDAR_LOOKAHEAD", 2*time.Minute),
		ReaperInterval:       getenvDuration("REAPER_INTERVAL", 30*time.Second),
		IdleThreshold:        getenvDuration("IDLE_THRESHOLD", 5*time.Minute),

		DrainTimeout: getenvDuration("DRAIN_TIMEOUT", 30*time.Second),

		DiscordWebhookURL: getenv("DISCORD_WEBHOOK_URL", ""),

		APNsKeyPath:    getenv("APNS_KEY_PATH", ""),
		APNsKeyID:      getenv("APNS_KEY_ID", ""),
		APNsTeamID:     getenv("APNS_TEAM_ID", ""),
		APNsBundleID:   getenv("APNS_BUNDLE_ID", ""),
		APNsProduction: getenvBool("APNS_PRODUCTION", false),
	}
}

// ApplyFile overlays a YAML config file onto the current configuration.
func (c *Config) ApplyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	overlayString(&c.HTTPAddr, fc.HTTPAddr)
	overlayString(&c.PublicBaseURL, fc.PublicBaseURL)
	overlayString(&c.DatabaseURL, fc.DatabaseURL)
	overlayString(&c.SentryDSN, fc.SentryDSN)
	overlayString(&c.DeepgramAPIKey, fc.DeepgramAPIKey)
	overlayString(&c.OpenAIAPIKey, fc.OpenAIAPIKey)
	overlayString(&c.OpenAIModel, fc.OpenAIModel)
	overlayString(&c.JWTSecret, fc.JWTSecret)
	overlayString(&c.DiscordWebhookURL, fc.DiscordWebhookURL)
	overlayString(&c.APNsKeyPath, fc.APNsKeyPath)
	overlayString(&c.APNsKeyID, fc.APNsKeyID)
	overlayString(&c.APNsTeamID, fc.APNsTeamID)
	overlayString(&c.APNsBundleID, fc.APNsBundleID)

	if fc.MaxPendingWindows > 0 {
		c.MaxPendingWindows = fc.MaxPendingWindows
	}

	for _, d := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"jwt_expiry", fc.JWTExpiry, &c.JWTExpiry},
		{"grace_period", fc.GracePeriod, &c.GracePeriod},
		{"flush_interval", fc.FlushInterval, &c.FlushInterval},
		{"calendar_poll_interval", fc.CalendarPollInterval, &c.CalendarPollInterval},
		{"calendar_lookahead", fc.CalendarLookahead, &c.CalendarLookahead},
		{"reaper_interval", fc.ReaperInterval, &c.ReaperInterval},
		{"idle_threshold", fc.IdleThreshold, &c.IdleThreshold},
		{"drain_timeout", fc.DrainTimeout, &c.DrainTimeout},
	} {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("invalid %s in config file: %w", d.name, err)
		}
		*d.dst = parsed
	}

	return nil
}

func overlayString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvDuration(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func getenvInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvBool(k string, def bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
