package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

var (
	ErrMissingToken    = errors.New("TELEGRAM_TOKEN is required")
	ErrMissingWebhook  = errors.New("WEBHOOK_URL and WEBHOOK_SECRET are required")
	ErrInvalidDuration = errors.New("invalid duration")
)

// Config keeps runtime settings for the bot.
type Config struct {
	TelegramToken   string
	WebhookURL      string
	WebhookSecret   string
	Port            int
	DatabaseURL     string
	SeedrBaseURL    string
	SeedrClientID   string
	LinkCodeTTL     time.Duration
	AllowRelink     bool
	SweepInterval   time.Duration
	HandlerTimeout  time.Duration
	ShutdownTimeout time.Duration
	LogLevel        string
	Environment     string
}

// Load reads configuration from environment variables (and an optional .env file) with sane defaults.
func Load() (Config, error) {
	// A missing .env is normal in deployments that set real env vars.
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("PORT", 8000)
	v.SetDefault("SEEDR_BASE_URL", "https://www.seedr.cc")
	v.SetDefault("SEEDR_CLIENT_ID", "seedr_xbmc")
	v.SetDefault("LINK_CODE_TTL", "0s")
	v.SetDefault("LINK_ALLOW_RELINK", false)
	v.SetDefault("LINK_SWEEP_INTERVAL", "1m")
	v.SetDefault("HANDLER_TIMEOUT", "0s")
	v.SetDefault("SHUTDOWN_TIMEOUT", "10s")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("ENVIRONMENT", "production")

	cfg := Config{
		TelegramToken:   strings.TrimSpace(v.GetString("TELEGRAM_TOKEN")),
		WebhookURL:      strings.TrimRight(strings.TrimSpace(v.GetString("WEBHOOK_URL")), "/"),
		WebhookSecret:   strings.TrimSpace(v.GetString("WEBHOOK_SECRET")),
		Port:            v.GetInt("PORT"),
		DatabaseURL:     strings.TrimSpace(v.GetString("DATABASE_URL")),
		SeedrBaseURL:    strings.TrimRight(v.GetString("SEEDR_BASE_URL"), "/"),
		SeedrClientID:   v.GetString("SEEDR_CLIENT_ID"),
		LinkCodeTTL:     v.GetDuration("LINK_CODE_TTL"),
		AllowRelink:     v.GetBool("LINK_ALLOW_RELINK"),
		SweepInterval:   v.GetDuration("LINK_SWEEP_INTERVAL"),
		HandlerTimeout:  v.GetDuration("HANDLER_TIMEOUT"),
		ShutdownTimeout: v.GetDuration("SHUTDOWN_TIMEOUT"),
		LogLevel:        strings.ToLower(v.GetString("LOG_LEVEL")),
		Environment:     strings.ToLower(v.GetString("ENVIRONMENT")),
	}

	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = cockroachDSN(
			v.GetString("PSQL_USERNAME"),
			v.GetString("PSQL_PASSWORD"),
			v.GetString("PSQL_URL"),
		)
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = "seedr_bot.db"
	}

	if cfg.Port <= 0 {
		cfg.Port = 8000
	}

	durations := []struct {
		key   string
		value time.Duration
	}{
		{"LINK_CODE_TTL", cfg.LinkCodeTTL},
		{"LINK_SWEEP_INTERVAL", cfg.SweepInterval},
		{"HANDLER_TIMEOUT", cfg.HandlerTimeout},
		{"SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout},
	}
	for _, d := range durations {
		if err := checkDuration(d.key, d.value); err != nil {
			return cfg, err
		}
	}

	return cfg, nil
}

// checkDuration rejects negative values and sub-second ones, which is what a
// bare number such as "300" parses to.
func checkDuration(key string, d time.Duration) error {
	if d < 0 || (d > 0 && d < time.Second) {
		return fmt.Errorf("%w: %s=%s, use a unit such as 30s or 5m", ErrInvalidDuration, key, d)
	}
	return nil
}

// RequireToken checks the Bot API token; only commands that talk to Telegram need it.
func (c Config) RequireToken() error {
	if c.TelegramToken == "" {
		return ErrMissingToken
	}
	return nil
}

// Validate checks settings needed to serve webhooks.
func (c Config) Validate() error {
	if err := c.RequireToken(); err != nil {
		return err
	}
	if c.WebhookURL == "" || c.WebhookSecret == "" {
		return ErrMissingWebhook
	}
	u, err := url.Parse(c.WebhookURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid WEBHOOK_URL %q", c.WebhookURL)
	}
	return nil
}

// WebhookEndpoint is the URL registered with Telegram.
func (c Config) WebhookEndpoint() string {
	return c.WebhookURL + "/webhook"
}

// Addr is the HTTP listen address.
func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// cockroachDSN builds a DSN from the hosted-database credentials, empty if the host is unset.
func cockroachDSN(username, password, hostPath string) string {
	hostPath = strings.TrimSpace(hostPath)
	if hostPath == "" {
		return ""
	}
	u := url.UserPassword(strings.TrimSpace(username), password)
	return fmt.Sprintf("cockroachdb://%s@%s", u.String(), hostPath)
}
