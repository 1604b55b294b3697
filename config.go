package main

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"calsync/streams"
)

type oauthClientConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

func (c oauthClientConfig) configured() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

// Config is everything the service reads from the environment.
type Config struct {
	Port     string
	RedisURL string
	LogLevel string

	VaultKey string

	Google           oauthClientConfig
	Microsoft        oauthClientConfig
	MicrosoftTenant  string
	WebhookBaseURL   string
	WebhookSecret    string
	SettingsRedirect string
	AppointmentsURL  string

	CallTimeout         time.Duration
	PassTimeout         time.Duration
	RateLimitAttempts   int
	MaterializeExternal bool

	SweepEnabled     bool
	SweepInterval    time.Duration
	SweepConcurrency int

	RenewEnabled   bool
	RenewInterval  time.Duration
	RenewThreshold time.Duration

	Queue            string
	QueueConcurrency int
}

// loadConfig reads .env (if present) and then the process environment. The
// returned error only reports a missing or unreadable .env file.
func loadConfig() (*Config, error) {
	envErr := godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("PORT", "8080")
	v.SetDefault("REDIS_URL", streams.DefaultRedisURL)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("GOOGLE_REDIRECT_URL", "http://localhost:8080/calendar/google/callback")
	v.SetDefault("MICROSOFT_REDIRECT_URL", "http://localhost:8080/calendar/microsoft/callback")
	v.SetDefault("MICROSOFT_TENANT", "common")
	v.SetDefault("WEBHOOK_BASE_URL", "http://localhost:8080")
	v.SetDefault("SETTINGS_REDIRECT_URL", "http://localhost:3000/settings/calendar")
	v.SetDefault("SYNC_RATE_LIMIT_ATTEMPTS", 4)
	v.SetDefault("SYNC_MATERIALIZE_EXTERNAL", false)
	v.SetDefault("SYNC_SWEEP_ENABLED", true)
	v.SetDefault("SYNC_SWEEP_CONCURRENCY", 4)
	v.SetDefault("CALENDAR_WEBHOOK_RENEW_ENABLED", true)
	v.SetDefault("SYNC_QUEUE", "inline")
	v.SetDefault("SYNC_QUEUE_CONCURRENCY", 8)

	cfg := &Config{
		Port:     v.GetString("PORT"),
		RedisURL: v.GetString("REDIS_URL"),
		LogLevel: strings.ToLower(strings.TrimSpace(v.GetString("LOG_LEVEL"))),
		VaultKey: strings.TrimSpace(v.GetString("CREDENTIAL_VAULT_KEY")),
		Google: oauthClientConfig{
			ClientID:     v.GetString("GOOGLE_CLIENT_ID"),
			ClientSecret: v.GetString("GOOGLE_CLIENT_SECRET"),
			RedirectURL:  v.GetString("GOOGLE_REDIRECT_URL"),
		},
		Microsoft: oauthClientConfig{
			ClientID:     v.GetString("MICROSOFT_CLIENT_ID"),
			ClientSecret: v.GetString("MICROSOFT_CLIENT_SECRET"),
			RedirectURL:  v.GetString("MICROSOFT_REDIRECT_URL"),
		},
		MicrosoftTenant:  v.GetString("MICROSOFT_TENANT"),
		WebhookBaseURL:   strings.TrimRight(v.GetString("WEBHOOK_BASE_URL"), "/"),
		WebhookSecret:    v.GetString("WEBHOOK_CLIENT_STATE"),
		SettingsRedirect: v.GetString("SETTINGS_REDIRECT_URL"),
		AppointmentsURL:  strings.TrimSpace(v.GetString("APPOINTMENTS_CALLBACK_URL")),

		CallTimeout:         parseDurationOrDefault(v.GetString("SYNC_CALL_TIMEOUT"), 20*time.Second),
		PassTimeout:         parseDurationOrDefault(v.GetString("SYNC_PASS_TIMEOUT"), 2*time.Minute),
		RateLimitAttempts:   v.GetInt("SYNC_RATE_LIMIT_ATTEMPTS"),
		MaterializeExternal: v.GetBool("SYNC_MATERIALIZE_EXTERNAL"),

		SweepEnabled:     v.GetBool("SYNC_SWEEP_ENABLED"),
		SweepInterval:    parseDurationOrDefault(v.GetString("SYNC_SWEEP_INTERVAL"), 15*time.Minute),
		SweepConcurrency: v.GetInt("SYNC_SWEEP_CONCURRENCY"),

		RenewEnabled:   v.GetBool("CALENDAR_WEBHOOK_RENEW_ENABLED"),
		RenewInterval:  parseDurationOrDefault(v.GetString("CALENDAR_WEBHOOK_RENEW_INTERVAL"), time.Hour),
		RenewThreshold: parseDurationOrDefault(v.GetString("CALENDAR_WEBHOOK_RENEW_THRESHOLD"), 12*time.Hour),

		Queue:            strings.ToLower(strings.TrimSpace(v.GetString("SYNC_QUEUE"))),
		QueueConcurrency: v.GetInt("SYNC_QUEUE_CONCURRENCY"),
	}
	return cfg, envErr
}

func (c *Config) webhookURL(p string) string {
	return c.WebhookBaseURL + "/calendar/webhook/" + p
}

func parseDurationOrDefault(raw string, def time.Duration) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def
	}
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return d
	}
	return def
}
