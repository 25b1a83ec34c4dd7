// Package config provides YAML-based configuration loading for medrelay.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level medrelay configuration, loaded from medrelay.yaml.
type Config struct {
	Log         LogConfig         `yaml:"log"`
	Transport   TransportConfig   `yaml:"transport"`
	Telegram    TelegramConfig    `yaml:"telegram"`
	Slack       SlackConfig       `yaml:"slack"`
	Discord     DiscordConfig     `yaml:"discord"`
	Assistant   AssistantConfig   `yaml:"assistant"`
	Redis       RedisConfig       `yaml:"redis"`
	Database    DatabaseConfig    `yaml:"database"`
	Lock        LockConfig        `yaml:"lock"`
	Relay       RelayConfig       `yaml:"relay"`
	Admin       AdminConfig       `yaml:"admin"`
	CRM         CRMConfig         `yaml:"crm"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
}

// LogConfig selects the logger mode.
type LogConfig struct {
	Mode string `yaml:"mode"` // "production" or "development"
}

// TransportConfig selects the active chat platform for this process.
type TransportConfig struct {
	Platform string `yaml:"platform"` // telegram, slack, discord
}

// TelegramConfig holds Telegram Bot API settings.
type TelegramConfig struct {
	Token          string `yaml:"token"`
	Mode           string `yaml:"mode"` // "polling" or "webhook"
	WebhookURL     string `yaml:"webhook_url"`
	WebhookSecret  string `yaml:"webhook_secret"`
	APIBaseURL     string `yaml:"api_base_url"`
	PollTimeoutSec int    `yaml:"poll_timeout_sec"`
}

// PollTimeout returns the long-poll window for getUpdates.
func (t TelegramConfig) PollTimeout() time.Duration {
	return time.Duration(t.PollTimeoutSec) * time.Second
}

// SlackConfig holds Slack Socket Mode settings.
type SlackConfig struct {
	AppToken string `yaml:"app_token"`
	BotToken string `yaml:"bot_token"`
	Channel  string `yaml:"channel"`
}

// DiscordConfig holds Discord bot settings.
type DiscordConfig struct {
	Token   string `yaml:"token"`
	Channel string `yaml:"channel"`
}

// AssistantConfig holds reasoning service settings.
type AssistantConfig struct {
	APIKey            string `yaml:"api_key"`
	AssistantID       string `yaml:"assistant_id"`
	BaseURL           string `yaml:"base_url"`
	RunDeadlineSec    int    `yaml:"run_deadline_sec"`
	PollInitialMs     int    `yaml:"poll_initial_ms"`
	PollMaxMs         int    `yaml:"poll_max_ms"`
	RequestTimeoutSec int    `yaml:"request_timeout_sec"`
}

// RunDeadline returns the overall per-run deadline.
func (a AssistantConfig) RunDeadline() time.Duration {
	return time.Duration(a.RunDeadlineSec) * time.Second
}

// PollInitial returns the first poll interval.
func (a AssistantConfig) PollInitial() time.Duration {
	return time.Duration(a.PollInitialMs) * time.Millisecond
}

// PollMax returns the poll interval ceiling.
func (a AssistantConfig) PollMax() time.Duration {
	return time.Duration(a.PollMaxMs) * time.Millisecond
}

// RequestTimeout returns the per-HTTP-request timeout.
func (a AssistantConfig) RequestTimeout() time.Duration {
	return time.Duration(a.RequestTimeoutSec) * time.Second
}

// RedisConfig holds connection settings for the shared key-value store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"sslmode"`
}

// LockConfig tunes the per-chat lease lock.
type LockConfig struct {
	LeaseSec         int `yaml:"lease_sec"` // 0 derives run_deadline + 30s
	AcquireAttempts  int `yaml:"acquire_attempts"`
	AcquireBackoffMs int `yaml:"acquire_backoff_ms"`
}

// Lease returns the lock lease duration.
func (l LockConfig) Lease() time.Duration {
	return time.Duration(l.LeaseSec) * time.Second
}

// AcquireBackoff returns the base backoff between acquire retries on
// lock-store errors.
func (l LockConfig) AcquireBackoff() time.Duration {
	return time.Duration(l.AcquireBackoffMs) * time.Millisecond
}

// RelayConfig tunes the session orchestrator and its worker pool.
type RelayConfig struct {
	MaxWorkers        int    `yaml:"max_workers"`
	InboundBuffer     int    `yaml:"inbound_buffer"`
	BusyPolicy        string `yaml:"busy_policy"` // "requeue" or "drop"
	BatchWindowSec    int    `yaml:"batch_window_sec"`
	TurnAttempts      int    `yaml:"turn_attempts"`
	RetryBackoffMs    int    `yaml:"retry_backoff_ms"`
	RetryBackoffMaxMs int    `yaml:"retry_backoff_max_ms"`
	TypingIntervalSec int    `yaml:"typing_interval_sec"`
	DedupeTTLSec      int    `yaml:"dedupe_ttl_sec"`
}

// BatchWindow returns the per-chat message coalescing window (0 disables).
func (r RelayConfig) BatchWindow() time.Duration {
	return time.Duration(r.BatchWindowSec) * time.Second
}

// RetryBackoff returns the base retry backoff.
func (r RelayConfig) RetryBackoff() time.Duration {
	return time.Duration(r.RetryBackoffMs) * time.Millisecond
}

// RetryBackoffMax returns the retry backoff ceiling.
func (r RelayConfig) RetryBackoffMax() time.Duration {
	return time.Duration(r.RetryBackoffMaxMs) * time.Millisecond
}

// TypingInterval returns the typing indicator refresh interval.
func (r RelayConfig) TypingInterval() time.Duration {
	return time.Duration(r.TypingIntervalSec) * time.Second
}

// DedupeTTL returns how long an accepted inbound message id is remembered.
func (r RelayConfig) DedupeTTL() time.Duration {
	return time.Duration(r.DedupeTTLSec) * time.Second
}

// AdminConfig holds the HTTP surface settings.
type AdminConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	AuthToken  string `yaml:"auth_token"`
}

// CRMConfig holds the CRM chat mirror settings.
type CRMConfig struct {
	Enabled       bool   `yaml:"enabled"`
	BaseURL       string `yaml:"base_url"`
	TokenURL      string `yaml:"token_url"`
	ClientID      string `yaml:"client_id"`
	ClientSecret  string `yaml:"client_secret"`
	RedirectURL   string `yaml:"redirect_url"`
	RefreshToken  string `yaml:"refresh_token"`
	ChannelSecret string `yaml:"channel_secret"`
	ScopeID       string `yaml:"scope_id"`
}

// MaintenanceConfig tunes background housekeeping.
type MaintenanceConfig struct {
	ThreadMaxAgeDays int    `yaml:"thread_max_age_days"`
	SweepSchedule    string `yaml:"sweep_schedule"` // 5-field cron expression
}

// ThreadMaxAge returns how old a thread mapping may get before recreation.
func (m MaintenanceConfig) ThreadMaxAge() time.Duration {
	return time.Duration(m.ThreadMaxAgeDays) * 24 * time.Hour
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config. Secrets left empty in
// the file are filled from MEDRELAY_* environment variables before validation.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.fillFromEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// fillFromEnv supplies secrets from the environment when the file leaves
// them empty, so credential material can stay out of the config file.
func (c *Config) fillFromEnv() {
	fromEnv := func(dst *string, key string) {
		if *dst == "" {
			*dst = os.Getenv(key)
		}
	}
	fromEnv(&c.Telegram.Token, "MEDRELAY_TELEGRAM_TOKEN")
	fromEnv(&c.Telegram.WebhookSecret, "MEDRELAY_TELEGRAM_WEBHOOK_SECRET")
	fromEnv(&c.Slack.AppToken, "MEDRELAY_SLACK_APP_TOKEN")
	fromEnv(&c.Slack.BotToken, "MEDRELAY_SLACK_BOT_TOKEN")
	fromEnv(&c.Discord.Token, "MEDRELAY_DISCORD_TOKEN")
	fromEnv(&c.Assistant.APIKey, "MEDRELAY_OPENAI_API_KEY")
	fromEnv(&c.Assistant.AssistantID, "MEDRELAY_ASSISTANT_ID")
	fromEnv(&c.Redis.Password, "MEDRELAY_REDIS_PASSWORD")
	fromEnv(&c.Database.Password, "MEDRELAY_DB_PASSWORD")
	fromEnv(&c.Admin.AuthToken, "MEDRELAY_ADMIN_TOKEN")
	fromEnv(&c.CRM.ClientSecret, "MEDRELAY_CRM_CLIENT_SECRET")
	fromEnv(&c.CRM.RefreshToken, "MEDRELAY_CRM_REFRESH_TOKEN")
	fromEnv(&c.CRM.ChannelSecret, "MEDRELAY_CRM_CHANNEL_SECRET")
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Log.Mode == "" {
		c.Log.Mode = "development"
	}
	if c.Transport.Platform == "" {
		c.Transport.Platform = "telegram"
	}
	if c.Telegram.Mode == "" {
		c.Telegram.Mode = "polling"
	}
	if c.Telegram.APIBaseURL == "" {
		c.Telegram.APIBaseURL = "https://api.telegram.org"
	}
	if c.Telegram.PollTimeoutSec == 0 {
		c.Telegram.PollTimeoutSec = 30
	}
	if c.Assistant.BaseURL == "" {
		c.Assistant.BaseURL = "https://api.openai.com/v1"
	}
	if c.Assistant.RunDeadlineSec == 0 {
		c.Assistant.RunDeadlineSec = 180
	}
	if c.Assistant.PollInitialMs == 0 {
		c.Assistant.PollInitialMs = 500
	}
	if c.Assistant.PollMaxMs == 0 {
		c.Assistant.PollMaxMs = 5000
	}
	if c.Assistant.RequestTimeoutSec == 0 {
		c.Assistant.RequestTimeoutSec = 30
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "127.0.0.1:6379"
	}
	if c.Database.Host == "" {
		c.Database.Host = "127.0.0.1"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.User == "" {
		c.Database.User = "medrelay"
	}
	if c.Database.Name == "" {
		c.Database.Name = "medrelay"
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Lock.LeaseSec == 0 {
		// The lease must outlive the run deadline with margin: a lease
		// shorter than the run would let a second worker start a
		// conflicting run mid-flight.
		c.Lock.LeaseSec = c.Assistant.RunDeadlineSec + 30
	}
	if c.Lock.AcquireAttempts == 0 {
		c.Lock.AcquireAttempts = 3
	}
	if c.Lock.AcquireBackoffMs == 0 {
		c.Lock.AcquireBackoffMs = 250
	}
	if c.Relay.MaxWorkers == 0 {
		c.Relay.MaxWorkers = 16
	}
	if c.Relay.InboundBuffer == 0 {
		c.Relay.InboundBuffer = 128
	}
	if c.Relay.BusyPolicy == "" {
		c.Relay.BusyPolicy = "requeue"
	}
	if c.Relay.TurnAttempts == 0 {
		c.Relay.TurnAttempts = 3
	}
	if c.Relay.RetryBackoffMs == 0 {
		c.Relay.RetryBackoffMs = 500
	}
	if c.Relay.RetryBackoffMaxMs == 0 {
		c.Relay.RetryBackoffMaxMs = 8000
	}
	if c.Relay.TypingIntervalSec == 0 {
		c.Relay.TypingIntervalSec = 4
	}
	if c.Relay.DedupeTTLSec == 0 {
		c.Relay.DedupeTTLSec = 60
	}
	if c.Admin.ListenAddr == "" {
		c.Admin.ListenAddr = ":8085"
	}
	if c.Maintenance.ThreadMaxAgeDays == 0 {
		c.Maintenance.ThreadMaxAgeDays = 30
	}
	if c.Maintenance.SweepSchedule == "" {
		c.Maintenance.SweepSchedule = "0 4 * * *"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Transport.Platform {
	case "telegram":
		if c.Telegram.Token == "" {
			errs = append(errs, "telegram.token is required")
		}
		switch c.Telegram.Mode {
		case "polling":
		case "webhook":
			if c.Telegram.WebhookURL == "" {
				errs = append(errs, "telegram.webhook_url is required in webhook mode")
			}
			if c.Telegram.WebhookSecret == "" {
				errs = append(errs, "telegram.webhook_secret is required in webhook mode")
			}
		default:
			errs = append(errs, fmt.Sprintf("telegram.mode %q is not one of polling, webhook", c.Telegram.Mode))
		}
	case "slack":
		if c.Slack.AppToken == "" {
			errs = append(errs, "slack.app_token is required")
		}
		if c.Slack.BotToken == "" {
			errs = append(errs, "slack.bot_token is required")
		}
	case "discord":
		if c.Discord.Token == "" {
			errs = append(errs, "discord.token is required")
		}
	default:
		errs = append(errs, fmt.Sprintf("transport.platform %q is not one of telegram, slack, discord", c.Transport.Platform))
	}
	if c.Assistant.APIKey == "" {
		errs = append(errs, "assistant.api_key is required")
	}
	if c.Assistant.AssistantID == "" {
		errs = append(errs, "assistant.assistant_id is required")
	}
	if c.Lock.LeaseSec <= c.Assistant.RunDeadlineSec {
		errs = append(errs, "lock.lease_sec must exceed assistant.run_deadline_sec")
	}
	switch c.Relay.BusyPolicy {
	case "requeue", "drop":
	default:
		errs = append(errs, fmt.Sprintf("relay.busy_policy %q is not one of requeue, drop", c.Relay.BusyPolicy))
	}
	if c.Admin.ListenAddr != "" && c.Admin.AuthToken == "" {
		errs = append(errs, "admin.auth_token is required when the admin API is enabled")
	}
	if c.CRM.Enabled {
		for _, f := range []struct{ v, name string }{
			{c.CRM.BaseURL, "crm.base_url"},
			{c.CRM.TokenURL, "crm.token_url"},
			{c.CRM.ClientID, "crm.client_id"},
			{c.CRM.ClientSecret, "crm.client_secret"},
			{c.CRM.RefreshToken, "crm.refresh_token"},
			{c.CRM.ChannelSecret, "crm.channel_secret"},
			{c.CRM.ScopeID, "crm.scope_id"},
		} {
			if f.v == "" {
				errs = append(errs, f.name+" is required when crm.enabled")
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
