package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server             ServerConfig             `mapstructure:"server"`
	Log                LogConfig                `mapstructure:"log"`
	Auth               AuthConfig               `mapstructure:"auth"`
	CORS               CORSConfig               `mapstructure:"cors"`
	RateLimit          RateLimitConfig          `mapstructure:"rate_limit"`
	Redis              RedisConfig              `mapstructure:"redis"`
	Store              StoreConfig              `mapstructure:"store"`
	Supabase           SupabaseConfig           `mapstructure:"supabase"`
	Queue              QueueConfig              `mapstructure:"queue"`
	RecipientRateLimit RecipientRateLimitConfig `mapstructure:"recipient_rate_limit"`
	Reaper             ReaperConfigYAML         `mapstructure:"reaper"`
	Dispatch           DispatchConfig           `mapstructure:"dispatch"`
	Email              EmailConfig              `mapstructure:"email"`
	SMS                SMSConfig                `mapstructure:"sms"`
	Push               PushConfig               `mapstructure:"push"`
	Metrics            MetricsConfig            `mapstructure:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// AuthConfig holds API key authentication settings.
type AuthConfig struct {
	APIKeys []string `mapstructure:"api_keys"`
}

// CORSConfig holds CORS policy settings.
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
	AllowedHeaders []string `mapstructure:"allowed_headers"`
}

// RateLimitConfig holds per-IP rate limiting settings.
type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// RedisConfig holds Redis connection settings. An empty address disables
// every Redis-backed feature.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver     string `mapstructure:"driver"` // memory, sqlite or supabase
	SQLitePath string `mapstructure:"sqlite_path"`
}

// SupabaseConfig holds Supabase project settings.
type SupabaseConfig struct {
	URL        string `mapstructure:"url"`
	ServiceKey string `mapstructure:"service_key"`
}

// QueueConfig holds async webhook queue settings.
type QueueConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	Concurrency   int  `mapstructure:"concurrency"`
	MaxRetry      int  `mapstructure:"max_retry"`
	RetryDelaySec int  `mapstructure:"retry_delay_sec"`
}

// RecipientRateLimitConfig holds per-recipient rate limiting settings.
type RecipientRateLimitConfig struct {
	MaxPerHour int `mapstructure:"max_per_hour"`
}

// ReaperConfigYAML holds orphan reaper settings (durations as seconds for YAML/env compat).
type ReaperConfigYAML struct {
	IntervalSec   int `mapstructure:"interval_sec"`
	RetryDelaySec int `mapstructure:"retry_delay_sec"`
	MaxAgeSec     int `mapstructure:"max_age_sec"`
	BatchSize     int `mapstructure:"batch_size"`
}

// DispatchConfig holds send-path settings.
type DispatchConfig struct {
	AttemptTimeoutMS int `mapstructure:"attempt_timeout_ms"`
}

// AttemptTimeout returns the per-provider attempt timeout.
func (d DispatchConfig) AttemptTimeout() time.Duration {
	return time.Duration(d.AttemptTimeoutMS) * time.Millisecond
}

// EmailConfig holds email provider settings. Providers lists the fallback
// chain in order.
type EmailConfig struct {
	Providers   []string     `mapstructure:"providers"`
	FromAddress string       `mapstructure:"from_address"`
	FromName    string       `mapstructure:"from_name"`
	Resend      ResendConfig `mapstructure:"resend"`
	SMTP        SMTPConfig   `mapstructure:"smtp"`
}

// ResendConfig holds Resend API settings.
type ResendConfig struct {
	APIKey string `mapstructure:"api_key"`
}

// SMTPConfig holds SMTP relay settings.
type SMTPConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	Username   string `mapstructure:"username"`
	Password   string `mapstructure:"password"`
	Encryption string `mapstructure:"encryption"`
}

// SMSConfig holds SMS provider settings.
type SMSConfig struct {
	Providers []string     `mapstructure:"providers"`
	Twilio    TwilioConfig `mapstructure:"twilio"`
}

// TwilioConfig holds Twilio account settings.
type TwilioConfig struct {
	AccountSID        string `mapstructure:"account_sid"`
	AuthToken         string `mapstructure:"auth_token"`
	FromNumber        string `mapstructure:"from_number"`
	StatusCallbackURL string `mapstructure:"status_callback_url"`
}

// PushConfig holds push provider settings.
type PushConfig struct {
	Providers []string       `mapstructure:"providers"`
	FCM       FCMConfig      `mapstructure:"fcm"`
	Shoutrrr  ShoutrrrConfig `mapstructure:"shoutrrr"`
}

// FCMConfig holds Firebase Cloud Messaging settings.
type FCMConfig struct {
	ProjectID       string `mapstructure:"project_id"`
	CredentialsFile string `mapstructure:"credentials_file"`
}

// ShoutrrrConfig holds the push relay URL template.
type ShoutrrrConfig struct {
	URL string `mapstructure:"url"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Load reads configuration from config.yaml and environment variables.
// Environment variables use the HERALD_ prefix and underscore separators.
// Example: HERALD_SERVER_PORT overrides server.port in config.yaml.
func Load() (*Config, error) {
	v := viper.New()

	// Config file settings
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Load .env file if it exists
	_ = godotenv.Load()

	// Environment variable settings
	v.SetEnvPrefix("HERALD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read config file (optional, env vars can provide everything)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Comma-separated lists from env vars
	cfg.Auth.APIKeys = splitList(v, "auth.api_keys", cfg.Auth.APIKeys)
	cfg.Email.Providers = splitList(v, "email.providers", cfg.Email.Providers)
	cfg.SMS.Providers = splitList(v, "sms.providers", cfg.SMS.Providers)
	cfg.Push.Providers = splitList(v, "push.providers", cfg.Push.Providers)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8081)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("log.level", "info")
	v.SetDefault("cors.allowed_origins", []string{"*"})
	v.SetDefault("cors.allowed_methods", []string{"GET", "POST", "OPTIONS"})
	v.SetDefault("cors.allowed_headers", []string{"Content-Type", "X-API-Key", "X-Request-ID"})
	v.SetDefault("rate_limit.requests_per_second", 10)
	v.SetDefault("rate_limit.burst", 20)
	v.SetDefault("redis.address", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.sqlite_path", "data/herald.db")
	v.SetDefault("queue.enabled", false)
	v.SetDefault("queue.concurrency", 10)
	v.SetDefault("queue.max_retry", 5)
	v.SetDefault("queue.retry_delay_sec", 30)
	v.SetDefault("recipient_rate_limit.max_per_hour", 10)
	v.SetDefault("reaper.interval_sec", 30)
	v.SetDefault("reaper.retry_delay_sec", 60)
	v.SetDefault("reaper.max_age_sec", 86400) // 24 hours
	v.SetDefault("reaper.batch_size", 50)
	v.SetDefault("dispatch.attempt_timeout_ms", 10000)
	v.SetDefault("email.providers", []string{"resend", "smtp"})
	v.SetDefault("email.from_name", "Herald")
	v.SetDefault("email.smtp.port", 587)
	v.SetDefault("email.smtp.encryption", "starttls")
	v.SetDefault("sms.providers", []string{"twilio"})
	v.SetDefault("push.providers", []string{"fcm", "shoutrrr"})
	v.SetDefault("metrics.enabled", true)
}

// splitList handles comma-separated values coming from a single env var.
func splitList(v *viper.Viper, key string, current []string) []string {
	if len(current) > 0 {
		return splitCSV(strings.Join(current, ","))
	}
	if raw := v.GetString(key); raw != "" {
		return splitCSV(raw)
	}
	return current
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case "memory", "sqlite":
	case "supabase":
		if c.Supabase.URL == "" || c.Supabase.ServiceKey == "" {
			return fmt.Errorf("store driver supabase requires supabase.url and supabase.service_key")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Queue.Enabled && c.Redis.Address == "" {
		return fmt.Errorf("queue.enabled requires redis.address")
	}
	if c.Dispatch.AttemptTimeoutMS <= 0 {
		return fmt.Errorf("dispatch.attempt_timeout_ms must be positive")
	}
	return nil
}
