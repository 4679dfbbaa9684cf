package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds application configuration loaded from the environment. It is
// constructed once at startup and passed by reference; nothing mutates it
// afterwards.
type Config struct {
	AppEnv      string
	Port        string
	DatabaseURL string
	RedisURL    string

	CORSAllowedOrigins []string

	// Provider terminal identity. The password signs every outbound request
	// and verifies every inbound notification; it never leaves the process.
	TBankTerminalKey string
	TBankPassword    string
	TBankBaseURL     string
	TBankTimeout     time.Duration

	// URLs handed to the provider on initiation.
	NotificationURL string
	SuccessURL      string
	FailURL         string

	ReceiptTaxation string
	ReceiptTax      string

	WebhookReplayTTL time.Duration
	WebhookBodyLimit int64
	InitRateLimit    string

	NotifyQueue        string
	NotifyMaxRetry     int
	NotifyEmailEnabled bool
	SMTPAddr           string
	SMTPFrom           string
	SMTPUsername       string
	SMTPPassword       string
	TelegramEnabled    bool
	TelegramToken      string
	TelegramChatID     int64
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:      valueOrDefault(k.String("APP_ENV"), "development"),
		Port:        valueOrDefault(k.String("PORT"), "8080"),
		DatabaseURL: k.String("DATABASE_URL"),
		RedisURL:    k.String("REDIS_URL"),

		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),

		TBankTerminalKey: strings.TrimSpace(k.String("TBANK_TERMINAL_KEY")),
		TBankPassword:    strings.TrimSpace(k.String("TBANK_TERMINAL_PASSWORD")),
		TBankBaseURL:     valueOrDefault(k.String("TBANK_BASE_URL"), "https://securepay.tinkoff.ru"),
		TBankTimeout:     parseDuration(k.String("TBANK_TIMEOUT"), "10s"),

		NotificationURL: strings.TrimSpace(k.String("PAYMENT_NOTIFICATION_URL")),
		SuccessURL:      strings.TrimSpace(k.String("PAYMENT_SUCCESS_URL")),
		FailURL:         strings.TrimSpace(k.String("PAYMENT_FAIL_URL")),

		ReceiptTaxation: strings.TrimSpace(k.String("RECEIPT_TAXATION")),
		ReceiptTax:      valueOrDefault(k.String("RECEIPT_TAX"), "none"),

		WebhookReplayTTL: parseDuration(k.String("WEBHOOK_REPLAY_TTL"), "24h"),
		WebhookBodyLimit: parseInt64(k.String("WEBHOOK_BODY_LIMIT"), 64<<10),
		InitRateLimit:    valueOrDefault(k.String("PAYMENT_INIT_RATE_LIMIT"), "30-M"),

		NotifyQueue:        valueOrDefault(k.String("NOTIFY_QUEUE"), "notifications"),
		NotifyMaxRetry:     int(parseInt64(k.String("NOTIFY_MAX_RETRY"), 5)),
		NotifyEmailEnabled: parseBool(k.String("NOTIFY_EMAIL_ENABLED")),
		SMTPAddr:           strings.TrimSpace(k.String("SMTP_ADDR")),
		SMTPFrom:           strings.TrimSpace(k.String("SMTP_FROM")),
		SMTPUsername:       strings.TrimSpace(k.String("SMTP_USERNAME")),
		SMTPPassword:       k.String("SMTP_PASSWORD"),
		TelegramEnabled:    parseBool(k.String("NOTIFY_TELEGRAM_ENABLED")),
		TelegramToken:      strings.TrimSpace(k.String("TELEGRAM_BOT_TOKEN")),
		TelegramChatID:     parseInt64(k.String("TELEGRAM_CHAT_ID"), 0),
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.TBankTerminalKey == "" {
		return nil, errors.New("TBANK_TERMINAL_KEY is required")
	}
	if cfg.TBankPassword == "" {
		return nil, errors.New("TBANK_TERMINAL_PASSWORD is required")
	}

	return cfg, nil
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseInt64(value string, fallback int64) int64 {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

// MustLoad behaves like Load but panics on error. Useful for tests and command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
