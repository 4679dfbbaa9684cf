package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func baseEnv() map[string]string {
	return map[string]string{
		"DATABASE_URL":            "postgres://localhost:5432/ekskursia",
		"REDIS_URL":               "redis://localhost:6379/0",
		"TBANK_TERMINAL_KEY":      "T",
		"TBANK_TERMINAL_PASSWORD": "S",
		"PORT":                    "",
		"TBANK_BASE_URL":          "",
		"TBANK_TIMEOUT":           "",
		"WEBHOOK_REPLAY_TTL":      "",
		"PAYMENT_INIT_RATE_LIMIT": "",
		"NOTIFY_QUEUE":            "",
		"CORS_ALLOWED_ORIGINS":    "",
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadForTests(baseEnv())
	require.NoError(t, err)

	require.Equal(t, ":8080", cfg.HTTPAddr())
	require.Equal(t, "https://securepay.tinkoff.ru", cfg.TBankBaseURL)
	require.Equal(t, 10*time.Second, cfg.TBankTimeout)
	require.Equal(t, 24*time.Hour, cfg.WebhookReplayTTL)
	require.Equal(t, int64(64<<10), cfg.WebhookBodyLimit)
	require.Equal(t, "30-M", cfg.InitRateLimit)
	require.Equal(t, "notifications", cfg.NotifyQueue)
	require.Equal(t, 5, cfg.NotifyMaxRetry)
}

func TestLoadRequiredVars(t *testing.T) {
	for _, key := range []string{"DATABASE_URL", "REDIS_URL", "TBANK_TERMINAL_KEY", "TBANK_TERMINAL_PASSWORD"} {
		t.Run(key, func(t *testing.T) {
			env := baseEnv()
			env[key] = ""
			_, err := LoadForTests(env)
			require.Error(t, err)
			require.Contains(t, err.Error(), key)
		})
	}
}

func TestMustLoadPanicsOnMissingRequired(t *testing.T) {
	for key, value := range baseEnv() {
		t.Setenv(key, value)
	}
	t.Setenv("DATABASE_URL", "")
	require.Panics(t, func() { MustLoad() })
}

func TestLoadOverrides(t *testing.T) {
	env := baseEnv()
	env["PORT"] = "9090"
	env["TBANK_TIMEOUT"] = "3s"
	env["WEBHOOK_REPLAY_TTL"] = "1h"
	env["CORS_ALLOWED_ORIGINS"] = "https://a.example, https://b.example"
	env["NOTIFY_EMAIL_ENABLED"] = "true"

	cfg, err := LoadForTests(env)
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.HTTPAddr())
	require.Equal(t, 3*time.Second, cfg.TBankTimeout)
	require.Equal(t, time.Hour, cfg.WebhookReplayTTL)
	require.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSAllowedOrigins)
	require.True(t, cfg.NotifyEmailEnabled)
}
