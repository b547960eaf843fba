package gatekeeper

import (
	"bytes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()

	// a token and application ID are the only required settings
	// without defaults
	assert.Error(t, structValidator.Struct(cfg))

	cfg.Discord.Token = "token"
	cfg.Discord.ApplicationID = "123456789012345678"
	require.NoError(t, structValidator.Struct(cfg))

	assert.False(t, cfg.Redis.Enabled())
	assert.Equal(t, DefaultMaxStepAttempts, cfg.Verification.MaxStepAttempts)
}

func TestConfig_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		modify func(cfg *Config)
	}{
		{"database type", func(cfg *Config) { cfg.DatabaseType = "mysql" }},
		{"redis address", func(cfg *Config) { cfg.Redis.Address = "localhost" }},
		{"max attempts", func(cfg *Config) { cfg.Verification.MaxStepAttempts = 0 }},
		{
			"challenge outlives prompt",
			func(cfg *Config) {
				cfg.Verification.CaptchaPromptTimeout = 10 * time.Minute
				cfg.Verification.ChallengeTTL = 5 * time.Minute
			},
		},
		{
			"lock wait",
			func(cfg *Config) {
				cfg.Verification.LockTimeout = time.Second
				cfg.Verification.LockWait = 2 * time.Second
			},
		},
		{"kick reason", func(cfg *Config) { cfg.Verification.KickReason = "" }},
		{"dm rate", func(cfg *Config) { cfg.Discord.DirectMessagesPerSecond = 0 }},
		{"listen network", func(cfg *Config) { cfg.API.ListenNetwork = "udp" }},
		{"ssl key", func(cfg *Config) { cfg.API.SSL.CertFile = "cert.pem" }},
	}
	for _, tt := range tests {
		t.Run(
			tt.name, func(t *testing.T) {
				t.Parallel()
				cfg := DefaultTestConfig(t)
				require.NoError(t, structValidator.Struct(cfg))
				tt.modify(cfg)
				assert.Error(t, structValidator.Struct(cfg))
			},
		)
	}
}

func TestRedisConfig_Enabled(t *testing.T) {
	t.Parallel()
	var r *RedisConfig
	assert.False(t, r.Enabled())
	assert.False(t, (&RedisConfig{}).Enabled())
	assert.True(t, (&RedisConfig{Address: "localhost:6379"}).Enabled())
}

func TestConfig_LogValueRedacted(t *testing.T) {
	t.Parallel()
	cfg := DefaultTestConfig(t)
	cfg.Redis.Password = "redis-password"

	buf := &bytes.Buffer{}
	logger := slog.New(slog.NewJSONHandler(buf, nil))
	logger.Info("config", "config", cfg)

	out := buf.String()
	assert.NotContains(t, out, cfg.Discord.Token)
	assert.NotContains(t, out, cfg.API.Secret)
	assert.NotContains(t, out, "redis-password")
	assert.Contains(t, out, "[redacted]")
	assert.Contains(t, out, cfg.Discord.ApplicationID)
}
