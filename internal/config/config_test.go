package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{"databases": {"sqlite3": {"dsn": "ledger.db"}}}`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":3001", cfg.BasicConfig.ServerAddress)
	assert.Equal(t, "sqlite3", cfg.BasicConfig.DatabaseType)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "ledger.db"), cfg.Databases["sqlite3"].DSN)
	assert.Equal(t, 24*time.Hour, cfg.Conversation.PendingTTL())
	assert.Equal(t, time.Hour, cfg.Conversation.DedupeTTL())
	assert.Equal(t, 5, cfg.Conversation.HistoryWindow)
	assert.Equal(t, 20, cfg.Conversation.MaxRows)
	assert.Equal(t, 1500, cfg.Conversation.ReplyCharLimit)
	assert.Equal(t, "gemini", cfg.Inference.VisionProvider)
	assert.Equal(t, "https://api.twilio.com", cfg.Twilio.BaseURL)
	assert.False(t, cfg.Redis.RedisEnabled())
}

func TestEnvOverridesSecrets(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "g-key")
	t.Setenv("TWILIO_AUTH_TOKEN", "tw-token")
	t.Setenv("APP_URL", "https://ledger.example")
	t.Setenv("REDIS_HOST", "cache")

	cfg, err := Load(writeConfig(t, `{}`))
	require.NoError(t, err)
	assert.Equal(t, "g-key", cfg.Providers["gemini"].APIKey)
	assert.Equal(t, "gemini-2.0-flash", cfg.Providers["gemini"].Model)
	assert.Equal(t, "tw-token", cfg.Twilio.AuthToken)
	assert.Equal(t, "https://ledger.example", cfg.BasicConfig.PublicURL)
	assert.True(t, cfg.Redis.RedisEnabled())
	assert.Equal(t, "cache:6379", cfg.Redis.RedisAddr())
}

func TestLoadRejectsBadConfig(t *testing.T) {
	_, err := Load(writeConfig(t, `{"basic_config": {"min_workers": 8, "max_workers": 2}}`))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, `{"artifacts": {"backend": "gcs"}}`))
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
