package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolateEnv(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("DATABASE_URL", "")
	t.Setenv("PORT", "")
	t.Setenv("DATA_DIR", "")
	t.Setenv("GEOIP_PATH", "")

	wd, err := os.Getwd()
	require.NoError(t, err)
	tmp := t.TempDir()
	require.NoError(t, os.Chdir(tmp))
	t.Cleanup(func() {
		_ = os.Chdir(wd)
	})
}

func TestLoadDefaults(t *testing.T) {
	isolateEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "3000", cfg.Port)
	assert.Equal(t, "./data", cfg.DataDir)
	assert.Equal(t, 30*time.Minute, cfg.SessionTimeout)
	assert.Equal(t, 2*time.Hour, cfg.IPStitchWindow)
	assert.Equal(t, 30*time.Minute, cfg.CookiePresenceWindow)
	assert.Equal(t, 3, cfg.MaxJobAttempts)
	assert.Equal(t, 120*time.Second, cfg.JobTimeout)
	assert.Equal(t, 4, cfg.WorkerCount)
	assert.False(t, cfg.DropBotEvents)
	assert.Empty(t, cfg.DatabaseURL)
}

func TestLoadEnvironmentFallback(t *testing.T) {
	isolateEnv(t)
	t.Setenv("DATABASE_URL", "postgres://env/db")
	t.Setenv("PORT", "8080")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres://env/db", cfg.DatabaseURL)
	assert.Equal(t, "8080", cfg.Port)
}

func TestLoadConfigFile(t *testing.T) {
	isolateEnv(t)

	content := `
database_url = "postgres://file/db"
port = "4000"
session_timeout = "45m"
drop_bot_events = true

[queue]
max_attempts = 5
workers = 8
job_timeout = "60s"
`
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(wd, "attrio.toml"), []byte(content), 0o600))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres://file/db", cfg.DatabaseURL)
	assert.Equal(t, "4000", cfg.Port)
	assert.Equal(t, 45*time.Minute, cfg.SessionTimeout)
	assert.True(t, cfg.DropBotEvents)
	assert.Equal(t, 5, cfg.MaxJobAttempts)
	assert.Equal(t, 8, cfg.WorkerCount)
	assert.Equal(t, 60*time.Second, cfg.JobTimeout)
}

func TestLoadWithOverridesWinOverEverything(t *testing.T) {
	isolateEnv(t)
	t.Setenv("DATABASE_URL", "postgres://env/db")
	t.Setenv("PORT", "8080")

	cfg, err := LoadWithOverrides("postgres://flag/db", "9999")
	require.NoError(t, err)

	assert.Equal(t, "postgres://flag/db", cfg.DatabaseURL)
	assert.Equal(t, "9999", cfg.Port)
}
