package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration
type Config struct {
	DatabaseURL string
	Port        string
	DataDir     string
	GeoIPPath   string

	// Identity and sessionization windows
	SessionTimeout       time.Duration
	IPStitchWindow       time.Duration
	CookiePresenceWindow time.Duration

	// Queue behaviour
	MaxJobAttempts int
	JobTimeout     time.Duration
	WorkerCount    int

	// Bot gating: when true, events from bot user-agents are acknowledged
	// but never enqueued.
	DropBotEvents bool
}

// Load loads configuration from multiple sources with priority:
// 1. Command flags (via LoadWithOverrides)
// 2. Config file (attrio.toml in cwd or XDG config dir)
// 3. Environment variables
// 4. Built-in defaults
func Load() (*Config, error) {
	v := newBaseViper()
	_ = v.ReadInConfig()
	return buildConfig(v, "", ""), nil
}

// LoadWithOverrides loads config and applies flag overrides
func LoadWithOverrides(databaseURL, port string) (*Config, error) {
	v := newBaseViper()
	_ = v.ReadInConfig()
	return buildConfig(v, databaseURL, port), nil
}

func newBaseViper() *viper.Viper {
	v := viper.New()
	v.SetConfigName("attrio")
	v.SetConfigType("toml")
	v.AddConfigPath(".")

	// XDG Base Directory specification, resolved manually so tests can
	// repoint it via the environment.
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		if home, err := os.UserHomeDir(); err == nil {
			configHome = filepath.Join(home, ".config")
		}
	}
	if configHome != "" {
		v.AddConfigPath(filepath.Join(configHome, "attrio"))
	}

	return v
}

func buildConfig(v *viper.Viper, overrideDatabaseURL, overridePort string) *Config {
	cfg := &Config{
		Port:                 "3000",
		DataDir:              "./data",
		SessionTimeout:       30 * time.Minute,
		IPStitchWindow:       2 * time.Hour,
		CookiePresenceWindow: 30 * time.Minute,
		MaxJobAttempts:       3,
		JobTimeout:           120 * time.Second,
		WorkerCount:          4,
		DropBotEvents:        false,
	}

	// Apply config file values
	if v.IsSet("database_url") {
		cfg.DatabaseURL = v.GetString("database_url")
	}
	if v.IsSet("port") {
		cfg.Port = v.GetString("port")
	}
	if v.IsSet("data_dir") {
		cfg.DataDir = v.GetString("data_dir")
	}
	if v.IsSet("geoip_path") {
		cfg.GeoIPPath = v.GetString("geoip_path")
	}
	if v.IsSet("session_timeout") {
		cfg.SessionTimeout = v.GetDuration("session_timeout")
	}
	if v.IsSet("ip_stitch_window") {
		cfg.IPStitchWindow = v.GetDuration("ip_stitch_window")
	}
	if v.IsSet("cookie_presence_window") {
		cfg.CookiePresenceWindow = v.GetDuration("cookie_presence_window")
	}
	if v.IsSet("queue.max_attempts") {
		cfg.MaxJobAttempts = v.GetInt("queue.max_attempts")
	}
	if v.IsSet("queue.job_timeout") {
		cfg.JobTimeout = v.GetDuration("queue.job_timeout")
	}
	if v.IsSet("queue.workers") {
		cfg.WorkerCount = v.GetInt("queue.workers")
	}
	if v.IsSet("drop_bot_events") {
		cfg.DropBotEvents = v.GetBool("drop_bot_events")
	}

	// Environment fallback (only if not configured)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if !v.IsSet("port") {
		if envPort := os.Getenv("PORT"); envPort != "" {
			cfg.Port = envPort
		}
	}
	if !v.IsSet("data_dir") {
		if envDataDir := os.Getenv("DATA_DIR"); envDataDir != "" {
			cfg.DataDir = envDataDir
		}
	}
	if !v.IsSet("geoip_path") {
		if envGeoIP := os.Getenv("GEOIP_PATH"); envGeoIP != "" {
			cfg.GeoIPPath = envGeoIP
		}
	}

	// Apply overrides (flags) last
	if overrideDatabaseURL != "" {
		cfg.DatabaseURL = overrideDatabaseURL
	}
	if overridePort != "" {
		cfg.Port = overridePort
	}

	return cfg
}
