// Package config defines all configuration for the ingestion core.
// Config is loaded from an optional YAML file (default: configs/config.yaml).
// CORE_* environment variables override keys that have a default or appear
// in the file; the process-surface variables (DATABASE_URL, LOG_LEVEL, ...)
// are bound under their own names, so the process can run from environment
// alone in a container with no file present.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	API       APIConfig       `mapstructure:"api"`
	Poller    PollerConfig    `mapstructure:"poller"`
	Streamer  StreamerConfig  `mapstructure:"streamer"`
	TPSL      TPSLConfig      `mapstructure:"tpsl"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// DatabaseConfig holds the Postgres connection string and pool sizing.
type DatabaseConfig struct {
	URL         string `mapstructure:"url"`
	MinConns    int    `mapstructure:"min_conns"`
	MaxConns    int    `mapstructure:"max_conns"`
}

// APIConfig holds upstream REST/WS endpoints and optional credentials for
// the authenticated WS channel.
type APIConfig struct {
	GammaBaseURL string `mapstructure:"gamma_base_url"`
	CLOBBaseURL  string `mapstructure:"clob_base_url"`
	WSSURL       string `mapstructure:"wss_url"`
	APIKey       string `mapstructure:"api_key"`
	Secret       string `mapstructure:"secret"`
	Passphrase   string `mapstructure:"passphrase"`
}

// PollerConfig tunes the ingestion cycle.
type PollerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// StreamerConfig tunes the WS client.
type StreamerConfig struct {
	Enabled              bool          `mapstructure:"enabled"`
	MaxReconnectWait     time.Duration `mapstructure:"max_reconnect_wait"`
	SubscriptionInterval time.Duration `mapstructure:"subscription_interval"`
}

// TPSLConfig tunes the TP/SL monitor.
type TPSLConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	ScanInterval time.Duration `mapstructure:"scan_interval"`
}

// LoggingConfig controls the slog root logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func defaults(v *viper.Viper) {
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conns", 3)
	v.SetDefault("poller.enabled", true)
	v.SetDefault("poller.poll_interval", 60*time.Second)
	v.SetDefault("streamer.enabled", true)
	v.SetDefault("streamer.max_reconnect_wait", 60*time.Second)
	v.SetDefault("streamer.subscription_interval", 60*time.Second)
	v.SetDefault("tpsl.enabled", true)
	v.SetDefault("tpsl.scan_interval", 10*time.Second)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Load reads config from an optional YAML file with environment overrides.
// path is typically CORE_CONFIG or the default "configs/config.yaml"; a
// missing file is not an error — the process may run from environment
// variables alone.
func Load(path string) (*Config, error) {
	v := viper.New()
	defaults(v)
	v.SetEnvPrefix("CORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if _, statErr := os.Stat(path); statErr != nil {
				// File genuinely absent: environment-only deployment, fine.
			} else {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	bindEnv(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyLegacyEnv(&cfg)

	return &cfg, nil
}

// bindEnv explicitly binds the environment variables named in the process
// surface so they work even when no config file sets the corresponding
// keys (viper only picks up AutomaticEnv overrides for keys it already
// knows about from defaults/file/explicit binds).
func bindEnv(v *viper.Viper) {
	_ = v.BindEnv("database.url", "DATABASE_URL")
	_ = v.BindEnv("api.gamma_base_url", "GAMMA_API_URL")
	_ = v.BindEnv("api.wss_url", "CLOB_WSS_URL")
	_ = v.BindEnv("api.api_key", "CLOB_API_KEY")
	_ = v.BindEnv("api.secret", "CLOB_API_SECRET")
	_ = v.BindEnv("api.passphrase", "CLOB_API_PASSPHRASE")
	_ = v.BindEnv("poller.enabled", "POLLER_ENABLED")
	_ = v.BindEnv("streamer.enabled", "STREAMER_ENABLED")
	_ = v.BindEnv("tpsl.enabled", "TPSL_ENABLED")
	_ = v.BindEnv("logging.level", "LOG_LEVEL")
	_ = v.BindEnv("logging.format", "LOG_FORMAT")
}

// applyLegacyEnv handles POLL_INTERVAL_MS, which has no natural
// mapstructure home since PollInterval is a time.Duration rather than an
// int count of milliseconds.
func applyLegacyEnv(cfg *Config) {
	if ms := os.Getenv("POLL_INTERVAL_MS"); ms != "" {
		var n int64
		if _, err := fmt.Sscanf(ms, "%d", &n); err == nil && n > 0 {
			cfg.Poller.PollInterval = time.Duration(n) * time.Millisecond
		}
	}
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required (set DATABASE_URL)")
	}
	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("database.max_conns must be >= database.min_conns")
	}
	if c.API.GammaBaseURL == "" {
		return fmt.Errorf("api.gamma_base_url is required (set GAMMA_API_URL)")
	}
	if c.Streamer.Enabled && c.API.WSSURL == "" {
		return fmt.Errorf("api.wss_url is required when streamer is enabled (set CLOB_WSS_URL)")
	}
	if c.Poller.PollInterval <= 0 {
		return fmt.Errorf("poller.poll_interval must be > 0")
	}
	if c.TPSL.ScanInterval <= 0 {
		return fmt.Errorf("tpsl.scan_interval must be > 0")
	}
	return nil
}
