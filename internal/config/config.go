package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete application configuration.
type Config struct {
	Polymarket PolymarketConfig `mapstructure:"polymarket"`
	Watcher    WatcherConfig    `mapstructure:"watcher"`
	AI         AIConfig         `mapstructure:"ai"`
	Telegram   TelegramConfig   `mapstructure:"telegram"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// PolymarketConfig holds Polymarket API configuration.
type PolymarketConfig struct {
	GammaAPIURL    string        `mapstructure:"gamma_api_url"`
	DataAPIURL     string        `mapstructure:"data_api_url"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// WatcherConfig holds whale-scan behavior configuration.
type WatcherConfig struct {
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	HoursAhead        int           `mapstructure:"hours_ahead"`
	Categories        []string      `mapstructure:"categories"`
	WhaleThreshold    float64       `mapstructure:"whale_threshold"`
	BigWhaleThreshold float64       `mapstructure:"big_whale_threshold"`
}

// AIConfig holds the analysis budget and engine configuration.
type AIConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	MaxCallsPerDay  int           `mapstructure:"max_calls_per_day"`
	MinCallGap      time.Duration `mapstructure:"min_call_gap"`
	BurstCount      int           `mapstructure:"burst_count"` // 0 means same as max_calls_per_day
	HistoryWindow   int           `mapstructure:"history_window"`
	InsightCooldown time.Duration `mapstructure:"insight_cooldown"`
	Timezone        string        `mapstructure:"timezone"`
	DeepSeekAPIKey  string        `mapstructure:"deepseek_api_key"`
	DeepSeekBaseURL string        `mapstructure:"deepseek_base_url"`
	Model           string        `mapstructure:"model"`
	TavilyAPIKey    string        `mapstructure:"tavily_api_key"`
	TavilyBaseURL   string        `mapstructure:"tavily_base_url"`
}

// TelegramConfig holds Telegram notification configuration.
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	ChatIDs        []string      `mapstructure:"chat_ids"`
	Enabled        bool          `mapstructure:"enabled"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	StatePath string `mapstructure:"state_path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)
	setDefaults(v)

	v.SetEnvPrefix("WHALE_WATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Polymarket defaults
	v.SetDefault("polymarket.gamma_api_url", "https://gamma-api.polymarket.com")
	v.SetDefault("polymarket.data_api_url", "https://data-api.polymarket.com")
	v.SetDefault("polymarket.timeout", "30s")
	v.SetDefault("polymarket.max_retries", 3)
	v.SetDefault("polymarket.retry_delay_base", "1s")

	// Watcher defaults
	v.SetDefault("watcher.poll_interval", "60s")
	v.SetDefault("watcher.hours_ahead", 24)
	v.SetDefault("watcher.categories", []string{
		"politics", "geopolitics", "finance", "crypto",
		"elections", "tech", "culture", "world", "breaking",
	})
	v.SetDefault("watcher.whale_threshold", 10000.0)
	v.SetDefault("watcher.big_whale_threshold", 50000.0)

	// AI defaults: ~1000 calls/month spread over the day, with burst
	// catch-up on start or rollover.
	v.SetDefault("ai.enabled", true)
	v.SetDefault("ai.max_calls_per_day", 13)
	v.SetDefault("ai.min_call_gap", "30s")
	v.SetDefault("ai.burst_count", 0)
	v.SetDefault("ai.history_window", 20)
	v.SetDefault("ai.insight_cooldown", "6h")
	v.SetDefault("ai.timezone", "UTC")
	v.SetDefault("ai.deepseek_base_url", "https://api.deepseek.com")
	v.SetDefault("ai.model", "deepseek-chat")
	v.SetDefault("ai.tavily_base_url", "https://api.tavily.com")
	// Secrets default to empty so the env override path is always bound.
	v.SetDefault("ai.deepseek_api_key", "")
	v.SetDefault("ai.tavily_api_key", "")
	v.SetDefault("telegram.bot_token", "")

	// Telegram defaults
	v.SetDefault("telegram.enabled", true)
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")

	// Storage defaults
	v.SetDefault("storage.state_path", "./data/state.json")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks that all configuration values are valid.
func (c *Config) Validate() error {
	if c.Polymarket.GammaAPIURL == "" {
		return fmt.Errorf("polymarket.gamma_api_url is required")
	}
	if c.Polymarket.DataAPIURL == "" {
		return fmt.Errorf("polymarket.data_api_url is required")
	}

	if c.Watcher.PollInterval < 10*time.Second {
		return fmt.Errorf("watcher.poll_interval must be at least 10 seconds")
	}
	if c.Watcher.HoursAhead < 1 || c.Watcher.HoursAhead > 168 {
		return fmt.Errorf("watcher.hours_ahead must be between 1 and 168")
	}
	if len(c.Watcher.Categories) == 0 {
		return fmt.Errorf("watcher.categories must contain at least one category")
	}
	if c.Watcher.WhaleThreshold <= 0 {
		return fmt.Errorf("watcher.whale_threshold must be positive")
	}

	if c.AI.Enabled {
		if c.AI.MaxCallsPerDay < 1 {
			return fmt.Errorf("ai.max_calls_per_day must be at least 1")
		}
		if c.AI.MinCallGap < time.Second {
			return fmt.Errorf("ai.min_call_gap must be at least 1 second")
		}
		if c.AI.BurstCount < 0 {
			return fmt.Errorf("ai.burst_count must not be negative")
		}
		if c.AI.HistoryWindow < 1 {
			return fmt.Errorf("ai.history_window must be at least 1")
		}
		if c.AI.DeepSeekAPIKey == "" {
			return fmt.Errorf("ai.deepseek_api_key is required when ai is enabled")
		}
		if c.AI.Model == "" {
			return fmt.Errorf("ai.model is required when ai is enabled")
		}
		if _, err := time.LoadLocation(c.AI.Timezone); err != nil {
			return fmt.Errorf("ai.timezone is invalid: %w", err)
		}
	}

	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if len(c.Telegram.ChatIDs) == 0 {
			return fmt.Errorf("telegram.chat_ids is required when telegram is enabled")
		}
	}

	if c.Storage.StatePath == "" {
		return fmt.Errorf("storage.state_path is required")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}

// EffectiveBurstCount returns the burst allotment, defaulting to the daily
// maximum when unset.
func (a AIConfig) EffectiveBurstCount() int {
	if a.BurstCount <= 0 {
		return a.MaxCallsPerDay
	}
	return a.BurstCount
}

// Location resolves the reference timezone for day-key computation.
func (a AIConfig) Location() (*time.Location, error) {
	if a.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(a.Timezone)
}
