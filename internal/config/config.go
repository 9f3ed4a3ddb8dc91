package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
// Supports environment variables with sensible defaults.
//
// Environment Variables:
// Server:
// - LISTEN_ADDR: HTTP listen address (default: :8080)
// - DB_PATH: SQLite database path (default: ./data/personal-audio.db)
// Queue:
// - MAX_CONCURRENT_DOWNLOADS: global concurrency limit (default: 3)
// - FETCH_TIMEOUT_MINUTES: per-fetch watchdog, 0 disables (default: 0)
// Downloads:
// - DOWNLOADS_DIR: output directory for fetched files (default: ./downloads)
// - YTDLP_PATH: yt-dlp binary (default: yt-dlp)
// - COOKIES_PATH: cookies file passed to yt-dlp (optional)
// Cleanup:
// - CLEANUP_CRON: janitor schedule (default: every hour)
// - RETENTION_HOURS: terminal-job retention before pruning (default: 72)
// Logging:
// - LOG_LEVEL: debug|info|warn|error (default: info)
// - LOG_FILE: also write the download log to this file (optional)

type Config struct {
	Server   ServerConfig   `json:"server"`
	Queue    QueueConfig    `json:"queue"`
	Download DownloadConfig `json:"download"`
	Cleanup  CleanupConfig  `json:"cleanup"`
	LogLevel string         `json:"log_level"`
	LogFile  string         `json:"log_file"`
}

type ServerConfig struct {
	ListenAddr string `json:"listen_addr"`
	DBPath     string `json:"db_path"`
}

type QueueConfig struct {
	MaxConcurrent int           `json:"max_concurrent"`
	FetchTimeout  time.Duration `json:"fetch_timeout"`
}

type DownloadConfig struct {
	Dir         string `json:"dir"`
	YTDLPPath   string `json:"ytdlp_path"`
	CookiesPath string `json:"cookies_path"`
}

type CleanupConfig struct {
	CronExpr       string        `json:"cron_expr"`
	RetentionHours time.Duration `json:"retention"`
}

// Option is a function type for configuring Config
type Option func(*Config)

// NewFromEnv creates a new Config instance with values from environment
// variables and options.
func NewFromEnv(opts ...Option) (*Config, error) {
	config := &Config{
		Server: ServerConfig{
			ListenAddr: getEnvString("LISTEN_ADDR", ":8080"),
			DBPath:     getEnvString("DB_PATH", "./data/personal-audio.db"),
		},
		Queue: QueueConfig{
			MaxConcurrent: getEnvInt("MAX_CONCURRENT_DOWNLOADS", 3),
			FetchTimeout:  time.Duration(getEnvInt("FETCH_TIMEOUT_MINUTES", 0)) * time.Minute,
		},
		Download: DownloadConfig{
			Dir:         getEnvString("DOWNLOADS_DIR", "./downloads"),
			YTDLPPath:   getEnvString("YTDLP_PATH", "yt-dlp"),
			CookiesPath: getEnvString("COOKIES_PATH", ""),
		},
		Cleanup: CleanupConfig{
			CronExpr:       getEnvString("CLEANUP_CRON", "@every 1h"),
			RetentionHours: time.Duration(getEnvInt("RETENTION_HOURS", 72)) * time.Hour,
		},
		LogLevel: getEnvString("LOG_LEVEL", "info"),
		LogFile:  getEnvString("LOG_FILE", ""),
	}

	// Apply custom options
	for _, opt := range opts {
		opt(config)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// validate checks if all required configuration is properly set
func (c *Config) validate() error {
	if c.Queue.MaxConcurrent <= 0 {
		return fmt.Errorf("MAX_CONCURRENT_DOWNLOADS must be positive")
	}
	if c.Download.Dir == "" {
		return fmt.Errorf("DOWNLOADS_DIR is required")
	}
	if _, err := os.Stat(c.Download.Dir); os.IsNotExist(err) {
		if err := os.MkdirAll(c.Download.Dir, 0o755); err != nil {
			return fmt.Errorf("create downloads directory: %w", err)
		}
	}
	return nil
}

// getEnvString gets a string value from environment variables with default
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer value from environment variables with default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
