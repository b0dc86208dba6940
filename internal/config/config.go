// Package config provides configuration loading from environment variables and flags.
package config

import (
	"flag"
	"os"
	"strconv"
	"time"

	"github.com/kiro-gateway/kiro-gateway/internal/claude"
)

// Config holds all configuration for the Kiro gateway.
type Config struct {
	// Server settings
	Port            int
	Host            string
	GracefulTimeout time.Duration

	// API settings
	RequiredAPIKey string

	// HTTP client settings
	MaxConns            int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	RequestTimeout      time.Duration

	// Kiro API settings
	KiroAPITimeout time.Duration

	// Logging
	LogLevel string
	LogJSON  bool

	// Pool settings
	ProviderPoolsFilePath string
	MaxErrorCount         int64
	PoolSaveDebounce      time.Duration

	// Retry policy (Service Adapter)
	RequestMaxRetries int
	RequestBaseDelay  time.Duration

	// Token refresh heartbeat
	CronRefreshToken bool
	CronNearMinutes  int

	// System prompt overlay
	SystemPromptFilePath string
	SystemPromptMode     string // "overwrite" or "append"

	// Prompt logging
	PromptLogMode     string // "none", "console", "file"
	PromptLogBaseName string

	// Request size limits
	MaxKiroRequestBody int
}

// Load reads configuration from environment variables and command-line flags.
// Environment variables take precedence over defaults.
// Command-line flags take precedence over environment variables.
func Load() *Config {
	cfg := &Config{
		// Defaults
		Port:                  8081,
		Host:                  "0.0.0.0",
		GracefulTimeout:       10 * time.Second,
		MaxConns:              100,
		MaxIdleConnsPerHost:   50,
		IdleConnTimeout:       90 * time.Second,
		RequestTimeout:        0, // No timeout for streaming
		KiroAPITimeout:        5 * time.Minute,
		LogLevel:              "info",
		LogJSON:               true,
		ProviderPoolsFilePath: "configs/provider_pools.json",
		MaxErrorCount:         3,
		PoolSaveDebounce:      1 * time.Second,
		RequestMaxRetries:     3,
		RequestBaseDelay:      1 * time.Second,
		CronRefreshToken:      true,
		CronNearMinutes:       15,
		SystemPromptMode:      "append",
		PromptLogMode:         "none",
		PromptLogBaseName:     "configs/prompt_log",
		MaxKiroRequestBody:    claude.MaxKiroRequestBodyDefault,
	}

	cfg.loadFromEnv()
	cfg.parseFlags()

	return cfg
}

func (c *Config) loadFromEnv() {
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}
	if v := os.Getenv("HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("REQUIRED_API_KEY"); v != "" {
		c.RequiredAPIKey = v
	}
	if v := os.Getenv("PROVIDER_POOLS_FILE_PATH"); v != "" {
		c.ProviderPoolsFilePath = v
	}
	if v := os.Getenv("MAX_ERROR_COUNT"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.MaxErrorCount = n
		}
	}
	if v := os.Getenv("REQUEST_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RequestMaxRetries = n
		}
	}
	if v := os.Getenv("REQUEST_BASE_DELAY"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			c.RequestBaseDelay = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("CRON_REFRESH_TOKEN"); v != "" {
		c.CronRefreshToken = v == "true" || v == "1"
	}
	if v := os.Getenv("CRON_NEAR_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.CronNearMinutes = n
		}
	}
	if v := os.Getenv("SYSTEM_PROMPT_FILE_PATH"); v != "" {
		c.SystemPromptFilePath = v
	}
	if v := os.Getenv("SYSTEM_PROMPT_MODE"); v != "" {
		c.SystemPromptMode = v
	}
	if v := os.Getenv("PROMPT_LOG_MODE"); v != "" {
		c.PromptLogMode = v
	}
	if v := os.Getenv("PROMPT_LOG_BASE_NAME"); v != "" {
		c.PromptLogBaseName = v
	}
	if v := os.Getenv("GO_KIRO_MAX_CONNS"); v != "" {
		if conns, err := strconv.Atoi(v); err == nil {
			c.MaxConns = conns
		}
	}
	if v := os.Getenv("GO_KIRO_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("GO_KIRO_LOG_JSON"); v != "" {
		c.LogJSON = v == "true" || v == "1"
	}
	if v := os.Getenv("GO_KIRO_GRACEFUL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.GracefulTimeout = d
		}
	}
	if v := os.Getenv("GO_KIRO_MAX_REQUEST_BODY"); v != "" {
		if size, err := strconv.Atoi(v); err == nil {
			c.MaxKiroRequestBody = size
		}
	}
}

var flagsParsed bool

func (c *Config) parseFlags() {
	// Only parse flags once to avoid "flag redefined" panic in tests
	if flagsParsed {
		return
	}
	flagsParsed = true

	flag.IntVar(&c.Port, "port", c.Port, "Server port")
	flag.StringVar(&c.Host, "host", c.Host, "Server host")
	flag.StringVar(&c.RequiredAPIKey, "api-key", c.RequiredAPIKey, "Shared API key required of callers")
	flag.StringVar(&c.ProviderPoolsFilePath, "pool-file", c.ProviderPoolsFilePath, "Path to the provider pool JSON file")
	flag.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level (debug, info, warn, error)")
	flag.Parse()
}
