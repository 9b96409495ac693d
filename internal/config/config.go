// Package config loads and validates process configuration from the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all environment-derived settings.
type Config struct {
	DatabaseURL string
	APIKey      string
	SecretKey   string
	BaseURL     string
	WSURL       string
	LogLevel    string

	Host string
	Port int

	APITimeout       time.Duration
	DBQueryTimeout   time.Duration
	AllowedOrigins   []string
	MaxTradesPerHour int
	PollingInterval  time.Duration
	OrderTimeout     time.Duration
	RecvWindow       time.Duration
}

// Load reads configuration from the environment. Required variables that are
// missing or malformed produce an error; main maps that to exit code 2.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("MEXC_BASE_URL", "https://api.mexc.com")
	v.SetDefault("MEXC_WS_URL", "wss://wbs.mexc.com/ws")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("HOST", "0.0.0.0")
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_TIMEOUT_MS", 10000)
	v.SetDefault("DB_QUERY_TIMEOUT_MS", 5000)
	v.SetDefault("ALLOWED_ORIGINS", "*")
	v.SetDefault("MAX_TRADES_PER_HOUR", 10)
	v.SetDefault("DEFAULT_POLLING_INTERVAL_MS", 5000)
	v.SetDefault("DEFAULT_ORDER_TIMEOUT_MS", 10000)
	v.SetDefault("RECV_WINDOW_MS", 5000)

	cfg := &Config{
		DatabaseURL:      v.GetString("DATABASE_URL"),
		APIKey:           v.GetString("MEXC_API_KEY"),
		SecretKey:        v.GetString("MEXC_SECRET_KEY"),
		BaseURL:          v.GetString("MEXC_BASE_URL"),
		WSURL:            v.GetString("MEXC_WS_URL"),
		LogLevel:         v.GetString("LOG_LEVEL"),
		Host:             v.GetString("HOST"),
		Port:             v.GetInt("PORT"),
		APITimeout:       time.Duration(v.GetInt64("API_TIMEOUT_MS")) * time.Millisecond,
		DBQueryTimeout:   time.Duration(v.GetInt64("DB_QUERY_TIMEOUT_MS")) * time.Millisecond,
		AllowedOrigins:   splitOrigins(v.GetString("ALLOWED_ORIGINS")),
		MaxTradesPerHour: v.GetInt("MAX_TRADES_PER_HOUR"),
		PollingInterval:  time.Duration(v.GetInt64("DEFAULT_POLLING_INTERVAL_MS")) * time.Millisecond,
		OrderTimeout:     time.Duration(v.GetInt64("DEFAULT_ORDER_TIMEOUT_MS")) * time.Millisecond,
		RecvWindow:       time.Duration(v.GetInt64("RECV_WINDOW_MS")) * time.Millisecond,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces required variables and the secret-key format contract.
func (c *Config) Validate() error {
	var missing []string
	if c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.APIKey == "" {
		missing = append(missing, "MEXC_API_KEY")
	}
	if c.SecretKey == "" {
		missing = append(missing, "MEXC_SECRET_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if err := ValidateSecretKey(c.SecretKey); err != nil {
		return fmt.Errorf("MEXC_SECRET_KEY: %w", err)
	}
	if c.MaxTradesPerHour <= 0 {
		return fmt.Errorf("MAX_TRADES_PER_HOUR must be positive, got %d", c.MaxTradesPerHour)
	}
	if c.PollingInterval <= 0 {
		return fmt.Errorf("DEFAULT_POLLING_INTERVAL_MS must be positive")
	}
	return nil
}

// ValidateSecretKey enforces the signing-key contract: lowercase hex, length >= 32.
func ValidateSecretKey(key string) error {
	if len(key) < 32 {
		return fmt.Errorf("must be at least 32 characters, got %d", len(key))
	}
	for _, r := range key {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return fmt.Errorf("must be lowercase hex")
		}
	}
	return nil
}

func splitOrigins(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
