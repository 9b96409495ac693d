package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		DatabaseURL:      "postgres://localhost/sniper",
		APIKey:           "mx-key",
		SecretKey:        strings.Repeat("ab12", 8),
		MaxTradesPerHour: 10,
		PollingInterval:  5000,
	}
}

func TestValidateSecretKey(t *testing.T) {
	require.NoError(t, ValidateSecretKey(strings.Repeat("ab12", 8)))

	err := ValidateSecretKey("ab12")
	require.Error(t, err)
	require.Contains(t, err.Error(), "32")

	// Uppercase and non-hex characters are rejected.
	require.Error(t, ValidateSecretKey(strings.Repeat("AB12", 8)))
	require.Error(t, ValidateSecretKey(strings.Repeat("zz12", 8)))
}

func TestValidateReportsAllMissingVariables(t *testing.T) {
	cfg := &Config{MaxTradesPerHour: 10, PollingInterval: 5000}
	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "DATABASE_URL")
	require.Contains(t, err.Error(), "MEXC_API_KEY")
	require.Contains(t, err.Error(), "MEXC_SECRET_KEY")
}

func TestValidateAcceptsCompleteConfig(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidateRejectsBadLimits(t *testing.T) {
	cfg := validConfig()
	cfg.MaxTradesPerHour = 0
	require.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.PollingInterval = 0
	require.Error(t, cfg.Validate())
}

func TestSplitOrigins(t *testing.T) {
	require.Equal(t, []string{"*"}, splitOrigins("*"))
	require.Equal(t, []string{"http://a", "http://b"}, splitOrigins("http://a, http://b"))
	require.Empty(t, splitOrigins(""))
}
