package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/park-checkout/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.LoadForTests(map[string]string{
		"PARK_API_BASE_URL":         "https://park.example/",
		"PAYMENT_POLL_INTERVAL":     "",
		"PAYMENT_POLL_MAX_ATTEMPTS": "",
		"PAYMENT_URL_MATCH":         "",
		"PORT":                      "",
	})
	require.NoError(t, err)
	require.Equal(t, "https://park.example", cfg.ParkAPIBaseURL)
	require.Equal(t, 5*time.Second, cfg.PaymentPollInterval)
	require.Equal(t, 120, cfg.PaymentPollMaxAttempts)
	require.Equal(t, "substring", cfg.PaymentURLMatch)
	require.Equal(t, ":8080", cfg.HTTPAddr())
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := config.LoadForTests(map[string]string{
		"PARK_API_BASE_URL":         "https://park.example",
		"PAYMENT_POLL_INTERVAL":     "2s",
		"PAYMENT_POLL_MAX_ATTEMPTS": "10",
		"PAYMENT_URL_MATCH":         "STRICT",
		"CORS_ALLOWED_ORIGINS":      "https://a.example, ,https://b.example",
		"PARK_API_TIMEOUT":          "not-a-duration",
	})
	require.NoError(t, err)
	require.Equal(t, 2*time.Second, cfg.PaymentPollInterval)
	require.Equal(t, 10, cfg.PaymentPollMaxAttempts)
	require.Equal(t, "strict", cfg.PaymentURLMatch)
	require.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSAllowedOrigins)
	require.Equal(t, 10*time.Second, cfg.ParkAPITimeout)
}

func TestLoadRequiresParkAPI(t *testing.T) {
	_, err := config.LoadForTests(map[string]string{"PARK_API_BASE_URL": ""})
	require.Error(t, err)

	_, err = config.LoadForTests(map[string]string{"PARK_API_BASE_URL": "park.example"})
	require.Error(t, err)
}

func TestLoadRejectsUnknownMatchMode(t *testing.T) {
	_, err := config.LoadForTests(map[string]string{
		"PARK_API_BASE_URL": "https://park.example",
		"PAYMENT_URL_MATCH": "regex",
	})
	require.Error(t, err)
}
