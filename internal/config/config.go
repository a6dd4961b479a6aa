package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	RedisURL           string
	CORSAllowedOrigins []string

	ParkAPIBaseURL             string
	ParkAPIToken               string
	ParkAPITimeout             time.Duration
	ParkAPIMaxAttempts         int
	ParkAPIRetryBase           time.Duration
	ParkAPIBreakerMinRequests  int
	ParkAPIBreakerFailureRatio float64
	ParkAPIBreakerOpenFor      time.Duration

	PaymentPollInterval    time.Duration
	PaymentPollMaxAttempts int
	PaymentPollDeadline    time.Duration
	PaymentURLMatch        string
	PollLeaseTTL           time.Duration

	IdempotencyTTL      time.Duration
	SignatureRateWindow time.Duration
	SignatureRateMax    int
	BridgeRateLimit     string
	BridgeReplyTimeout  time.Duration
	BridgeSessionTTL    time.Duration
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		RedisURL:           strings.TrimSpace(k.String("REDIS_URL")),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),

		ParkAPIBaseURL:             strings.TrimRight(strings.TrimSpace(k.String("PARK_API_BASE_URL")), "/"),
		ParkAPIToken:               strings.TrimSpace(k.String("PARK_API_TOKEN")),
		ParkAPITimeout:             parseDuration(k.String("PARK_API_TIMEOUT"), "10s"),
		ParkAPIMaxAttempts:         parseInt(k.String("PARK_API_MAX_ATTEMPTS"), 3),
		ParkAPIRetryBase:           parseDuration(k.String("PARK_API_RETRY_BASE"), "200ms"),
		ParkAPIBreakerMinRequests:  parseInt(k.String("PARK_API_BREAKER_MIN_REQUESTS"), 10),
		ParkAPIBreakerFailureRatio: parseFloat(k.String("PARK_API_BREAKER_FAILURE_RATIO"), 0.5),
		ParkAPIBreakerOpenFor:      parseDuration(k.String("PARK_API_BREAKER_OPEN_FOR"), "30s"),

		PaymentPollInterval:    parseDuration(k.String("PAYMENT_POLL_INTERVAL"), "5s"),
		PaymentPollMaxAttempts: parseInt(k.String("PAYMENT_POLL_MAX_ATTEMPTS"), 120),
		PaymentPollDeadline:    parseDuration(k.String("PAYMENT_POLL_DEADLINE"), "10m"),
		PaymentURLMatch:        strings.ToLower(valueOrDefault(k.String("PAYMENT_URL_MATCH"), "substring")),
		PollLeaseTTL:           parseDuration(k.String("POLL_LEASE_TTL"), "30s"),

		IdempotencyTTL:      parseDuration(k.String("IDEMPOTENCY_TTL"), "24h"),
		SignatureRateWindow: parseDuration(k.String("SIGNATURE_RATE_WINDOW"), "10m"),
		SignatureRateMax:    parseInt(k.String("SIGNATURE_RATE_MAX"), 3),
		BridgeRateLimit:     valueOrDefault(k.String("BRIDGE_RATE_LIMIT"), "120-M"),
		BridgeReplyTimeout:  parseDuration(k.String("BRIDGE_REPLY_TIMEOUT"), "30s"),
		BridgeSessionTTL:    parseDuration(k.String("BRIDGE_SESSION_TTL"), "30m"),
	}

	if cfg.ParkAPIBaseURL == "" {
		return nil, errors.New("PARK_API_BASE_URL is required")
	}
	if u, err := url.Parse(cfg.ParkAPIBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("PARK_API_BASE_URL is not an absolute url: %q", cfg.ParkAPIBaseURL)
	}
	switch cfg.PaymentURLMatch {
	case "substring", "strict":
	default:
		return nil, fmt.Errorf("PAYMENT_URL_MATCH must be substring or strict, got %q", cfg.PaymentURLMatch)
	}
	if cfg.PaymentPollInterval <= 0 {
		return nil, errors.New("PAYMENT_POLL_INTERVAL must be positive")
	}

	return cfg, nil
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

// IsProduction reports whether the app runs with APP_ENV=production.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.AppEnv), "production")
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseInt(value string, fallback int) int {
	v, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return v
}

func parseFloat(value string, fallback float64) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return v
}

// MustLoad behaves like Load but panics on error. Useful for tests and command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
