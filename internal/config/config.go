package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the call authorization service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	DecisionSLO      time.Duration
	MetricsNamespace string
	LogLevel         string
	LogFormat        string

	AllowAnyOrigin bool

	Domain        string
	ProfilePath   string
	DirectoryPath string

	// SessionInactivityTimeout overrides the profile's session timeout when non-zero.
	SessionInactivityTimeout time.Duration
	SessionJanitorInterval   time.Duration
	SessionRetention         time.Duration

	DatabaseURL      string
	AuditDatabaseURL string

	DeliveryMode          string
	DeliveryWebhookURL    string
	DeliveryRatePerMinute int
	DeliveryRevealCodes   bool
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:               envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:       envOrDefault("APP_METRICS_NAMESPACE", "callguard"),
		LogLevel:               strings.ToLower(envOrDefault("APP_LOG_LEVEL", "info")),
		LogFormat:              strings.ToLower(envOrDefault("APP_LOG_FORMAT", "json")),
		AllowAnyOrigin:         false,
		Domain:                 strings.ToLower(envOrDefault("CALLGUARD_DOMAIN", "banking")),
		ProfilePath:            stringsTrimSpace("CALLGUARD_PROFILE_PATH"),
		DirectoryPath:          stringsTrimSpace("CALLGUARD_DIRECTORY_PATH"),
		DatabaseURL:            stringsTrimSpace("DATABASE_URL"),
		DeliveryMode:           strings.ToLower(envOrDefault("DELIVERY_MODE", "log")),
		DeliveryWebhookURL:     stringsTrimSpace("DELIVERY_WEBHOOK_URL"),
		DeliveryRatePerMinute:  3,
		ShutdownTimeout:        15 * time.Second,
		DecisionSLO:            250 * time.Millisecond,
		SessionJanitorInterval: 5 * time.Second,
		SessionRetention:       10 * time.Minute,
	}
	// Audit shares the primary database unless pointed elsewhere.
	cfg.AuditDatabaseURL = envOrDefault("AUDIT_DATABASE_URL", cfg.DatabaseURL)

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.DecisionSLO, err = durationFromEnv("APP_DECISION_SLO", cfg.DecisionSLO)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionJanitorInterval, err = durationFromEnv("SESSION_JANITOR_INTERVAL", cfg.SessionJanitorInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionRetention, err = durationFromEnv("SESSION_RETENTION", cfg.SessionRetention)
	if err != nil {
		return Config{}, err
	}
	cfg.DeliveryRatePerMinute, err = intFromEnv("DELIVERY_RATE_PER_MINUTE", cfg.DeliveryRatePerMinute)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.DeliveryRevealCodes, err = boolFromEnv("DELIVERY_LOG_REVEAL_CODES", cfg.DeliveryRevealCodes)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout != 0 && cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.SessionJanitorInterval <= 0 {
		return Config{}, fmt.Errorf("SESSION_JANITOR_INTERVAL must be positive")
	}
	if cfg.DeliveryRatePerMinute <= 0 {
		return Config{}, fmt.Errorf("DELIVERY_RATE_PER_MINUTE must be positive")
	}
	switch cfg.DeliveryMode {
	case "log":
	case "webhook":
		if cfg.DeliveryWebhookURL == "" {
			return Config{}, fmt.Errorf("DELIVERY_WEBHOOK_URL is required when DELIVERY_MODE=webhook")
		}
	default:
		return Config{}, fmt.Errorf("DELIVERY_MODE must be log or webhook, got %q", cfg.DeliveryMode)
	}
	switch cfg.LogFormat {
	case "json", "text":
	default:
		return Config{}, fmt.Errorf("APP_LOG_FORMAT must be json or text, got %q", cfg.LogFormat)
	}
	if cfg.ProfilePath == "" && !IsBuiltinDomain(cfg.Domain) {
		return Config{}, fmt.Errorf("CALLGUARD_DOMAIN %q has no built-in profile; set CALLGUARD_PROFILE_PATH", cfg.Domain)
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
