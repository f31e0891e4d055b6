// Package config loads process configuration from the environment, with an
// optional .env file for development setups.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

const envPrefix = "CARDLIFE_"

// Settings holds every tunable for the service.
type Settings struct {
	ListenAddr string
	DataDir    string

	LogLevel  string
	LogFormat string

	RedisURL string

	PartnerBaseURL      string
	PartnerClientID     string
	PartnerClientSecret string
	PartnerTimeout      time.Duration

	SweepHourUTC     int
	SweepConcurrency int

	RetryMaxAttempts    int
	RetryInitialBackoff time.Duration
	RetryMaxBackoff     time.Duration
}

// DefaultSettings returns the baseline configuration.
func DefaultSettings() *Settings {
	return &Settings{
		ListenAddr:          ":8080",
		DataDir:             "data",
		LogLevel:            "info",
		LogFormat:           "auto",
		PartnerTimeout:      15 * time.Second,
		SweepHourUTC:        2,
		SweepConcurrency:    8,
		RetryMaxAttempts:    3,
		RetryInitialBackoff: time.Second,
		RetryMaxBackoff:     30 * time.Second,
	}
}

// Load builds Settings from defaults, an optional .env file, and
// environment overrides, then validates the result.
func Load() (*Settings, error) {
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("Loaded environment from .env file")
	}

	s := DefaultSettings()
	s.applyEnv()
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return s, nil
}

func (s *Settings) applyEnv() {
	setString(&s.ListenAddr, "LISTEN_ADDR")
	setString(&s.DataDir, "DATA_DIR")
	setString(&s.LogLevel, "LOG_LEVEL")
	setString(&s.LogFormat, "LOG_FORMAT")
	setString(&s.RedisURL, "REDIS_URL")
	setString(&s.PartnerBaseURL, "PARTNER_BASE_URL")
	setString(&s.PartnerClientID, "PARTNER_CLIENT_ID")
	setString(&s.PartnerClientSecret, "PARTNER_CLIENT_SECRET")
	setDuration(&s.PartnerTimeout, "PARTNER_TIMEOUT")
	setInt(&s.SweepHourUTC, "SWEEP_HOUR_UTC")
	setInt(&s.SweepConcurrency, "SWEEP_CONCURRENCY")
	setInt(&s.RetryMaxAttempts, "RETRY_MAX_ATTEMPTS")
	setDuration(&s.RetryInitialBackoff, "RETRY_INITIAL_BACKOFF")
	setDuration(&s.RetryMaxBackoff, "RETRY_MAX_BACKOFF")
}

// Validate checks cross-field constraints.
func (s *Settings) Validate() error {
	if strings.TrimSpace(s.ListenAddr) == "" {
		return fmt.Errorf("listen address is required")
	}
	if strings.TrimSpace(s.DataDir) == "" {
		return fmt.Errorf("data directory is required")
	}
	if s.SweepHourUTC < 0 || s.SweepHourUTC > 23 {
		return fmt.Errorf("sweep hour must be between 0 and 23, got %d", s.SweepHourUTC)
	}
	if s.RetryMaxAttempts < 1 {
		return fmt.Errorf("retry max attempts must be at least 1, got %d", s.RetryMaxAttempts)
	}
	if s.PartnerClientID != "" && s.PartnerClientSecret == "" {
		return fmt.Errorf("partner client secret is required when a client id is set")
	}
	return nil
}

func setString(target *string, key string) {
	if value, ok := os.LookupEnv(envPrefix + key); ok {
		*target = value
	}
}

func setInt(target *int, key string) {
	value, ok := os.LookupEnv(envPrefix + key)
	if !ok {
		return
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		log.Warn().Str("key", envPrefix+key).Str("value", value).Msg("Ignoring non-integer environment value")
		return
	}
	*target = parsed
}

func setDuration(target *time.Duration, key string) {
	value, ok := os.LookupEnv(envPrefix + key)
	if !ok {
		return
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		log.Warn().Str("key", envPrefix+key).Str("value", value).Msg("Ignoring non-duration environment value")
		return
	}
	*target = parsed
}
