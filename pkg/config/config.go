// Package config loads the process configuration from the environment
// once at startup; the result is immutable afterwards.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Defaults for optional settings.
const (
	DefaultPollingInterval      = 12 * time.Hour
	DefaultMetadataSyncInterval = 24 * time.Hour
)

// Config is the process-wide configuration per the environment.
type Config struct {
	DatabaseURL string

	JenkinsURL      string
	JenkinsUser     string
	JenkinsAPIToken string

	PollingInterval   time.Duration
	AutoUpdateEnabled bool

	AdminPINHash string

	RedisURL string

	GitRepoURL        string
	GitRepoLocalPath  string
	GitRepoBranch     string
	GitRepoSSHKeyPath string

	TestDiscoveryBasePath      string
	TestDiscoveryStagingConfig string

	MetadataSyncEnabled  bool
	MetadataSyncInterval time.Duration
}

// Load reads the configuration from the environment and validates the
// settings every deployment needs. Subsystem-specific settings are
// validated by the subsystem that consumes them.
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL:                os.Getenv("DATABASE_URL"),
		JenkinsURL:                 os.Getenv("JENKINS_URL"),
		JenkinsUser:                os.Getenv("JENKINS_USER"),
		JenkinsAPIToken:            os.Getenv("JENKINS_API_TOKEN"),
		AdminPINHash:               os.Getenv("ADMIN_PIN_HASH"),
		RedisURL:                   os.Getenv("REDIS_URL"),
		GitRepoURL:                 os.Getenv("GIT_REPO_URL"),
		GitRepoLocalPath:           os.Getenv("GIT_REPO_LOCAL_PATH"),
		GitRepoBranch:              os.Getenv("GIT_REPO_BRANCH"),
		GitRepoSSHKeyPath:          os.Getenv("GIT_REPO_SSH_KEY_PATH"),
		TestDiscoveryBasePath:      os.Getenv("TEST_DISCOVERY_BASE_PATH"),
		TestDiscoveryStagingConfig: os.Getenv("TEST_DISCOVERY_STAGING_CONFIG"),
	}

	var err error
	if cfg.AutoUpdateEnabled, err = boolEnv("AUTO_UPDATE_ENABLED", false); err != nil {
		return nil, err
	}
	if cfg.MetadataSyncEnabled, err = boolEnv("METADATA_SYNC_ENABLED", false); err != nil {
		return nil, err
	}
	if cfg.PollingInterval, err = pollingInterval(); err != nil {
		return nil, err
	}
	if cfg.MetadataSyncInterval, err = hoursEnv("METADATA_SYNC_INTERVAL_HOURS", DefaultMetadataSyncInterval); err != nil {
		return nil, err
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.AdminPINHash == "" {
		return nil, errors.New("ADMIN_PIN_HASH is required")
	}
	if decoded, err := hex.DecodeString(cfg.AdminPINHash); err != nil || len(decoded) != 32 {
		return nil, errors.New("ADMIN_PIN_HASH must be a hex SHA-256 digest")
	}
	return cfg, nil
}

// pollingInterval reads POLLING_INTERVAL_HOURS, honoring the legacy
// POLLING_INTERVAL_MINUTES when the hours form is absent.
func pollingInterval() (time.Duration, error) {
	if raw := os.Getenv("POLLING_INTERVAL_HOURS"); raw != "" {
		hours, err := strconv.Atoi(raw)
		if err != nil || hours <= 0 {
			return 0, fmt.Errorf("POLLING_INTERVAL_HOURS must be a positive integer, got %q", raw)
		}
		return time.Duration(hours) * time.Hour, nil
	}
	if raw := os.Getenv("POLLING_INTERVAL_MINUTES"); raw != "" {
		minutes, err := strconv.Atoi(raw)
		if err != nil || minutes <= 0 {
			return 0, fmt.Errorf("POLLING_INTERVAL_MINUTES must be a positive integer, got %q", raw)
		}
		return time.Duration(minutes) * time.Minute, nil
	}
	return DefaultPollingInterval, nil
}

func boolEnv(name string, fallback bool) (bool, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean, got %q", name, raw)
	}
	return value, nil
}

func hoursEnv(name string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback, nil
	}
	hours, err := strconv.Atoi(raw)
	if err != nil || hours <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer, got %q", name, raw)
	}
	return time.Duration(hours) * time.Hour, nil
}
