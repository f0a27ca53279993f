// Package config loads kernel configuration from the environment, with
// policy sources coming from YAML files next to the binary.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds worker and store configuration.
type Config struct {
	// DatabaseURL selects the shared store. A postgres:// URL uses the
	// Postgres driver; anything else is treated as a SQLite path.
	DatabaseURL string

	// RedisURL enables the distributed dispatch limiter when set.
	RedisURL string

	PolicyDir     string
	LogLevel      string
	LogFormat     string
	OwnerID       string
	LeaseTTL      time.Duration
	DispatchEvery time.Duration
	DispatchBurst int

	// IdentityKey is the HMAC key for verifying source tokens.
	IdentityKey    string
	IdentityIssuer string
}

// Load loads configuration from environment variables.
func Load() *Config {
	dbURL := os.Getenv("KEEL_DATABASE_URL")
	if dbURL == "" {
		dbURL = "keel.db"
	}

	policyDir := os.Getenv("KEEL_POLICY_DIR")
	if policyDir == "" {
		policyDir = "policies"
	}

	logLevel := os.Getenv("KEEL_LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	logFormat := os.Getenv("KEEL_LOG_FORMAT")
	if logFormat == "" {
		logFormat = "text"
	}

	owner := os.Getenv("KEEL_OWNER_ID")
	if owner == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "keel-worker"
		}
		owner = host
	}

	issuer := os.Getenv("KEEL_IDENTITY_ISSUER")
	if issuer == "" {
		issuer = "keel"
	}

	return &Config{
		DatabaseURL:    dbURL,
		RedisURL:       os.Getenv("KEEL_REDIS_URL"),
		PolicyDir:      policyDir,
		LogLevel:       logLevel,
		LogFormat:      logFormat,
		OwnerID:        owner,
		LeaseTTL:       durationEnv("KEEL_LEASE_TTL", 30*time.Second),
		DispatchEvery:  durationEnv("KEEL_DISPATCH_INTERVAL", time.Second),
		DispatchBurst:  intEnv("KEEL_DISPATCH_BURST", 100),
		IdentityKey:    os.Getenv("KEEL_IDENTITY_KEY"),
		IdentityIssuer: issuer,
	}
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
