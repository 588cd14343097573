// Package config loads and validates environment variables at startup.
// Fail-fast: if a required variable is missing or malformed, the process
// exits with an error instead of limping along on defaults.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Defaults for the tunable knobs. Each can be overridden via environment.
const (
	DefaultFreshnessWindowDays = 30
	DefaultRequestDelaySeconds = 5
	DefaultStaleJobMaxAgeMin   = 30
	DefaultSyncIntervalHours   = 6
	DefaultTaskQueueSize       = 64
	DefaultTaskWorkers         = 2
	DefaultDBMaxConns          = 8
)

// Config holds all runtime configuration for the registry service.
type Config struct {
	Port        string
	DatabaseURL string
	RedisURL    string

	// Profile data provider (RapidAPI LinkedIn endpoint).
	RapidAPIKey  string
	RapidAPIHost string

	// CredentialKey encrypts ATS API keys at rest. Required, 32 bytes;
	// startup fails rather than generating an ephemeral key that would
	// orphan previously-encrypted credentials.
	CredentialKey []byte

	FreshnessWindow time.Duration // skip re-scraping profiles newer than this
	RequestDelay    time.Duration // throttle between outbound provider calls
	StaleJobMaxAge  time.Duration // running sync jobs older than this are failed
	SyncIntervalHrs int           // cron interval for incremental ATS syncs
	TaskQueueSize   int
	TaskWorkers     int
	DBMaxConns      int
}

// Load reads environment variables and returns a validated Config.
func Load() (*Config, error) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}

	rapidKey := os.Getenv("RAPIDAPI_KEY")
	if rapidKey == "" {
		return nil, fmt.Errorf("RAPIDAPI_KEY is required")
	}

	rapidHost := os.Getenv("RAPIDAPI_HOST")
	if rapidHost == "" {
		rapidHost = "linkedin-api8.p.rapidapi.com"
	}

	credKey, err := loadCredentialKey()
	if err != nil {
		return nil, err
	}

	port := os.Getenv("REGISTRY_PORT")
	if port == "" {
		port = "8083"
	}

	freshnessDays, err := intEnv("FRESHNESS_WINDOW_DAYS", DefaultFreshnessWindowDays)
	if err != nil {
		return nil, err
	}
	delaySecs, err := intEnv("REQUEST_DELAY_SECONDS", DefaultRequestDelaySeconds)
	if err != nil {
		return nil, err
	}
	staleMin, err := intEnv("STALE_JOB_MAX_AGE_MINUTES", DefaultStaleJobMaxAgeMin)
	if err != nil {
		return nil, err
	}
	syncHours, err := intEnv("SYNC_INTERVAL_HOURS", DefaultSyncIntervalHours)
	if err != nil {
		return nil, err
	}
	queueSize, err := intEnv("TASK_QUEUE_SIZE", DefaultTaskQueueSize)
	if err != nil {
		return nil, err
	}
	workers, err := intEnv("TASK_WORKERS", DefaultTaskWorkers)
	if err != nil {
		return nil, err
	}
	maxConns, err := intEnv("DB_MAX_CONNS", DefaultDBMaxConns)
	if err != nil {
		return nil, err
	}

	return &Config{
		Port:            port,
		DatabaseURL:     dbURL,
		RedisURL:        redisURL,
		RapidAPIKey:     rapidKey,
		RapidAPIHost:    rapidHost,
		CredentialKey:   credKey,
		FreshnessWindow: time.Duration(freshnessDays) * 24 * time.Hour,
		RequestDelay:    time.Duration(delaySecs) * time.Second,
		StaleJobMaxAge:  time.Duration(staleMin) * time.Minute,
		SyncIntervalHrs: syncHours,
		TaskQueueSize:   queueSize,
		TaskWorkers:     workers,
		DBMaxConns:      maxConns,
	}, nil
}

// loadCredentialKey reads CREDENTIAL_KEY as 64 hex chars (32 bytes, AES-256).
func loadCredentialKey() ([]byte, error) {
	raw := os.Getenv("CREDENTIAL_KEY")
	if raw == "" {
		return nil, fmt.Errorf("CREDENTIAL_KEY is required (64 hex chars)")
	}
	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("CREDENTIAL_KEY must be hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("CREDENTIAL_KEY must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

func intEnv(name string, def int) (int, error) {
	s := os.Getenv(name)
	if s == "" {
		return def, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 1 {
		return 0, fmt.Errorf("%s must be a positive integer, got %q", name, s)
	}
	return v, nil
}
