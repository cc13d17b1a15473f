package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds everything the server, the dispatcher and the reconciler
// read from the environment.
type Config struct {
	Port               string
	DBConnectionString string
	RedisURL           string
	AccessTokenSecret  string

	LockBackend string
	LockTimeout time.Duration

	CalendarHorizonDays int

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxAttempts  int
	OutboxBackoffBase  time.Duration
	OutboxBackoffMax   time.Duration
	OutboxSendTimeout  time.Duration
	OutboxLeaseTimeout time.Duration

	ReconcileInterval      time.Duration
	ReconcileLookaheadDays int
	ReconcileAutoHeal      bool

	// Channels maps a channel name to its endpoint; "sandbox" selects the
	// in-memory adapter.
	Channels map[string]string

	LogLevel string
	LogFile  string
}

// Load reads .env outside production and then the process environment.
func Load() (Config, error) {
	if os.Getenv("RENDER") == "" {
		_ = godotenv.Load()
	}

	channels, err := parseChannels(os.Getenv("CHANNELS"))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Port:               getenvDefault("PORT", "4000"),
		DBConnectionString: strings.TrimSpace(os.Getenv("DB_CONNECTION_STRING")),
		RedisURL:           getenvDefault("REDIS_URL", "localhost:6379"),
		AccessTokenSecret:  strings.TrimSpace(os.Getenv("ACCESS_TOKEN_SECRET")),

		LockBackend: getenvDefault("LOCK_BACKEND", "memory"),
		LockTimeout: getenvDuration("LOCK_TIMEOUT", 5*time.Second),

		CalendarHorizonDays: getenvInt("CALENDAR_HORIZON_DAYS", 365),

		OutboxPollInterval: getenvDuration("OUTBOX_POLL_INTERVAL", 2*time.Second),
		OutboxBatchSize:    getenvInt("OUTBOX_BATCH_SIZE", 200),
		OutboxMaxAttempts:  getenvInt("OUTBOX_MAX_ATTEMPTS", 8),
		OutboxBackoffBase:  getenvDuration("OUTBOX_BACKOFF_BASE", 5*time.Second),
		OutboxBackoffMax:   getenvDuration("OUTBOX_BACKOFF_MAX", 30*time.Minute),
		OutboxSendTimeout:  getenvDuration("OUTBOX_SEND_TIMEOUT", 10*time.Second),
		OutboxLeaseTimeout: getenvDuration("OUTBOX_LEASE_TIMEOUT", 2*time.Minute),

		ReconcileInterval:      getenvDuration("RECONCILE_INTERVAL", time.Hour),
		ReconcileLookaheadDays: getenvInt("RECONCILE_LOOKAHEAD_DAYS", 90),
		ReconcileAutoHeal:      getenvBool("RECONCILE_AUTO_HEAL", true),

		Channels: channels,

		LogLevel: getenvDefault("LOG_LEVEL", "info"),
		LogFile:  strings.TrimSpace(os.Getenv("LOG_FILE")),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.DBConnectionString == "" {
		return errors.New("DB_CONNECTION_STRING is required")
	}
	switch c.LockBackend {
	case "memory", "redis":
	default:
		return fmt.Errorf("invalid LOCK_BACKEND: %s", c.LockBackend)
	}
	if c.LockTimeout <= 0 {
		return errors.New("lock timeout must be > 0")
	}
	if c.OutboxMaxAttempts < 1 {
		return errors.New("OUTBOX_MAX_ATTEMPTS must be >= 1")
	}
	if c.OutboxBatchSize < 1 {
		return errors.New("OUTBOX_BATCH_SIZE must be >= 1")
	}
	if c.OutboxPollInterval <= 0 || c.OutboxSendTimeout <= 0 || c.OutboxLeaseTimeout <= 0 {
		return errors.New("outbox intervals must be > 0")
	}
	if c.OutboxBackoffBase <= 0 || c.OutboxBackoffMax < c.OutboxBackoffBase {
		return errors.New("outbox backoff must satisfy 0 < base <= max")
	}
	if c.ReconcileLookaheadDays < 1 || c.ReconcileLookaheadDays > 730 {
		return errors.New("RECONCILE_LOOKAHEAD_DAYS must be within 1..730")
	}
	if c.CalendarHorizonDays < 1 || c.CalendarHorizonDays > 1095 {
		return errors.New("CALENDAR_HORIZON_DAYS must be within 1..1095")
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.LogLevel)
	}
	return nil
}

// parseChannels reads "airbnb=https://...,vrbo=sandbox".
func parseChannels(raw string) (map[string]string, error) {
	out := map[string]string{}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, endpoint, ok := strings.Cut(entry, "=")
		name = strings.ToLower(strings.TrimSpace(name))
		endpoint = strings.TrimSpace(endpoint)
		if !ok || name == "" || endpoint == "" {
			return nil, fmt.Errorf("invalid CHANNELS entry %q, want name=endpoint", entry)
		}
		if _, dup := out[name]; dup {
			return nil, fmt.Errorf("channel %q configured twice", name)
		}
		out[name] = endpoint
	}
	return out, nil
}

func getenvDefault(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func getenvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
