package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store backends
const (
	storeMemory    = "memory"
	storePostgres  = "postgres"
	storeRedis     = "redis"
	storeFirestore = "firestore"
	storeTiered    = "tiered"
)

// Config is the daemon configuration, read from BILLSYNC_* environment variables.
type Config struct {
	Addr            string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	// Store is one of memory, postgres, redis, firestore or tiered.
	// tiered uses redis as the hot tier in front of postgres.
	Store            string
	PostgresURL      string
	RedisURL         string
	RedisKeyPrefix   string
	FirestoreProject string

	// DistributedLock serializes per-user updates through redis so several
	// replicas can share one store
	DistributedLock bool

	StripeAPIKey        string
	StripeWebhookSecret string
	StripeBackendURL    string

	// WebhookSecrets enables the canonical HMAC webhook endpoint
	WebhookSecrets   []string
	WebhookTolerance time.Duration

	UserIDHeader string

	CallTimeout      time.Duration
	BreakerThreshold int
	BreakerReset     time.Duration

	NotifyRedisChannel string
	WorkflowURL        string
	WorkflowToken      string

	MetricsNamespace string
}

// LoadConfig reads the configuration from the environment. envFile, when it
// exists, is loaded first; variables already set in the environment win.
func LoadConfig(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	var errs []error
	cfg := Config{
		Addr:                getenv("BILLSYNC_ADDR", ":8080"),
		LogLevel:            getenv("BILLSYNC_LOG_LEVEL", "info"),
		LogFormat:           getenv("BILLSYNC_LOG_FORMAT", "json"),
		ShutdownTimeout:     getDuration("BILLSYNC_SHUTDOWN_TIMEOUT", 15*time.Second, &errs),
		Store:               strings.ToLower(getenv("BILLSYNC_STORE", storeMemory)),
		PostgresURL:         os.Getenv("BILLSYNC_POSTGRES_URL"),
		RedisURL:            os.Getenv("BILLSYNC_REDIS_URL"),
		RedisKeyPrefix:      getenv("BILLSYNC_REDIS_KEY_PREFIX", "billsync:"),
		FirestoreProject:    os.Getenv("BILLSYNC_FIRESTORE_PROJECT"),
		DistributedLock:     getBool("BILLSYNC_DISTRIBUTED_LOCK", false, &errs),
		StripeAPIKey:        os.Getenv("BILLSYNC_STRIPE_API_KEY"),
		StripeWebhookSecret: os.Getenv("BILLSYNC_STRIPE_WEBHOOK_SECRET"),
		StripeBackendURL:    os.Getenv("BILLSYNC_STRIPE_BACKEND_URL"),
		WebhookSecrets:      splitList(os.Getenv("BILLSYNC_WEBHOOK_SECRETS")),
		WebhookTolerance:    getDuration("BILLSYNC_WEBHOOK_TOLERANCE", 5*time.Minute, &errs),
		UserIDHeader:        getenv("BILLSYNC_USER_ID_HEADER", "X-User-ID"),
		CallTimeout:         getDuration("BILLSYNC_PROVIDER_TIMEOUT", 10*time.Second, &errs),
		BreakerThreshold:    getInt("BILLSYNC_BREAKER_THRESHOLD", 5, &errs),
		BreakerReset:        getDuration("BILLSYNC_BREAKER_RESET", 30*time.Second, &errs),
		NotifyRedisChannel:  os.Getenv("BILLSYNC_NOTIFY_REDIS_CHANNEL"),
		WorkflowURL:         os.Getenv("BILLSYNC_WORKFLOW_URL"),
		WorkflowToken:       os.Getenv("BILLSYNC_WORKFLOW_TOKEN"),
		MetricsNamespace:    getenv("BILLSYNC_METRICS_NAMESPACE", "billsync"),
	}
	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.StripeAPIKey == "" {
		return errors.New("BILLSYNC_STRIPE_API_KEY is required")
	}
	if c.StripeWebhookSecret == "" {
		return errors.New("BILLSYNC_STRIPE_WEBHOOK_SECRET is required")
	}

	switch c.Store {
	case storeMemory:
	case storePostgres:
		if c.PostgresURL == "" {
			return errors.New("BILLSYNC_POSTGRES_URL is required for the postgres store")
		}
	case storeRedis:
		if c.RedisURL == "" {
			return errors.New("BILLSYNC_REDIS_URL is required for the redis store")
		}
	case storeFirestore:
		if c.FirestoreProject == "" {
			return errors.New("BILLSYNC_FIRESTORE_PROJECT is required for the firestore store")
		}
	case storeTiered:
		if c.PostgresURL == "" || c.RedisURL == "" {
			return errors.New("the tiered store needs BILLSYNC_POSTGRES_URL and BILLSYNC_REDIS_URL")
		}
	default:
		return fmt.Errorf("unknown store %q", c.Store)
	}

	if (c.DistributedLock || c.NotifyRedisChannel != "") && c.RedisURL == "" {
		return errors.New("BILLSYNC_REDIS_URL is required for the distributed lock and redis notifications")
	}
	if c.Store == storeMemory && c.DistributedLock {
		return errors.New("a distributed lock is pointless with the in-process memory store")
	}
	return nil
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration, errs *[]error) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func getInt(key string, def int, errs *[]error) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func getBool(key string, def bool, errs *[]error) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return b
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
