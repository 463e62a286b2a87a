package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the subsync binary.
type Config struct {
	ListenAddr string
	LogFormat  string // "json" or "console"
	LogLevel   string

	// StoreBackend selects the subscription store: "postgres", "firestore" or "memory".
	StoreBackend             string
	DatabaseURL              string
	Migrate                  bool
	FirestoreProjectID       string
	FirestoreCollection      string
	FirestoreUsersCollection string

	// RedisAddr enables the Redis skip ledger. Empty keeps the ledger in memory.
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisKeyPrefix string

	WebhookSecret      string
	EnableHMAC         bool
	SyncSecret         string
	APIKey             string
	APIBaseURL         string
	DefaultEntitlement string
	AllowedOrigins     []string
	RequestTimeout     time.Duration
	BatchSize          int
	SyncConcurrency    int

	// User token verification for the sync and status endpoints.
	JWTSecret    string
	JWTIssuer    string
	OIDCIssuer   string
	OIDCClientID string

	SweepInterval time.Duration
	SweepLimit    int
}

// LoadConfig loads configuration from environment variables.
// A .env file is loaded if present but not required.
func LoadConfig() (*Config, error) {
	// Best-effort .env loading (not required)
	_ = godotenv.Load()

	redisDB, err := envOrDefaultInt("REDIS_DB", 0)
	if err != nil {
		return nil, err
	}
	batchSize, err := envOrDefaultInt("SUBSYNC_BATCH_SIZE", 50)
	if err != nil {
		return nil, err
	}
	concurrency, err := envOrDefaultInt("SUBSYNC_SYNC_CONCURRENCY", 4)
	if err != nil {
		return nil, err
	}
	sweepLimit, err := envOrDefaultInt("SUBSYNC_SWEEP_LIMIT", 100)
	if err != nil {
		return nil, err
	}
	sweepInterval, err := envOrDefaultDuration("SUBSYNC_SWEEP_INTERVAL", 15*time.Minute)
	if err != nil {
		return nil, err
	}
	requestTimeout, err := envOrDefaultDuration("REVENUECAT_REQUEST_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}
	enableHMAC, err := envOrDefaultBool("REVENUECAT_WEBHOOK_HMAC", false)
	if err != nil {
		return nil, err
	}
	migrate, err := envOrDefaultBool("SUBSYNC_MIGRATE", false)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		ListenAddr:               envOrDefault("SUBSYNC_LISTEN_ADDR", ":8080"),
		LogFormat:                envOrDefault("SUBSYNC_LOG_FORMAT", "json"),
		LogLevel:                 envOrDefault("SUBSYNC_LOG_LEVEL", "info"),
		StoreBackend:             strings.ToLower(envOrDefault("SUBSYNC_STORE", "postgres")),
		DatabaseURL:              strings.TrimSpace(os.Getenv("DATABASE_URL")),
		Migrate:                  migrate,
		FirestoreProjectID:       strings.TrimSpace(os.Getenv("FIRESTORE_PROJECT_ID")),
		FirestoreCollection:      envOrDefault("FIRESTORE_COLLECTION", "billing_subscriptions"),
		FirestoreUsersCollection: strings.TrimSpace(os.Getenv("FIRESTORE_USERS_COLLECTION")),
		RedisAddr:                strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		RedisPassword:            os.Getenv("REDIS_PASSWORD"),
		RedisDB:                  redisDB,
		RedisKeyPrefix:           envOrDefault("REDIS_KEY_PREFIX", "subsync:"),
		WebhookSecret:            strings.TrimSpace(os.Getenv("REVENUECAT_WEBHOOK_SECRET")),
		EnableHMAC:               enableHMAC,
		SyncSecret:               strings.TrimSpace(os.Getenv("SUBSYNC_SYNC_SECRET")),
		APIKey:                   strings.TrimSpace(os.Getenv("REVENUECAT_API_KEY")),
		APIBaseURL:               strings.TrimSpace(os.Getenv("REVENUECAT_API_BASE_URL")),
		DefaultEntitlement:       envOrDefault("SUBSYNC_DEFAULT_ENTITLEMENT", "pro"),
		AllowedOrigins:           splitList(os.Getenv("SUBSYNC_ALLOWED_ORIGINS")),
		RequestTimeout:           requestTimeout,
		BatchSize:                batchSize,
		SyncConcurrency:          concurrency,
		JWTSecret:                strings.TrimSpace(os.Getenv("SUBSYNC_JWT_SECRET")),
		JWTIssuer:                strings.TrimSpace(os.Getenv("SUBSYNC_JWT_ISSUER")),
		OIDCIssuer:               strings.TrimSpace(os.Getenv("OIDC_ISSUER_URL")),
		OIDCClientID:             strings.TrimSpace(os.Getenv("OIDC_CLIENT_ID")),
		SweepInterval:            sweepInterval,
		SweepLimit:               sweepLimit,
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.WebhookSecret == "" {
		missing = append(missing, "REVENUECAT_WEBHOOK_SECRET")
	}
	if c.APIKey == "" {
		missing = append(missing, "REVENUECAT_API_KEY")
	}
	switch c.StoreBackend {
	case "postgres":
		if c.DatabaseURL == "" {
			missing = append(missing, "DATABASE_URL")
		}
	case "firestore":
		if c.FirestoreProjectID == "" {
			missing = append(missing, "FIRESTORE_PROJECT_ID")
		}
	case "memory":
	default:
		return fmt.Errorf("SUBSYNC_STORE must be postgres, firestore or memory, got %q", c.StoreBackend)
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if (c.OIDCIssuer == "") != (c.OIDCClientID == "") {
		return fmt.Errorf("OIDC_ISSUER_URL and OIDC_CLIENT_ID must be set together")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("SUBSYNC_BATCH_SIZE must be greater than 0, got %d", c.BatchSize)
	}
	if c.SyncConcurrency <= 0 {
		return fmt.Errorf("SUBSYNC_SYNC_CONCURRENCY must be greater than 0, got %d", c.SyncConcurrency)
	}
	if c.SweepInterval < 0 {
		return fmt.Errorf("SUBSYNC_SWEEP_INTERVAL must not be negative, got %s", c.SweepInterval)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultBool(key string, fallback bool) (bool, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("%s must be a boolean: %w", key, err)
		}
		return b, nil
	}
	return fallback, nil
}

func envOrDefaultDuration(key string, fallback time.Duration) (time.Duration, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid duration: %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
