package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	ListenAddr string

	RegistryBaseURL  string
	RegistryUser     string
	RegistryPassword string

	CipherPassphrase string
	CipherSalt       string

	TokenRefreshInterval time.Duration

	CacheExpiry       time.Duration
	RecentDateWindow  time.Duration
	FallbackWiden     time.Duration
	RefreshWindow     time.Duration
	RetentionWindow   time.Duration
	SyncTimeout       time.Duration
	BackgroundTimeout time.Duration
	SweepInterval     time.Duration

	PruneSafetyRatio  float64
	PruneMinimumRows  int64
	DefaultPageSize   int
	MaxPageSize       int
	FetchRetries      int
	FetchRetryBackoff time.Duration

	BreakerFailureThreshold int
	BreakerCooldown         time.Duration
	BreakerHalfOpenProbes   int

	RateLimit       int
	RateLimitWindow time.Duration

	PostgresUser     string
	PostgresPassword string
	PostgresHost     string
	PostgresPort     string
	PostgresDatabase string
	PostgresSSLMode  string
}

func Load() *Config {
	cfg := &Config{
		ListenAddr: getEnv("LISTEN_ADDR", ":8080"),

		RegistryBaseURL:  mustGetEnv("REGISTRY_BASE_URL"),
		RegistryUser:     mustGetEnv("REGISTRY_USER"),
		RegistryPassword: mustGetEnv("REGISTRY_PASSWORD"),

		CipherPassphrase: mustGetEnv("CIPHER_PASSPHRASE"),
		CipherSalt:       mustGetEnv("CIPHER_SALT"),

		TokenRefreshInterval: getEnvDuration("TOKEN_REFRESH_INTERVAL", 50*time.Minute),

		CacheExpiry:       getEnvDuration("CACHE_EXPIRY", 60*time.Minute),
		RecentDateWindow:  getEnvDuration("RECENT_DATE_WINDOW", 24*time.Hour),
		FallbackWiden:     getEnvDuration("FALLBACK_WINDOW_WIDEN", 30*24*time.Hour),
		RefreshWindow:     getEnvDuration("REFRESH_WINDOW", 30*24*time.Hour),
		RetentionWindow:   getEnvDuration("RETENTION_WINDOW", 90*24*time.Hour),
		SyncTimeout:       getEnvDuration("SYNC_TIMEOUT", 30*time.Second),
		BackgroundTimeout: getEnvDuration("BACKGROUND_TIMEOUT", 5*time.Minute),
		SweepInterval:     getEnvDuration("SWEEP_INTERVAL", 30*time.Minute),

		PruneSafetyRatio:  getEnvFloat("PRUNE_SAFETY_RATIO", 0.80),
		PruneMinimumRows:  int64(getEnvInt("PRUNE_MINIMUM_ROWS", 100)),
		DefaultPageSize:   getEnvInt("DEFAULT_PAGE_SIZE", 20),
		MaxPageSize:       getEnvInt("MAX_PAGE_SIZE", 200),
		FetchRetries:      getEnvInt("FETCH_RETRIES", 2),
		FetchRetryBackoff: getEnvDuration("FETCH_RETRY_BACKOFF", 2*time.Second),

		BreakerFailureThreshold: getEnvInt("BREAKER_FAILURE_THRESHOLD", 5),
		BreakerCooldown:         getEnvDuration("BREAKER_COOLDOWN", time.Minute),
		BreakerHalfOpenProbes:   getEnvInt("BREAKER_HALF_OPEN_PROBES", 3),

		RateLimit:       getEnvInt("RATE_LIMIT", 100),
		RateLimitWindow: getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),

		PostgresUser:     getEnv("POSTGRES_USER", "registrycache"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "password"),
		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresDatabase: getEnv("POSTGRES_DATABASE", "vehicle_registry_cache"),
		PostgresSSLMode:  getEnv("POSTGRES_SSL_MODE", "disable"),
	}

	return cfg
}

func mustGetEnv(key string) string {
	value := os.Getenv(key)
	if value == "" {
		panic("Missing required environment variable: " + key)
	}
	return value
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
