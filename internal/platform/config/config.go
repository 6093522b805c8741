// Package config builds runtime configuration from the environment so main
// stays lean. All variables use the VEIL_ prefix; absent optional backends
// (postgres, redis, kafka) leave their sections empty and the service falls
// back to in-memory stores.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full server configuration.
type Config struct {
	Server    Server
	Postgres  Postgres
	Redis     Redis
	Kafka     Kafka
	Retention Retention
	Token     Token
	Vault     Vault
	RateLimit RateLimit
}

// RateLimit bounds requests per client IP over a sliding window. A zero
// limit disables limiting.
type RateLimit struct {
	Limit  int
	Window time.Duration
}

// Server captures HTTP server level configuration. An empty AdminToken
// disables the operator endpoints.
type Server struct {
	Addr            string
	ShutdownTimeout time.Duration
	AdminToken      string
}

// Vault holds the key material protecting sealed identity layers.
type Vault struct {
	MasterSecret string
}

// Postgres holds the SQL connection settings. Empty DSN means in-memory mode.
type Postgres struct {
	DSN             string
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// Redis holds the access-token registry settings. Empty URL disables Redis.
type Redis struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Kafka holds the audit sink settings. No brokers means store-only auditing.
type Kafka struct {
	Brokers []string
	Topic   string
}

// Retention tunes the purge scheduler loop.
type Retention struct {
	PollInterval time.Duration
	RetryBudget  int
	RetryBase    time.Duration
}

// Token configures scoped access token minting.
type Token struct {
	SigningKey string
	MaxTTL     time.Duration
}

// FromEnv builds Config from environment variables.
func FromEnv() Config {
	return Config{
		Server: Server{
			Addr:            envString("VEIL_ADDR", ":8080"),
			ShutdownTimeout: envDuration("VEIL_SHUTDOWN_TIMEOUT", 10*time.Second),
			AdminToken:      os.Getenv("VEIL_ADMIN_TOKEN"),
		},
		Vault: Vault{
			MasterSecret: envString("VEIL_MASTER_SECRET", "dev-master-secret-change-in-production"),
		},
		Postgres: Postgres{
			DSN:             os.Getenv("VEIL_POSTGRES_DSN"),
			MaxOpenConns:    envInt("VEIL_POSTGRES_MAX_OPEN_CONNS", 10),
			ConnMaxLifetime: envDuration("VEIL_POSTGRES_CONN_MAX_LIFETIME", 30*time.Minute),
		},
		Redis: Redis{
			URL:          os.Getenv("VEIL_REDIS_URL"),
			PoolSize:     envInt("VEIL_REDIS_POOL_SIZE", 10),
			MinIdleConns: envInt("VEIL_REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  envDuration("VEIL_REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  envDuration("VEIL_REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: envDuration("VEIL_REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Kafka: Kafka{
			Brokers: envList("VEIL_KAFKA_BROKERS"),
			Topic:   envString("VEIL_KAFKA_AUDIT_TOPIC", "veil.audit.events"),
		},
		Retention: Retention{
			PollInterval: envDuration("VEIL_RETENTION_POLL_INTERVAL", time.Second),
			RetryBudget:  envInt("VEIL_RETENTION_RETRY_BUDGET", 5),
			RetryBase:    envDuration("VEIL_RETENTION_RETRY_BASE", 500*time.Millisecond),
		},
		RateLimit: RateLimit{
			Limit:  envInt("VEIL_RATE_LIMIT", 120),
			Window: envDuration("VEIL_RATE_LIMIT_WINDOW", time.Minute),
		},
		Token: Token{
			SigningKey: envString("VEIL_TOKEN_SIGNING_KEY", "dev-secret-key-change-in-production"),
			MaxTTL:     envDuration("VEIL_TOKEN_MAX_TTL", time.Hour),
		},
	}
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
