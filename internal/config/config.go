// Package config holds the hub's tunable parameters (spec.md §6) plus the
// ambient stack config (store DSN, event bus, JWT, metrics) needed to wire
// the concrete adapters. Every value has an env-var override and a
// documented default, following the teacher's getEnvOrDefault convention.
package config

import (
	"os"
	"strconv"
	"time"
)

// Mechanism selects the scheduling policy (spec.md §4.1, §9 "Dynamic dispatch").
type Mechanism string

const (
	MechanismCustom Mechanism = "custom"
	MechanismFIFO   Mechanism = "fifo"
)

// Config is the full set of parameters an implementation must recognize
// (spec.md §6's table) plus the ambient stack needed to run a hub process.
type Config struct {
	Scheduler SchedulerConfig
	Store     StoreConfig
	Events    EventsConfig
	JWT       JWTConfig
	Metrics   MetricsConfig
}

// SchedulerConfig is spec.md §6's configuration table, verbatim.
type SchedulerConfig struct {
	ActiveQueueSize       int
	MaxStale              int
	StalePenaltyMult      float64
	InProgressBoost       float64
	HeartbeatTimeout      time.Duration
	HealthCheckInterval   time.Duration
	OrchestrationInterval time.Duration
	ValidationThreshold   float64
	TrustInc              float64
	TrustDec              float64
	TrustMin              float64
	TrustMax              float64
	Mechanism             Mechanism
	PreemptionBand        float64
}

// StoreConfig configures the Postgres-backed Store adapter.
type StoreConfig struct {
	Host            string
	Port            int
	Name            string
	User            string
	Password        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// EventsConfig configures the Redis-backed EventBus adapter.
type EventsConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPoolSize int
	DialTimeout   time.Duration
}

// JWTConfig configures node bearer-token issuance and verification.
type JWTConfig struct {
	SecretKey  string
	Issuer     string
	Audience   string
	ExpiryTime time.Duration
}

// MetricsConfig configures the Prometheus collectors.
type MetricsConfig struct {
	Namespace string
}

// Default returns the defaults named in spec.md §6, overridable by env var.
func Default() *Config {
	return &Config{
		Scheduler: SchedulerConfig{
			ActiveQueueSize:       getEnvIntOrDefault("HUB_ACTIVE_QUEUE_SIZE", 10),
			MaxStale:              getEnvIntOrDefault("HUB_MAX_STALE", 20),
			StalePenaltyMult:      getEnvFloatOrDefault("HUB_STALE_PENALTY_MULT", 10),
			InProgressBoost:       getEnvFloatOrDefault("HUB_IN_PROGRESS_BOOST", 1.2),
			HeartbeatTimeout:      getEnvDurationOrDefault("HUB_HEARTBEAT_TIMEOUT", 60*time.Second),
			HealthCheckInterval:   getEnvDurationOrDefault("HUB_HEALTH_CHECK_INTERVAL", 30*time.Second),
			OrchestrationInterval: getEnvDurationOrDefault("HUB_ORCHESTRATION_INTERVAL", 5*time.Second),
			ValidationThreshold:   getEnvFloatOrDefault("HUB_VALIDATION_THRESHOLD", 0.5),
			TrustInc:              getEnvFloatOrDefault("HUB_TRUST_INC", 0.5),
			TrustDec:              getEnvFloatOrDefault("HUB_TRUST_DEC", 0.5),
			TrustMin:              getEnvFloatOrDefault("HUB_TRUST_MIN", 1.0),
			TrustMax:              getEnvFloatOrDefault("HUB_TRUST_MAX", 10.0),
			Mechanism:             Mechanism(getEnvOrDefault("HUB_ORCHESTRATION_MECHANISM", string(MechanismCustom))),
			PreemptionBand:        getEnvFloatOrDefault("HUB_PREEMPTION_BAND", 1.3),
		},
		Store: StoreConfig{
			Host:            getEnvOrDefault("HUB_DB_HOST", "localhost"),
			Port:            getEnvIntOrDefault("HUB_DB_PORT", 5432),
			Name:            getEnvOrDefault("HUB_DB_NAME", "hub"),
			User:            getEnvOrDefault("HUB_DB_USER", "hub"),
			Password:        getEnvOrDefault("HUB_DB_PASSWORD", ""),
			SSLMode:         getEnvOrDefault("HUB_DB_SSL_MODE", "prefer"),
			MaxOpenConns:    getEnvIntOrDefault("HUB_DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvIntOrDefault("HUB_DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDurationOrDefault("HUB_DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Events: EventsConfig{
			RedisAddr:     getEnvOrDefault("HUB_REDIS_ADDR", "localhost:6379"),
			RedisPassword: getEnvOrDefault("HUB_REDIS_PASSWORD", ""),
			RedisDB:       getEnvIntOrDefault("HUB_REDIS_DB", 0),
			RedisPoolSize: getEnvIntOrDefault("HUB_REDIS_POOL_SIZE", 10),
			DialTimeout:   getEnvDurationOrDefault("HUB_REDIS_DIAL_TIMEOUT", 5*time.Second),
		},
		JWT: JWTConfig{
			SecretKey:  getEnvOrDefault("HUB_JWT_SECRET", "change-me"),
			Issuer:     getEnvOrDefault("HUB_JWT_ISSUER", "hub"),
			Audience:   getEnvOrDefault("HUB_JWT_AUDIENCE", "hub-nodes"),
			ExpiryTime: getEnvDurationOrDefault("HUB_JWT_EXPIRY", 24*time.Hour),
		},
		Metrics: MetricsConfig{
			Namespace: getEnvOrDefault("HUB_METRICS_NAMESPACE", "hub"),
		},
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
