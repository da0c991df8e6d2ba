package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// DispatchConfig holds the round/TTL tunables. Callers of the engine
// may override any of them per invocation; these are the ambient
// defaults (see DefaultDispatchConfig).
type DispatchConfig struct {
	TTL          time.Duration
	BatchSize    int
	MaxRounds    int
	PollInterval time.Duration
}

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane
// defaults so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	PGDSN string

	RedisAddr     string
	RedisPassword string
	LockTTL       time.Duration

	KafkaBrokers    []string
	KafkaOrderTopic string
	KafkaEventTopic string
	KafkaGroup      string

	PushEndpoint string
	PushKey      string

	Dispatch DispatchConfig

	LogLevel      string
	RunMigrations bool
}

func DefaultDispatchConfig() DispatchConfig {
	return DispatchConfig{
		TTL:          120 * time.Second,
		BatchSize:    5,
		MaxRounds:    3,
		PollInterval: 5 * time.Second,
	}
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:    ":8080",
		ReadTimeout: 5 * time.Second,
		// Dispatch requests block for up to maxRounds x ttl, so the
		// write timeout has to outlive the longest workflow.
		WriteTimeout:    15 * time.Minute,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		LockTTL:         10 * time.Minute,
		KafkaOrderTopic: "order-confirmed",
		KafkaEventTopic: "order-events",
		KafkaGroup:      "order-dispatch",
		Dispatch:        DefaultDispatchConfig(),
		LogLevel:        "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.PGDSN = os.Getenv("PG_DSN")

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setDurationFromEnv(&cfg.LockTTL, "DISPATCH_LOCK_TTL", &errs)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaOrderTopic, "KAFKA_ORDER_TOPIC")
	setStringFromEnv(&cfg.KafkaEventTopic, "KAFKA_EVENT_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")

	setStringFromEnv(&cfg.PushEndpoint, "PUSH_ENDPOINT")
	cfg.PushKey = os.Getenv("PUSH_KEY")

	setDurationFromEnv(&cfg.Dispatch.TTL, "DISPATCH_TTL", &errs)
	setIntFromEnv(&cfg.Dispatch.BatchSize, "DISPATCH_BATCH_SIZE", &errs)
	setIntFromEnv(&cfg.Dispatch.MaxRounds, "DISPATCH_MAX_ROUNDS", &errs)
	setDurationFromEnv(&cfg.Dispatch.PollInterval, "DISPATCH_POLL_INTERVAL", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.Dispatch.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_BATCH_SIZE must be > 0"))
	}
	if cfg.Dispatch.MaxRounds <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_MAX_ROUNDS must be > 0"))
	}
	if cfg.Dispatch.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_POLL_INTERVAL must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
