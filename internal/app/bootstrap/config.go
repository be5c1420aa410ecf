package bootstrap

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ServiceID string

	HTTPPort int
	GRPCPort int

	DatabaseURL  string
	RedisURL     string
	KafkaBrokers []string

	ConsumerGroup string
	Channels      []string

	MaxDBConns int32

	DispatcherWorkers int
	RetryMaxAttempts  int
	RetryBase         time.Duration
	RetryCeiling      time.Duration
	ShutdownGrace     time.Duration

	OutboxPollInterval time.Duration
	OutboxBatchSize    int

	ClaimLeaseTTL      time.Duration
	ProcessedRetention time.Duration
	PruneInterval      time.Duration

	JWTSecret string
}

type configFile struct {
	Service struct {
		ID       string `yaml:"id"`
		HTTPPort int    `yaml:"http_port"`
		GRPCPort int    `yaml:"grpc_port"`
	} `yaml:"service"`
	Dependencies struct {
		PostgresURL  string   `yaml:"postgres_url"`
		RedisURL     string   `yaml:"redis_url"`
		KafkaBrokers []string `yaml:"kafka_brokers"`
	} `yaml:"dependencies"`
	Relay struct {
		ConsumerGroup     string   `yaml:"consumer_group"`
		Channels          []string `yaml:"channels"`
		DispatcherWorkers int      `yaml:"dispatcher_workers"`
		RetryMaxAttempts  int      `yaml:"retry_max_attempts"`
		RetryBaseMS       int      `yaml:"retry_base_ms"`
		RetryCeilingMS    int      `yaml:"retry_ceiling_ms"`
		ShutdownGraceSec  int      `yaml:"shutdown_grace_seconds"`
	} `yaml:"relay"`
}

func LoadConfig(path string) (Config, error) {
	cfg := Config{
		ServiceID:          "event-relay",
		HTTPPort:           8080,
		GRPCPort:           9090,
		MaxDBConns:         20,
		ConsumerGroup:      "event-relay",
		DispatcherWorkers:  8,
		RetryMaxAttempts:   5,
		RetryBase:          250 * time.Millisecond,
		RetryCeiling:       30 * time.Second,
		ShutdownGrace:      10 * time.Second,
		OutboxPollInterval: 2 * time.Second,
		OutboxBatchSize:    100,
		ClaimLeaseTTL:      5 * time.Minute,
		ProcessedRetention: 7 * 24 * time.Hour,
		PruneInterval:      time.Hour,
		JWTSecret:          "relay-dev-secret",
	}

	raw, err := os.ReadFile(path)
	if err == nil {
		var f configFile
		if unmarshalErr := yaml.Unmarshal(raw, &f); unmarshalErr != nil {
			return Config{}, fmt.Errorf("parse config file: %w", unmarshalErr)
		}
		if f.Service.ID != "" {
			cfg.ServiceID = f.Service.ID
		}
		if f.Service.HTTPPort > 0 {
			cfg.HTTPPort = f.Service.HTTPPort
		}
		if f.Service.GRPCPort > 0 {
			cfg.GRPCPort = f.Service.GRPCPort
		}
		if f.Dependencies.PostgresURL != "" {
			cfg.DatabaseURL = f.Dependencies.PostgresURL
		}
		if f.Dependencies.RedisURL != "" {
			cfg.RedisURL = f.Dependencies.RedisURL
		}
		if len(f.Dependencies.KafkaBrokers) > 0 {
			cfg.KafkaBrokers = trimNonEmpty(f.Dependencies.KafkaBrokers)
		}
		if f.Relay.ConsumerGroup != "" {
			cfg.ConsumerGroup = f.Relay.ConsumerGroup
		}
		if len(f.Relay.Channels) > 0 {
			cfg.Channels = trimNonEmpty(f.Relay.Channels)
		}
		if f.Relay.DispatcherWorkers > 0 {
			cfg.DispatcherWorkers = f.Relay.DispatcherWorkers
		}
		if f.Relay.RetryMaxAttempts > 0 {
			cfg.RetryMaxAttempts = f.Relay.RetryMaxAttempts
		}
		if f.Relay.RetryBaseMS > 0 {
			cfg.RetryBase = time.Duration(f.Relay.RetryBaseMS) * time.Millisecond
		}
		if f.Relay.RetryCeilingMS > 0 {
			cfg.RetryCeiling = time.Duration(f.Relay.RetryCeilingMS) * time.Millisecond
		}
		if f.Relay.ShutdownGraceSec > 0 {
			cfg.ShutdownGrace = time.Duration(f.Relay.ShutdownGraceSec) * time.Second
		}
	}

	cfg.DatabaseURL = envOrDefault("DB_URL", envOrDefault("POSTGRES_URL", cfg.DatabaseURL))
	cfg.RedisURL = envOrDefault("REDIS_URL", cfg.RedisURL)
	cfg.KafkaBrokers = envCSV("KAFKA_BROKERS", cfg.KafkaBrokers)
	cfg.ConsumerGroup = envOrDefault("CONSUMER_GROUP", cfg.ConsumerGroup)
	cfg.Channels = envCSV("RELAY_CHANNELS", cfg.Channels)
	cfg.HTTPPort = envInt("HTTP_PORT", cfg.HTTPPort)
	cfg.GRPCPort = envInt("GRPC_PORT", cfg.GRPCPort)
	cfg.MaxDBConns = int32(envInt("DB_MAX_CONNS", int(cfg.MaxDBConns)))
	cfg.DispatcherWorkers = envInt("DISPATCHER_WORKERS", cfg.DispatcherWorkers)
	cfg.RetryMaxAttempts = envInt("RETRY_MAX_ATTEMPTS", cfg.RetryMaxAttempts)
	cfg.RetryBase = time.Duration(envInt("RETRY_BASE_MS", int(cfg.RetryBase.Milliseconds()))) * time.Millisecond
	cfg.RetryCeiling = time.Duration(envInt("RETRY_CEILING_MS", int(cfg.RetryCeiling.Milliseconds()))) * time.Millisecond
	cfg.ShutdownGrace = time.Duration(envInt("SHUTDOWN_GRACE_SECONDS", int(cfg.ShutdownGrace.Seconds()))) * time.Second
	cfg.OutboxPollInterval = time.Duration(envInt("OUTBOX_POLL_SECONDS", int(cfg.OutboxPollInterval.Seconds()))) * time.Second
	cfg.OutboxBatchSize = envInt("OUTBOX_BATCH_SIZE", cfg.OutboxBatchSize)
	cfg.ClaimLeaseTTL = time.Duration(envInt("CLAIM_LEASE_SECONDS", int(cfg.ClaimLeaseTTL.Seconds()))) * time.Second
	cfg.ProcessedRetention = time.Duration(envInt("PROCESSED_RETENTION_HOURS", int(cfg.ProcessedRetention.Hours()))) * time.Hour
	cfg.PruneInterval = time.Duration(envInt("PRUNE_INTERVAL_MINUTES", int(cfg.PruneInterval.Minutes()))) * time.Minute
	cfg.JWTSecret = envOrDefault("JWT_SECRET", cfg.JWTSecret)

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("missing DB_URL/POSTGRES_URL")
	}
	if cfg.RetryCeiling < cfg.RetryBase {
		return Config{}, fmt.Errorf("retry ceiling %s below base %s", cfg.RetryCeiling, cfg.RetryBase)
	}
	return cfg, nil
}

func envOrDefault(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

func envInt(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func envCSV(name string, fallback []string) []string {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	return trimNonEmpty(strings.Split(raw, ","))
}

func trimNonEmpty(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}
