// Package config loads process configuration from environment variables
// (with an optional .env file for local development), following the
// teacher's config.go pattern: caarlos0/env for typed parsing, godotenv
// for the optional file, explicit Validate().
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/adred-codev/imcore/internal/types"
)

// Common holds the configuration fields every binary needs: logging,
// metrics, and the backends named in §4 of the spec.
type Common struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT" envDefault:"json"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9100"`

	EtcdEndpoints string `env:"ETCD_ENDPOINTS" envDefault:"localhost:2379"`
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	PostgresDSN   string `env:"POSTGRES_DSN" envDefault:"postgres://localhost:5432/imcore"`
	KafkaBrokers  string `env:"KAFKA_BROKERS" envDefault:"localhost:9092"`

	RegistryLeaseTTL     time.Duration `env:"REGISTRY_LEASE_TTL" envDefault:"90s"`
	DedupTTL             time.Duration `env:"DEDUP_TTL" envDefault:"168h"`
	SequenceBlockSize    uint64        `env:"SEQUENCE_BLOCK_SIZE" envDefault:"100"`
	MaxDevicesPerUser    int           `env:"MAX_DEVICES_PER_USER" envDefault:"5"`
	MessageTTL           time.Duration `env:"MESSAGE_TTL" envDefault:"168h"`
	RPCDeadline          time.Duration `env:"RPC_DEADLINE" envDefault:"5s"`
}

// Load parses .env (if present) then environment variables into dst, which
// must be a pointer to a struct embedding Common (directly or via a field).
func Load(dst any) error {
	if err := godotenv.Load(); err != nil {
		fmt.Println("info: no .env file found, using environment variables only")
	}
	if err := env.Parse(dst); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// Validate checks the Common fields for obviously broken values.
func (c *Common) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of debug/info/warn/error, got %q", c.LogLevel)
	}
	validFormats := map[string]bool{"json": true, "text": true, "pretty": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of json/text/pretty, got %q", c.LogFormat)
	}
	if c.MaxDevicesPerUser < 1 {
		return fmt.Errorf("MAX_DEVICES_PER_USER must be > 0, got %d", c.MaxDevicesPerUser)
	}
	if c.SequenceBlockSize < 1 {
		return fmt.Errorf("SEQUENCE_BLOCK_SIZE must be > 0, got %d", c.SequenceBlockSize)
	}
	return nil
}

func (c *Common) LogLevelType() types.LogLevel   { return types.LogLevel(c.LogLevel) }
func (c *Common) LogFormatType() types.LogFormat { return types.LogFormat(c.LogFormat) }

// LogStartup emits a single structured event describing the loaded
// configuration, mirroring the teacher's LogConfig.
func (c *Common) LogStartup(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("etcd_endpoints", c.EtcdEndpoints).
		Str("redis_addr", c.RedisAddr).
		Str("kafka_brokers", c.KafkaBrokers).
		Dur("registry_lease_ttl", c.RegistryLeaseTTL).
		Dur("dedup_ttl", c.DedupTTL).
		Uint64("sequence_block_size", c.SequenceBlockSize).
		Int("max_devices_per_user", c.MaxDevicesPerUser).
		Msg("configuration loaded")
}
