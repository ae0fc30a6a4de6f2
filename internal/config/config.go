// Package config loads service configuration from the environment and an
// optional .env file using Viper.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds shared service configuration sourced from environment variables.
type Config struct {
	Addr        string `mapstructure:"CATALOG_ADDR"`
	StoreDSN    string `mapstructure:"STORE_DSN"`
	AutoMigrate bool   `mapstructure:"AUTO_MIGRATE"`
	SeedPath    string `mapstructure:"SEED_PATH"`

	KafkaBrokersRaw   string `mapstructure:"KAFKA_BROKERS"`
	KafkaTopicChanges string `mapstructure:"KAFKA_TOPIC_CHANGES"`
	ChangesHMACSecret string `mapstructure:"CHANGES_HMAC_SECRET"`
	ClickHouseDSN     string `mapstructure:"CLICKHOUSE_DSN"`

	CORSAllowOriginsRaw string `mapstructure:"CORS_ALLOW_ORIGINS"`
	LoaderMetricsAddr   string `mapstructure:"LOADER_METRICS_ADDR"`
	BatchSize           int    `mapstructure:"LOADER_BATCH_SIZE"`
	BatchIntervalMS     int    `mapstructure:"LOADER_BATCH_INTERVAL_MS"`
	RequestTimeoutMS    int    `mapstructure:"REQUEST_TIMEOUT_MS"`

	KafkaBrokers     []string `mapstructure:"-"`
	CORSAllowOrigins []string `mapstructure:"-"`
}

var defaults = map[string]any{
	"CATALOG_ADDR":             ":8080",
	"STORE_DSN":                "memory://",
	"AUTO_MIGRATE":             true,
	"SEED_PATH":                "",
	"KAFKA_BROKERS":            "",
	"KAFKA_TOPIC_CHANGES":      "catalog.changes",
	"CHANGES_HMAC_SECRET":      "",
	"CLICKHOUSE_DSN":           "",
	"CORS_ALLOW_ORIGINS":       "*",
	"LOADER_METRICS_ADDR":      ":9101",
	"LOADER_BATCH_SIZE":        500,
	"LOADER_BATCH_INTERVAL_MS": 800,
	"REQUEST_TIMEOUT_MS":       5000,
}

// Load reads .env (if present), then the process environment, applying defaults when unset.
func Load() (Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // a missing .env is fine

	v.AutomaticEnv()
	for key, val := range defaults {
		v.SetDefault(key, val)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	cfg.KafkaBrokers = splitAndTrim(cfg.KafkaBrokersRaw)
	cfg.CORSAllowOrigins = splitAndTrim(cfg.CORSAllowOriginsRaw)

	if cfg.Addr == "" {
		return Config{}, errors.New("config: CATALOG_ADDR must be set")
	}
	if cfg.BatchSize <= 0 {
		return Config{}, errors.New("config: LOADER_BATCH_SIZE must be positive")
	}
	if len(cfg.KafkaBrokers) > 0 && cfg.KafkaTopicChanges == "" {
		return Config{}, errors.New("config: KAFKA_TOPIC_CHANGES must be set when KAFKA_BROKERS is")
	}
	return cfg, nil
}

// RequestTimeout is the per-request context deadline for the API.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMS) * time.Millisecond
}

func (c Config) BatchInterval() time.Duration {
	if c.BatchIntervalMS <= 0 {
		return 800 * time.Millisecond
	}
	return time.Duration(c.BatchIntervalMS) * time.Millisecond
}

// PublishEnabled reports whether catalog changes go to Kafka.
func (c Config) PublishEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

func splitAndTrim(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
