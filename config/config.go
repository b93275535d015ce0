// Package config loads process configuration from the environment. It is
// read once in main and passed down explicitly.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

// Backend names a storage backend.
type Backend string

const (
	BackendSQLite   Backend = "sqlite"
	BackendPostgres Backend = "postgres"
	BackendDynamoDB Backend = "dynamodb"
	BackendMemory   Backend = "memory"
)

// DynamoDB holds the table layout and AWS access settings.
type DynamoDB struct {
	EventsTable    string `envconfig:"EVENTS_TABLE" default:"events"`
	SnapshotsTable string `envconfig:"SNAPSHOTS_TABLE" default:"snapshots"`
	HashKey        string `envconfig:"HASH_KEY" default:"stream"`
	RangeKey       string `envconfig:"RANGE_KEY" default:"aggregate_version"`
	Region         string
	Endpoint       string
	AccessID       string `envconfig:"ACCESS_KEY_ID"`
	SecretKey      string `envconfig:"SECRET_ACCESS_KEY"`
}

// Kafka holds the publisher settings. Publishing is off without brokers.
type Kafka struct {
	Brokers []string
	Topic   string `default:"events"`
}

// Config is filled from PREFIX_* environment variables, e.g.
// EVENTSTORE_BACKEND, EVENTSTORE_DYNAMODB_REGION, EVENTSTORE_KAFKA_BROKERS.
type Config struct {
	Backend   Backend `default:"sqlite"`
	DSN       string  `default:"file:events.db"`
	DynamoDB  DynamoDB
	RedisAddr string `envconfig:"REDIS_ADDR"`
	Kafka     Kafka
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`
}

// Load reads the configuration for prefix and validates it.
func Load(prefix string) (Config, error) {
	var c Config
	if err := envconfig.Process(prefix, &c); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks the combination of settings.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendSQLite, BackendPostgres:
		if c.DSN == "" {
			return fmt.Errorf("config: %s backend needs a DSN", c.Backend)
		}
	case BackendDynamoDB:
		if c.DynamoDB.Region == "" {
			return fmt.Errorf("config: dynamodb backend needs a region")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("config: unknown backend %q", c.Backend)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown log format %q", c.LogFormat)
	}
	return nil
}

// Driver returns the database/sql driver name for SQL backends.
func (c Config) Driver() string {
	if c.Backend == BackendSQLite {
		return "sqlite"
	}
	return "postgres"
}

// Level parses LogLevel ("debug", "info", "warn", "error").
func (c Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("config: log level: %w", err)
	}
	return level, nil
}

// Logger builds the process logger writing to w.
func (c Config) Logger(w io.Writer) *slog.Logger {
	level, err := c.Level()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
