package config

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	c, err := Load("ESTEST")
	require.NoError(t, err)

	assert.Equal(t, BackendSQLite, c.Backend)
	assert.Equal(t, "file:events.db", c.DSN)
	assert.Equal(t, "sqlite", c.Driver())
	assert.Equal(t, "events", c.DynamoDB.EventsTable)
	assert.Equal(t, "stream", c.DynamoDB.HashKey)
	assert.Equal(t, "aggregate_version", c.DynamoDB.RangeKey)
	assert.Empty(t, c.Kafka.Brokers)
	assert.Equal(t, "events", c.Kafka.Topic)

	level, err := c.Level()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, level)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("ESTEST_BACKEND", "postgres")
	t.Setenv("ESTEST_DSN", "postgres://localhost/events?sslmode=disable")
	t.Setenv("ESTEST_REDIS_ADDR", "localhost:6379")
	t.Setenv("ESTEST_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("ESTEST_KAFKA_TOPIC", "todo-events")
	t.Setenv("ESTEST_LOG_LEVEL", "debug")
	t.Setenv("ESTEST_DYNAMODB_REGION", "us-east-1")
	t.Setenv("ESTEST_DYNAMODB_ENDPOINT", "http://localhost:8000")

	c, err := Load("ESTEST")
	require.NoError(t, err)

	assert.Equal(t, BackendPostgres, c.Backend)
	assert.Equal(t, "postgres", c.Driver())
	assert.Equal(t, "localhost:6379", c.RedisAddr)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, c.Kafka.Brokers)
	assert.Equal(t, "todo-events", c.Kafka.Topic)
	assert.Equal(t, "us-east-1", c.DynamoDB.Region)
	assert.Equal(t, "http://localhost:8000", c.DynamoDB.Endpoint)

	level, err := c.Level()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"unknown backend", map[string]string{"ESTEST_BACKEND": "mongo"}},
		{"dynamodb without region", map[string]string{"ESTEST_BACKEND": "dynamodb"}},
		{"empty dsn", map[string]string{"ESTEST_DSN": ""}},
		{"bad log level", map[string]string{"ESTEST_LOG_LEVEL": "loud"}},
		{"bad log format", map[string]string{"ESTEST_LOG_FORMAT": "xml"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load("ESTEST")
			assert.Error(t, err)
		})
	}
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	c := Config{LogLevel: "warn", LogFormat: "json"}
	log := c.Logger(&buf)

	log.Info("hidden")
	log.Warn("shown", slog.String("k", "v"))

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
	assert.Contains(t, buf.String(), `"k":"v"`)
}
