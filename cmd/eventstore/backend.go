package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/redis/go-redis/v9"

	"github.com/cannahum/eventsourcing-chain/bus"
	"github.com/cannahum/eventsourcing-chain/config"
	"github.com/cannahum/eventsourcing-chain/eventstore"
)

// backend bundles the stores selected by the configuration.
type backend struct {
	events    eventstore.EventStore
	snapshots eventstore.SnapshotStore
	publisher *bus.Kafka
	sql       *eventstore.SQLStore
	closers   []func() error
}

func openBackend(ctx context.Context, cfg config.Config, log *slog.Logger) (*backend, error) {
	opts := []eventstore.Option{eventstore.WithLogger(log)}
	b := &backend{}

	switch cfg.Backend {
	case config.BackendSQLite, config.BackendPostgres:
		store, err := eventstore.OpenSQLStore(ctx, cfg.Driver(), cfg.DSN, opts...)
		if err != nil {
			return nil, err
		}
		if store.Dialect() == eventstore.SQLite {
			store.DB().SetMaxOpenConns(1)
		}
		b.events, b.snapshots, b.sql = store, store, store
		b.closers = append(b.closers, store.Close)
	case config.BackendDynamoDB:
		awsCfg, err := cfg.DynamoDB.AWSConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("aws config: %w", err)
		}
		db := dynamodb.NewFromConfig(awsCfg)
		b.events = eventstore.GetDynamoDBStore(cfg.DynamoDB.EventsTable, cfg.DynamoDB.HashKey, cfg.DynamoDB.RangeKey, db, opts...)
		b.snapshots = eventstore.GetDynamoDBSnapshotStore(cfg.DynamoDB.SnapshotsTable, cfg.DynamoDB.HashKey, db, opts...)
	case config.BackendMemory:
		b.events = eventstore.GetLocalStore(opts...)
		b.snapshots = eventstore.NewMemorySnapshotStore()
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}

	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		b.snapshots = eventstore.NewRedisSnapshotStore(client, opts...)
		b.closers = append(b.closers, client.Close)
	}
	if len(cfg.Kafka.Brokers) > 0 {
		b.publisher = bus.NewKafka(cfg.Kafka.Brokers, cfg.Kafka.Topic, log)
		b.closers = append(b.closers, b.publisher.Close)
	}
	return b, nil
}

func (b *backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	return errors.Join(errs...)
}
