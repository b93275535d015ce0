package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/cannahum/eventsourcing-chain/config"
	"github.com/cannahum/eventsourcing-chain/eventstore"
)

// streamFlags registers -type and -id on a command.
type streamFlags struct {
	aggregateType string
	aggregateID   string
}

func (f *streamFlags) register(cmd *flag.FlagSet) {
	cmd.StringVar(&f.aggregateType, "type", "", "Aggregate type (REQUIRED)")
	cmd.StringVar(&f.aggregateID, "id", "", "Aggregate id (REQUIRED)")
}

func (f *streamFlags) key() (eventstore.StreamKey, error) {
	id, err := uuid.Parse(f.aggregateID)
	if err != nil {
		return eventstore.StreamKey{}, fmt.Errorf("-id: %w", err)
	}
	key := eventstore.Stream(f.aggregateType, id)
	if err := key.Validate(); err != nil {
		return eventstore.StreamKey{}, err
	}
	return key, nil
}

func parseNullUUID(name, s string) (uuid.NullUUID, error) {
	if s == "" {
		return uuid.NullUUID{}, nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.NullUUID{}, fmt.Errorf("-%s: %w", name, err)
	}
	return uuid.NullUUID{UUID: id, Valid: true}, nil
}

// withBackend opens the configured stores for the duration of fn.
func withBackend(ctx context.Context, cfg config.Config, stderr io.Writer, fn func(*backend) int) int {
	log := cfg.Logger(stderr)
	b, err := openBackend(ctx, cfg, log)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitRuntime
	}
	defer func() {
		if err := b.Close(); err != nil {
			log.Warn("close backend", "err", err)
		}
	}()
	return fn(b)
}
