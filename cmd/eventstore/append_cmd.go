package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/cannahum/eventsourcing-chain/bus"
	"github.com/cannahum/eventsourcing-chain/config"
	"github.com/cannahum/eventsourcing-chain/eventstore"
)

// runAppendCmd implements `eventstore append`. The committed record is
// printed as one JSON line and published when Kafka is configured.
//
// Exit codes:
//
//	0 = appended
//	1 = rejected (conflict or invalid envelope)
//	2 = usage or runtime error
func runAppendCmd(ctx context.Context, cfg config.Config, args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("append", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		stream        streamFlags
		eventID       string
		eventType     string
		eventVersion  int
		version       uint64
		data          string
		metadata      string
		createdBy     string
		ownedBy       string
		correlationID string
		causationID   string
	)
	stream.register(cmd)
	cmd.StringVar(&eventID, "event-id", "", "Event id (default: a new id)")
	cmd.StringVar(&eventType, "event-type", "", "Event type (REQUIRED)")
	cmd.IntVar(&eventVersion, "event-version", 1, "Event payload version")
	cmd.Uint64Var(&version, "version", 0, "Aggregate version to write; 0 appends after the current head")
	cmd.StringVar(&data, "data", "{}", "Event payload as JSON")
	cmd.StringVar(&metadata, "metadata", "", "Event metadata as JSON")
	cmd.StringVar(&createdBy, "created-by", "", "Id of the acting user (REQUIRED)")
	cmd.StringVar(&ownedBy, "owned-by", "", "Owner id")
	cmd.StringVar(&correlationID, "correlation-id", "", "Correlation id")
	cmd.StringVar(&causationID, "causation-id", "", "Causation id")

	if err := cmd.Parse(args); err != nil {
		return exitRuntime
	}

	envelope, err := func() (eventstore.Envelope, error) {
		key, err := stream.key()
		if err != nil {
			return eventstore.Envelope{}, err
		}
		e := eventstore.Envelope{
			EventID:      eventstore.NewID(),
			Aggregate:    eventstore.AggregateRef{Type: key.Type, ID: key.ID, Version: eventstore.Version(version)},
			CreatedAt:    time.Now(),
			EventType:    eventType,
			EventVersion: eventVersion,
			Data:         json.RawMessage(data),
		}
		if metadata != "" {
			e.Metadata = json.RawMessage(metadata)
		}
		if eventID != "" {
			if e.EventID, err = uuid.Parse(eventID); err != nil {
				return e, fmt.Errorf("-event-id: %w", err)
			}
		}
		if e.Context.CreatedBy, err = uuid.Parse(createdBy); err != nil {
			return e, fmt.Errorf("-created-by: %w", err)
		}
		if e.Context.OwnedBy, err = parseNullUUID("owned-by", ownedBy); err != nil {
			return e, err
		}
		if e.Context.CorrelationID, err = parseNullUUID("correlation-id", correlationID); err != nil {
			return e, err
		}
		if e.Context.CausationID, err = parseNullUUID("causation-id", causationID); err != nil {
			return e, err
		}
		return e, nil
	}()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitRuntime
	}

	return withBackend(ctx, cfg, stderr, func(b *backend) int {
		rec, err := b.events.Append(ctx, envelope)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			if errors.Is(err, eventstore.ErrTransport) {
				return exitRuntime
			}
			return exitFailed
		}

		line, err := bus.EncodeRecord(rec)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return exitRuntime
		}
		_, _ = fmt.Fprintf(stdout, "%s\n", line)

		if b.publisher != nil {
			if err := b.publisher.Publish(ctx, rec); err != nil {
				_, _ = fmt.Fprintf(stderr, "Error: event %s stored but not published: %v\n", rec.EventID, err)
				return exitRuntime
			}
		}
		return exitOK
	})
}
