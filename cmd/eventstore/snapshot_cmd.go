package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/cannahum/eventsourcing-chain/config"
	"github.com/cannahum/eventsourcing-chain/eventstore"
)

// runSnapshotCmd implements `eventstore snapshot`. It exits 1 when the
// stream has no snapshot.
func runSnapshotCmd(ctx context.Context, cfg config.Config, args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("snapshot", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var stream streamFlags
	stream.register(cmd)

	if err := cmd.Parse(args); err != nil {
		return exitRuntime
	}
	key, err := stream.key()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitRuntime
	}

	return withBackend(ctx, cfg, stderr, func(b *backend) int {
		snapshot, err := b.snapshots.LoadSnapshot(ctx, key)
		if errors.Is(err, eventstore.ErrSnapshotNotFound) {
			_, _ = fmt.Fprintf(stderr, "no snapshot for %s\n", key)
			return exitFailed
		}
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return exitRuntime
		}
		if err := json.NewEncoder(stdout).Encode(snapshot); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return exitRuntime
		}
		return exitOK
	})
}
