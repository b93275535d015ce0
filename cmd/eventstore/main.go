// Command eventstore is the operator CLI for the hash-chained event store:
// it migrates schemas, appends and reads events and verifies stream chains.
// Settings come from EVENTSTORE_* environment variables.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/cannahum/eventsourcing-chain/config"
)

const envPrefix = "EVENTSTORE"

// Exit codes.
const (
	exitOK      = 0
	exitFailed  = 1
	exitRuntime = 2
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return exitRuntime
	}

	var cmd func(ctx context.Context, cfg config.Config, args []string, stdout, stderr io.Writer) int
	switch args[1] {
	case "migrate":
		cmd = runMigrateCmd
	case "append":
		cmd = runAppendCmd
	case "read":
		cmd = runReadCmd
	case "verify":
		cmd = runVerifyCmd
	case "snapshot":
		cmd = runSnapshotCmd
	case "help", "--help", "-h":
		printUsage(stdout)
		return exitOK
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return exitRuntime
	}

	cfg, err := config.Load(envPrefix)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitRuntime
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return cmd(ctx, cfg, args[2:], stdout, stderr)
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprint(w, `Usage: eventstore <command> [flags]

Commands:
  migrate   create the events and snapshots tables
  append    append one event to a stream
  read      print a stream as JSON lines
  verify    check a stream's hash chain (exit 1 when broken)
  snapshot  print the stored snapshot of a stream

Environment:
  EVENTSTORE_BACKEND         sqlite | postgres | dynamodb | memory
  EVENTSTORE_DSN             database DSN for sqlite and postgres
  EVENTSTORE_DYNAMODB_*      REGION, ENDPOINT, EVENTS_TABLE, SNAPSHOTS_TABLE
  EVENTSTORE_REDIS_ADDR      keep snapshots in Redis
  EVENTSTORE_KAFKA_BROKERS   publish appended records to EVENTSTORE_KAFKA_TOPIC
  EVENTSTORE_LOG_LEVEL       debug | info | warn | error
`)
}
