package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/cannahum/eventsourcing-chain/config"
)

// runMigrateCmd implements `eventstore migrate`. Only SQL backends have a
// schema; DynamoDB tables are provisioned outside the CLI.
func runMigrateCmd(ctx context.Context, cfg config.Config, args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("migrate", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	if err := cmd.Parse(args); err != nil {
		return exitRuntime
	}

	return withBackend(ctx, cfg, stderr, func(b *backend) int {
		if b.sql == nil {
			_, _ = fmt.Fprintf(stdout, "%s backend has no schema to migrate\n", cfg.Backend)
			return exitOK
		}
		if err := b.sql.Migrate(ctx); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return exitFailed
		}
		_, _ = fmt.Fprintf(stdout, "migrated %s schema\n", b.sql.Dialect())
		return exitOK
	})
}
