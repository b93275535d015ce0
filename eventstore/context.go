package eventstore

import (
	"context"
	"database/sql"
)

type txCtxKeyType string

const txCtxKey txCtxKeyType = "event_store_tx_key"

// WithTx returns a context that makes SQL stores run inside tx instead of
// opening their own transaction. The caller owns tx: the store neither
// commits nor rolls it back. On Postgres a conflicting insert aborts the
// surrounding transaction, so the caller has to roll back after a conflict.
func WithTx(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txCtxKey, tx)
}

// TxFromContext returns the transaction installed by WithTx, if any.
func TxFromContext(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(txCtxKey).(*sql.Tx)
	return tx, ok && tx != nil
}
