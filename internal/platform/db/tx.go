package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const txKey contextKey = "db_tx"

// TxFromContext retrieves the active transaction from context, if any.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(txKey).(pgx.Tx)
	return tx
}

// WithTx runs fn inside a transaction and stores the transaction in the
// context passed to fn, so repositories resolve it ahead of the pool.
// If the context already carries a transaction, fn joins it. A nil pool
// with no pinned connection runs fn without a transaction; in-memory
// repositories used in tests have nothing to enlist.
func WithTx(ctx context.Context, pool *pgxpool.Pool, fn func(ctx context.Context) error) error {
	if tx := TxFromContext(ctx); tx != nil {
		return fn(ctx)
	}

	var begin interface {
		Begin(ctx context.Context) (pgx.Tx, error)
	}
	if conn := ConnFromContext(ctx); conn != nil {
		begin = conn
	} else if pool != nil {
		begin = pool
	} else {
		return fn(ctx)
	}

	tx, err := begin.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(context.WithValue(ctx, txKey, tx)); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
