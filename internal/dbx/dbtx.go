// Package dbx is what the storage repositories share: the DBTX handle
// their queries run through, transaction scoping and pgx error
// classification.
package dbx

import (
	"context"
	"database/sql"
	"fmt"
)

// DBTX is satisfied by *sql.DB and *sql.Tx, so a repository built on it
// runs the same queries inside or outside a transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// WithTx runs fn inside a transaction on db. A nil return commits; an error
// or a panic from fn rolls back and the panic is re-raised. Begin and
// commit failures pass through Classify, so a dropped connection surfaces
// as common.ErrStorageUnavailable exactly like a failed query.
//
// Key rotation uses it to commit a batch of rewritten fields together
// with the checkpoint that records them:
//
//	err := dbx.WithTx(ctx, db, nil, func(ctx context.Context, tx dbx.DBTX) error {
//	    if _, err := rm.Fields(tx).CompareAndSwapCiphertext(ctx, id, old, sealed, v); err != nil {
//	        return err
//	    }
//	    return rm.Checkpoints(tx).Save(ctx, cp)
//	})
func WithTx(ctx context.Context, db *sql.DB, opts *sql.TxOptions, fn func(ctx context.Context, tx DBTX) error) (err error) {
	tx, err := db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin tx: %w", Classify(err))
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		if cerr := tx.Commit(); cerr != nil {
			err = fmt.Errorf("commit tx: %w", Classify(cerr))
		}
	}()

	return fn(ctx, tx)
}
