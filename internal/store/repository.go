/**
 * @description
 * This file declares the data-access errors and the small query interface shared by
 * the PostgreSQL repositories of the payment-batch-service.
 *
 * Two databases are involved:
 * - the primary database owns `payments` and `payment_intake` and is written inside
 *   transactions opened by the hold coordinator;
 * - the secondary database owns `payment_details` and is only ever read.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver types.
 */

package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrPaymentNotFound     = errors.New("payment not found")
	ErrDuplicatePaymentRef = errors.New("payment ref already exists")
)

// DBTX is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TxStarter is a DBTX that can open transactions, such as *pgxpool.Pool.
type TxStarter interface {
	DBTX
	Begin(ctx context.Context) (pgx.Tx, error)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isUndefinedTableError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42P01"
}
