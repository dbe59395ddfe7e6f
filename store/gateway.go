package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"dispatcherd.io/apperr"
	"dispatcherd.io/config"
)

// Querier is the subset of pgx's Tx/Pool surface every component programs
// against, so that business logic never depends on whether it is running
// inside a transaction or directly against the pool. *pgxpool.Pool and
// pgx.Tx both satisfy it.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Gateway is a pooled connection to the relational store plus the
// begin/commit/rollback primitives every other component builds its
// transactions from.
type Gateway struct {
	pool *pgxpool.Pool
}

// NewGateway opens a pool sized per cfg and verifies connectivity.
func NewGateway(ctx context.Context, cfg config.StoreConfig) (*Gateway, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("parse store connection string: %w", err)
	}
	poolCfg.MinConns = int32(cfg.PoolMinConns)
	poolCfg.MaxConns = int32(cfg.PoolMaxConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create store pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.AcquireTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping store: %w", err)
	}

	return &Gateway{pool: pool}, nil
}

// Close releases all pooled connections.
func (g *Gateway) Close() { g.pool.Close() }

// Pool exposes the underlying pool for callers that need pgxpool-specific
// operations (e.g. advisory locks in the sweeper).
func (g *Gateway) Pool() *pgxpool.Pool { return g.pool }

// Exec runs a statement directly against the pool (auto-committed).
func (g *Gateway) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return g.pool.Exec(ctx, sql, args...)
}

// Query runs a query directly against the pool (auto-committed).
func (g *Gateway) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return g.pool.Query(ctx, sql, args...)
}

// QueryRow runs a single-row query directly against the pool.
func (g *Gateway) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return g.pool.QueryRow(ctx, sql, args...)
}

// Begin starts a transaction, mapping a pool-acquire failure to
// StoreUnavailable so callers never need to inspect pgx error types.
func (g *Gateway) Begin(ctx context.Context) (pgx.Tx, error) {
	tx, err := g.pool.Begin(ctx)
	if err != nil {
		return nil, MapError(err)
	}
	return tx, nil
}

// WithTx runs fn inside a single transaction: committing on success,
// rolling back on error or panic. Every public operation in dispatch/
// registry/documents/stats runs its store work through this one entry
// point, and no transaction is ever held across a network call to an
// external service, so a single WithTx call is also, by construction, a
// single short transaction.
func (g *Gateway) WithTx(ctx context.Context, fn func(Querier) error) (err error) {
	tx, err := g.Begin(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
	}()

	if err = fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}

	if err = tx.Commit(ctx); err != nil {
		return MapError(err)
	}
	return nil
}

// MapError translates a store-layer error into the apperr taxonomy so
// higher layers never need to type-switch on pgx error types directly.
// Errors that are already *apperr.Error (a state-machine
// rejection raised inside a WithTx callback) pass through unchanged.
func MapError(err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Wrap(apperr.Timeout, err, "store deadline exceeded")
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.Wrap(apperr.NotFound, err, "no matching row")
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return apperr.Wrap(apperr.Conflict, err, "unique constraint violated")
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return apperr.Wrap(apperr.Conflict, err, "concurrent write conflict")
		}
	}
	return apperr.Wrap(apperr.StoreUnavailable, err, "store operation failed")
}

// RowsAffectedConflict builds the Conflict error dispatch raises when a
// conditional UPDATE matches zero rows: the row exists but isn't in a
// state (or isn't held by the caller) that permits the requested
// transition.
func RowsAffectedConflict(message string) error {
	return apperr.New(apperr.Conflict, message)
}

// IsNoRows reports whether err is (or wraps) a no-matching-row condition,
// checked before the error has passed through MapError.
func IsNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
