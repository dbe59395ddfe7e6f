// Package storetest provides a scriptable fake of store.Querier for unit
// tests in other packages, so dispatch/registry/documents/stats logic can
// be exercised without a live Postgres instance.
package storetest

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"dispatcherd.io/store"
)

// Row scripts a single pgx.Row: Scan calls fn with the destinations the
// caller wants filled in.
type Row struct {
	ScanFn func(dest ...any) error
}

func (r Row) Scan(dest ...any) error { return r.ScanFn(dest...) }

// Rows scripts a multi-row pgx.Rows result set: one ScanFn call per row,
// indexed from 0, until RowCount is exhausted.
type Rows struct {
	RowCount int
	ScanFn   func(row int, dest ...any) error
	idx      int
	err      error
}

func (r *Rows) Next() bool {
	r.idx++
	return r.idx <= r.RowCount
}

func (r *Rows) Scan(dest ...any) error { return r.ScanFn(r.idx-1, dest...) }
func (r *Rows) Err() error             { return r.err }
func (r *Rows) Close()                 {}
func (r *Rows) CommandTag() pgconn.CommandTag {
	return pgconn.NewCommandTag("")
}
func (r *Rows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *Rows) Values() ([]any, error)                       { return nil, nil }
func (r *Rows) RawValues() [][]byte                          { return nil }
func (r *Rows) Conn() *pgx.Conn                              { return nil }

// Querier is a scriptable fake satisfying store.Querier. Each field is an
// optional hook; a nil hook makes the corresponding call panic, which
// surfaces unexpected calls loudly in a test failure.
type Querier struct {
	ExecFn     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryFn    func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRowFn func(ctx context.Context, sql string, args ...any) pgx.Row
}

func (q *Querier) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return q.ExecFn(ctx, sql, args...)
}

func (q *Querier) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return q.QueryFn(ctx, sql, args...)
}

func (q *Querier) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return q.QueryRowFn(ctx, sql, args...)
}

// TxRunner is a scriptable fake of the WithTx(ctx, fn) shape store.Gateway
// exposes, running fn directly against Q with no real transaction.
type TxRunner struct {
	Q *Querier
}

func (t *TxRunner) WithTx(ctx context.Context, fn func(store.Querier) error) error {
	return fn(t.Q)
}
