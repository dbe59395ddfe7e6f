package registry

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatcherd.io/apperr"
	"dispatcherd.io/store"
	"dispatcherd.io/store/storetest"
)

func newWorkerRow(id, name string) []any {
	now := time.Now()
	return []any{id, name, (*string)(nil), "secret-" + id, store.WorkerActive, now, now,
		int64(0), int64(0), int64(0), now, now}
}

func scanRow(dest []any, src []any) error {
	for i := range dest {
		switch d := dest[i].(type) {
		case *string:
			*d = src[i].(string)
		case **string:
			*d, _ = src[i].(*string)
		case *time.Time:
			*d = src[i].(time.Time)
		case *int64:
			*d = src[i].(int64)
		}
	}
	return nil
}

func TestRegister_ReusesExisting(t *testing.T) {
	existing := newWorkerRow("w-1", "scraper-1")
	q := &storetest.Querier{
		QueryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return storetest.Row{ScanFn: func(dest ...any) error {
				return scanRow(dest, existing)
			}}
		},
	}
	reg := &Registry{db: &storetest.TxRunner{Q: q}}

	w, err := reg.Register(context.Background(), "scraper-1", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "w-1", w.ID)
	assert.Equal(t, "scraper-1", w.Name)
}

func TestRegister_RequiresName(t *testing.T) {
	reg := &Registry{db: &storetest.TxRunner{Q: &storetest.Querier{}}}
	_, err := reg.Register(context.Background(), "", nil, nil)
	require.Error(t, err)
	assert.Equal(t, apperr.BadRequest, apperr.KindOf(err))
}

func TestHeartbeat_NotFound(t *testing.T) {
	q := &storetest.Querier{
		ExecFn: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		},
	}
	reg := &Registry{db: &storetest.TxRunner{Q: q}}

	err := reg.Heartbeat(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

func TestHeartbeat_Success(t *testing.T) {
	q := &storetest.Querier{
		ExecFn: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			return pgconn.NewCommandTag("UPDATE 1"), nil
		},
	}
	reg := &Registry{db: &storetest.TxRunner{Q: q}}

	err := reg.Heartbeat(context.Background(), "w-1")
	assert.NoError(t, err)
}

func TestMarkInactive_ReturnsAffectedCount(t *testing.T) {
	q := &storetest.Querier{
		ExecFn: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			return pgconn.NewCommandTag("UPDATE 3"), nil
		},
	}
	reg := &Registry{db: &storetest.TxRunner{Q: q}}

	n, err := reg.MarkInactive(context.Background(), 3*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}
