package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatcherd.io/apperr"
	"dispatcherd.io/cache"
	"dispatcherd.io/store"
	"dispatcherd.io/store/storetest"
)

func newTaskRow(id, status string, clientID *string, downloaded, failed, skipped int) []any {
	now := time.Now()
	return []any{
		id, []byte(`{}`), 1, 100, 5,
		clientID, status, now, (*time.Time)(nil), (*time.Time)(nil), (*time.Time)(nil),
		downloaded, failed, skipped, (*string)(nil), []byte(nil),
	}
}

func scanInto(dest []any, src []any) error {
	for i := range dest {
		switch d := dest[i].(type) {
		case *string:
			*d = src[i].(string)
		case **string:
			*d, _ = src[i].(*string)
		case *time.Time:
			*d = src[i].(time.Time)
		case **time.Time:
			*d, _ = src[i].(*time.Time)
		case *int:
			*d = src[i].(int)
		case *[]byte:
			*d, _ = src[i].([]byte)
		}
	}
	return nil
}

func newDispatcher(q *storetest.Querier) *Dispatcher {
	return &Dispatcher{db: &storetest.TxRunner{Q: q}, cache: cache.Noop{}}
}

func TestCreate_ValidatesStartPage(t *testing.T) {
	d := newDispatcher(&storetest.Querier{})
	_, err := d.Create(context.Background(), store.SearchParams{}, 0, 10, nil)
	require.Error(t, err)
	assert.Equal(t, apperr.BadRequest, apperr.KindOf(err))
}

func TestCreate_ValidatesMaxDocuments(t *testing.T) {
	d := newDispatcher(&storetest.Querier{})
	_, err := d.Create(context.Background(), store.SearchParams{}, 1, 0, nil)
	require.Error(t, err)
	assert.Equal(t, apperr.BadRequest, apperr.KindOf(err))
}

func TestCreate_Success(t *testing.T) {
	row := newTaskRow("t-1", store.TaskPending, nil, 0, 0, 0)
	q := &storetest.Querier{
		QueryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return storetest.Row{ScanFn: func(dest ...any) error { return scanInto(dest, row) }}
		},
	}
	d := newDispatcher(q)

	task, err := d.Create(context.Background(), store.SearchParams{CourtRegion: "north"}, 1, 100, nil)
	require.NoError(t, err)
	assert.Equal(t, "t-1", task.ID)
	assert.Equal(t, store.TaskPending, task.Status)
}

func TestRequest_EmptyQueueReturnsNilNotError(t *testing.T) {
	q := &storetest.Querier{
		QueryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return storetest.Row{ScanFn: func(dest ...any) error { return pgx.ErrNoRows }}
		},
	}
	d := newDispatcher(q)

	task, err := d.Request(context.Background(), "w-1")
	require.NoError(t, err)
	assert.Nil(t, task)
}

func TestRequest_ClaimsPendingTask(t *testing.T) {
	workerID := "w-1"
	row := newTaskRow("t-1", store.TaskAssigned, &workerID, 0, 0, 0)
	q := &storetest.Querier{
		QueryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return storetest.Row{ScanFn: func(dest ...any) error { return scanInto(dest, row) }}
		},
	}
	d := newDispatcher(q)

	task, err := d.Request(context.Background(), "w-1")
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, store.TaskAssigned, task.Status)
	assert.Equal(t, "w-1", *task.ClientID)
}

func TestReportProgress_RejectsWrongWorker(t *testing.T) {
	other := "w-2"
	currentRow := newTaskRow("t-1", store.TaskAssigned, &other, 0, 0, 0)
	q := &storetest.Querier{
		QueryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return storetest.Row{ScanFn: func(dest ...any) error { return scanInto(dest, currentRow) }}
		},
	}
	d := newDispatcher(q)

	err := d.ReportProgress(context.Background(), "t-1", "w-1", Counters{Downloaded: 5})
	require.Error(t, err)
	assert.Equal(t, apperr.Conflict, apperr.KindOf(err))
}

func TestReportProgress_RejectsRegression(t *testing.T) {
	workerID := "w-1"
	currentRow := newTaskRow("t-1", store.TaskInProgress, &workerID, 10, 0, 0)
	q := &storetest.Querier{
		QueryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return storetest.Row{ScanFn: func(dest ...any) error { return scanInto(dest, currentRow) }}
		},
	}
	d := newDispatcher(q)

	err := d.ReportProgress(context.Background(), "t-1", "w-1", Counters{Downloaded: 5})
	require.Error(t, err)
	assert.Equal(t, apperr.Conflict, apperr.KindOf(err))
}

func TestReportProgress_Success(t *testing.T) {
	workerID := "w-1"
	currentRow := newTaskRow("t-1", store.TaskAssigned, &workerID, 0, 0, 0)
	q := &storetest.Querier{
		QueryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return storetest.Row{ScanFn: func(dest ...any) error { return scanInto(dest, currentRow) }}
		},
		ExecFn: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			return pgconn.NewCommandTag("UPDATE 1"), nil
		},
	}
	d := newDispatcher(q)

	err := d.ReportProgress(context.Background(), "t-1", "w-1", Counters{Downloaded: 5, Failed: 1, Skipped: 0})
	assert.NoError(t, err)
}

func TestComplete_WorkerMismatchIsConflict(t *testing.T) {
	q := &storetest.Querier{
		ExecFn: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		},
	}
	d := newDispatcher(q)

	err := d.Complete(context.Background(), "t-1", "w-1", Counters{Downloaded: 10}, nil)
	require.Error(t, err)
	assert.Equal(t, apperr.Conflict, apperr.KindOf(err))
}

func TestComplete_Success(t *testing.T) {
	calls := 0
	q := &storetest.Querier{
		ExecFn: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			calls++
			return pgconn.NewCommandTag("UPDATE 1"), nil
		},
	}
	d := newDispatcher(q)

	err := d.Complete(context.Background(), "t-1", "w-1", Counters{Downloaded: 10}, map[string]interface{}{"pages": 3})
	require.NoError(t, err)
	assert.Equal(t, 2, calls) // task update + worker counter update
}

func TestFail_Success(t *testing.T) {
	q := &storetest.Querier{
		ExecFn: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			return pgconn.NewCommandTag("UPDATE 1"), nil
		},
	}
	d := newDispatcher(q)

	err := d.Fail(context.Background(), "t-1", "w-1", "network timeout")
	assert.NoError(t, err)
}

func TestCancel_AlreadyTerminalIsConflict(t *testing.T) {
	q := &storetest.Querier{
		ExecFn: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		},
	}
	d := newDispatcher(q)

	err := d.Cancel(context.Background(), "t-1")
	require.Error(t, err)
	assert.Equal(t, apperr.Conflict, apperr.KindOf(err))
}

func TestReclaimStalled_ReturnsAffectedCount(t *testing.T) {
	q := &storetest.Querier{
		ExecFn: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			return pgconn.NewCommandTag("UPDATE 4"), nil
		},
	}
	d := newDispatcher(q)

	n, err := d.ReclaimStalled(context.Background(), 3*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
}
