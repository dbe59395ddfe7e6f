package documents

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatcherd.io/apperr"
	"dispatcherd.io/cache"
	"dispatcherd.io/store"
	"dispatcherd.io/store/storetest"
)

func newRegistrar(q *storetest.Querier) *Registrar {
	return &Registrar{db: &storetest.TxRunner{Q: q}, cache: cache.Noop{}}
}

func TestRegister_RequiresExternalID(t *testing.T) {
	r := newRegistrar(&storetest.Querier{})
	_, err := r.Register(context.Background(), "", store.DocumentMetadata{}, nil, nil, nil)
	require.Error(t, err)
	assert.Equal(t, apperr.BadRequest, apperr.KindOf(err))
}

func TestRegister_UnclassifiedWithoutWorker(t *testing.T) {
	q := &storetest.Querier{
		QueryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return storetest.Row{ScanFn: func(dest ...any) error {
				*dest[0].(*string) = "sys-1"
				*dest[3].(*string) = ""
				return nil
			}}
		},
	}
	r := newRegistrar(q)

	result, err := r.Register(context.Background(), "ext-1", store.DocumentMetadata{}, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "sys-1", result.SystemID)
	assert.False(t, result.Classified)
	assert.Equal(t, sourceNone, result.Source)
}

func TestRegister_ClassifiedFromSearchParams(t *testing.T) {
	params := &store.SearchParams{CourtRegion: "30", INSType: "1"}
	q := &storetest.Querier{
		QueryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return storetest.Row{ScanFn: func(dest ...any) error {
				systemID := dest[0].(*string)
				region := dest[1].(**string)
				instance := dest[2].(**string)
				source := dest[3].(*string)
				*systemID = "sys-1"
				*region = args[11].(*string)
				*instance = args[12].(*string)
				*source = "search_params"
				return nil
			}}
		},
	}
	r := newRegistrar(q)

	result, err := r.Register(context.Background(), "ext-1", store.DocumentMetadata{}, nil, nil, params)
	require.NoError(t, err)
	assert.Equal(t, "sys-1", result.SystemID)
	assert.True(t, result.Classified)
	assert.Equal(t, "30", *result.CourtRegion)
}

func TestRegister_IncrementsWorkerCounterWhenProvided(t *testing.T) {
	execCalled := false
	q := &storetest.Querier{
		QueryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return storetest.Row{ScanFn: func(dest ...any) error {
				*dest[0].(*string) = "sys-1"
				return nil
			}}
		},
		ExecFn: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			execCalled = true
			return pgconn.NewCommandTag("UPDATE 1"), nil
		},
	}
	r := newRegistrar(q)

	worker := "w-1"
	_, err := r.Register(context.Background(), "ext-1", store.DocumentMetadata{}, nil, &worker, nil)
	require.NoError(t, err)
	assert.True(t, execCalled)
}

func TestRegister_WorkerNotFound(t *testing.T) {
	q := &storetest.Querier{
		QueryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return storetest.Row{ScanFn: func(dest ...any) error {
				*dest[0].(*string) = "sys-1"
				return nil
			}}
		},
		ExecFn: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		},
	}
	r := newRegistrar(q)

	worker := "ghost"
	_, err := r.Register(context.Background(), "ext-1", store.DocumentMetadata{}, nil, &worker, nil)
	require.Error(t, err)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

func TestOpenProgress_Success(t *testing.T) {
	q := &storetest.Querier{
		ExecFn: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			return pgconn.NewCommandTag("INSERT 0 1"), nil
		},
	}
	r := newRegistrar(q)

	err := r.OpenProgress(context.Background(), "t-1", "ext-1", "w-1")
	assert.NoError(t, err)
}

func TestCloseProgress_NotFound(t *testing.T) {
	q := &storetest.Querier{
		ExecFn: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		},
	}
	r := newRegistrar(q)

	err := r.CloseProgress(context.Background(), "t-1", "ext-1", store.ProgressCompleted)
	require.Error(t, err)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
}
