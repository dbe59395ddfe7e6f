package stats

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatcherd.io/apperr"
	"dispatcherd.io/cache"
	"dispatcherd.io/store"
	"dispatcherd.io/store/storetest"
)

func newStats(q *storetest.Querier) *Stats {
	return &Stats{db: &storetest.TxRunner{Q: q}, cache: cache.Noop{}}
}

func TestEstimate_UndefinedBeforeFirstCompletion(t *testing.T) {
	started := time.Now().Add(-time.Minute)
	task := &store.Task{MaxDocuments: 100, StartedAt: &started}

	throughput, eta := estimate(task, 0, time.Now())
	assert.Nil(t, throughput)
	assert.Nil(t, eta)
}

func TestEstimate_UndefinedWithoutStartedAt(t *testing.T) {
	task := &store.Task{MaxDocuments: 100}
	throughput, eta := estimate(task, 5, time.Now())
	assert.Nil(t, throughput)
	assert.Nil(t, eta)
}

func TestEstimate_ComputesThroughputAndETA(t *testing.T) {
	now := time.Now()
	started := now.Add(-100 * time.Second)
	task := &store.Task{MaxDocuments: 100, Downloaded: 50, StartedAt: &started}

	throughput, eta := estimate(task, 50, now)
	require.NotNil(t, throughput)
	require.NotNil(t, eta)
	assert.InDelta(t, 0.5, *throughput, 0.01)  // 50 docs over 100s
	assert.InDelta(t, 100.0, *eta, 2.0)        // 50 remaining at 0.5/s
}

func TestEstimate_ClampsNegativeRemaining(t *testing.T) {
	now := time.Now()
	started := now.Add(-10 * time.Second)
	task := &store.Task{MaxDocuments: 10, Downloaded: 15, StartedAt: &started}

	_, eta := estimate(task, 15, now)
	require.NotNil(t, eta)
	assert.Equal(t, 0.0, *eta)
}

func TestWorkerStatistics_UnknownWorkerIsNotFound(t *testing.T) {
	q := &storetest.Querier{
		QueryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return storetest.Row{ScanFn: func(dest ...any) error {
				*(dest[0].(*bool)) = false
				return nil
			}}
		},
	}
	s := newStats(q)

	_, err := s.WorkerStatistics(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

func TestWorkerStatistics_AggregatesTasksAndDocuments(t *testing.T) {
	q := &storetest.Querier{
		QueryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
			switch {
			case strings.Contains(sql, "EXISTS"):
				return storetest.Row{ScanFn: func(dest ...any) error {
					*(dest[0].(*bool)) = true
					return nil
				}}
			case strings.Contains(sql, "FROM tasks"):
				return storetest.Row{ScanFn: func(dest ...any) error {
					counts := []int64{0, 1, 1, 7, 2, 0, 350, 12, 3}
					for i, v := range counts {
						*(dest[i].(*int64)) = v
					}
					return nil
				}}
			default: // documents aggregates
				return storetest.Row{ScanFn: func(dest ...any) error {
					counts := []int64{4, 2, 3, 340}
					for i, v := range counts {
						*(dest[i].(*int64)) = v
					}
					return nil
				}}
			}
		},
	}
	s := newStats(q)

	stats, err := s.WorkerStatistics(context.Background(), "w-1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), stats.Tasks.Completed)
	assert.Equal(t, int64(350), stats.DocumentsDownloaded)
	assert.Equal(t, int64(4), stats.DistinctRegions)
	assert.Equal(t, int64(340), stats.ClassifiedDocuments)
}

func TestTaskSummary_CountsByStatus(t *testing.T) {
	q := &storetest.Querier{
		QueryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return storetest.Row{ScanFn: func(dest ...any) error {
				counts := []int64{3, 1, 2, 10, 1, 0}
				for i, v := range counts {
					*(dest[i].(*int64)) = v
				}
				return nil
			}}
		},
	}
	s := newStats(q)

	summary, err := s.TaskSummary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), summary.Pending)
	assert.Equal(t, int64(10), summary.Completed)
	assert.Equal(t, int64(17), summary.Total())
}

func TestTaskIndexes_GroupsBuckets(t *testing.T) {
	rows := &storetest.Rows{
		RowCount: 2,
		ScanFn: func(row int, dest ...any) error {
			buckets := [][]any{
				{"11", "1", "01.01.2024", "31.01.2024", int64(2), int64(0), int64(1), int64(5), int64(0), int64(0)},
				{"14", "2", "", "", int64(1), int64(0), int64(0), int64(0), int64(0), int64(0)},
			}
			src := buckets[row]
			for i := range dest {
				switch d := dest[i].(type) {
				case *string:
					*d = src[i].(string)
				case *int64:
					*d = src[i].(int64)
				}
			}
			return nil
		},
	}
	q := &storetest.Querier{
		QueryFn: func(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
			return rows, nil
		},
	}
	s := newStats(q)

	buckets, err := s.TaskIndexes(context.Background())
	require.NoError(t, err)
	require.Len(t, buckets, 2)
	assert.Equal(t, "11", buckets[0].CourtRegion)
	assert.Equal(t, int64(5), buckets[0].Counts.Completed)
	assert.Equal(t, "14", buckets[1].CourtRegion)
	assert.Equal(t, int64(1), buckets[1].Counts.Pending)
}
