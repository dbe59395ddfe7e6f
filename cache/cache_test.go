package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatcherd.io/config"
)

func TestNew_DisabledReturnsNoop(t *testing.T) {
	layer, err := New(context.Background(), config.CacheConfig{Enabled: false})
	require.NoError(t, err)
	assert.IsType(t, Noop{}, layer)
}

func TestNew_UnreachableNotRequiredDegradesToNoop(t *testing.T) {
	layer, err := New(context.Background(), config.CacheConfig{
		Enabled:  true,
		Required: false,
		Host:     "127.0.0.1",
		Port:     1, // nothing listens here
	})
	require.NoError(t, err)
	assert.IsType(t, Noop{}, layer)
}

func TestNew_UnreachableRequiredIsFatal(t *testing.T) {
	_, err := New(context.Background(), config.CacheConfig{
		Enabled:  true,
		Required: true,
		Host:     "127.0.0.1",
		Port:     1,
	})
	require.Error(t, err)
}

func TestNoop_GetsAlwaysMiss(t *testing.T) {
	var n Noop
	ctx := context.Background()
	var dest map[string]int

	assert.ErrorIs(t, n.GetTaskList(ctx, "pending", 10, &dest), ErrMiss)
	assert.ErrorIs(t, n.GetTaskSummary(ctx, &dest), ErrMiss)
	assert.ErrorIs(t, n.GetWorkerStatistics(ctx, "w-1", &dest), ErrMiss)
	assert.ErrorIs(t, n.GetDocument(ctx, "doc-1", &dest), ErrMiss)
}

func TestNoop_SetsAndInvalidatesAreNoops(t *testing.T) {
	var n Noop
	ctx := context.Background()

	assert.NoError(t, n.SetTaskList(ctx, "pending", 10, map[string]int{}))
	assert.NoError(t, n.SetTaskSummary(ctx, map[string]int{}))
	assert.NoError(t, n.SetWorkerStatistics(ctx, "w-1", map[string]int{}))
	assert.NoError(t, n.SetDocument(ctx, "doc-1", map[string]int{}))

	assert.NotPanics(t, func() {
		n.InvalidateTaskLists(ctx)
		n.InvalidateTaskSummary(ctx)
		n.InvalidateWorkerStatistics(ctx, "w-1")
		n.InvalidateDocument(ctx, "doc-1")
	})
}

func TestKeyFormats(t *testing.T) {
	assert.Equal(t, "tasks:pending:10", taskListKey("pending", 10))
	assert.Equal(t, "tasks:all:100", taskListKey("", 100))
	assert.Equal(t, "worker:w-1:statistics", workerStatsKey("w-1"))
	assert.Equal(t, "document:doc-1", documentKey("doc-1"))
}
