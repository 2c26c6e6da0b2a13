package eventlog_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/docspasta/crawler-engine/internal/common"
	"github.com/docspasta/crawler-engine/internal/eventlog"
	"github.com/docspasta/crawler-engine/internal/kvstore"
	"github.com/docspasta/crawler-engine/internal/models"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *kvstore.Store {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "kv")
	store, err := kvstore.Open(kvstore.Config{Path: dir}, common.GetLogger())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })
	return store
}

func TestAppendAndRange(t *testing.T) {
	store := newTestStore(t)
	log := eventlog.New(store)
	ctx := context.Background()

	id1, err := log.Append(ctx, "job1", models.EventStreamConnected, nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), id1)

	id2, err := log.Append(ctx, "job1", models.EventURLCrawled, map[string]interface{}{"url": "https://x"})
	require.NoError(t, err)
	require.Equal(t, int64(2), id2)

	events, err := log.Range(ctx, "job1", 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, models.EventStreamConnected, events[0].Type)
	require.Equal(t, models.EventURLCrawled, events[1].Type)
	require.Equal(t, "https://x", events[1].Payload["url"])
}

func TestRangeAfterIDExcludesEarlier(t *testing.T) {
	store := newTestStore(t)
	log := eventlog.New(store)
	ctx := context.Background()

	id1, _ := log.Append(ctx, "job1", models.EventStreamConnected, nil)
	log.Append(ctx, "job1", models.EventURLCrawled, nil)

	events, err := log.Range(ctx, "job1", id1, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, models.EventURLCrawled, events[0].Type)
}

func TestTailBlockingReturnsEmptyOnTimeout(t *testing.T) {
	store := newTestStore(t)
	log := eventlog.New(store)

	events, err := log.TailBlocking(context.Background(), "job1", 0, 300*time.Millisecond)
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestAcquireCompletionLock_OnlyOneWinner(t *testing.T) {
	store := newTestStore(t)
	log := eventlog.New(store)
	ctx := context.Background()

	first, err := log.AcquireCompletionLock(ctx, "job1")
	require.NoError(t, err)
	require.True(t, first)

	second, err := log.AcquireCompletionLock(ctx, "job1")
	require.NoError(t, err)
	require.False(t, second)
}

func TestReleaseCompletionLock_AllowsReacquire(t *testing.T) {
	store := newTestStore(t)
	log := eventlog.New(store)
	ctx := context.Background()

	first, err := log.AcquireCompletionLock(ctx, "job1")
	require.NoError(t, err)
	require.True(t, first)

	require.NoError(t, log.ReleaseCompletionLock(ctx, "job1"))

	again, err := log.AcquireCompletionLock(ctx, "job1")
	require.NoError(t, err)
	require.True(t, again)
}

func TestAppend_StampsTimestamp(t *testing.T) {
	store := newTestStore(t)
	log := eventlog.New(store)
	ctx := context.Background()

	_, err := log.Append(ctx, "job1", models.EventStreamConnected, nil)
	require.NoError(t, err)

	events, err := log.Range(ctx, "job1", 0, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.False(t, events[0].Timestamp.IsZero())
}
