package worker_test

import (
	"context"
	"net/url"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/docspasta/crawler-engine/internal/common"
	"github.com/docspasta/crawler-engine/internal/frontier"
	"github.com/docspasta/crawler-engine/internal/kvstore"
	"github.com/docspasta/crawler-engine/internal/models"
	"github.com/docspasta/crawler-engine/internal/resultstore"
	"github.com/docspasta/crawler-engine/internal/urlnorm"
	"github.com/docspasta/crawler-engine/internal/worker"
	"github.com/stretchr/testify/require"
)

type fakeProcessor struct {
	processed atomic.Int32
}

func (f *fakeProcessor) Process(ctx context.Context, entry models.FrontierEntry, opts models.Options, filter *urlnorm.ScopeFilter) error {
	f.processed.Add(1)
	return nil
}

type fakeDispatcher struct {
	mu       sync.Mutex
	invoke   func(jobID string)
	launches int
}

func (d *fakeDispatcher) Dispatch(jobID string) {
	d.mu.Lock()
	d.launches++
	d.mu.Unlock()
	if d.invoke != nil {
		d.invoke(jobID)
	}
}

type fakeCompletion struct {
	triggered atomic.Int32
}

func (c *fakeCompletion) DetectCompletion(ctx context.Context, jobID string) {
	c.triggered.Add(1)
}

func newTestStore(t *testing.T) *kvstore.Store {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "kv")
	store, err := kvstore.Open(kvstore.Config{Path: dir}, common.GetLogger())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })
	return store
}

func baseOpts() models.Options {
	return models.Options{
		MaxPages:       50,
		MaxDepth:       2,
		MaxWorkers:     5,
		BatchCount:     10,
		SoftDeadline:   models.Duration(25 * time.Second),
		ReinvokeMargin: models.Duration(5 * time.Second),
	}
}

func TestRuntime_DrainsQueueThenDetectsCompletion(t *testing.T) {
	store := newTestStore(t)
	fr := frontier.New(store)
	results := resultstore.New(store)
	proc := &fakeProcessor{}
	dispatcher := &fakeDispatcher{}
	completion := &fakeCompletion{}

	ctx := context.Background()
	base, _ := url.Parse("https://docs.example.com/")
	_, err := fr.TryEnqueue(ctx, "job1", "https://docs.example.com/a", 0, "", base, nil, 2, 50)
	require.NoError(t, err)

	job := &models.Job{ID: "job1", Status: models.JobStatusRunning, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, results.SaveJob(ctx, job))

	rt := worker.NewRuntime(store, fr, proc, results, dispatcher, completion, common.GetLogger())
	rt.Invoke(ctx, "job1", baseOpts(), time.Now().Add(time.Minute), nil)

	require.Equal(t, int32(1), proc.processed.Load())
	require.Equal(t, int32(1), completion.triggered.Load())
	require.Equal(t, 0, dispatcher.launches)

	active, err := store.CounterGet(ctx, "activeWorkers:job1")
	require.NoError(t, err)
	require.Equal(t, int64(0), active)
}

func TestRuntime_ExitsImmediatelyWhenOverCapacity(t *testing.T) {
	store := newTestStore(t)
	fr := frontier.New(store)
	results := resultstore.New(store)
	proc := &fakeProcessor{}
	dispatcher := &fakeDispatcher{}
	completion := &fakeCompletion{}

	ctx := context.Background()
	_, err := store.CounterIncr(ctx, "activeWorkers:job1", 5)
	require.NoError(t, err)

	job := &models.Job{ID: "job1", Status: models.JobStatusRunning}
	require.NoError(t, results.SaveJob(ctx, job))

	rt := worker.NewRuntime(store, fr, proc, results, dispatcher, completion, common.GetLogger())
	opts := baseOpts()
	opts.MaxWorkers = 5
	rt.Invoke(ctx, "job1", opts, time.Now().Add(time.Minute), nil)

	require.Equal(t, int32(0), proc.processed.Load())

	active, err := store.CounterGet(ctx, "activeWorkers:job1")
	require.NoError(t, err)
	require.Equal(t, int64(5), active)
}

func TestRuntime_NotLastWorkerLeavesCompletionToSibling(t *testing.T) {
	store := newTestStore(t)
	fr := frontier.New(store)
	results := resultstore.New(store)
	proc := &fakeProcessor{}
	dispatcher := &fakeDispatcher{}
	completion := &fakeCompletion{}

	ctx := context.Background()
	// A sibling invocation is still live; this worker's decrement leaves
	// the counter above zero, so the sibling owns the completion check.
	_, err := store.CounterIncr(ctx, "activeWorkers:job1", 1)
	require.NoError(t, err)

	job := &models.Job{ID: "job1", Status: models.JobStatusRunning, CreatedAt: time.Now()}
	require.NoError(t, results.SaveJob(ctx, job))

	rt := worker.NewRuntime(store, fr, proc, results, dispatcher, completion, common.GetLogger())
	rt.Invoke(ctx, "job1", baseOpts(), time.Now().Add(time.Minute), nil)

	require.Equal(t, int32(0), completion.triggered.Load())

	active, err := store.CounterGet(ctx, "activeWorkers:job1")
	require.NoError(t, err)
	require.Equal(t, int64(1), active)
}

func TestRuntime_CancelledJobStopsWithoutProcessing(t *testing.T) {
	store := newTestStore(t)
	fr := frontier.New(store)
	results := resultstore.New(store)
	proc := &fakeProcessor{}
	dispatcher := &fakeDispatcher{}
	completion := &fakeCompletion{}

	ctx := context.Background()
	base, _ := url.Parse("https://docs.example.com/")
	_, err := fr.TryEnqueue(ctx, "job1", "https://docs.example.com/a", 0, "", base, nil, 2, 50)
	require.NoError(t, err)

	job := &models.Job{ID: "job1", Status: models.JobStatusCancelled}
	require.NoError(t, results.SaveJob(ctx, job))

	rt := worker.NewRuntime(store, fr, proc, results, dispatcher, completion, common.GetLogger())
	rt.Invoke(ctx, "job1", baseOpts(), time.Now().Add(time.Minute), nil)

	require.Equal(t, int32(0), proc.processed.Load())
	require.Equal(t, 0, dispatcher.launches)
}
