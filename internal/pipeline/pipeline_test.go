package pipeline_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/docspasta/crawler-engine/internal/common"
	"github.com/docspasta/crawler-engine/internal/discovery"
	"github.com/docspasta/crawler-engine/internal/eventlog"
	"github.com/docspasta/crawler-engine/internal/frontier"
	"github.com/docspasta/crawler-engine/internal/kvstore"
	"github.com/docspasta/crawler-engine/internal/models"
	"github.com/docspasta/crawler-engine/internal/pipeline"
	"github.com/docspasta/crawler-engine/internal/resultstore"
	"github.com/docspasta/crawler-engine/internal/urlnorm"
	"github.com/stretchr/testify/require"
)

type pipeHarness struct {
	frontier *frontier.Frontier
	results  *resultstore.Store
	events   *eventlog.Log
	pipe     *pipeline.Pipeline
}

func newPipeHarness(t *testing.T) *pipeHarness {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "kv")
	store, err := kvstore.Open(kvstore.Config{Path: dir}, common.GetLogger())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	client := &http.Client{Timeout: 5 * time.Second}
	fr := frontier.New(store)
	results := resultstore.New(store)
	events := eventlog.New(store)
	robots := discovery.NewRobotsChecker(store, client, common.GetLogger())
	harvest := discovery.NewLinkHarvester(common.GetLogger())
	fetcher := pipeline.NewFetcher(5*time.Second, 100, 100)

	return &pipeHarness{
		frontier: fr,
		results:  results,
		events:   events,
		pipe:     pipeline.New(fetcher, robots, harvest, fr, results, events, common.GetLogger()),
	}
}

func pipeOptions() models.Options {
	return models.Options{
		MaxPages:         10,
		MaxDepth:         2,
		QualityThreshold: 20,
		RespectRobots:    false,
		MaxLinksPerPage:  50,
		PageTimeout:      models.Duration(5 * time.Second),
	}
}

func TestProcess_CrawlsPageHarvestsLinksAndEmitsEvents(t *testing.T) {
	h := newPipeHarness(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/docs/intro":
			w.Write([]byte(`<html><head><title>Intro</title></head><body>
				<nav>boilerplate</nav>
				<main><h1>Intro</h1><p>Welcome to the documentation guide.</p>
				<a href="/docs/next">next</a></main></body></html>`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	filter, errs := urlnorm.NewScopeFilter(srv.URL, false, nil, nil)
	require.Empty(t, errs)

	entry := models.FrontierEntry{JobID: "job1", URL: srv.URL + "/docs/intro", Depth: 0}
	require.NoError(t, h.pipe.Process(ctx, entry, pipeOptions(), filter))

	page, err := h.results.GetPage(ctx, "job1", entry.URL)
	require.NoError(t, err)
	require.NotNil(t, page)
	require.Equal(t, models.PageStatusCrawled, page.Status)
	require.Equal(t, http.StatusOK, page.HTTPStatus)
	require.Equal(t, "Intro", page.Title)
	require.Contains(t, page.Content, "Welcome to the documentation guide")
	require.NotContains(t, page.Content, "boilerplate")
	require.NotNil(t, page.CrawledAt)

	// The in-page link was submitted through the frontier at depth+1.
	next, ok, err := h.frontier.Dequeue(ctx, "job1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, next.Depth)
	require.Contains(t, next.URL, "/docs/next")

	evs, err := h.events.Range(ctx, "job1", 0, 10)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	require.Equal(t, models.EventURLCrawled, evs[0].Type)
	require.Equal(t, true, evs[0].Payload["success"])
	require.Equal(t, models.EventURLsDiscovered, evs[1].Type)
	require.Equal(t, entry.URL, evs[1].Payload["source_url"])
}

func TestProcess_SecondWorkerReturnsWithoutEvents(t *testing.T) {
	h := newPipeHarness(t)
	ctx := context.Background()

	entry := models.FrontierEntry{JobID: "job1", URL: "https://docs.example.com/a", Depth: 0}
	require.NoError(t, h.results.SavePage(ctx, &models.PageRecord{
		ID:     models.PageKey(entry.JobID, entry.URL),
		JobID:  entry.JobID,
		URL:    entry.URL,
		Status: models.PageStatusFetching,
	}))

	require.NoError(t, h.pipe.Process(ctx, entry, pipeOptions(), nil))

	evs, err := h.events.Range(ctx, "job1", 0, 10)
	require.NoError(t, err)
	require.Empty(t, evs)
}

func TestProcess_HTTPErrorMarksPageFailed(t *testing.T) {
	h := newPipeHarness(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	filter, _ := urlnorm.NewScopeFilter(srv.URL, false, nil, nil)
	entry := models.FrontierEntry{JobID: "job1", URL: srv.URL + "/docs/broken", Depth: 0}
	require.NoError(t, h.pipe.Process(ctx, entry, pipeOptions(), filter))

	page, err := h.results.GetPage(ctx, "job1", entry.URL)
	require.NoError(t, err)
	require.NotNil(t, page)
	require.Equal(t, models.PageStatusError, page.Status)
	require.NotEmpty(t, page.ErrorMessage)

	evs, err := h.events.Range(ctx, "job1", 0, 10)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	require.Equal(t, models.EventURLFailed, evs[0].Type)
	require.Equal(t, entry.URL, evs[0].Payload["url"])
}
