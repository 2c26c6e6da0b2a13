package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/docspasta/crawler-engine/internal/common"
	"github.com/docspasta/crawler-engine/internal/discovery"
	"github.com/docspasta/crawler-engine/internal/eventlog"
	"github.com/docspasta/crawler-engine/internal/frontier"
	"github.com/docspasta/crawler-engine/internal/httpapi"
	"github.com/docspasta/crawler-engine/internal/jobcontroller"
	"github.com/docspasta/crawler-engine/internal/kvstore"
	"github.com/docspasta/crawler-engine/internal/models"
	"github.com/docspasta/crawler-engine/internal/resultstore"
	"github.com/docspasta/crawler-engine/internal/urlnorm"
	"github.com/stretchr/testify/require"
)

type noopLauncher struct{}

func (noopLauncher) Launch(jobID string, opts models.Options, filter *urlnorm.ScopeFilter) {}

func newTestServer(t *testing.T) (*httptest.Server, *resultstore.Store, *eventlog.Log) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "kv")
	store, err := kvstore.Open(kvstore.Config{Path: dir}, common.GetLogger())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	fr := frontier.New(store)
	results := resultstore.New(store)
	events := eventlog.New(store)
	client := &http.Client{Timeout: 5 * time.Second}
	sitemap := discovery.NewSitemapFetcher(store, client, common.GetLogger())
	robots := discovery.NewRobotsChecker(store, client, common.GetLogger())

	controller := jobcontroller.New(store, results, fr, events, sitemap, robots, noopLauncher{}, common.GetLogger())
	cfg := common.Default().Crawler
	cfg.UseSitemap = false
	cfg.RespectRobots = false

	router := httpapi.New(controller, results, events, cfg, common.GetLogger())
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, results, events
}

func TestCreateJob_ReturnsJobIDAndStreamURL(t *testing.T) {
	srv, _, _ := newTestServer(t)

	body, _ := json.Marshal(map[string]string{"url": "https://docs.example.com/"})
	resp, err := http.Post(srv.URL+"/jobs", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out["jobId"])
	require.Contains(t, out["streamUrl"], out["jobId"])
}

func TestCreateJob_RejectsMissingURL(t *testing.T) {
	srv, _, _ := newTestServer(t)

	body, _ := json.Marshal(map[string]string{})
	resp, err := http.Post(srv.URL+"/jobs", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestState_ReturnsJobSnapshot(t *testing.T) {
	srv, results, events := newTestServer(t)
	ctx := context.Background()

	job := &models.Job{ID: "job1", SeedURL: "https://docs.example.com/", Status: models.JobStatusRunning, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, results.SaveJob(ctx, job))
	lastID, err := events.Append(ctx, "job1", models.EventStreamConnected, nil)
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/jobs/job1/state")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		models.Job
		LastEventID int64 `json:"lastEventId"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, "job1", out.ID)
	require.Equal(t, lastID, out.LastEventID)
}

func TestList_WrapsJobsInEnvelope(t *testing.T) {
	srv, results, _ := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, results.SaveJob(ctx, &models.Job{ID: "job1", Status: models.JobStatusRunning, CreatedAt: time.Now()}))

	resp, err := http.Get(srv.URL + "/jobs")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Jobs []models.Job `json:"jobs"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out.Jobs, 1)
	require.Equal(t, "job1", out.Jobs[0].ID)
}

func TestState_UnknownJobReturns404(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/jobs/does-not-exist/state")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDownload_ConflictsUntilCompleted(t *testing.T) {
	srv, results, _ := newTestServer(t)
	ctx := context.Background()

	job := &models.Job{ID: "job1", Status: models.JobStatusRunning, CreatedAt: time.Now()}
	require.NoError(t, results.SaveJob(ctx, job))

	resp, err := http.Get(srv.URL + "/jobs/job1/download")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	job.Status = models.JobStatusCompleted
	job.FinalMarkdown = "## Title\n\ncontent"
	require.NoError(t, results.SaveJob(ctx, job))

	resp2, err := http.Get(srv.URL + "/jobs/job1/download")
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)
}

func TestCancel_TransitionsJobAndAppendsEvent(t *testing.T) {
	srv, results, events := newTestServer(t)
	ctx := context.Background()

	job := &models.Job{ID: "job1", Status: models.JobStatusRunning, CreatedAt: time.Now()}
	require.NoError(t, results.SaveJob(ctx, job))

	resp, err := http.Post(srv.URL+"/jobs/job1/cancel", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	updated, err := results.GetJob(ctx, "job1")
	require.NoError(t, err)
	require.Equal(t, models.JobStatusCancelled, updated.Status)

	evs, err := events.Range(ctx, "job1", 0, 10)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	require.Equal(t, models.EventJobFailed, evs[0].Type)
}

func TestStream_DeliversEventsAndClosesOnTerminal(t *testing.T) {
	srv, _, events := newTestServer(t)
	ctx := context.Background()

	events.Append(ctx, "job1", models.EventStreamConnected, nil)
	events.Append(ctx, "job1", models.EventJobCompleted, map[string]interface{}{"totalProcessed": 1})

	resp, err := http.Get(srv.URL + "/jobs/job1/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	buf := make([]byte, 4096)
	n, _ := resp.Body.Read(buf)
	out := string(buf[:n])
	require.Contains(t, out, "event: stream_connected")
	require.Contains(t, out, "event: job_completed")
}

func TestStream_ResumesAfterLastEventID(t *testing.T) {
	srv, results, events := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, results.SaveJob(ctx, &models.Job{ID: "job1", Status: models.JobStatusCompleted, CreatedAt: time.Now()}))
	id1, err := events.Append(ctx, "job1", models.EventStreamConnected, nil)
	require.NoError(t, err)
	events.Append(ctx, "job1", models.EventURLCrawled, map[string]interface{}{"url": "https://docs.example.com/a"})
	events.Append(ctx, "job1", models.EventJobCompleted, map[string]interface{}{"totalProcessed": 1})

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/jobs/job1/stream", nil)
	req.Header.Set("Last-Event-ID", strconv.FormatInt(id1, 10))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := string(body)
	require.NotContains(t, out, "event: stream_connected")
	require.Contains(t, out, "event: url_crawled")
	require.Contains(t, out, "event: job_completed")
}

func TestStream_ClosesWhenTerminalJobHasNoFurtherEvents(t *testing.T) {
	srv, results, events := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, results.SaveJob(ctx, &models.Job{ID: "job1", Status: models.JobStatusCompleted, CreatedAt: time.Now()}))
	lastID, err := events.Append(ctx, "job1", models.EventJobCompleted, map[string]interface{}{"totalProcessed": 0})
	require.NoError(t, err)

	// Reconnecting with the terminal event already seen must close the
	// response rather than heartbeat forever.
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/jobs/job1/stream", nil)
	req.Header.Set("Last-Event-ID", strconv.FormatInt(lastID, 10))
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NotContains(t, string(body), "event:")
}
