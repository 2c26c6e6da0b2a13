// Command crawler runs the documentation-site crawl engine's HTTP
// server: job creation, state, the SSE event stream, download, and
// cancellation, backed by an embedded Badger KV store and a pool of
// serverless-style worker invocations simulated as goroutines.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docspasta/crawler-engine/internal/common"
	"github.com/docspasta/crawler-engine/internal/discovery"
	"github.com/docspasta/crawler-engine/internal/eventlog"
	"github.com/docspasta/crawler-engine/internal/frontier"
	"github.com/docspasta/crawler-engine/internal/httpapi"
	"github.com/docspasta/crawler-engine/internal/jobcontroller"
	"github.com/docspasta/crawler-engine/internal/kvstore"
	"github.com/docspasta/crawler-engine/internal/models"
	"github.com/docspasta/crawler-engine/internal/pipeline"
	"github.com/docspasta/crawler-engine/internal/resultstore"
	"github.com/docspasta/crawler-engine/internal/urlnorm"
	"github.com/docspasta/crawler-engine/internal/worker"
	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to the TOML configuration file")
	flag.Parse()

	cfg, err := common.Load(*configPath)
	if err != nil {
		cfg = common.Default()
		fmt.Fprintf(os.Stderr, "crawler: %v, falling back to defaults\n", err)
	}

	logger := common.SetupLogger(cfg)
	logger.Info().Str("config", *configPath).Msg("crawler: starting")

	store, err := kvstore.Open(kvstore.Config{Path: cfg.Storage.Badger.Path, ResetOnStartup: cfg.Storage.Badger.ResetOnStartup}, logger)
	if err != nil {
		logger.Error().Err(err).Msg("crawler: failed to open KV store")
		os.Exit(1)
	}
	defer store.Close()

	fr := frontier.New(store)
	results := resultstore.New(store)
	events := eventlog.New(store)

	httpClient := &http.Client{Timeout: cfg.Crawler.PageTimeout()}
	sitemap := discovery.NewSitemapFetcher(store, httpClient, logger)
	robots := discovery.NewRobotsChecker(store, httpClient, logger)
	harvest := discovery.NewLinkHarvester(logger)
	fetcher := pipeline.NewFetcher(cfg.Crawler.PageTimeout(), 2, 4)
	pipe := pipeline.New(fetcher, robots, harvest, fr, results, events, logger)

	lnch := newLauncher(store, fr, pipe, results, logger)
	controller := jobcontroller.New(store, results, fr, events, sitemap, robots, lnch, logger)
	lnch.controller = controller

	startReaper(cfg.Crawler.ReaperSchedule, results, controller, logger)

	router := httpapi.New(controller, results, events, cfg.Crawler, logger)
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: router}

	go func() {
		logger.Info().Str("addr", addr).Msg("crawler: listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("crawler: server stopped unexpectedly")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info().Msg("crawler: shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
}

// launcher bridges jobcontroller.WorkerLauncher (initial job creation),
// worker.Dispatcher (self-reinvocation), and worker.CompletionTrigger
// (handoff to completion detection) onto a single worker runtime, each
// invocation running on its own goroutine in lieu of a true serverless
// function dispatch.
type launcher struct {
	results    *resultstore.Store
	runtime    *worker.Runtime
	controller *jobcontroller.Controller
}

func newLauncher(store *kvstore.Store, fr *frontier.Frontier, pipe *pipeline.Pipeline, results *resultstore.Store, logger arbor.ILogger) *launcher {
	l := &launcher{results: results}
	l.runtime = worker.NewRuntime(store, fr, pipe, results, l, l, logger)
	return l
}

func (l *launcher) Launch(jobID string, opts models.Options, filter *urlnorm.ScopeFilter) {
	l.invoke(jobID, opts, filter, time.Now())
}

func (l *launcher) Dispatch(jobID string) {
	job, err := l.results.GetJob(context.Background(), jobID)
	if err != nil {
		return
	}
	filter, _ := urlnorm.NewScopeFilter(job.SeedURL, job.Options.FollowExternalLinks, job.Options.IncludePaths, job.Options.ExcludePaths)
	l.invoke(jobID, job.Options, filter, job.CreatedAt)
}

func (l *launcher) DetectCompletion(ctx context.Context, jobID string) {
	l.controller.DetectCompletion(ctx, jobID)
}

// invoke runs one worker invocation on its own goroutine under a
// context that expires at the job's wall-clock deadline, so in-flight
// fetches are cut when the job times out rather than outliving it.
func (l *launcher) invoke(jobID string, opts models.Options, filter *urlnorm.ScopeFilter, createdAt time.Time) {
	hardDeadline := createdAt.Add(opts.JobTimeout.D())
	go func() {
		ctx, cancel := context.WithDeadline(context.Background(), hardDeadline)
		defer cancel()
		l.runtime.Invoke(ctx, jobID, opts, hardDeadline, filter)
	}()
}

// startReaper registers a cron job that sweeps every known Job and
// transitions any still running past its jobTimeout, the ambient
// cleanup pass standing in for a distributed TTL reaper.
func startReaper(schedule string, results *resultstore.Store, controller *jobcontroller.Controller, logger arbor.ILogger) {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		ctx := context.Background()
		jobs, err := results.ListJobs(ctx)
		if err != nil {
			logger.Warn().Err(err).Msg("crawler: reaper failed to list jobs")
			return
		}
		for _, job := range jobs {
			controller.CheckTimeout(ctx, job)
		}
	})
	if err != nil {
		logger.Warn().Err(err).Str("schedule", schedule).Msg("crawler: invalid reaper schedule, reaper disabled")
		return
	}
	c.Start()
}
