// Package jobcontroller implements job lifecycle management: job
// creation, single-writer completion detection, timeout transition, and
// cancellation.
package jobcontroller

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/docspasta/crawler-engine/internal/common"
	"github.com/docspasta/crawler-engine/internal/discovery"
	"github.com/docspasta/crawler-engine/internal/eventlog"
	"github.com/docspasta/crawler-engine/internal/frontier"
	"github.com/docspasta/crawler-engine/internal/kvstore"
	"github.com/docspasta/crawler-engine/internal/models"
	"github.com/docspasta/crawler-engine/internal/resultstore"
	"github.com/docspasta/crawler-engine/internal/urlnorm"
	"github.com/docspasta/crawler-engine/internal/worker"
	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
)

// WorkerLauncher spawns worker invocations for a job, the same
// fire-and-forget dispatch interface the worker runtime uses for
// self-reinvocation.
type WorkerLauncher interface {
	Launch(jobID string, opts models.Options, filter *urlnorm.ScopeFilter)
}

// Controller owns job lifecycle transitions.
type Controller struct {
	kv       *kvstore.Store
	results  *resultstore.Store
	frontier *frontier.Frontier
	events   *eventlog.Log
	sitemap  *discovery.SitemapFetcher
	robots   *discovery.RobotsChecker
	workers  WorkerLauncher
	logger   arbor.ILogger
}

// New assembles a Controller from its collaborators.
func New(kv *kvstore.Store, results *resultstore.Store, fr *frontier.Frontier, events *eventlog.Log, sitemap *discovery.SitemapFetcher, robots *discovery.RobotsChecker, workers WorkerLauncher, logger arbor.ILogger) *Controller {
	return &Controller{kv: kv, results: results, frontier: fr, events: events, sitemap: sitemap, robots: robots, workers: workers, logger: logger}
}

// CreateRequest is the decoded body of POST /jobs.
type CreateRequest struct {
	URL     string         `json:"url"`
	Options *OptionsPatch  `json:"options,omitempty"`
}

// OptionsPatch carries only the options the caller chose to override;
// zero-valued fields fall back to CrawlerConfig defaults.
type OptionsPatch struct {
	MaxPages            *int      `json:"maxPages,omitempty"`
	MaxDepth            *int      `json:"maxDepth,omitempty"`
	MaxWorkers          *int      `json:"maxWorkers,omitempty"`
	BatchCount          *int      `json:"batchCount,omitempty"`
	QualityThreshold    *int      `json:"qualityThreshold,omitempty"`
	FollowExternalLinks *bool     `json:"followExternalLinks,omitempty"`
	RespectRobots       *bool     `json:"respectRobots,omitempty"`
	UseSitemap          *bool     `json:"useSitemap,omitempty"`
	IncludePaths        []string  `json:"includePaths,omitempty"`
	ExcludePaths        []string  `json:"excludePaths,omitempty"`
	MaxLinksPerPage     *int      `json:"maxLinksPerPage,omitempty"`
}

// ResolveOptions merges a patch over the process-wide crawler defaults.
func ResolveOptions(defaults common.CrawlerConfig, patch *OptionsPatch) models.Options {
	opts := models.Options{
		MaxPages:         defaults.MaxPages,
		MaxDepth:         defaults.MaxDepth,
		MaxWorkers:       defaults.MaxWorkers,
		BatchCount:       defaults.BatchCount,
		SoftDeadline:     models.Duration(defaults.SoftDeadline()),
		PageTimeout:      models.Duration(defaults.PageTimeout()),
		JobTimeout:       models.Duration(defaults.JobTimeout()),
		QualityThreshold: defaults.QualityThreshold,
		RespectRobots:    defaults.RespectRobots,
		UseSitemap:       defaults.UseSitemap,
		MaxLinksPerPage:  defaults.MaxLinksPerPage,
		ReinvokeMargin:   models.Duration(defaults.ReinvokeMargin()),
	}
	if patch == nil {
		return opts
	}
	if patch.MaxPages != nil {
		opts.MaxPages = *patch.MaxPages
	}
	if patch.MaxDepth != nil {
		opts.MaxDepth = *patch.MaxDepth
	}
	if patch.MaxWorkers != nil {
		opts.MaxWorkers = *patch.MaxWorkers
	}
	if patch.BatchCount != nil {
		opts.BatchCount = *patch.BatchCount
	}
	if patch.QualityThreshold != nil {
		opts.QualityThreshold = *patch.QualityThreshold
	}
	if patch.FollowExternalLinks != nil {
		opts.FollowExternalLinks = *patch.FollowExternalLinks
	}
	if patch.RespectRobots != nil {
		opts.RespectRobots = *patch.RespectRobots
	}
	if patch.UseSitemap != nil {
		opts.UseSitemap = *patch.UseSitemap
	}
	if patch.IncludePaths != nil {
		opts.IncludePaths = patch.IncludePaths
	}
	if patch.ExcludePaths != nil {
		opts.ExcludePaths = patch.ExcludePaths
	}
	if patch.MaxLinksPerPage != nil {
		opts.MaxLinksPerPage = *patch.MaxLinksPerPage
	}
	return opts
}

// Create allocates a job, seeds the frontier, optionally seeds from the
// site's sitemap, appends stream_connected, and launches the initial
// worker batch.
func (c *Controller) Create(ctx context.Context, seedURL string, opts models.Options) (*models.Job, *urlnorm.ScopeFilter, error) {
	filter, filterErrs := urlnorm.NewScopeFilter(seedURL, opts.FollowExternalLinks, opts.IncludePaths, opts.ExcludePaths)
	for _, e := range filterErrs {
		c.logger.Warn().Err(e).Msg("jobcontroller: invalid scope pattern ignored")
	}

	base, err := url.Parse(seedURL)
	if err != nil {
		return nil, nil, fmt.Errorf("jobcontroller: invalid seed URL: %w", err)
	}

	jobID := uuid.NewString()
	now := time.Now()
	job := &models.Job{
		ID:        jobID,
		SeedURL:   seedURL,
		Status:    models.JobStatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
		Options:   opts,
	}

	result, err := c.frontier.TryEnqueue(ctx, jobID, seedURL, 0, "", base, filter, opts.MaxDepth, opts.MaxPages)
	if err != nil {
		return nil, nil, fmt.Errorf("jobcontroller: failed to seed frontier: %w", err)
	}
	if !result.Enqueued {
		return nil, nil, fmt.Errorf("jobcontroller: seed URL rejected: %s", result.Reason)
	}

	if opts.UseSitemap {
		c.seedFromSitemap(ctx, jobID, seedURL, opts, base, filter)
	}

	if err := c.results.SaveJob(ctx, job); err != nil {
		return nil, nil, err
	}

	if _, err := c.events.Append(ctx, jobID, models.EventStreamConnected, nil); err != nil {
		return nil, nil, err
	}

	initialWorkers := opts.MaxWorkers
	if initialWorkers > 3 {
		initialWorkers = 3
	}
	for i := 0; i < initialWorkers; i++ {
		c.workers.Launch(jobID, opts, filter)
	}

	return job, filter, nil
}

func (c *Controller) seedFromSitemap(ctx context.Context, jobID, seedURL string, opts models.Options, base *url.URL, filter *urlnorm.ScopeFilter) {
	var extraSitemaps []string
	if c.robots != nil {
		if sm, err := c.robots.Sitemaps(ctx, seedURL); err == nil {
			extraSitemaps = sm
		}
	}

	urls, err := c.sitemap.Discover(ctx, seedURL, extraSitemaps, opts.MaxPages*2)
	if err != nil {
		c.logger.Warn().Err(err).Str("job_id", jobID).Msg("jobcontroller: sitemap discovery failed, continuing with seed only")
		return
	}
	for _, u := range urls {
		if _, err := c.frontier.TryEnqueue(ctx, jobID, u, 1, seedURL, base, filter, opts.MaxDepth, opts.MaxPages); err != nil {
			c.logger.Warn().Err(err).Str("url", u).Msg("jobcontroller: failed to enqueue sitemap URL")
		}
	}
}

// Totals assembles a job's current Totals by combining the
// frontier's discovered/queued/filtered/skipped counters with PageRecord
// counts from the result store (processed/failed). It never mutates the
// persisted Job; callers overlay the result onto a snapshot for a
// client (state endpoint) or before a terminal save (DetectCompletion).
func (c *Controller) Totals(ctx context.Context, jobID string) (models.Totals, error) {
	discovered, queued, filtered, skipped, err := c.frontier.Counters(ctx, jobID)
	if err != nil {
		return models.Totals{}, err
	}
	crawled, err := c.results.CountPagesByStatus(ctx, jobID, models.PageStatusCrawled)
	if err != nil {
		return models.Totals{}, err
	}
	errored, err := c.results.CountPagesByStatus(ctx, jobID, models.PageStatusError)
	if err != nil {
		return models.Totals{}, err
	}
	return models.Totals{
		Discovered: discovered,
		Queued:     queued,
		Processed:  crawled + errored,
		Filtered:   filtered,
		Skipped:    skipped,
		Failed:     errored,
	}, nil
}

// Snapshot loads a Job and overlays its live Totals, for clients that
// poll GET /jobs/{id}/state rather than following the event stream.
func (c *Controller) Snapshot(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := c.results.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	totals, err := c.Totals(ctx, jobID)
	if err != nil {
		c.logger.Warn().Err(err).Str("job_id", jobID).Msg("jobcontroller: failed to compute totals snapshot")
		return job, nil
	}
	job.Totals = totals
	return job, nil
}

// DetectCompletion runs the single-writer completion algorithm: acquire
// the lock, re-check the terminal condition, assemble the final
// Markdown, persist, and append the terminal event.
func (c *Controller) DetectCompletion(ctx context.Context, jobID string) {
	acquired, err := c.events.AcquireCompletionLock(ctx, jobID)
	if err != nil {
		c.logger.Error().Err(err).Str("job_id", jobID).Msg("jobcontroller: failed to acquire completion lock")
		return
	}
	if !acquired {
		return
	}
	defer c.events.ReleaseCompletionLock(ctx, jobID)

	job, err := c.results.GetJob(ctx, jobID)
	if err != nil || job == nil {
		c.logger.Error().Err(err).Str("job_id", jobID).Msg("jobcontroller: job not found during completion detection")
		return
	}
	if job.Status.Terminal() {
		return
	}

	// A job past its wall-clock budget is transitioned to timeout by the
	// next completion-detection pass, whoever triggers it.
	if time.Since(job.CreatedAt) > job.Options.JobTimeout.D() {
		c.transitionTimeout(ctx, job)
		return
	}

	empty, err := c.frontier.IsEmpty(ctx, jobID)
	if err != nil || !empty {
		return
	}

	active, err := worker.ActiveWorkers(ctx, c.kv, jobID)
	if err != nil || active > 0 {
		return
	}

	pages, err := c.results.PagesForAssembly(ctx, jobID, job.Options.QualityThreshold)
	if err != nil {
		c.logger.Error().Err(err).Str("job_id", jobID).Msg("jobcontroller: failed to assemble final markdown")
		return
	}

	totals, err := c.Totals(ctx, jobID)
	if err != nil {
		c.logger.Warn().Err(err).Str("job_id", jobID).Msg("jobcontroller: failed to compute final totals")
		totals = job.Totals
	}

	job.FinalMarkdown = assembleMarkdown(pages)
	job.Status = models.JobStatusCompleted
	now := time.Now()
	job.CompletedAt = &now
	job.UpdatedAt = now
	job.Totals = totals

	if err := c.results.SaveJob(ctx, job); err != nil {
		c.logger.Error().Err(err).Str("job_id", jobID).Msg("jobcontroller: failed to persist completed job")
		return
	}

	c.events.Append(ctx, jobID, models.EventJobCompleted, map[string]interface{}{
		"totalProcessed":  totals.Processed,
		"totalDiscovered": totals.Discovered,
	})
}

func assembleMarkdown(pages []*models.PageRecord) string {
	var b strings.Builder
	for i, p := range pages {
		if i > 0 {
			b.WriteString("\n\n---\n\n")
		}
		b.WriteString("## ")
		b.WriteString(p.Title)
		b.WriteString("\n\n**Source:** ")
		b.WriteString(p.URL)
		b.WriteString("\n\n")
		b.WriteString(p.Content)
	}
	return b.String()
}

// CheckTimeout transitions a still-running job past its jobTimeout to
// the timeout state, invoked as part of the periodic reaper pass.
func (c *Controller) CheckTimeout(ctx context.Context, job *models.Job) {
	if job.Status.Terminal() {
		return
	}
	if time.Since(job.CreatedAt) < job.Options.JobTimeout.D() {
		return
	}

	acquired, err := c.events.AcquireCompletionLock(ctx, job.ID)
	if err != nil || !acquired {
		return
	}
	defer c.events.ReleaseCompletionLock(ctx, job.ID)

	// The lock expires after completionLockTTL, so a sweep running well
	// after a prior winner already finished can still acquire it here.
	// Re-fetch fresh and re-check Terminal() under the lock rather than
	// trusting the caller's possibly-stale snapshot, or a job that already
	// reached a terminal state could be overwritten with timeout.
	fresh, err := c.results.GetJob(ctx, job.ID)
	if err != nil {
		c.logger.Error().Err(err).Str("job_id", job.ID).Msg("jobcontroller: failed to reload job before timeout transition")
		return
	}
	if fresh.Status.Terminal() {
		return
	}

	c.transitionTimeout(ctx, fresh)
}

func (c *Controller) transitionTimeout(ctx context.Context, job *models.Job) {
	now := time.Now()
	job.Status = models.JobStatusTimeout
	job.CompletedAt = &now
	job.UpdatedAt = now
	if err := c.results.SaveJob(ctx, job); err != nil {
		c.logger.Error().Err(err).Str("job_id", job.ID).Msg("jobcontroller: failed to persist timeout transition")
		return
	}
	c.events.Append(ctx, job.ID, models.EventJobTimeout, map[string]interface{}{"reason": "job_timeout"})
}

// Cancel marks a job cancelled; workers observe this on their next
// iteration boundary and a terminal job_failed event records the reason.
func (c *Controller) Cancel(ctx context.Context, jobID string) error {
	job, err := c.results.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}

	// Goes through the same single-writer lock as DetectCompletion/CheckTimeout
	// so a cancel racing a natural completion can never produce two terminal
	// events for the same job.
	acquired, err := c.events.AcquireCompletionLock(ctx, jobID)
	if err != nil {
		return err
	}
	if !acquired {
		return nil
	}
	defer c.events.ReleaseCompletionLock(ctx, jobID)

	// The job may have reached a terminal state between the first check
	// and lock acquisition.
	fresh, err := c.results.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if fresh.Status.Terminal() {
		return nil
	}
	job = fresh

	now := time.Now()
	job.Status = models.JobStatusCancelled
	job.CompletedAt = &now
	job.UpdatedAt = now
	if err := c.results.SaveJob(ctx, job); err != nil {
		return err
	}

	_, err = c.events.Append(ctx, jobID, models.EventJobFailed, map[string]interface{}{"reason": "cancelled"})
	return err
}
