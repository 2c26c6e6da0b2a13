package pipeline

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/docspasta/crawler-engine/internal/crawlerrors"
	"github.com/docspasta/crawler-engine/internal/discovery"
	"github.com/docspasta/crawler-engine/internal/eventlog"
	"github.com/docspasta/crawler-engine/internal/frontier"
	"github.com/docspasta/crawler-engine/internal/models"
	"github.com/docspasta/crawler-engine/internal/resultstore"
	"github.com/docspasta/crawler-engine/internal/urlnorm"
	"github.com/ternarybob/arbor"
)

var retryBackoffs = []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}

// Pipeline processes one FrontierEntry end to end: transition lock,
// fetch, parse, score, persist, harvest links, emit events.
type Pipeline struct {
	fetcher  *Fetcher
	robots   *discovery.RobotsChecker
	harvest  *discovery.LinkHarvester
	frontier *frontier.Frontier
	results  *resultstore.Store
	events   *eventlog.Log
	logger   arbor.ILogger
}

// New assembles a Pipeline from its collaborators.
func New(fetcher *Fetcher, robots *discovery.RobotsChecker, harvest *discovery.LinkHarvester, fr *frontier.Frontier, results *resultstore.Store, events *eventlog.Log, logger arbor.ILogger) *Pipeline {
	return &Pipeline{fetcher: fetcher, robots: robots, harvest: harvest, frontier: fr, results: results, events: events, logger: logger}
}

// Process runs one FrontierEntry through the full pipeline.
func (p *Pipeline) Process(ctx context.Context, entry models.FrontierEntry, opts models.Options, filter *urlnorm.ScopeFilter) error {
	page := &models.PageRecord{
		ID:           models.PageKey(entry.JobID, entry.URL),
		JobID:        entry.JobID,
		URL:          entry.URL,
		Status:       models.PageStatusPending,
		DiscoveredAt: time.Now(),
	}

	owned, err := p.results.TryTransitionPending(ctx, page)
	if err != nil {
		return err
	}
	if !owned {
		// Another worker already owns this page's transition.
		return nil
	}

	if opts.RespectRobots {
		allowed, delay, err := p.robots.Allowed(ctx, entry.URL)
		if err != nil {
			p.logger.Debug().Err(err).Str("url", entry.URL).Msg("pipeline: robots check failed, proceeding")
		} else if !allowed {
			return p.markSkipped(ctx, page, "disallowed by robots.txt")
		} else if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	fetchResult, fetchErr := p.fetchWithRetry(ctx, entry.URL)
	if fetchErr != nil {
		return p.markFailed(ctx, page, fetchErr)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fetchResult.Body))
	if err != nil {
		return p.markFailed(ctx, page, crawlerrors.New(crawlerrors.ParseError, "Pipeline.Process", err))
	}

	title := ExtractTitle(doc)
	content := ExtractMainContent(doc)
	markdown := ConvertToMarkdown(content, fetchResult.URL)
	quality := ScoreQuality(markdown, fetchResult.URL)
	wordCount := WordCount(markdown)

	now := time.Now()
	page.Status = models.PageStatusCrawled
	page.HTTPStatus = fetchResult.StatusCode
	page.Title = title
	page.Content = markdown
	page.QualityScore = quality
	page.WordCount = wordCount
	page.CrawledAt = &now

	if err := p.results.SavePage(ctx, page); err != nil {
		return err
	}

	newCount := 0
	if opts.MaxLinksPerPage != 0 {
		links := p.harvest.Harvest(doc, fetchResult.URL, opts.MaxLinksPerPage)
		base := baseURL(fetchResult.URL)
		for _, link := range links {
			result, err := p.frontier.TryEnqueue(ctx, entry.JobID, link, entry.Depth+1, entry.URL, base, filter, opts.MaxDepth, opts.MaxPages)
			if err != nil {
				p.logger.Warn().Err(err).Str("link", link).Msg("pipeline: failed to enqueue harvested link")
				continue
			}
			if result.Enqueued {
				newCount++
			}
		}
	}

	if _, err := p.events.Append(ctx, entry.JobID, models.EventURLCrawled, map[string]interface{}{
		"url":            fetchResult.URL,
		"success":        true,
		"content_length": len(markdown),
		"quality_score":  quality,
	}); err != nil {
		return err
	}

	totalDiscovered, _, _, _, err := p.frontier.Counters(ctx, entry.JobID)
	if err != nil {
		totalDiscovered = 0
	}
	if _, err := p.events.Append(ctx, entry.JobID, models.EventURLsDiscovered, map[string]interface{}{
		"source_url":       fetchResult.URL,
		"count":            newCount,
		"total_discovered": totalDiscovered,
	}); err != nil {
		return err
	}

	return nil
}

// fetchWithRetry applies the retry policy: Transient errors back off
// 2s/4s/8s across up to 3 retries, a Timeout is retried exactly once,
// and HttpError is never retried.
func (p *Pipeline) fetchWithRetry(ctx context.Context, url string) (*FetchResult, error) {
	var lastErr error
	for attempt := 0; attempt <= len(retryBackoffs); attempt++ {
		result, err := p.fetcher.Fetch(ctx, url)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !crawlerrors.Retryable(err) || attempt == len(retryBackoffs) {
			return nil, err
		}
		if crawlerrors.Is(err, crawlerrors.Timeout) && attempt >= 1 {
			return nil, err
		}
		select {
		case <-time.After(retryBackoffs[attempt]):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func (p *Pipeline) markFailed(ctx context.Context, page *models.PageRecord, cause error) error {
	page.Status = models.PageStatusError
	page.ErrorMessage = cause.Error()
	if err := p.results.SavePage(ctx, page); err != nil {
		return err
	}
	_, err := p.events.Append(ctx, page.JobID, models.EventURLFailed, map[string]interface{}{
		"url":   page.URL,
		"error": cause.Error(),
	})
	return err
}

func (p *Pipeline) markSkipped(ctx context.Context, page *models.PageRecord, reason string) error {
	page.Status = models.PageStatusSkipped
	page.ErrorMessage = reason
	return p.results.SavePage(ctx, page)
}

func baseURL(pageURL string) *url.URL {
	u, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}
	return u
}
