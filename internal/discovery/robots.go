package discovery

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/docspasta/crawler-engine/internal/common"
	"github.com/docspasta/crawler-engine/internal/kvstore"
	"github.com/temoto/robotstxt"
	"github.com/ternarybob/arbor"
)

const (
	robotsCacheTTL   = time.Hour
	maxCrawlDelay    = 10 * time.Second
	robotsFetchLimit = 500 * 1024
)

// RobotsChecker fetches and caches robots.txt per host, using
// temoto/robotstxt for rule matching.
type RobotsChecker struct {
	kv     *kvstore.Store
	client *http.Client
	logger arbor.ILogger
}

// NewRobotsChecker creates a RobotsChecker backed by the KV store's
// 1-hour-TTL cache.
func NewRobotsChecker(kv *kvstore.Store, client *http.Client, logger arbor.ILogger) *RobotsChecker {
	return &RobotsChecker{kv: kv, client: client, logger: logger}
}

func robotsHashKey(host string) string { return "robots:" + host }

// Allowed reports whether pageURL may be fetched under the host's
// robots.txt, and the crawl-delay (capped at 10s) the host requests.
func (r *RobotsChecker) Allowed(ctx context.Context, pageURL string) (bool, time.Duration, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return false, 0, err
	}

	body, err := r.fetchOrCache(ctx, u)
	if err != nil {
		// Fail-open: an unreachable or malformed robots.txt never blocks
		// a crawl, matching the usual robots.txt convention.
		r.logger.Debug().Err(err).Str("host", u.Host).Msg("discovery: robots.txt unavailable, allowing by default")
		return true, 0, nil
	}

	data, err := robotstxt.FromBytes(body)
	if err != nil {
		return true, 0, nil
	}

	group := data.FindGroup(common.UserAgent)
	allowed := group.Test(u.Path)

	delay := group.CrawlDelay
	if delay > maxCrawlDelay {
		delay = maxCrawlDelay
	}
	return allowed, delay, nil
}

// Sitemaps returns the `Sitemap:` directives parsed from the host's
// robots.txt, supplementing the standard candidate locations.
func (r *RobotsChecker) Sitemaps(ctx context.Context, originURL string) ([]string, error) {
	u, err := url.Parse(originURL)
	if err != nil {
		return nil, err
	}
	body, err := r.fetchOrCache(ctx, u)
	if err != nil {
		return nil, nil
	}
	data, err := robotstxt.FromBytes(body)
	if err != nil {
		return nil, nil
	}
	return data.Sitemaps, nil
}

func (r *RobotsChecker) fetchOrCache(ctx context.Context, u *url.URL) ([]byte, error) {
	key := robotsHashKey(u.Host)
	cached, err := r.kv.HashGetAll(ctx, key)
	if err == nil {
		if body, ok := cached["body"]; ok {
			return []byte(body), nil
		}
	}

	robotsURL := &url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/robots.txt"}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", common.UserAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body []byte
	if resp.StatusCode == http.StatusOK {
		body, err = io.ReadAll(io.LimitReader(resp.Body, robotsFetchLimit))
		if err != nil {
			return nil, err
		}
	}
	// A non-200 response (404 included) is cached as an empty ruleset,
	// which temoto/robotstxt parses as allow-all.

	if err := r.kv.HashSet(ctx, key, "body", string(body)); err != nil {
		r.logger.Warn().Err(err).Str("host", u.Host).Msg("discovery: failed to cache robots.txt")
	}
	if err := r.kv.KeyExpire(ctx, key, robotsCacheTTL); err != nil {
		r.logger.Warn().Err(err).Str("host", u.Host).Msg("discovery: failed to set robots.txt cache TTL")
	}

	return body, nil
}
