package discovery

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/docspasta/crawler-engine/internal/common"
	"github.com/docspasta/crawler-engine/internal/kvstore"
	"github.com/ternarybob/arbor"
)

func errNotFound(sitemapURL string, status int) error {
	return fmt.Errorf("sitemap fetch %s: unexpected status %d", sitemapURL, status)
}

const (
	sitemapCacheTTL    = 24 * time.Hour
	sitemapFetchCap    = 10 * 1024 * 1024
	sitemapMaxDepth    = 3
	sitemapFetchTimeout = 15 * time.Second
)

var sitemapCandidatePaths = []string{
	"/sitemap.xml",
	"/sitemap_index.xml",
	"/sitemaps.xml",
	"/sitemap/sitemap.xml",
	"/sitemaps/sitemap.xml",
	"/xml/sitemap.xml",
	"/wp-sitemap.xml",
	"/sitemap-index.xml",
}

// urlSet is the <urlset> root of a leaf sitemap.
type urlSet struct {
	XMLName xml.Name `xml:"urlset"`
	URLs    []struct {
		Loc string `xml:"loc"`
	} `xml:"url"`
}

// sitemapIndex is the <sitemapindex> root pointing at child sitemaps.
type sitemapIndex struct {
	XMLName  xml.Name `xml:"sitemapindex"`
	Sitemaps []struct {
		Loc string `xml:"loc"`
	} `xml:"sitemap"`
}

// SitemapFetcher discovers seed URLs from a site's sitemap(s). The two
// sitemap document shapes are simple enough that encoding/xml handles
// them directly.
type SitemapFetcher struct {
	kv     *kvstore.Store
	client *http.Client
	logger arbor.ILogger
}

// NewSitemapFetcher creates a SitemapFetcher.
func NewSitemapFetcher(kv *kvstore.Store, client *http.Client, logger arbor.ILogger) *SitemapFetcher {
	return &SitemapFetcher{kv: kv, client: client, logger: logger}
}

func sitemapHashKey(host string) string { return "sitemap:" + host }

// Discover returns every page URL reachable from the host's sitemap(s),
// trying the standard candidate locations in order, plus any extra
// `Sitemap:` entries parsed from robots.txt, and recursing into sitemap
// indexes up to sitemapMaxDepth. The result is capped at maxAccepted
// (the caller passes maxPages*2) and deduplicated within the pass.
func (s *SitemapFetcher) Discover(ctx context.Context, seedURL string, extraSitemaps []string, maxAccepted int) ([]string, error) {
	u, err := url.Parse(seedURL)
	if err != nil {
		return nil, err
	}

	if cached, ok := s.cached(ctx, u.Host); ok {
		return capAccepted(cached, maxAccepted), nil
	}

	candidates := make([]string, 0, len(sitemapCandidatePaths)+len(extraSitemaps))
	for _, path := range sitemapCandidatePaths {
		candidates = append(candidates, (&url.URL{Scheme: u.Scheme, Host: u.Host, Path: path}).String())
	}
	candidates = append(candidates, extraSitemaps...)

	visited := make(map[string]bool)
	seen := make(map[string]bool)
	var found []string

	for _, candidate := range candidates {
		if visited[candidate] {
			continue
		}
		urls, err := s.fetchRecursive(ctx, candidate, 0, visited)
		if err != nil {
			s.logger.Debug().Err(err).Str("candidate", candidate).Msg("discovery: sitemap candidate unavailable")
			continue
		}
		for _, loc := range urls {
			if !seen[loc] {
				seen[loc] = true
				found = append(found, loc)
			}
		}
	}

	found = capAccepted(found, maxAccepted)
	s.cache(ctx, u.Host, found)
	return found, nil
}

func capAccepted(urls []string, max int) []string {
	if max <= 0 || len(urls) <= max {
		return urls
	}
	return urls[:max]
}

func (s *SitemapFetcher) cached(ctx context.Context, host string) ([]string, bool) {
	fields, err := s.kv.HashGetAll(ctx, sitemapHashKey(host))
	if err != nil || len(fields) == 0 {
		return nil, false
	}
	body, ok := fields["urls"]
	if !ok {
		return nil, false
	}
	if body == "" {
		return nil, true
	}
	return strings.Split(body, "\n"), true
}

func (s *SitemapFetcher) cache(ctx context.Context, host string, urls []string) {
	key := sitemapHashKey(host)
	if err := s.kv.HashSet(ctx, key, "urls", strings.Join(urls, "\n")); err != nil {
		s.logger.Warn().Err(err).Str("host", host).Msg("discovery: failed to cache sitemap result")
		return
	}
	if err := s.kv.KeyExpire(ctx, key, sitemapCacheTTL); err != nil {
		s.logger.Warn().Err(err).Str("host", host).Msg("discovery: failed to set sitemap cache TTL")
	}
}

func (s *SitemapFetcher) fetchRecursive(ctx context.Context, sitemapURL string, depth int, visited map[string]bool) ([]string, error) {
	if depth > sitemapMaxDepth || visited[sitemapURL] {
		return nil, nil
	}
	visited[sitemapURL] = true

	body, err := s.fetch(ctx, sitemapURL)
	if err != nil {
		return nil, err
	}

	var set urlSet
	if err := xml.Unmarshal(body, &set); err == nil && len(set.URLs) > 0 {
		urls := make([]string, 0, len(set.URLs))
		for _, e := range set.URLs {
			if e.Loc != "" {
				urls = append(urls, e.Loc)
			}
		}
		return urls, nil
	}

	var index sitemapIndex
	if err := xml.Unmarshal(body, &index); err == nil && len(index.Sitemaps) > 0 {
		var all []string
		for _, e := range index.Sitemaps {
			if e.Loc == "" || !looksLikeChildSitemap(e.Loc) {
				continue
			}
			children, err := s.fetchRecursive(ctx, e.Loc, depth+1, visited)
			if err != nil {
				s.logger.Debug().Err(err).Str("child", e.Loc).Msg("discovery: child sitemap unavailable")
				continue
			}
			all = append(all, children...)
		}
		return all, nil
	}

	return nil, nil
}

func looksLikeChildSitemap(loc string) bool {
	lower := strings.ToLower(loc)
	return strings.HasSuffix(lower, ".xml") || strings.Contains(lower, "sitemap") || strings.Contains(lower, "feed")
}

func (s *SitemapFetcher) fetch(ctx context.Context, sitemapURL string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, sitemapFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sitemapURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", common.UserAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errNotFound(sitemapURL, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, sitemapFetchCap))
}
