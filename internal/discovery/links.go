// Package discovery implements the three ways new URLs enter a crawl:
// in-page link harvesting, sitemap traversal, and robots.txt
// consultation (which also gates fetches and supplies crawl delays).
package discovery

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/ternarybob/arbor"
)

// LinkHarvester extracts absolute, capped, deduplicated links from a
// parsed page for frontier admission.
type LinkHarvester struct {
	logger arbor.ILogger
}

// NewLinkHarvester creates a LinkHarvester.
func NewLinkHarvester(logger arbor.ILogger) *LinkHarvester {
	return &LinkHarvester{logger: logger}
}

// Harvest collects every <a href> on the page, resolved against pageURL,
// skipping non-http(s) schemes and fragment-only anchors, deduplicated,
// and capped at maxLinks.
func (h *LinkHarvester) Harvest(doc *goquery.Document, pageURL string, maxLinks int) []string {
	base, err := url.Parse(pageURL)
	if err != nil {
		h.logger.Warn().Err(err).Str("url", pageURL).Msg("discovery: failed to parse page URL for link resolution")
		return nil
	}

	seen := make(map[string]bool)
	var links []string

	doc.Find("a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if len(links) >= maxLinks {
			return false
		}
		href, ok := s.Attr("href")
		if !ok || shouldSkipHref(href) {
			return true
		}
		resolved, err := base.Parse(href)
		if err != nil {
			return true
		}
		if resolved.Scheme != "http" && resolved.Scheme != "https" {
			return true
		}
		resolved.Fragment = ""
		abs := resolved.String()
		if seen[abs] {
			return true
		}
		seen[abs] = true
		links = append(links, abs)
		return true
	})

	h.logger.Debug().Str("page_url", pageURL).Int("links_found", len(links)).Msg("discovery: links harvested")
	return links
}

func shouldSkipHref(href string) bool {
	href = strings.ToLower(strings.TrimSpace(href))
	if href == "" || strings.HasPrefix(href, "#") {
		return true
	}
	for _, prefix := range []string{"javascript:", "mailto:", "tel:", "sms:", "ftp:", "data:"} {
		if strings.HasPrefix(href, prefix) {
			return true
		}
	}
	return false
}
