// Package pipeline implements the per-URL page pipeline: transition
// lock, fetch, parse and main-content extraction, quality scoring, link
// harvest, persistence, and event emission.
package pipeline

import (
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
)

var boilerplateSelectors = strings.Join([]string{
	"nav", "header", "footer", "aside",
	".sidebar", ".advertisement", ".ads", ".cookie-banner",
	".navigation", ".breadcrumb", ".site-header", ".site-footer",
	"script", "style", "noscript",
}, ", ")

var mainContentSelectors = []string{"main", "article", "[role=main]", "body"}

// ExtractTitle follows the page-title fallback chain: <title>, then
// og:title, then the first <h1>, then twitter:title.
func ExtractTitle(doc *goquery.Document) string {
	if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
		return title
	}
	if og, ok := doc.Find(`meta[property="og:title"]`).Attr("content"); ok {
		if og = strings.TrimSpace(og); og != "" {
			return og
		}
	}
	if h1 := strings.TrimSpace(doc.Find("h1").First().Text()); h1 != "" {
		return h1
	}
	if tw, ok := doc.Find(`meta[name="twitter:title"]`).Attr("content"); ok {
		if tw = strings.TrimSpace(tw); tw != "" {
			return tw
		}
	}
	return "Untitled"
}

// ExtractMainContent selects the first matching main-content container
// and removes the closed set of boilerplate selectors from within it.
func ExtractMainContent(doc *goquery.Document) *goquery.Selection {
	var content *goquery.Selection
	for _, sel := range mainContentSelectors {
		found := doc.Find(sel).First()
		if found.Length() > 0 {
			content = found
			break
		}
	}
	if content == nil {
		content = doc.Find("body")
	}
	content.Find(boilerplateSelectors).Remove()
	return content
}

// ConvertToMarkdown converts a main-content selection to Markdown via
// html-to-markdown, falling back to a plain-text strip if conversion
// produces empty output despite non-empty input.
func ConvertToMarkdown(content *goquery.Selection, baseURL string) string {
	html, err := content.Html()
	if err != nil || strings.TrimSpace(html) == "" {
		return ""
	}

	converter := md.NewConverter(baseURL, true, nil)
	converted, err := converter.ConvertString(html)
	if err != nil {
		return strings.TrimSpace(content.Text())
	}

	trimmed := strings.TrimSpace(converted)
	if trimmed == "" {
		return strings.TrimSpace(content.Text())
	}
	return trimmed
}
