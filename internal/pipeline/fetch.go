package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/docspasta/crawler-engine/internal/common"
	"github.com/docspasta/crawler-engine/internal/crawlerrors"
	"golang.org/x/time/rate"
)

const maxRedirects = 5
const maxBodyBytes = 20 * 1024 * 1024

// Fetcher performs rate-limited HTTP GETs with the crawler's fixed
// identity, bounded redirects, and a per-request timeout.
type Fetcher struct {
	client  *http.Client
	limiter *rate.Limiter
}

// NewFetcher builds a Fetcher with the given per-request timeout and a
// global rate limit (requests per second, burst).
func NewFetcher(timeout time.Duration, requestsPerSecond float64, burst int) *Fetcher {
	client := &http.Client{
		Timeout: timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		},
	}
	return &Fetcher{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
	}
}

// FetchResult is a successfully retrieved page body with its final
// resolved URL and status code.
type FetchResult struct {
	URL        string
	StatusCode int
	Body       string
}

// Fetch retrieves pageURL, honoring the rate limiter before dialing.
// Non-2xx responses are reported as a crawlerrors HttpError.
func (f *Fetcher) Fetch(ctx context.Context, pageURL string) (*FetchResult, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, crawlerrors.New(crawlerrors.Timeout, "Fetcher.Fetch", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, crawlerrors.New(crawlerrors.InvalidUrl, "Fetcher.Fetch", err)
	}
	req.Header.Set("User-Agent", common.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9")

	resp, err := f.client.Do(req)
	if err != nil {
		var netErr net.Error
		if ctx.Err() != nil || (errors.As(err, &netErr) && netErr.Timeout()) {
			return nil, crawlerrors.New(crawlerrors.Timeout, "Fetcher.Fetch", err)
		}
		return nil, crawlerrors.New(crawlerrors.Transient, "Fetcher.Fetch", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, crawlerrors.New(crawlerrors.HttpError, "Fetcher.Fetch", fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, crawlerrors.New(crawlerrors.Transient, "Fetcher.Fetch", err)
	}

	finalURL := pageURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	return &FetchResult{URL: finalURL, StatusCode: resp.StatusCode, Body: string(body)}, nil
}
