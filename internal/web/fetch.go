// Package web implements the polite crawling layer: fetching with
// conditional requests, per-domain pacing, per-store budgets, robots
// enforcement, and HTML parsing.
package web

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/promowatch/promowatch/internal/pkg/httpretry"
	"github.com/promowatch/promowatch/internal/pkg/logger"
)

// DefaultMaxBodyBytes caps page bodies; sitemaps get a larger cap because
// sitemap indexes for big retailers routinely exceed 5 MiB.
const (
	DefaultMaxBodyBytes = int64(5 * 1024 * 1024)
	SitemapMaxBodyBytes = int64(20 * 1024 * 1024)
)

// FetchOptions control a single fetch.
type FetchOptions struct {
	// ETag and LastModified, when set, are sent as If-None-Match /
	// If-Modified-Since conditional headers.
	ETag         string
	LastModified string
	// MaxBytes caps the body size; 0 means DefaultMaxBodyBytes.
	MaxBytes int64
}

// FetchResult is the outcome of one fetch.
type FetchResult struct {
	FinalURL     string
	Status       int
	Body         []byte
	ETag         string
	LastModified string
	ElapsedMS    int64
	Truncated    bool
	NotModified  bool
}

// HTTPError is returned for terminal non-2xx statuses so callers can map the
// status code to an error code without string matching.
type HTTPError struct {
	Status int
	URL    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("fetch %s: http status %d", e.URL, e.Status)
}

// Fetcher performs HTTP GETs with retries, conditional requests, and body
// size caps. It is safe for concurrent use.
type Fetcher struct {
	client    httpretry.HTTPDoer
	userAgent string
}

// NewFetcher creates a Fetcher. If client is nil, a retrying client with a
// 30s per-request timeout is used.
func NewFetcher(client httpretry.HTTPDoer, userAgent string) *Fetcher {
	if client == nil {
		client = httpretry.NewRetryClient(nil, 3)
	}
	return &Fetcher{client: client, userAgent: userAgent}
}

// Fetch GETs the URL. On 304 it returns immediately with NotModified set and
// no body. On terminal non-2xx statuses it returns the result alongside an
// *HTTPError so callers can still see the status. Bodies larger than the cap
// are truncated with Truncated set.
func (f *Fetcher) Fetch(ctx context.Context, url string, opts FetchOptions) (*FetchResult, error) {
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBodyBytes
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,application/json;q=0.8,*/*;q=0.7")
	if opts.ETag != "" {
		req.Header.Set("If-None-Match", opts.ETag)
	}
	if opts.LastModified != "" {
		req.Header.Set("If-Modified-Since", opts.LastModified)
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	result := &FetchResult{
		FinalURL:     resp.Request.URL.String(),
		Status:       resp.StatusCode,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	}

	if resp.StatusCode == http.StatusNotModified {
		result.NotModified = true
		result.ElapsedMS = time.Since(start).Milliseconds()
		return result, nil
	}

	// Read one byte past the cap to detect truncation.
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	result.ElapsedMS = time.Since(start).Milliseconds()
	if readErr != nil {
		return nil, fmt.Errorf("fetch %s: read body: %w", url, readErr)
	}
	if int64(len(body)) > maxBytes {
		body = body[:maxBytes]
		result.Truncated = true
		logger.Warn("fetch body truncated", "url", url, "cap_bytes", maxBytes)
	}
	result.Body = body

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return result, &HTTPError{Status: resp.StatusCode, URL: url}
	}
	return result, nil
}
