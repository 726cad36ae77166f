package adapters

import (
	"context"
	"encoding/xml"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/promowatch/promowatch/internal/domain"
	"github.com/promowatch/promowatch/internal/pkg/logger"
	"github.com/promowatch/promowatch/internal/web"
)

// DefaultSitemapMaxURLs caps how many sitemap URLs get fetched per pass.
const DefaultSitemapMaxURLs = 50

// SitemapAdapter walks an XML sitemap (or sitemap index) and packages the
// freshest matching pages as signals. Tier 1.
type SitemapAdapter struct {
	env *Env
}

// NewSitemapAdapter creates a sitemap adapter for one config.
func NewSitemapAdapter(env *Env) *SitemapAdapter { return &SitemapAdapter{env: env} }

func (a *SitemapAdapter) Tier() int                     { return 1 }
func (a *SitemapAdapter) SourceType() domain.SourceType { return domain.SourceSitemap }

type sitemapURL struct {
	Loc     string `xml:"loc"`
	LastMod string `xml:"lastmod"`
}

type sitemapDoc struct {
	XMLName  xml.Name     `xml:""`
	URLs     []sitemapURL `xml:"url"`
	Sitemaps []sitemapURL `xml:"sitemap"`
}

type sitemapEntry struct {
	loc     string
	lastmod time.Time
	hasMod  bool
	rawMod  string
}

// HealthCheck verifies the sitemap URL is fetchable.
func (a *SitemapAdapter) HealthCheck(ctx context.Context) (bool, string) {
	url := a.env.Config.ConfigKey
	result := &SourceResult{}
	fetched, code := a.env.gatedFetch(ctx, url, web.SitemapMaxBodyBytes, false, result)
	if code != "" {
		return false, fmt.Sprintf("%s: %s", code, result.Message)
	}
	return true, fmt.Sprintf("fetched %d bytes", len(fetched.Body))
}

// Discover fetches the sitemap, selects the freshest matching URLs, and
// packages each fetched page as a signal.
func (a *SitemapAdapter) Discover(ctx context.Context) SourceResult {
	start := time.Now()
	result := SourceResult{}
	sitemapURL := a.env.Config.ConfigKey

	fetched, code := a.env.gatedFetch(ctx, sitemapURL, web.SitemapMaxBodyBytes, true, &result)
	if code != "" {
		result.Status = StatusFailure
		result.ErrorCode = code
		result.DurationMS = time.Since(start).Milliseconds()
		return result
	}
	result.ETag = fetched.ETag
	result.LastModified = fetched.LastModified
	if fetched.NotModified {
		result.Status = StatusEmpty
		result.DurationMS = time.Since(start).Milliseconds()
		return result
	}

	entries, err := a.collectEntries(ctx, fetched.Body, 0, &result)
	if err != nil {
		result.Status = StatusFailure
		result.ErrorCode = ErrCodeParseError
		result.Message = err.Error()
		result.DurationMS = time.Since(start).Milliseconds()
		return result
	}

	entries = a.filterEntries(entries)

	// Freshest first; entries without lastmod sort last.
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].hasMod != entries[j].hasMod {
			return entries[i].hasMod
		}
		return entries[i].lastmod.After(entries[j].lastmod)
	})

	maxURLs := a.env.Config.ConfigInt("max_urls", DefaultSitemapMaxURLs)
	if len(entries) > maxURLs {
		entries = entries[:maxURLs]
	}

	for _, entry := range entries {
		if len(result.SampleURLs) < 5 {
			result.SampleURLs = append(result.SampleURLs, entry.loc)
		}
		page, code := a.env.gatedFetch(ctx, entry.loc, a.env.MaxBodyBytes, false, &result)
		if code == ErrCodeBudgetExhausted {
			// Keep what we have; the budget is a soft stop, not an error,
			// unless nothing was collected at all.
			if len(result.Signals) == 0 {
				result.Status = StatusFailure
				result.ErrorCode = code
				result.DurationMS = time.Since(start).Milliseconds()
				return result
			}
			break
		}
		if code != "" {
			logger.Warn("sitemap page fetch failed", "url", entry.loc, "code", code)
			continue
		}

		content, err := web.ParsePage(page.Body, page.FinalURL)
		if err != nil || content.Text == "" {
			continue
		}
		metadata := map[string]any{
			"title":     content.Title,
			"top_links": content.Links,
		}
		if content.CanonicalURL != "" {
			metadata["canonical_url"] = content.CanonicalURL
		}
		if entry.rawMod != "" {
			metadata["lastmod"] = entry.rawMod
		}
		signal := a.env.newSignal(domain.SourceSitemap, entry.loc, content.Text, domain.PayloadText, metadata)
		signal.Title = content.Title
		result.Signals = append(result.Signals, signal)
	}

	if len(result.Signals) > 0 {
		result.Status = StatusSuccess
	} else {
		result.Status = StatusEmpty
	}
	result.DurationMS = time.Since(start).Milliseconds()
	return result
}

// collectEntries parses one sitemap document, recursing into child sitemaps
// for index files. Recursion depth is bounded to avoid loops.
func (a *SitemapAdapter) collectEntries(ctx context.Context, body []byte, depth int, result *SourceResult) ([]sitemapEntry, error) {
	if depth > 2 {
		return nil, nil
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("parse sitemap xml: %w", err)
	}

	var entries []sitemapEntry
	for _, u := range doc.URLs {
		if u.Loc == "" {
			continue
		}
		entries = append(entries, parseSitemapEntry(u))
	}

	if doc.XMLName.Local == "sitemapindex" {
		// Freshest child sitemaps first.
		children := make([]sitemapEntry, 0, len(doc.Sitemaps))
		for _, child := range doc.Sitemaps {
			if child.Loc != "" {
				children = append(children, parseSitemapEntry(child))
			}
		}
		sort.SliceStable(children, func(i, j int) bool {
			if children[i].hasMod != children[j].hasMod {
				return children[i].hasMod
			}
			return children[i].lastmod.After(children[j].lastmod)
		})

		for _, child := range children {
			fetched, code := a.env.gatedFetch(ctx, child.loc, web.SitemapMaxBodyBytes, false, result)
			if code == ErrCodeBudgetExhausted {
				break
			}
			if code != "" {
				logger.Warn("child sitemap fetch failed", "url", child.loc, "code", code)
				continue
			}
			childEntries, err := a.collectEntries(ctx, fetched.Body, depth+1, result)
			if err != nil {
				continue
			}
			entries = append(entries, childEntries...)
		}
	}
	return entries, nil
}

func (a *SitemapAdapter) filterEntries(entries []sitemapEntry) []sitemapEntry {
	include := a.env.Config.ConfigString("include")
	exclude := a.env.Config.ConfigString("exclude")
	if include == "" && exclude == "" {
		return entries
	}

	var includeRe, excludeRe *regexp.Regexp
	var err error
	if include != "" {
		if includeRe, err = regexp.Compile(include); err != nil {
			logger.Warn("bad include pattern", "pattern", include, "error", err.Error())
		}
	}
	if exclude != "" {
		if excludeRe, err = regexp.Compile(exclude); err != nil {
			logger.Warn("bad exclude pattern", "pattern", exclude, "error", err.Error())
		}
	}

	var out []sitemapEntry
	for _, entry := range entries {
		if includeRe != nil && !includeRe.MatchString(entry.loc) {
			continue
		}
		if excludeRe != nil && excludeRe.MatchString(entry.loc) {
			continue
		}
		out = append(out, entry)
	}
	return out
}

func parseSitemapEntry(u sitemapURL) sitemapEntry {
	entry := sitemapEntry{loc: u.Loc, rawMod: u.LastMod}
	if u.LastMod == "" {
		return entry
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05Z07:00", "2006-01-02"} {
		if t, err := time.Parse(layout, u.LastMod); err == nil {
			entry.lastmod = t
			entry.hasMod = true
			break
		}
	}
	return entry
}
