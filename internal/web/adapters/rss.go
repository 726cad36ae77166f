package adapters

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/promowatch/promowatch/internal/domain"
	"github.com/promowatch/promowatch/internal/pkg/logger"
	"github.com/promowatch/promowatch/internal/web"
)

// DefaultRSSMaxEntries caps how many feed entries become signals per pass.
const DefaultRSSMaxEntries = 20

// RSSAdapter polls an RSS/Atom feed for promo announcements. Tier 1.
type RSSAdapter struct {
	env    *Env
	parser *gofeed.Parser
}

// NewRSSAdapter creates an RSS adapter for one config.
func NewRSSAdapter(env *Env) *RSSAdapter {
	return &RSSAdapter{env: env, parser: gofeed.NewParser()}
}

func (a *RSSAdapter) Tier() int                     { return 1 }
func (a *RSSAdapter) SourceType() domain.SourceType { return domain.SourceRSS }

// HealthCheck verifies the feed fetches and parses.
func (a *RSSAdapter) HealthCheck(ctx context.Context) (bool, string) {
	result := &SourceResult{}
	fetched, code := a.env.gatedFetch(ctx, a.env.Config.ConfigKey, a.env.MaxBodyBytes, false, result)
	if code != "" {
		return false, fmt.Sprintf("%s: %s", code, result.Message)
	}
	feed, err := a.parser.ParseString(string(fetched.Body))
	if err != nil {
		return false, fmt.Sprintf("parse_error: %v", err)
	}
	return true, fmt.Sprintf("feed %q with %d items", feed.Title, len(feed.Items))
}

// Discover fetches and parses the feed, emitting one signal per fresh entry.
func (a *RSSAdapter) Discover(ctx context.Context) SourceResult {
	start := time.Now()
	result := SourceResult{}
	feedURL := a.env.Config.ConfigKey

	fetched, code := a.env.gatedFetch(ctx, feedURL, a.env.MaxBodyBytes, true, &result)
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

	feed, err := a.parser.ParseString(string(fetched.Body))
	if err != nil {
		result.Status = StatusFailure
		result.ErrorCode = ErrCodeParseError
		result.Message = err.Error()
		result.DurationMS = time.Since(start).Milliseconds()
		return result
	}

	maxEntries := a.env.Config.ConfigInt("max_entries", DefaultRSSMaxEntries)
	fetchEntry := a.env.Config.ConfigBool("fetch_entry")

	var lastItemAt *time.Time
	for i, item := range feed.Items {
		if i >= maxEntries {
			break
		}
		if published := item.PublishedParsed; published != nil {
			if lastItemAt == nil || published.After(*lastItemAt) {
				t := *published
				lastItemAt = &t
			}
		}

		payload := buildEntryPayload(item)
		if fetchEntry && item.Link != "" {
			page, code := a.env.gatedFetch(ctx, item.Link, a.env.MaxBodyBytes, false, &result)
			if code == ErrCodeBudgetExhausted {
				break
			}
			if code == "" {
				if content, err := web.ParsePage(page.Body, page.FinalURL); err == nil && content.Text != "" {
					payload = payload + "\n\n" + content.Text
				}
			} else {
				logger.Warn("rss entry fetch failed", "url", item.Link, "code", code)
			}
		}
		if strings.TrimSpace(payload) == "" {
			continue
		}

		metadata := map[string]any{"title": item.Title}
		if item.GUID != "" {
			metadata["id"] = item.GUID
		}
		if item.Published != "" {
			metadata["published"] = item.Published
		}
		if len(result.SampleURLs) < 5 && item.Link != "" {
			result.SampleURLs = append(result.SampleURLs, item.Link)
		}

		signal := a.env.newSignal(domain.SourceRSS, item.Link, payload, domain.PayloadText, metadata)
		signal.Title = item.Title
		result.Signals = append(result.Signals, signal)
	}

	result.LastSeenItemAt = lastItemAt
	if len(result.Signals) > 0 {
		result.Status = StatusSuccess
	} else {
		result.Status = StatusEmpty
	}
	result.DurationMS = time.Since(start).Milliseconds()
	return result
}

func buildEntryPayload(item *gofeed.Item) string {
	var parts []string
	if item.Title != "" {
		parts = append(parts, item.Title)
	}
	if item.Description != "" {
		parts = append(parts, item.Description)
	}
	if item.Content != "" && item.Content != item.Description {
		parts = append(parts, item.Content)
	}
	return strings.Join(parts, "\n\n")
}
