package web

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/temoto/robotstxt"

	"github.com/promowatch/promowatch/internal/domain"
	"github.com/promowatch/promowatch/internal/pkg/logger"
)

// Reasons reported by PolicyGate.Check.
const (
	ReasonAllowed     = "allowed"
	ReasonIgnored     = "ignored"
	ReasonDisallowed  = "robots_disallowed"
	ReasonUnreachable = "robots_unreachable"
)

// PolicyGate enforces robots.txt per (scheme, host). Robots files are fetched
// once per origin and cached for the life of the gate. An unreachable robots
// file blocks the origin (fail-closed) unless an ignore override applies.
type PolicyGate struct {
	fetcher      *Fetcher
	userAgent    string
	ignoreRobots bool

	mu    sync.RWMutex
	cache map[string]*robotsEntry
}

type robotsEntry struct {
	data        *robotstxt.RobotsData
	unreachable bool
}

// NewPolicyGate creates a PolicyGate. ignoreRobots is the global override
// from configuration; per-store overrides are passed to Check.
func NewPolicyGate(fetcher *Fetcher, userAgent string, ignoreRobots bool) *PolicyGate {
	return &PolicyGate{
		fetcher:      fetcher,
		userAgent:    userAgent,
		ignoreRobots: ignoreRobots,
		cache:        make(map[string]*robotsEntry),
	}
}

// Check reports whether rawURL may be fetched under the store's robots
// policy. The returned reason is one of the Reason constants.
func (g *PolicyGate) Check(ctx context.Context, rawURL string, override domain.RobotsPolicy) (bool, string) {
	if g.ignoreRobots || override == domain.RobotsIgnore {
		return true, ReasonIgnored
	}

	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return false, ReasonDisallowed
	}
	origin := u.Scheme + "://" + u.Host

	entry := g.robotsFor(ctx, origin)
	if entry.unreachable {
		return false, ReasonUnreachable
	}
	if entry.data.TestAgent(u.Path, g.userAgent) {
		return true, ReasonAllowed
	}
	return false, ReasonDisallowed
}

// CrawlDelay returns the robots-declared crawl delay for the origin of
// rawURL, if the robots file declares one for our agent group.
func (g *PolicyGate) CrawlDelay(ctx context.Context, rawURL string) (float64, bool) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return 0, false
	}
	entry := g.robotsFor(ctx, u.Scheme+"://"+u.Host)
	if entry.unreachable {
		return 0, false
	}
	group := entry.data.FindGroup(g.userAgent)
	if group == nil || group.CrawlDelay <= 0 {
		return 0, false
	}
	return group.CrawlDelay.Seconds(), true
}

func (g *PolicyGate) robotsFor(ctx context.Context, origin string) *robotsEntry {
	g.mu.RLock()
	entry, ok := g.cache[origin]
	g.mu.RUnlock()
	if ok {
		return entry
	}

	entry = g.loadRobots(ctx, origin)

	g.mu.Lock()
	// Another goroutine may have raced us here; first write wins.
	if existing, ok := g.cache[origin]; ok {
		entry = existing
	} else {
		g.cache[origin] = entry
	}
	g.mu.Unlock()
	return entry
}

func (g *PolicyGate) loadRobots(ctx context.Context, origin string) *robotsEntry {
	robotsURL := origin + "/robots.txt"
	result, err := g.fetcher.Fetch(ctx, robotsURL, FetchOptions{MaxBytes: 512 * 1024})
	if err != nil {
		if httpErr, ok := err.(*HTTPError); ok {
			// 4xx means no robots file: everything is allowed.
			if httpErr.Status >= 400 && httpErr.Status < 500 {
				data, _ := robotstxt.FromStatusAndBytes(httpErr.Status, nil)
				return &robotsEntry{data: data}
			}
		}
		logger.Warn("robots fetch failed", "origin", origin, "error", fmt.Sprintf("%v", err))
		return &robotsEntry{unreachable: true}
	}
	if result.Status != http.StatusOK {
		data, parseErr := robotstxt.FromStatusAndBytes(result.Status, result.Body)
		if parseErr != nil {
			return &robotsEntry{unreachable: true}
		}
		return &robotsEntry{data: data}
	}
	data, parseErr := robotstxt.FromBytes(result.Body)
	if parseErr != nil {
		logger.Warn("robots parse failed", "origin", origin, "error", parseErr.Error())
		return &robotsEntry{unreachable: true}
	}
	return &robotsEntry{data: data}
}
