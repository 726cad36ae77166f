package adapters

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/promowatch/promowatch/internal/domain"
	"github.com/promowatch/promowatch/internal/web"
)

// CategoryPageAdapter fetches one HTML listing page per pass. Tier 3.
type CategoryPageAdapter struct {
	env *Env
}

// NewCategoryPageAdapter creates a category page adapter for one config.
func NewCategoryPageAdapter(env *Env) *CategoryPageAdapter {
	return &CategoryPageAdapter{env: env}
}

func (a *CategoryPageAdapter) Tier() int                     { return 3 }
func (a *CategoryPageAdapter) SourceType() domain.SourceType { return domain.SourceCategory }

// HealthCheck verifies the page is fetchable without a browser.
func (a *CategoryPageAdapter) HealthCheck(ctx context.Context) (bool, string) {
	if a.env.Config.ConfigBool("require_browser") {
		return false, ErrCodeRequiresBrowser
	}
	result := &SourceResult{}
	fetched, code := a.env.gatedFetch(ctx, a.env.Config.ConfigKey, a.env.MaxBodyBytes, false, result)
	if code != "" {
		return false, fmt.Sprintf("%s: %s", code, result.Message)
	}
	return true, fmt.Sprintf("fetched %d bytes", len(fetched.Body))
}

// Discover fetches the page and packages its distilled content as a signal.
// Sale-style apparel listings get the structured sale summary instead of raw
// page text.
func (a *CategoryPageAdapter) Discover(ctx context.Context) SourceResult {
	start := time.Now()
	result := SourceResult{}
	pageURL := a.env.Config.ConfigKey

	if a.env.Config.ConfigBool("require_browser") {
		result = failure(ErrCodeRequiresBrowser, "page %s needs a browser render", pageURL)
		result.DurationMS = time.Since(start).Milliseconds()
		return result
	}

	fetched, code := a.env.gatedFetch(ctx, pageURL, a.env.MaxBodyBytes, true, &result)
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

	signal, err := BuildPageSignal(a.env, domain.SourceCategory, pageURL, fetched.FinalURL, fetched.Body)
	if err != nil {
		result.Status = StatusFailure
		result.ErrorCode = ErrCodeParseError
		result.Message = err.Error()
		result.DurationMS = time.Since(start).Milliseconds()
		return result
	}
	if signal == nil {
		result.Status = StatusEmpty
		result.DurationMS = time.Since(start).Milliseconds()
		return result
	}

	result.SampleURLs = []string{pageURL}
	result.Signals = append(result.Signals, *signal)
	result.Status = StatusSuccess
	result.DurationMS = time.Since(start).Milliseconds()
	return result
}

// BuildPageSignal parses fetched HTML into a signal. Apparel sale listings
// are summarized through the sale parser; everything else keeps the page
// text. Returns nil when the page has no usable content.
func BuildPageSignal(env *Env, sourceType domain.SourceType, pageURL, finalURL string, body []byte) (*domain.RawSignal, error) {
	content, err := web.ParsePage(body, finalURL)
	if err != nil {
		return nil, err
	}

	payload := content.Text
	if isApparelSalePage(env.Store, pageURL) {
		summary, err := web.ParseSalePage(body)
		if err == nil && len(summary.Products) > 0 {
			payload = summary.Text()
		}
	}
	if strings.TrimSpace(payload) == "" {
		return nil, nil
	}

	metadata := map[string]any{
		"title":     content.Title,
		"top_links": content.Links,
	}
	if content.CanonicalURL != "" {
		metadata["canonical_url"] = content.CanonicalURL
	}

	signal := env.newSignal(sourceType, pageURL, payload, domain.PayloadText, metadata)
	signal.Title = content.Title
	return &signal, nil
}

func isApparelSalePage(store *domain.Store, pageURL string) bool {
	if store == nil || store.Category == nil || !strings.EqualFold(*store.Category, "apparel") {
		return false
	}
	lower := strings.ToLower(pageURL)
	return strings.Contains(lower, "sale") || strings.Contains(lower, "clearance") || strings.Contains(lower, "outlet")
}
