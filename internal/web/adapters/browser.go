package adapters

import (
	"context"
	"time"

	"github.com/promowatch/promowatch/internal/browser"
	"github.com/promowatch/promowatch/internal/domain"
)

// BrowserAdapter renders a page through the external browser service when
// plain fetching cannot get usable HTML. Tier 4, last resort.
type BrowserAdapter struct {
	env      *Env
	renderer browser.Renderer
}

// NewBrowserAdapter creates a browser adapter for one config. renderer may
// be nil when no render service is configured.
func NewBrowserAdapter(env *Env, renderer browser.Renderer) *BrowserAdapter {
	return &BrowserAdapter{env: env, renderer: renderer}
}

func (a *BrowserAdapter) Tier() int                     { return 4 }
func (a *BrowserAdapter) SourceType() domain.SourceType { return domain.SourceBrowser }

// HealthCheck reports whether a render service is wired up.
func (a *BrowserAdapter) HealthCheck(ctx context.Context) (bool, string) {
	if a.renderer == nil {
		return false, ErrCodeBrowserUnusable
	}
	return true, "render service configured"
}

// Discover renders the page and parses the HTML the same way the category
// adapter does. Captcha pages are a failure so a human can follow up.
func (a *BrowserAdapter) Discover(ctx context.Context) SourceResult {
	start := time.Now()
	result := SourceResult{}
	pageURL := a.env.Config.ConfigKey

	if a.renderer == nil {
		result = failure(ErrCodeBrowserUnusable, "no render service configured")
		result.DurationMS = time.Since(start).Milliseconds()
		return result
	}

	// The preamble still applies: robots, budget, pacing. The render
	// service performs the actual page load.
	policy := domain.RobotsEnforce
	if a.env.Store != nil {
		policy = a.env.Store.RobotsPolicy
	}
	if allowed, reason := a.env.Policy.Check(ctx, pageURL, policy); !allowed {
		result = failure(reason, "robots blocked %s", pageURL)
		result.DurationMS = time.Since(start).Milliseconds()
		return result
	}
	if !a.env.Budget.StartRequest() {
		result = failure(ErrCodeBudgetExhausted, "request budget exhausted")
		result.DurationMS = time.Since(start).Milliseconds()
		return result
	}
	if err := a.env.Gate.Wait(ctx, pageURL, a.env.CrawlDelay); err != nil {
		result = failure(ErrCodeFetchFailed, "rate gate: %v", err)
		result.DurationMS = time.Since(start).Milliseconds()
		return result
	}

	rendered, err := a.renderer.Render(ctx, pageURL)
	result.HTTPRequests++
	if err != nil {
		result = failure(ErrCodeFetchFailed, "render: %v", err)
		result.HTTPRequests = 1
		result.DurationMS = time.Since(start).Milliseconds()
		return result
	}
	result.BytesRead += int64(len(rendered.HTML))
	a.env.Budget.AddBytes(int64(len(rendered.HTML)))

	if rendered.CaptchaDetected {
		result.Status = StatusFailure
		result.ErrorCode = ErrCodeCaptchaDetected
		result.Message = "captcha challenge on " + pageURL
		result.DurationMS = time.Since(start).Milliseconds()
		return result
	}

	signal, err := BuildPageSignal(a.env, domain.SourceBrowser, pageURL, pageURL, []byte(rendered.HTML))
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
	if signal.Title == "" && rendered.Title != "" {
		signal.Title = rendered.Title
		signal.Metadata["title"] = rendered.Title
	}

	result.SampleURLs = []string{pageURL}
	result.Signals = append(result.Signals, *signal)
	result.Status = StatusSuccess
	result.DurationMS = time.Since(start).Milliseconds()
	return result
}
