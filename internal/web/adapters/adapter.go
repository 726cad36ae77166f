// Package adapters implements the tiered source adapters that discover promo
// signals from store websites.
package adapters

import (
	"context"
	"fmt"
	"time"

	"github.com/promowatch/promowatch/internal/domain"
	"github.com/promowatch/promowatch/internal/web"
)

// Result statuses.
const (
	StatusSuccess = "success"
	StatusEmpty   = "empty"
	StatusFailure = "failure"
	StatusError   = "error"
)

// Error codes shared across adapters.
const (
	ErrCodeBudgetExhausted = "budget_exhausted"
	ErrCodeParseError      = "parse_error"
	ErrCodeRequiresBrowser = "requires_browser"
	ErrCodeFetchFailed     = "fetch_failed"
	ErrCodeCaptchaDetected = "captcha_detected"
	ErrCodeBrowserUnusable = "browser_unavailable"
)

// SourceResult is the outcome of one adapter discovery pass.
type SourceResult struct {
	Status         string
	Signals        []domain.RawSignal
	Message        string
	ErrorCode      string
	HTTPRequests   int
	BytesRead      int64
	DurationMS     int64
	SampleURLs     []string
	ETag           string
	LastModified   string
	LastSeenItemAt *time.Time
}

// Adapter is the common contract for every source tier.
type Adapter interface {
	Tier() int
	SourceType() domain.SourceType
	Discover(ctx context.Context) SourceResult
	HealthCheck(ctx context.Context) (bool, string)
}

// Env bundles the shared collaborators and per-store settings every adapter
// needs. One Env is built per (store, config) attempt.
type Env struct {
	Fetcher *web.Fetcher
	Policy  *web.PolicyGate
	Gate    *web.RateGate
	Budget  *web.RequestBudget

	Store  *domain.Store
	Config *domain.SourceConfig

	CrawlDelay   time.Duration
	MaxBodyBytes int64
}

// gatedFetch runs the shared adapter preamble for one URL: robots check,
// budget claim, politeness wait, then the fetch with the config's stored
// validators when useValidators is set. Counters on result are updated in
// place. A non-empty error code means the caller must stop and report it.
func (e *Env) gatedFetch(ctx context.Context, url string, maxBytes int64, useValidators bool, result *SourceResult) (*web.FetchResult, string) {
	policy := domain.RobotsEnforce
	if e.Store != nil {
		policy = e.Store.RobotsPolicy
	}
	if allowed, reason := e.Policy.Check(ctx, url, policy); !allowed {
		return nil, reason
	}
	if !e.Budget.StartRequest() {
		return nil, ErrCodeBudgetExhausted
	}
	if err := e.Gate.Wait(ctx, url, e.CrawlDelay); err != nil {
		return nil, ErrCodeFetchFailed
	}

	opts := web.FetchOptions{MaxBytes: maxBytes}
	if useValidators && e.Config != nil {
		if e.Config.ETag != nil {
			opts.ETag = *e.Config.ETag
		}
		if e.Config.LastModified != nil {
			opts.LastModified = *e.Config.LastModified
		}
	}

	fetched, err := e.Fetcher.Fetch(ctx, url, opts)
	result.HTTPRequests++
	if fetched != nil {
		result.BytesRead += int64(len(fetched.Body))
		e.Budget.AddBytes(int64(len(fetched.Body)))
	}
	if err != nil {
		result.Message = err.Error()
		return fetched, ErrCodeFetchFailed
	}
	return fetched, ""
}

// newSignal builds a RawSignal for a text payload observed at url.
func (e *Env) newSignal(sourceType domain.SourceType, url, payload string, payloadType domain.PayloadType, metadata map[string]any) domain.RawSignal {
	return domain.RawSignal{
		StoreID:     e.Store.ID,
		SourceType:  sourceType,
		URL:         url,
		PayloadText: payload,
		ObservedAt:  time.Now().UTC(),
		PayloadType: payloadType,
		Metadata:    metadata,
	}
}

func failure(code, format string, args ...interface{}) SourceResult {
	return SourceResult{
		Status:    StatusFailure,
		ErrorCode: code,
		Message:   fmt.Sprintf(format, args...),
	}
}
