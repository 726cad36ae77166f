package ingest

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/promowatch/promowatch/internal/browser"
	"github.com/promowatch/promowatch/internal/config"
	"github.com/promowatch/promowatch/internal/domain"
	"github.com/promowatch/promowatch/internal/pkg/logger"
	"github.com/promowatch/promowatch/internal/repository/postgres"
	"github.com/promowatch/promowatch/internal/web"
	"github.com/promowatch/promowatch/internal/web/adapters"
)

// IngestStats summarizes one router pass across all stores.
type IngestStats struct {
	Stores   int `json:"stores"`
	Sources  int `json:"sources"`
	Signals  int `json:"signals"`
	New      int `json:"new"`
	Skipped  int `json:"skipped"`
	Errors   int `json:"errors"`
	Attempts int `json:"attempts"`
}

// TieredRouter walks every active store's source configs in tier order,
// cheapest first, and stops at the first tier that yields new signals.
type TieredRouter struct {
	stores    *postgres.StoreRepo
	configs   *postgres.SourceConfigRepo
	persister *SignalPersister
	fetcher   *web.Fetcher
	policy    *web.PolicyGate
	gate      *web.RateGate
	renderer  browser.Renderer
	cfg       *config.Config
	allowlist []string
}

// NewTieredRouter wires the router. renderer may be nil when no browser
// render service is configured; tier-4 configs then fail health checks.
func NewTieredRouter(
	stores *postgres.StoreRepo,
	configs *postgres.SourceConfigRepo,
	persister *SignalPersister,
	fetcher *web.Fetcher,
	policy *web.PolicyGate,
	renderer browser.Renderer,
	cfg *config.Config,
	allowlist []string,
) *TieredRouter {
	return &TieredRouter{
		stores:    stores,
		configs:   configs,
		persister: persister,
		fetcher:   fetcher,
		policy:    policy,
		gate:      web.NewRateGate(),
		renderer:  renderer,
		cfg:       cfg,
		allowlist: allowlist,
	}
}

// Run discovers signals for every active store. Per-store failures are
// counted, never fatal; only listing the stores themselves can error.
func (r *TieredRouter) Run(ctx context.Context) (IngestStats, error) {
	var stats IngestStats

	stores, err := r.stores.ListActive(ctx, r.allowlist)
	if err != nil {
		return stats, fmt.Errorf("list active stores: %w", err)
	}

	for i := range stores {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stats.Stores++
		r.runStore(ctx, &stores[i], &stats)
	}

	logger.Info("tiered ingestion finished",
		"stores", stats.Stores, "sources", stats.Sources,
		"signals", stats.Signals, "new", stats.New,
		"skipped", stats.Skipped, "errors", stats.Errors)
	return stats, nil
}

func (r *TieredRouter) runStore(ctx context.Context, store *domain.Store, stats *IngestStats) {
	configs, err := r.collectConfigs(ctx, store)
	if err != nil {
		logger.Error("collect source configs failed", "store", store.Slug, "error", err)
		stats.Errors++
		return
	}
	if len(configs) == 0 {
		return
	}

	budget := r.storeBudget(store)
	delay := r.storeCrawlDelay(store)

	// Tier boundaries in the sorted slice decide when a short-circuit
	// takes effect: a tier always finishes, later tiers are skipped.
	tierDone := false
	currentTier := configs[0].Tier
	for i := range configs {
		cfg := &configs[i]
		if cfg.Tier != currentTier {
			if tierDone {
				break
			}
			currentTier = cfg.Tier
		}
		stats.Sources++
		if r.runConfig(ctx, store, cfg, budget, delay, stats) {
			tierDone = true
		}
	}
}

// runConfig executes one adapter attempt and reports whether it produced at
// least one newly persisted signal.
func (r *TieredRouter) runConfig(ctx context.Context, store *domain.Store, cfg *domain.SourceConfig, budget *web.RequestBudget, delay time.Duration, stats *IngestStats) bool {
	env := &adapters.Env{
		Fetcher:      r.fetcher,
		Policy:       r.policy,
		Gate:         r.gate,
		Budget:       budget,
		Store:        store,
		Config:       cfg,
		CrawlDelay:   delay,
		MaxBodyBytes: r.cfg.Web.MaxBodyBytes,
	}

	adapter, err := r.buildAdapter(env)
	if err != nil {
		logger.Error("adapter build failed", "store", store.Slug, "type", cfg.SourceType, "error", err)
		stats.Errors++
		return false
	}

	result := safeDiscover(ctx, adapter)
	stats.Attempts++
	stats.Signals += len(result.Signals)

	var persisted PersistStats
	if result.Status == adapters.StatusSuccess && len(result.Signals) > 0 {
		persisted, err = r.persister.Persist(ctx, store, result.Signals)
		if err != nil {
			logger.Error("persist signals failed", "store", store.Slug, "error", err)
			result.Status = adapters.StatusError
			result.ErrorCode = "persist_failed"
			result.Message = err.Error()
		}
	}
	stats.New += persisted.New
	stats.Skipped += persisted.Skipped

	r.recordAttempt(ctx, store, cfg, &result, persisted)

	// Synthesized fallback configs have no row to update.
	if cfg.ID != "" {
		r.writeBackState(ctx, cfg, &result)
	}

	switch result.Status {
	case adapters.StatusSuccess:
		logger.Info("source discovered signals",
			"store", store.Slug, "type", cfg.SourceType, "tier", cfg.Tier,
			"signals", len(result.Signals), "new", persisted.New, "skipped", persisted.Skipped)
	case adapters.StatusEmpty:
		logger.Debug("source empty", "store", store.Slug, "type", cfg.SourceType, "tier", cfg.Tier)
	default:
		logger.Warn("source attempt failed",
			"store", store.Slug, "type", cfg.SourceType, "tier", cfg.Tier,
			"error_code", result.ErrorCode, "message", result.Message)
		stats.Errors++
	}

	return persisted.New > 0
}

func (r *TieredRouter) writeBackState(ctx context.Context, cfg *domain.SourceConfig, result *adapters.SourceResult) {
	var etag, lastModified *string
	if result.ETag != "" {
		etag = &result.ETag
	}
	if result.LastModified != "" {
		lastModified = &result.LastModified
	}
	if etag != nil || lastModified != nil || result.LastSeenItemAt != nil {
		if err := r.configs.UpdateValidators(ctx, cfg.ID, etag, lastModified, result.LastSeenItemAt); err != nil {
			logger.Error("update validators failed", "config", cfg.ConfigKey, "error", err)
		}
	}

	switch result.Status {
	case adapters.StatusSuccess, adapters.StatusEmpty:
		if err := r.configs.MarkSuccess(ctx, cfg.ID); err != nil {
			logger.Error("mark source success failed", "config", cfg.ConfigKey, "error", err)
		}
	default:
		if err := r.configs.MarkFailure(ctx, cfg.ID); err != nil {
			logger.Error("mark source failure failed", "config", cfg.ConfigKey, "error", err)
		}
	}
}

func (r *TieredRouter) recordAttempt(ctx context.Context, store *domain.Store, cfg *domain.SourceConfig, result *adapters.SourceResult, persisted PersistStats) {
	attempt := &domain.SourceAttempt{
		StoreID:        store.ID,
		Tier:           cfg.Tier,
		SourceType:     cfg.SourceType,
		ConfigKey:      cfg.ConfigKey,
		Status:         domain.AttemptStatus(result.Status),
		HTTPRequests:   result.HTTPRequests,
		BytesRead:      result.BytesRead,
		DurationMS:     result.DurationMS,
		SignalCount:    len(result.Signals),
		NewSignals:     persisted.New,
		SkippedSignals: persisted.Skipped,
		SampleURLs:     result.SampleURLs,
	}
	if result.ErrorCode != "" {
		attempt.ErrorCode = &result.ErrorCode
	}
	if result.Message != "" {
		attempt.Message = &result.Message
	}
	if err := r.configs.RecordAttempt(ctx, attempt); err != nil {
		logger.Error("record attempt failed", "config", cfg.ConfigKey, "error", err)
	}
}

// collectConfigs gathers the store's active configs, synthesizes a tier-4
// browser fallback for browser-required category pages, and maps legacy
// web_url mailbox-era rows onto tier-3 category configs.
func (r *TieredRouter) collectConfigs(ctx context.Context, store *domain.Store) ([]domain.SourceConfig, error) {
	configs, err := r.configs.ListActiveForStore(ctx, store.ID)
	if err != nil {
		return nil, err
	}

	browserKeys := make(map[string]bool)
	categoryKeys := make(map[string]bool)
	for i := range configs {
		switch configs[i].SourceType {
		case domain.SourceBrowser:
			browserKeys[configs[i].ConfigKey] = true
		case domain.SourceCategory:
			categoryKeys[configs[i].ConfigKey] = true
		}
	}

	for i := range configs {
		cfg := &configs[i]
		if cfg.SourceType != domain.SourceCategory || !cfg.ConfigBool("require_browser") {
			continue
		}
		if browserKeys[cfg.ConfigKey] {
			continue
		}
		configs = append(configs, domain.SourceConfig{
			StoreID:    store.ID,
			SourceType: domain.SourceBrowser,
			Tier:       domain.TierForSourceType(domain.SourceBrowser),
			ConfigKey:  cfg.ConfigKey,
			Config:     cfg.Config,
			Active:     true,
		})
		browserKeys[cfg.ConfigKey] = true
	}

	sources, err := r.stores.ListSources(ctx, store.ID)
	if err != nil {
		return nil, err
	}
	for _, src := range sources {
		if !src.Active || src.SourceType != "web_url" || src.Pattern == "" {
			continue
		}
		if categoryKeys[src.Pattern] {
			continue
		}
		configs = append(configs, domain.SourceConfig{
			StoreID:    store.ID,
			SourceType: domain.SourceCategory,
			Tier:       domain.TierForSourceType(domain.SourceCategory),
			ConfigKey:  src.Pattern,
			Config:     map[string]any{"url": src.Pattern},
			Active:     true,
		})
		categoryKeys[src.Pattern] = true
	}

	sort.SliceStable(configs, func(i, j int) bool { return configs[i].Tier < configs[j].Tier })
	return configs, nil
}

func (r *TieredRouter) buildAdapter(env *adapters.Env) (adapters.Adapter, error) {
	switch env.Config.SourceType {
	case domain.SourceSitemap:
		return adapters.NewSitemapAdapter(env), nil
	case domain.SourceRSS:
		return adapters.NewRSSAdapter(env), nil
	case domain.SourceJSON:
		return adapters.NewJSONEndpointAdapter(env), nil
	case domain.SourceCategory:
		return adapters.NewCategoryPageAdapter(env), nil
	case domain.SourceBrowser:
		return adapters.NewBrowserAdapter(env, r.renderer), nil
	}
	return nil, fmt.Errorf("unknown source type %q", env.Config.SourceType)
}

func (r *TieredRouter) storeBudget(store *domain.Store) *web.RequestBudget {
	maxRequests := r.cfg.Web.DefaultMaxRequests
	if store.MaxRequestsPerRun != nil && *store.MaxRequestsPerRun > 0 {
		maxRequests = *store.MaxRequestsPerRun
	}
	return web.NewRequestBudget(maxRequests, 0)
}

func (r *TieredRouter) storeCrawlDelay(store *domain.Store) time.Duration {
	if store.CrawlDelaySeconds != nil && *store.CrawlDelaySeconds > 0 {
		return time.Duration(*store.CrawlDelaySeconds) * time.Second
	}
	return r.cfg.Web.DefaultCrawlDelay()
}

// safeDiscover isolates adapter panics so one broken source cannot take
// down the whole run.
func safeDiscover(ctx context.Context, adapter adapters.Adapter) (result adapters.SourceResult) {
	defer func() {
		if rec := recover(); rec != nil {
			result = adapters.SourceResult{
				Status:    adapters.StatusError,
				ErrorCode: "adapter_panic",
				Message:   fmt.Sprintf("%v", rec),
			}
		}
	}()
	return adapter.Discover(ctx)
}
