// Package run drives one end-to-end pipeline invocation: catalog seed, tiered
// ingestion, inbound mail pickup, duplicate prepass, extraction, promo merge,
// digest selection, rendering, archive, and delivery.
package run

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/promowatch/promowatch/internal/catalog"
	"github.com/promowatch/promowatch/internal/config"
	"github.com/promowatch/promowatch/internal/digest"
	"github.com/promowatch/promowatch/internal/domain"
	"github.com/promowatch/promowatch/internal/extract"
	"github.com/promowatch/promowatch/internal/ingest"
	"github.com/promowatch/promowatch/internal/notify"
	"github.com/promowatch/promowatch/internal/pkg/distlock"
	"github.com/promowatch/promowatch/internal/pkg/logger"
	"github.com/promowatch/promowatch/internal/promos"
	"github.com/promowatch/promowatch/internal/repository/postgres"
)

// runLockTTL bounds how long a crashed run can block the next one on the
// Redis backend. PG advisory locks release with the session on their own.
const runLockTTL = 2 * time.Hour

// Result statuses. Sent means at least one channel accepted the digest.
const (
	StatusSent          = "sent"
	StatusArchived      = "archived"
	StatusEmpty         = "empty"
	StatusDryRun        = "dry_run"
	StatusAlreadySent   = "already_sent"
	StatusConcurrentRun = "concurrent_run"
)

// Stats aggregates the per-phase counters of one run. Marshaled into the
// run row on finish.
type Stats struct {
	Seed    catalog.SeedStats    `json:"seed"`
	Ingest  ingest.IngestStats   `json:"ingest"`
	Inbound ingest.InboundStats  `json:"inbound"`
	Deduped int                  `json:"deduped"`
	Extract extract.ServiceStats `json:"extract"`
	Merge   promos.MergeStats    `json:"merge"`
	Entries int                  `json:"digest_entries"`
}

// Result is what a pipeline invocation produced.
type Result struct {
	RunID      string `json:"run_id,omitempty"`
	Status     string `json:"status"`
	DigestPath string `json:"digest_path,omitempty"`
	Stats      Stats  `json:"stats"`
}

// Ingester runs signal discovery across all stores.
type Ingester interface {
	Run(ctx context.Context) (ingest.IngestStats, error)
}

// InboundRunner ingests .eml files dropped into the local inbound directory.
type InboundRunner interface {
	Run(ctx context.Context) (ingest.InboundStats, error)
}

// ExtractRunner runs model extraction over pending messages.
type ExtractRunner interface {
	Run(ctx context.Context) ([]extract.MessageExtraction, extract.ServiceStats, error)
}

// Merger folds extraction candidates into the promo table.
type Merger interface {
	MergeAll(ctx context.Context, extractions []extract.MessageExtraction) promos.MergeStats
}

// EntrySelector assembles the digest entry list.
type EntrySelector interface {
	Select(ctx context.Context, opts digest.Options) ([]digest.Entry, error)
}

// Deliverer fans a rendered digest out to the configured channels.
type Deliverer interface {
	Deliver(ctx context.Context, digest *notify.Digest) bool
	ChannelCount() int
}

// LockFactory builds the per-cadence run lock.
type LockFactory func(key string, ttl time.Duration) distlock.DistLock

// Orchestrator wires the pipeline phases together. Extraction and inbound
// ingestion may be nil when not configured; web ingestion still runs and
// messages stay pending for a later pass.
type Orchestrator struct {
	cfg       *config.Config
	runs      *postgres.RunRepo
	promoRepo *postgres.PromoRepo
	messages  *postgres.MessageRepo
	seeder    *catalog.Seeder
	ingester  Ingester
	inbound   InboundRunner
	extractor ExtractRunner
	merger    Merger
	selector  EntrySelector
	renderer  *digest.Renderer
	notifier  Deliverer
	newLock   LockFactory
	allowlist []string
}

// NewOrchestrator creates the pipeline driver.
func NewOrchestrator(
	cfg *config.Config,
	runs *postgres.RunRepo,
	promoRepo *postgres.PromoRepo,
	messages *postgres.MessageRepo,
	seeder *catalog.Seeder,
	ingester Ingester,
	inbound InboundRunner,
	extractor ExtractRunner,
	merger Merger,
	selector EntrySelector,
	renderer *digest.Renderer,
	notifier Deliverer,
	newLock LockFactory,
	allowlist []string,
) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		runs:      runs,
		promoRepo: promoRepo,
		messages:  messages,
		seeder:    seeder,
		ingester:  ingester,
		inbound:   inbound,
		extractor: extractor,
		merger:    merger,
		selector:  selector,
		renderer:  renderer,
		notifier:  notifier,
		newLock:   newLock,
		allowlist: allowlist,
	}
}

// Run executes one pipeline pass for the given cadence. The digest date is
// the operator-local calendar day, which decides both the archive filename
// and the send-once guard. Dry runs execute every phase but write a local
// preview instead of archiving, sending, or recording a run row.
func (o *Orchestrator) Run(ctx context.Context, runType domain.RunType, dryRun bool) (*Result, error) {
	digestDate := time.Now().In(o.cfg.Operator.Location()).Format("2006-01-02")

	lock := o.newLock("promowatch:run:"+string(runType), runLockTTL)
	acquired, err := lock.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire run lock: %w", err)
	}
	if !acquired {
		logger.Warn("another run holds the lock", "run_type", runType)
		return &Result{Status: StatusConcurrentRun}, nil
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			logger.Error("release run lock failed", "error", err)
		}
	}()

	if !dryRun {
		sent, err := o.runs.SentForDate(ctx, runType, digestDate)
		if err != nil {
			return nil, fmt.Errorf("check digest already sent: %w", err)
		}
		if sent {
			logger.Info("digest already sent for date", "run_type", runType, "date", digestDate)
			return &Result{Status: StatusAlreadySent}, nil
		}
	}

	if dryRun {
		return o.dryRun(ctx, runType, digestDate)
	}

	run := &domain.Run{RunType: runType, DigestDate: digestDate}
	if err := o.runs.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	logger.Info("run started", "run_id", run.ID, "run_type", runType, "date", digestDate)

	result := &Result{RunID: run.ID}
	entries, html, err := o.pipeline(ctx, runType, digestDate, &result.Stats)
	if err != nil {
		o.finish(ctx, run.ID, domain.RunFailed, &result.Stats, err.Error())
		return result, err
	}

	if len(entries) == 0 {
		result.Status = StatusEmpty
		o.finish(ctx, run.ID, domain.RunSuccess, &result.Stats, "")
		logger.Info("no digest entries, nothing to send", "run_id", run.ID)
		return result, nil
	}

	path, err := o.archive(runType, digestDate, html)
	if err != nil {
		o.finish(ctx, run.ID, domain.RunFailed, &result.Stats, err.Error())
		return result, err
	}
	result.DigestPath = path

	if o.notifier.ChannelCount() == 0 {
		result.Status = StatusArchived
		o.finish(ctx, run.ID, domain.RunSuccess, &result.Stats, "")
		logger.Info("no delivery channels configured, digest archived only", "path", path)
		return result, nil
	}

	delivered := o.notifier.Deliver(ctx, &notify.Digest{
		Subject: subjectFor(runType, digestDate),
		HTML:    html,
		Text:    textSummary(digestDate, entries),
	})
	if !delivered {
		o.finish(ctx, run.ID, domain.RunFailed, &result.Stats, "delivery_failed")
		return result, fmt.Errorf("delivery_failed: no channel accepted the digest")
	}

	now := time.Now().UTC()
	if err := o.runs.SetDigestSent(ctx, run.ID, now); err != nil {
		logger.Error("stamp digest sent failed", "run_id", run.ID, "error", err)
	}
	if err := o.promoRepo.MarkNotified(ctx, entryPromoIDs(entries), now); err != nil {
		logger.Error("mark promos notified failed", "run_id", run.ID, "error", err)
	}

	result.Status = StatusSent
	o.finish(ctx, run.ID, domain.RunSuccess, &result.Stats, "")
	logger.Info("run finished", "run_id", run.ID, "entries", len(entries), "path", path)
	return result, nil
}

// pipeline executes the phases shared by real and dry runs.
func (o *Orchestrator) pipeline(ctx context.Context, runType domain.RunType, digestDate string, stats *Stats) ([]digest.Entry, string, error) {
	if o.seeder != nil && o.cfg.Catalog.StoresFile != "" {
		seedStats, err := o.seeder.Seed(ctx, o.cfg.Catalog.StoresFile)
		if err != nil {
			return nil, "", fmt.Errorf("seed catalog: %w", err)
		}
		stats.Seed = seedStats
	}

	ingestStats, err := o.ingester.Run(ctx)
	stats.Ingest = ingestStats
	if err != nil {
		return nil, "", fmt.Errorf("ingest: %w", err)
	}

	if o.inbound != nil {
		inboundStats, err := o.inbound.Run(ctx)
		stats.Inbound = inboundStats
		if err != nil {
			return nil, "", fmt.Errorf("inbound ingest: %w", err)
		}
	}

	deduped, err := ingest.DedupePending(ctx, o.messages)
	if err != nil {
		return nil, "", fmt.Errorf("dedupe pending: %w", err)
	}
	stats.Deduped = deduped

	if o.extractor != nil {
		extractions, extractStats, err := o.extractor.Run(ctx)
		stats.Extract = extractStats
		if err != nil {
			return nil, "", fmt.Errorf("extract: %w", err)
		}
		stats.Merge = o.merger.MergeAll(ctx, extractions)
	}

	opts := digest.Options{
		RunType:          runType,
		IncludeUnchanged: o.cfg.Digest.IncludeUnchanged,
		Cooldown:         o.cfg.Digest.Cooldown(),
		Allowlist:        o.allowlist,
	}
	// Weekly digests recap everything still running, daily ones only what
	// changed.
	if runType == domain.RunWeekly {
		opts.IncludeUnchanged = true
		opts.Cooldown = 7 * 24 * time.Hour
	}

	entries, err := o.selector.Select(ctx, opts)
	if err != nil {
		return nil, "", fmt.Errorf("select digest entries: %w", err)
	}
	stats.Entries = len(entries)

	html, err := o.renderer.Render(runType, digestDate, entries)
	if err != nil {
		return nil, "", fmt.Errorf("render digest: %w", err)
	}
	return entries, html, nil
}

// dryRun runs the full pipeline but only writes a local preview file.
func (o *Orchestrator) dryRun(ctx context.Context, runType domain.RunType, digestDate string) (*Result, error) {
	result := &Result{Status: StatusDryRun}
	entries, html, err := o.pipeline(ctx, runType, digestDate, &result.Stats)
	if err != nil {
		return result, err
	}

	if err := os.WriteFile(digest.PreviewFilename, []byte(html), 0o644); err != nil {
		return result, fmt.Errorf("write preview: %w", err)
	}
	result.DigestPath = digest.PreviewFilename
	logger.Info("dry run finished", "entries", len(entries), "preview", digest.PreviewFilename, "date", digestDate)
	return result, nil
}

func (o *Orchestrator) archive(runType domain.RunType, digestDate, html string) (string, error) {
	dir := filepath.Join(o.cfg.Digest.ArchiveDir, string(runType))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}
	path := digest.ArchivePath(o.cfg.Digest.ArchiveDir, runType, digestDate, func(p string) bool {
		_, err := os.Stat(p)
		return err == nil
	})
	if err := os.WriteFile(path, []byte(html), 0o644); err != nil {
		return "", fmt.Errorf("write archive: %w", err)
	}
	return path, nil
}

func (o *Orchestrator) finish(ctx context.Context, runID string, status domain.RunStatus, stats *Stats, errMsg string) {
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		logger.Error("marshal run stats failed", "error", err)
		statsJSON = []byte("{}")
	}
	var runErr *string
	if errMsg != "" {
		runErr = &errMsg
	}
	if err := o.runs.Finish(context.WithoutCancel(ctx), runID, status, statsJSON, runErr); err != nil {
		logger.Error("finish run failed", "run_id", runID, "error", err)
	}
}

func subjectFor(runType domain.RunType, digestDate string) string {
	if runType == domain.RunWeekly {
		return fmt.Sprintf("Weekly promo digest for %s", digestDate)
	}
	return fmt.Sprintf("Promo digest for %s", digestDate)
}

// textSummary is the plain-text digest used by the short-form channels.
const textSummaryLimit = 30

func textSummary(digestDate string, entries []digest.Entry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "PromoWatch digest %s: %d promos\n", digestDate, len(entries))

	shown := entries
	if len(shown) > textSummaryLimit {
		shown = shown[:textSummaryLimit]
	}
	for _, e := range shown {
		fmt.Fprintf(&b, "- [%s] %s: %s", e.Badge, e.Promo.StoreName, e.Promo.Headline)
		if e.Promo.Code != nil && *e.Promo.Code != "" {
			fmt.Fprintf(&b, " (code %s)", *e.Promo.Code)
		}
		b.WriteByte('\n')
	}
	if len(entries) > textSummaryLimit {
		fmt.Fprintf(&b, "... and %d more\n", len(entries)-textSummaryLimit)
	}
	return b.String()
}

func entryPromoIDs(entries []digest.Entry) []string {
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.Promo.ID)
	}
	return ids
}
