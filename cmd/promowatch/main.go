package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/promowatch/promowatch/internal/browser"
	"github.com/promowatch/promowatch/internal/catalog"
	"github.com/promowatch/promowatch/internal/config"
	"github.com/promowatch/promowatch/internal/digest"
	"github.com/promowatch/promowatch/internal/domain"
	"github.com/promowatch/promowatch/internal/extract"
	"github.com/promowatch/promowatch/internal/ingest"
	"github.com/promowatch/promowatch/internal/notify"
	"github.com/promowatch/promowatch/internal/pkg/distlock"
	"github.com/promowatch/promowatch/internal/pkg/httpretry"
	"github.com/promowatch/promowatch/internal/promos"
	"github.com/promowatch/promowatch/internal/repository/postgres"
	"github.com/promowatch/promowatch/internal/run"
	"github.com/promowatch/promowatch/internal/storage"
	"github.com/promowatch/promowatch/internal/web"
)

func usage() {
	fmt.Fprint(os.Stderr, `Usage: promowatch [-config FILE] COMMAND

Commands:
  init                      apply migrations and seed the store catalog
  seed                      upsert the store catalog into the database
  sync-stores               alias for seed
  run [--dry-run]           execute a daily pipeline run
  weekly [--dry-run]        execute a weekly pipeline run
  inbound [DIR]             ingest .eml files dropped into a directory
  sources validate          static checks on every active source config
  sources debug SLUG        dump source configs and state for one store
  sources report [SLUG]     recent adapter attempts per store
  stores list               list active stores
  stores search QUERY       search stores by slug or name
  stores allowlist          show the digest allowlist from preferences
  status                    show recent pipeline runs
`)
	os.Exit(1)
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Usage = usage
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage()
	}

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	app, err := newApp(cfg)
	if err != nil {
		log.Fatalf("init: %v", err)
	}
	defer app.close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch args[0] {
	case "init":
		err = app.initSchema(ctx)
	case "seed", "sync-stores":
		err = app.seed(ctx)
	case "run":
		err = app.pipeline(ctx, domain.RunDaily, hasFlag(args[1:], "--dry-run"))
	case "weekly":
		err = app.pipeline(ctx, domain.RunWeekly, hasFlag(args[1:], "--dry-run"))
	case "inbound":
		err = app.inbound(ctx, args[1:])
	case "sources":
		err = app.sources(ctx, args[1:])
	case "stores":
		err = app.stores(ctx, args[1:])
	case "status":
		err = app.status(ctx)
	default:
		usage()
	}
	if err != nil {
		log.Fatalf("%s: %v", args[0], err)
	}
}

func hasFlag(args []string, name string) bool {
	for _, a := range args {
		if a == name {
			return true
		}
	}
	return false
}

// app holds the wired pipeline components shared by the CLI commands.
type app struct {
	cfg       *config.Config
	db        *sql.DB
	redis     *redis.Client
	storeRepo *postgres.StoreRepo
	configs   *postgres.SourceConfigRepo
	messages  *postgres.MessageRepo
	runs      *postgres.RunRepo
	seeder    *catalog.Seeder
	prefs     catalog.Preferences
	orch      *run.Orchestrator
}

func newApp(cfg *config.Config) (*app, error) {
	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("database url is not configured")
	}
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetime) * time.Minute)

	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		redisClient = redis.NewClient(opts)
	}

	prefs, err := catalog.LoadPreferences(cfg.Catalog.PreferencesFile)
	if err != nil {
		return nil, err
	}

	storeRepo := postgres.NewStoreRepo(db)
	configRepo := postgres.NewSourceConfigRepo(db)
	messageRepo := postgres.NewMessageRepo(db)
	promoRepo := postgres.NewPromoRepo(db)
	runRepo := postgres.NewRunRepo(db)

	payloads := storage.NewPayloadStore(cfg.Payloads.Dir, cfg.Payloads.InlineCapBytes)
	seeder := catalog.NewSeeder(storeRepo, configRepo)

	fetcher := web.NewFetcher(
		httpretry.NewRetryClient(&http.Client{Timeout: cfg.Web.Timeout()}, 3),
		cfg.Web.UserAgent,
	)
	policy := web.NewPolicyGate(fetcher, cfg.Web.UserAgent, cfg.Web.IgnoreRobots)

	var renderer browser.Renderer
	if cfg.Browser.Enabled && cfg.Browser.ServiceURL != "" {
		renderer = browser.NewClient(cfg.Browser.ServiceURL, cfg.Browser.Timeout())
	}

	router := ingest.NewTieredRouter(
		storeRepo, configRepo,
		ingest.NewSignalPersister(messageRepo, payloads),
		fetcher, policy, renderer, cfg, prefs.Allowlist,
	)

	var inboundRunner run.InboundRunner
	if cfg.Inbound.Enabled {
		inboundRunner = ingest.NewInboundIngester(storeRepo, messageRepo, cfg.Inbound.Dir)
	}

	var extractRunner run.ExtractRunner
	if cfg.Extraction.Enabled {
		bedrock, err := extract.NewBedrockExtractor(context.Background(), cfg.Extraction)
		if err != nil {
			return nil, fmt.Errorf("init extractor: %w", err)
		}
		extractRunner = extract.NewService(
			messageRepo, payloads, bedrock, prefs.Flights, cfg.Extraction.MaxMessages,
		)
	}

	var channels []notify.Channel
	if cfg.Email.Enabled {
		email, err := notify.NewEmailChannel(context.Background(), cfg.Email)
		if err != nil {
			return nil, fmt.Errorf("init email channel: %w", err)
		}
		channels = append(channels, email)
	}
	if cfg.Telegram.Enabled && cfg.Telegram.BotToken != "" {
		channels = append(channels, notify.NewTelegramChannel(cfg.Telegram))
	}
	if cfg.Desktop.Enabled {
		channels = append(channels, notify.NewDesktopChannel(cfg.Desktop))
	}

	orch := run.NewOrchestrator(
		cfg, runRepo, promoRepo, messageRepo, seeder,
		router, inboundRunner, extractRunner,
		promos.NewPromoMerger(promoRepo),
		digest.NewSelector(promoRepo, runRepo),
		digest.NewRenderer(),
		notify.NewNotifier(channels...),
		func(key string, ttl time.Duration) distlock.DistLock {
			return distlock.NewLock(redisClient, db, key, ttl)
		},
		prefs.Allowlist,
	)

	return &app{
		cfg:       cfg,
		db:        db,
		redis:     redisClient,
		storeRepo: storeRepo,
		configs:   configRepo,
		messages:  messageRepo,
		runs:      runRepo,
		seeder:    seeder,
		prefs:     prefs,
		orch:      orch,
	}, nil
}

func (a *app) close() {
	a.db.Close()
	if a.redis != nil {
		a.redis.Close()
	}
}

// initSchema applies every migration under ./migrations in name order,
// then seeds the catalog. Migrations are idempotent.
func (a *app) initSchema(ctx context.Context) error {
	entries, err := os.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		data, err := os.ReadFile(filepath.Join("migrations", f))
		if err != nil {
			return fmt.Errorf("read %s: %w", f, err)
		}
		if _, err := a.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply %s: %w", f, err)
		}
		fmt.Printf("Applied %s\n", f)
	}
	return a.seed(ctx)
}

func (a *app) seed(ctx context.Context) error {
	stats, err := a.seeder.Seed(ctx, a.cfg.Catalog.StoresFile)
	if err != nil {
		return err
	}
	fmt.Printf("Seeded %d stores, %d source configs, %d mail rules\n",
		stats.Stores, stats.Sources, stats.Rules)
	return nil
}

func (a *app) pipeline(ctx context.Context, runType domain.RunType, dryRun bool) error {
	result, err := a.orch.Run(ctx, runType, dryRun)
	if err != nil {
		return err
	}
	fmt.Printf("Run status: %s\n", result.Status)
	if result.DigestPath != "" {
		fmt.Printf("Digest: %s\n", result.DigestPath)
	}
	fmt.Printf("Stores: %d  Signals: %d new  Extracted: %d  Promos: %d created / %d updated  Entries: %d\n",
		result.Stats.Ingest.Stores, result.Stats.Ingest.New,
		result.Stats.Extract.Extracted,
		result.Stats.Merge.Created, result.Stats.Merge.Updated,
		result.Stats.Entries)
	return nil
}

// inbound ingests dropped .eml files once, outside a pipeline run.
func (a *app) inbound(ctx context.Context, args []string) error {
	dir := a.cfg.Inbound.Dir
	if len(args) > 0 {
		dir = args[0]
	}
	stats, err := ingest.NewInboundIngester(a.storeRepo, a.messages, dir).Run(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Inbound: %d files, %d new (%d matched, %d unmatched), %d skipped, %d errors\n",
		stats.Files, stats.New, stats.Matched, stats.Unmatched, stats.Skipped, stats.Errors)
	return nil
}

func (a *app) sources(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("expected validate, debug, or report")
	}
	switch args[0] {
	case "validate":
		return a.sourcesValidate(ctx)
	case "debug":
		if len(args) < 2 {
			return fmt.Errorf("debug needs a store slug")
		}
		return a.sourcesDebug(ctx, args[1])
	case "report":
		slug := ""
		if len(args) > 1 {
			slug = args[1]
		}
		return a.sourcesReport(ctx, slug)
	}
	return fmt.Errorf("unknown sources command %q", args[0])
}

// sourcesValidate runs static checks on every active config: a usable URL,
// a known source type, and a render service when a browser tier exists.
func (a *app) sourcesValidate(ctx context.Context) error {
	stores, err := a.storeRepo.ListActive(ctx, nil)
	if err != nil {
		return err
	}

	problems := 0
	for i := range stores {
		store := &stores[i]
		configs, err := a.configs.ListActiveForStore(ctx, store.ID)
		if err != nil {
			return err
		}
		for j := range configs {
			cfg := &configs[j]
			for _, problem := range validateConfig(cfg, a.cfg.Browser.Enabled) {
				fmt.Printf("FAIL  %s  %s %s: %s\n", store.Slug, cfg.SourceType, cfg.ConfigKey, problem)
				problems++
			}
		}
	}
	if problems == 0 {
		fmt.Println("All source configs pass")
		return nil
	}
	return fmt.Errorf("%d problems found", problems)
}

func validateConfig(cfg *domain.SourceConfig, browserEnabled bool) []string {
	var problems []string
	switch cfg.SourceType {
	case domain.SourceSitemap, domain.SourceRSS, domain.SourceJSON,
		domain.SourceCategory, domain.SourceBrowser:
	default:
		problems = append(problems, fmt.Sprintf("unknown source type %q", cfg.SourceType))
	}
	if cfg.ConfigString("url") == "" && cfg.ConfigKey == "" {
		problems = append(problems, "no url configured")
	}
	if cfg.SourceType == domain.SourceBrowser && !browserEnabled {
		problems = append(problems, "browser tier configured but no render service enabled")
	}
	if cfg.Tier < 1 || cfg.Tier > 4 {
		problems = append(problems, fmt.Sprintf("tier %d out of range", cfg.Tier))
	}
	return problems
}

func (a *app) sourcesDebug(ctx context.Context, slug string) error {
	store, err := a.storeRepo.GetBySlug(ctx, slug)
	if err != nil {
		return err
	}
	configs, err := a.configs.ListActiveForStore(ctx, store.ID)
	if err != nil {
		return err
	}

	fmt.Printf("%s (%s)  robots=%s\n", store.Name, store.Slug, store.RobotsPolicy)
	for i := range configs {
		c := &configs[i]
		fmt.Printf("  tier %d  %-10s %s\n", c.Tier, c.SourceType, c.ConfigKey)
		fmt.Printf("    failures=%d", c.FailureCount)
		if c.LastSuccessfulRun != nil {
			fmt.Printf("  last_success=%s", c.LastSuccessfulRun.Format(time.RFC3339))
		}
		if c.ETag != nil {
			fmt.Printf("  etag=%s", *c.ETag)
		}
		if c.LastSeenItemAt != nil {
			fmt.Printf("  last_item=%s", c.LastSeenItemAt.Format(time.RFC3339))
		}
		fmt.Println()
	}
	return nil
}

func (a *app) sourcesReport(ctx context.Context, slug string) error {
	var stores []domain.Store
	if slug != "" {
		store, err := a.storeRepo.GetBySlug(ctx, slug)
		if err != nil {
			return err
		}
		stores = []domain.Store{*store}
	} else {
		var err error
		stores, err = a.storeRepo.ListActive(ctx, nil)
		if err != nil {
			return err
		}
	}

	for i := range stores {
		store := &stores[i]
		attempts, err := a.configs.RecentAttempts(ctx, store.ID, 10)
		if err != nil {
			return err
		}
		if len(attempts) == 0 {
			continue
		}
		fmt.Printf("%s:\n", store.Slug)
		for _, at := range attempts {
			line := fmt.Sprintf("  %s  tier %d  %-10s %-8s signals=%d new=%d reqs=%d",
				at.CreatedAt.Format("2006-01-02 15:04"), at.Tier, at.SourceType,
				at.Status, at.SignalCount, at.NewSignals, at.HTTPRequests)
			if at.ErrorCode != nil {
				line += "  error=" + *at.ErrorCode
			}
			fmt.Println(line)
		}
	}
	return nil
}

func (a *app) stores(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("expected list, search, or allowlist")
	}
	switch args[0] {
	case "list":
		stores, err := a.storeRepo.ListActive(ctx, nil)
		if err != nil {
			return err
		}
		printStores(stores)
		return nil
	case "search":
		if len(args) < 2 {
			return fmt.Errorf("search needs a query")
		}
		stores, err := a.storeRepo.Search(ctx, args[1])
		if err != nil {
			return err
		}
		printStores(stores)
		return nil
	case "allowlist":
		if len(a.prefs.Allowlist) == 0 {
			fmt.Println("No allowlist configured; all active stores are eligible")
			return nil
		}
		for _, slug := range a.prefs.Allowlist {
			fmt.Println(slug)
		}
		return nil
	}
	return fmt.Errorf("unknown stores command %q", args[0])
}

func printStores(stores []domain.Store) {
	for i := range stores {
		s := &stores[i]
		category := ""
		if s.Category != nil {
			category = *s.Category
		}
		fmt.Printf("%-24s %-32s %s\n", s.Slug, s.Name, category)
	}
	fmt.Printf("%d stores\n", len(stores))
}

func (a *app) status(ctx context.Context) error {
	runs, err := a.runs.Recent(ctx, 10)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs yet")
		return nil
	}
	for _, r := range runs {
		line := fmt.Sprintf("%s  %-6s %-7s %s",
			r.StartedAt.Format("2006-01-02 15:04"), r.RunType, r.Status, r.DigestDate)
		if r.DigestSentAt != nil {
			line += "  sent " + r.DigestSentAt.Format("15:04")
		}
		if r.Error != nil {
			line += "  error: " + *r.Error
		}
		fmt.Println(line)
	}
	return nil
}
