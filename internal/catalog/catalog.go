// Package catalog loads the operator-maintained store catalog and preference
// files and seeds them into the database.
package catalog

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/promowatch/promowatch/internal/domain"
	"github.com/promowatch/promowatch/internal/pkg/logger"
	"github.com/promowatch/promowatch/internal/repository/postgres"
)

// catalogFile is the stores.yaml document shape.
type catalogFile struct {
	Stores []catalogStore `yaml:"stores"`
}

type catalogStore struct {
	Slug              string          `yaml:"slug"`
	Name              string          `yaml:"name"`
	WebsiteURL        string          `yaml:"website_url"`
	Category          string          `yaml:"category"`
	TOSURL            string          `yaml:"tos_url"`
	RobotsPolicy      string          `yaml:"robots_policy"`
	CrawlDelaySeconds int             `yaml:"crawl_delay_seconds"`
	MaxRequestsPerRun int             `yaml:"max_requests_per_run"`
	RequiresLogin     bool            `yaml:"requires_login"`
	AllowLogin        bool            `yaml:"allow_login"`
	Active            *bool           `yaml:"active"`
	Notes             string          `yaml:"notes"`
	Sources           []catalogSource `yaml:"sources"`
}

// catalogSource keeps the adapter-specific keys in the inline map so new
// adapter options never need a schema change here.
type catalogSource struct {
	Type     string         `yaml:"type"`
	Pattern  string         `yaml:"pattern"`
	URL      string         `yaml:"url"`
	Priority int            `yaml:"priority"`
	Tier     int            `yaml:"tier"`
	Active   *bool          `yaml:"active"`
	Config   map[string]any `yaml:",inline"`
}

func (s *catalogSource) key() string {
	if s.Pattern != "" {
		return s.Pattern
	}
	return s.URL
}

func (s *catalogSource) active() bool {
	return s.Active == nil || *s.Active
}

// SeedStats summarizes one catalog seed pass.
type SeedStats struct {
	Stores  int `json:"stores"`
	Sources int `json:"sources"`
	Rules   int `json:"rules"`
}

// Seeder upserts the catalog file into the stores tables.
type Seeder struct {
	stores  *postgres.StoreRepo
	configs *postgres.SourceConfigRepo
}

// NewSeeder creates a seeder.
func NewSeeder(stores *postgres.StoreRepo, configs *postgres.SourceConfigRepo) *Seeder {
	return &Seeder{stores: stores, configs: configs}
}

// Seed reads the catalog file and upserts every store, source config, and
// mail matching rule it declares. Seeding is idempotent.
func (s *Seeder) Seed(ctx context.Context, path string) (SeedStats, error) {
	var stats SeedStats

	data, err := os.ReadFile(path)
	if err != nil {
		return stats, fmt.Errorf("read catalog: %w", err)
	}
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return stats, fmt.Errorf("parse catalog: %w", err)
	}

	for i := range file.Stores {
		entry := &file.Stores[i]
		if entry.Slug == "" || entry.Name == "" {
			return stats, fmt.Errorf("catalog store %d: slug and name are required", i)
		}

		storeID, err := s.seedStore(ctx, entry)
		if err != nil {
			return stats, fmt.Errorf("seed store %s: %w", entry.Slug, err)
		}
		stats.Stores++

		for j := range entry.Sources {
			src := &entry.Sources[j]
			isRule, err := s.seedSource(ctx, storeID, src)
			if err != nil {
				return stats, fmt.Errorf("seed store %s source %s: %w", entry.Slug, src.Type, err)
			}
			if isRule {
				stats.Rules++
			} else {
				stats.Sources++
			}
		}
	}

	logger.Info("catalog seeded",
		"stores", stats.Stores, "sources", stats.Sources, "rules", stats.Rules)
	return stats, nil
}

func (s *Seeder) seedStore(ctx context.Context, entry *catalogStore) (string, error) {
	policy := domain.RobotsEnforce
	if entry.RobotsPolicy == string(domain.RobotsIgnore) {
		policy = domain.RobotsIgnore
	}

	store := &domain.Store{
		Slug:          entry.Slug,
		Name:          entry.Name,
		WebsiteURL:    optString(entry.WebsiteURL),
		TOSURL:        optString(entry.TOSURL),
		Category:      optString(entry.Category),
		Active:        entry.Active == nil || *entry.Active,
		RobotsPolicy:  policy,
		RequiresLogin: entry.RequiresLogin,
		AllowLogin:    entry.AllowLogin,
		Notes:         optString(entry.Notes),
	}
	if entry.CrawlDelaySeconds > 0 {
		store.CrawlDelaySeconds = &entry.CrawlDelaySeconds
	}
	if entry.MaxRequestsPerRun > 0 {
		store.MaxRequestsPerRun = &entry.MaxRequestsPerRun
	}
	return s.stores.Upsert(ctx, store)
}

// seedSource routes one catalog source record: mail matching rules and
// legacy web_url rows go to store_sources, everything else becomes an
// adapter config. Returns true for store_sources rows.
func (s *Seeder) seedSource(ctx context.Context, storeID string, src *catalogSource) (bool, error) {
	if src.Type == "" || src.key() == "" {
		return false, fmt.Errorf("type and pattern/url are required")
	}

	if isStoreSourceRow(src.Type) {
		err := s.stores.UpsertSource(ctx, &domain.StoreSource{
			StoreID:    storeID,
			SourceType: src.Type,
			Pattern:    src.key(),
			Priority:   src.Priority,
			Active:     src.active(),
		})
		return true, err
	}

	sourceType := domain.SourceType(src.Type)
	tier := src.Tier
	if tier == 0 {
		tier = domain.TierForSourceType(sourceType)
	}

	config := make(map[string]any, len(src.Config)+1)
	for k, v := range src.Config {
		config[k] = v
	}
	if src.URL != "" {
		config["url"] = src.URL
	}

	err := s.configs.Upsert(ctx, &domain.SourceConfig{
		StoreID:    storeID,
		SourceType: sourceType,
		Tier:       tier,
		ConfigKey:  src.key(),
		Config:     config,
		Active:     src.active(),
	})
	return false, err
}

// isStoreSourceRow reports whether a catalog source lands in store_sources:
// the mail matching rules plus the mailbox-era web_url rows that the router
// maps onto category configs at ingestion time.
func isStoreSourceRow(sourceType string) bool {
	return strings.HasPrefix(sourceType, "mail_") ||
		sourceType == string(domain.SourceNewsletter) ||
		sourceType == "web_url"
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
