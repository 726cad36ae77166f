package domain

import "time"

// RobotsPolicy controls whether robots.txt is honored for a store.
type RobotsPolicy string

const (
	RobotsEnforce RobotsPolicy = "enforce"
	RobotsIgnore  RobotsPolicy = "ignore"
)

// Store is a retailer/brand whose promos we track.
type Store struct {
	ID                string       `json:"id" db:"id"`
	Slug              string       `json:"slug" db:"slug"`
	Name              string       `json:"name" db:"name"`
	WebsiteURL        *string      `json:"website_url" db:"website_url"`
	TOSURL            *string      `json:"tos_url" db:"tos_url"`
	Category          *string      `json:"category" db:"category"`
	Active            bool         `json:"active" db:"active"`
	RobotsPolicy      RobotsPolicy `json:"robots_policy" db:"robots_policy"`
	CrawlDelaySeconds *int         `json:"crawl_delay_seconds" db:"crawl_delay_seconds"`
	MaxRequestsPerRun *int         `json:"max_requests_per_run" db:"max_requests_per_run"`
	RequiresLogin     bool         `json:"requires_login" db:"requires_login"`
	AllowLogin        bool         `json:"allow_login" db:"allow_login"`
	Notes             *string      `json:"notes" db:"notes"`
	CreatedAt         time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at" db:"updated_at"`
}

// SourceType enumerates how a store is observed.
type SourceType string

const (
	SourceSitemap  SourceType = "sitemap"
	SourceRSS      SourceType = "rss"
	SourceJSON     SourceType = "json"
	SourceCategory SourceType = "category"
	SourceBrowser  SourceType = "browser"

	// Matching-rule source types; these never become adapters.
	SourceNewsletter     SourceType = "newsletter"
	SourceMailFromAddr   SourceType = "mail_from_address"
	SourceMailFromDomain SourceType = "mail_from_domain"
)

// TierForSourceType returns the default reliability tier for a source type.
// Tier 1 (sitemap/rss) is most reliable, tier 4 (browser) is last resort.
func TierForSourceType(t SourceType) int {
	switch t {
	case SourceSitemap, SourceRSS:
		return 1
	case SourceJSON:
		return 2
	case SourceCategory:
		return 3
	case SourceBrowser:
		return 4
	}
	return 3
}

// SourceConfig is the configuration for one non-mail ingestion source of a
// store. ConfigKey is a stable identifier, typically the URL.
type SourceConfig struct {
	ID                string         `json:"id" db:"id"`
	StoreID           string         `json:"store_id" db:"store_id"`
	SourceType        SourceType     `json:"source_type" db:"source_type"`
	Tier              int            `json:"tier" db:"tier"`
	ConfigKey         string         `json:"config_key" db:"config_key"`
	Config            map[string]any `json:"config" db:"config_json"`
	Active            bool           `json:"active" db:"active"`
	ETag              *string        `json:"etag" db:"etag"`
	LastModified      *string        `json:"last_modified" db:"last_modified"`
	LastSuccessfulRun *time.Time     `json:"last_successful_run" db:"last_successful_run"`
	FailureCount      int            `json:"failure_count" db:"failure_count"`
	LastSeenItemAt    *time.Time     `json:"last_seen_item_at" db:"last_seen_item_at"`
	CreatedAt         time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at" db:"updated_at"`
}

// ConfigString returns a string value from the adapter config map.
func (c *SourceConfig) ConfigString(key string) string {
	if c.Config == nil {
		return ""
	}
	if v, ok := c.Config[key].(string); ok {
		return v
	}
	return ""
}

// ConfigBool returns a bool value from the adapter config map.
func (c *SourceConfig) ConfigBool(key string) bool {
	if c.Config == nil {
		return false
	}
	if v, ok := c.Config[key].(bool); ok {
		return v
	}
	return false
}

// ConfigInt returns an int value from the adapter config map, or def when
// missing. YAML/JSON round-trips may deliver float64 or int.
func (c *SourceConfig) ConfigInt(key string, def int) int {
	if c.Config == nil {
		return def
	}
	switch v := c.Config[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

// ConfigStrings returns a string-list value from the adapter config map.
func (c *SourceConfig) ConfigStrings(key string) []string {
	if c.Config == nil {
		return nil
	}
	switch v := c.Config[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// StoreSource is a legacy mail matching rule (from address/domain patterns)
// plus the legacy web_url type that the router maps to a category config.
type StoreSource struct {
	ID         string `json:"id" db:"id"`
	StoreID    string `json:"store_id" db:"store_id"`
	SourceType string `json:"source_type" db:"source_type"`
	Pattern    string `json:"pattern" db:"pattern"`
	Priority   int    `json:"priority" db:"priority"`
	Active     bool   `json:"active" db:"active"`
}
