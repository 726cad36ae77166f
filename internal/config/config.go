// Package config loads the application configuration from a YAML file with
// environment variable overrides.
package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Payloads   PayloadConfig    `yaml:"payloads"`
	Operator   OperatorConfig   `yaml:"operator"`
	Web        WebConfig        `yaml:"web"`
	Browser    BrowserConfig    `yaml:"browser"`
	Inbound    InboundConfig    `yaml:"inbound"`
	Extraction ExtractionConfig `yaml:"extraction"`
	Digest     DigestConfig     `yaml:"digest"`
	Email      EmailConfig      `yaml:"email"`
	Telegram   TelegramConfig   `yaml:"telegram"`
	Desktop    DesktopConfig    `yaml:"desktop"`
	Catalog    CatalogConfig    `yaml:"catalog"`
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	URL             string `yaml:"url"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_minutes"`
}

// RedisConfig holds the optional Redis connection used for run locking.
// When URL is empty, run locks fall back to PostgreSQL advisory locks.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// PayloadConfig holds the content-addressed payload store settings
type PayloadConfig struct {
	Dir            string `yaml:"dir"`
	InlineCapBytes int    `yaml:"inline_cap_bytes"`
}

// OperatorConfig holds operator-facing settings. Timezone decides which
// local calendar day a digest belongs to.
type OperatorConfig struct {
	Timezone string `yaml:"timezone"`
}

// Location resolves the operator timezone, falling back to UTC if the name
// is unknown on this host.
func (c OperatorConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// WebConfig holds crawl politeness and fetch settings
type WebConfig struct {
	UserAgent             string `yaml:"user_agent"`
	DefaultCrawlDelaySecs int    `yaml:"default_crawl_delay_seconds"`
	DefaultMaxRequests    int    `yaml:"default_max_requests_per_run"`
	MaxBodyBytes          int64  `yaml:"max_body_bytes"`
	SitemapMaxBodyBytes   int64  `yaml:"sitemap_max_body_bytes"`
	TimeoutSeconds        int    `yaml:"timeout_seconds"`
	IgnoreRobots          bool   `yaml:"ignore_robots"`
	MaxConfigFailures     int    `yaml:"max_config_failures"`
	StoreConcurrency      int    `yaml:"store_concurrency"`
}

// Timeout returns the configured fetch timeout as a duration
func (c WebConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// DefaultCrawlDelay returns the per-domain politeness delay as a duration
func (c WebConfig) DefaultCrawlDelay() time.Duration {
	return time.Duration(c.DefaultCrawlDelaySecs) * time.Second
}

// BrowserConfig holds the headless render service settings
type BrowserConfig struct {
	ServiceURL     string `yaml:"service_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	Enabled        bool   `yaml:"enabled"`
}

// Timeout returns the configured render timeout as a duration
func (c BrowserConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// InboundConfig holds the drop directory for manually saved .eml files.
// When enabled, pipeline runs ingest the directory alongside the web tiers.
type InboundConfig struct {
	Dir     string `yaml:"dir"`
	Enabled bool   `yaml:"enabled"`
}

// ExtractionConfig holds LLM extraction settings (AWS Bedrock)
type ExtractionConfig struct {
	Region         string `yaml:"region"`
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	ModelID        string `yaml:"model_id"`
	MaxMessages    int    `yaml:"max_messages_per_run"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	Enabled        bool   `yaml:"enabled"`
}

// Timeout returns the configured model invocation timeout as a duration
func (c ExtractionConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// DigestConfig holds digest selection and archiving settings
type DigestConfig struct {
	ArchiveDir       string `yaml:"archive_dir"`
	CooldownHours    int    `yaml:"cooldown_hours"`
	IncludeUnchanged bool   `yaml:"include_unchanged"`
}

// Cooldown returns the re-notification cooldown as a duration
func (c DigestConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownHours) * time.Hour
}

// EmailConfig holds AWS SES digest delivery settings
type EmailConfig struct {
	Region         string   `yaml:"region"`
	AccessKey      string   `yaml:"access_key"`
	SecretKey      string   `yaml:"secret_key"`
	FromAddress    string   `yaml:"from_address"`
	ToAddresses    []string `yaml:"to_addresses"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        bool     `yaml:"enabled"`
}

// Timeout returns the configured send timeout as a duration
func (c EmailConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// TelegramConfig holds Telegram bot delivery settings
type TelegramConfig struct {
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
	Enabled  bool   `yaml:"enabled"`
}

// DesktopConfig holds local desktop notification settings
type DesktopConfig struct {
	Command string `yaml:"command"`
	Enabled bool   `yaml:"enabled"`
}

// CatalogConfig points at the store catalog and operator preference files
type CatalogConfig struct {
	StoresFile      string `yaml:"stores_file"`
	PreferencesFile string `yaml:"preferences_file"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 10
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 30
	}
	if cfg.Payloads.Dir == "" {
		cfg.Payloads.Dir = "./data/payloads"
	}
	if cfg.Payloads.InlineCapBytes == 0 {
		cfg.Payloads.InlineCapBytes = 200 * 1024
	}
	if cfg.Operator.Timezone == "" {
		cfg.Operator.Timezone = "America/New_York"
	}
	if cfg.Web.UserAgent == "" {
		cfg.Web.UserAgent = "Mozilla/5.0 (compatible; PromoWatchBot/1.0; +https://github.com/promowatch/promowatch)"
	}
	if cfg.Web.DefaultCrawlDelaySecs == 0 {
		cfg.Web.DefaultCrawlDelaySecs = 30
	}
	if cfg.Web.DefaultMaxRequests == 0 {
		cfg.Web.DefaultMaxRequests = 25
	}
	if cfg.Web.MaxBodyBytes == 0 {
		cfg.Web.MaxBodyBytes = 5 * 1024 * 1024
	}
	if cfg.Web.SitemapMaxBodyBytes == 0 {
		cfg.Web.SitemapMaxBodyBytes = 20 * 1024 * 1024
	}
	if cfg.Web.TimeoutSeconds == 0 {
		cfg.Web.TimeoutSeconds = 30
	}
	if cfg.Web.MaxConfigFailures == 0 {
		cfg.Web.MaxConfigFailures = 5
	}
	if cfg.Web.StoreConcurrency == 0 {
		cfg.Web.StoreConcurrency = 4
	}
	if cfg.Inbound.Dir == "" {
		cfg.Inbound.Dir = "./inbound_eml"
	}
	if cfg.Browser.TimeoutSeconds == 0 {
		cfg.Browser.TimeoutSeconds = 90
	}
	if cfg.Extraction.Region == "" {
		cfg.Extraction.Region = "us-east-1"
	}
	if cfg.Extraction.ModelID == "" {
		cfg.Extraction.ModelID = "anthropic.claude-3-5-haiku-20241022-v1:0"
	}
	if cfg.Extraction.TimeoutSeconds == 0 {
		cfg.Extraction.TimeoutSeconds = 120
	}
	if cfg.Digest.ArchiveDir == "" {
		cfg.Digest.ArchiveDir = "./digest_archive"
	}
	if cfg.Digest.CooldownHours == 0 {
		cfg.Digest.CooldownHours = 72
	}
	if cfg.Email.Region == "" {
		cfg.Email.Region = "us-east-1"
	}
	if cfg.Email.TimeoutSeconds == 0 {
		cfg.Email.TimeoutSeconds = 30
	}
	if cfg.Catalog.StoresFile == "" {
		cfg.Catalog.StoresFile = "stores.yaml"
	}
	if cfg.Catalog.PreferencesFile == "" {
		cfg.Catalog.PreferencesFile = "preferences.yaml"
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars in production.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	// Override with environment variables if present
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.Database.URL = dbURL
	}
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		cfg.Redis.URL = redisURL
	}
	if dir := os.Getenv("PAYLOAD_DIR"); dir != "" {
		cfg.Payloads.Dir = dir
	}
	if tz := os.Getenv("OPERATOR_TZ"); tz != "" {
		cfg.Operator.Timezone = tz
	}
	if v := os.Getenv("IGNORE_ROBOTS"); v == "1" || v == "true" {
		cfg.Web.IgnoreRobots = true
	}
	if url := os.Getenv("BROWSER_SERVICE_URL"); url != "" {
		cfg.Browser.ServiceURL = url
		cfg.Browser.Enabled = true
	}
	if accessKey := os.Getenv("AWS_BEDROCK_ACCESS_KEY"); accessKey != "" {
		cfg.Extraction.AccessKey = accessKey
	}
	if secretKey := os.Getenv("AWS_BEDROCK_SECRET_KEY"); secretKey != "" {
		cfg.Extraction.SecretKey = secretKey
	}
	if region := os.Getenv("AWS_BEDROCK_REGION"); region != "" {
		cfg.Extraction.Region = region
	}
	if modelID := os.Getenv("EXTRACTION_MODEL_ID"); modelID != "" {
		cfg.Extraction.ModelID = modelID
	}
	if accessKey := os.Getenv("AWS_SES_ACCESS_KEY"); accessKey != "" {
		cfg.Email.AccessKey = accessKey
	}
	if secretKey := os.Getenv("AWS_SES_SECRET_KEY"); secretKey != "" {
		cfg.Email.SecretKey = secretKey
	}
	if region := os.Getenv("AWS_SES_REGION"); region != "" {
		cfg.Email.Region = region
	}
	if token := os.Getenv("TELEGRAM_BOT_TOKEN"); token != "" {
		cfg.Telegram.BotToken = token
	}
	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		cfg.Telegram.ChatID = chatID
	}

	return cfg, nil
}
