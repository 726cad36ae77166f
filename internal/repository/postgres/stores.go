// Package postgres implements the persistence layer with raw SQL against
// PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/promowatch/promowatch/internal/domain"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// StoreRepo persists stores and their legacy matching rules.
type StoreRepo struct{ db *sql.DB }

// NewStoreRepo creates a Postgres-backed store repository.
func NewStoreRepo(db *sql.DB) *StoreRepo { return &StoreRepo{db: db} }

const storeColumns = `id, slug, name, website_url, tos_url, category, active,
	robots_policy, crawl_delay_seconds, max_requests_per_run,
	requires_login, allow_login, notes, created_at, updated_at`

func scanStore(row interface{ Scan(...interface{}) error }) (*domain.Store, error) {
	s := &domain.Store{}
	err := row.Scan(
		&s.ID, &s.Slug, &s.Name, &s.WebsiteURL, &s.TOSURL, &s.Category, &s.Active,
		&s.RobotsPolicy, &s.CrawlDelaySeconds, &s.MaxRequestsPerRun,
		&s.RequiresLogin, &s.AllowLogin, &s.Notes, &s.CreatedAt, &s.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan store: %w", err)
	}
	return s, nil
}

// GetBySlug fetches one store by its slug.
func (r *StoreRepo) GetBySlug(ctx context.Context, slug string) (*domain.Store, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+storeColumns+`
		FROM stores
		WHERE slug = $1
	`, slug)
	return scanStore(row)
}

// Get fetches one store by id.
func (r *StoreRepo) Get(ctx context.Context, id string) (*domain.Store, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+storeColumns+`
		FROM stores
		WHERE id = $1
	`, id)
	return scanStore(row)
}

// ListActive returns active stores ordered by slug. When allowlist is
// non-empty, only stores whose slug appears in it are returned.
func (r *StoreRepo) ListActive(ctx context.Context, allowlist []string) ([]domain.Store, error) {
	q := `SELECT ` + storeColumns + ` FROM stores WHERE active`
	var args []interface{}
	if len(allowlist) > 0 {
		q += ` AND slug = ANY($1)`
		args = append(args, pq.Array(allowlist))
	}
	q += ` ORDER BY slug`

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list stores: %w", err)
	}
	defer rows.Close()

	var out []domain.Store
	for rows.Next() {
		s, err := scanStore(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// Search returns stores whose slug or name matches the query, active or not.
func (r *StoreRepo) Search(ctx context.Context, query string) ([]domain.Store, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+storeColumns+`
		FROM stores
		WHERE slug ILIKE '%' || $1 || '%' OR name ILIKE '%' || $1 || '%'
		ORDER BY slug
	`, query)
	if err != nil {
		return nil, fmt.Errorf("search stores: %w", err)
	}
	defer rows.Close()

	var out []domain.Store
	for rows.Next() {
		s, err := scanStore(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// Upsert inserts or updates a store keyed by slug and returns its id.
// Catalog seeding is the only writer, so slug conflicts always mean "update
// the existing store in place".
func (r *StoreRepo) Upsert(ctx context.Context, s *domain.Store) (string, error) {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	var id string
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO stores
			(id, slug, name, website_url, tos_url, category, active,
			 robots_policy, crawl_delay_seconds, max_requests_per_run,
			 requires_login, allow_login, notes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW(), NOW())
		ON CONFLICT (slug) DO UPDATE SET
			name = EXCLUDED.name,
			website_url = EXCLUDED.website_url,
			tos_url = EXCLUDED.tos_url,
			category = EXCLUDED.category,
			active = EXCLUDED.active,
			robots_policy = EXCLUDED.robots_policy,
			crawl_delay_seconds = EXCLUDED.crawl_delay_seconds,
			max_requests_per_run = EXCLUDED.max_requests_per_run,
			requires_login = EXCLUDED.requires_login,
			allow_login = EXCLUDED.allow_login,
			notes = EXCLUDED.notes,
			updated_at = NOW()
		RETURNING id
	`, s.ID, s.Slug, s.Name, s.WebsiteURL, s.TOSURL, s.Category, s.Active,
		s.RobotsPolicy, s.CrawlDelaySeconds, s.MaxRequestsPerRun,
		s.RequiresLogin, s.AllowLogin, s.Notes).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("upsert store: %w", err)
	}
	s.ID = id
	return id, nil
}

// ListSources returns the active legacy matching rules for a store.
func (r *StoreRepo) ListSources(ctx context.Context, storeID string) ([]domain.StoreSource, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, store_id, source_type, pattern, priority, active
		FROM store_sources
		WHERE store_id = $1 AND active
		ORDER BY priority, pattern
	`, storeID)
	if err != nil {
		return nil, fmt.Errorf("list store sources: %w", err)
	}
	defer rows.Close()

	var out []domain.StoreSource
	for rows.Next() {
		var s domain.StoreSource
		if err := rows.Scan(&s.ID, &s.StoreID, &s.SourceType, &s.Pattern, &s.Priority, &s.Active); err != nil {
			return nil, fmt.Errorf("scan store source: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// MatchSource finds the highest-priority active mail rule matching a sender.
// Address and newsletter rules match the full address; domain rules match
// the sender domain.
func (r *StoreRepo) MatchSource(ctx context.Context, fromAddress, fromDomain string) (*domain.StoreSource, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, store_id, source_type, pattern, priority, active
		FROM store_sources
		WHERE active
		  AND ((source_type IN ('mail_from_address', 'newsletter') AND pattern = $1)
		       OR (source_type = 'mail_from_domain' AND pattern = $2))
		ORDER BY priority DESC
		LIMIT 1
	`, fromAddress, fromDomain)

	var s domain.StoreSource
	err := row.Scan(&s.ID, &s.StoreID, &s.SourceType, &s.Pattern, &s.Priority, &s.Active)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("match store source: %w", err)
	}
	return &s, nil
}

// UpsertSource inserts a legacy matching rule if the (store, type, pattern)
// triple is new.
func (r *StoreRepo) UpsertSource(ctx context.Context, s *domain.StoreSource) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO store_sources (id, store_id, source_type, pattern, priority, active)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (store_id, source_type, pattern) DO UPDATE SET
			priority = EXCLUDED.priority,
			active = EXCLUDED.active
	`, s.ID, s.StoreID, s.SourceType, s.Pattern, s.Priority, s.Active)
	if err != nil {
		return fmt.Errorf("upsert store source: %w", err)
	}
	return nil
}
