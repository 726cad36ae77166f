package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/promowatch/promowatch/internal/domain"
)

// SourceConfigRepo persists per-store adapter configurations and their
// attempt history.
type SourceConfigRepo struct{ db *sql.DB }

// NewSourceConfigRepo creates a Postgres-backed source config repository.
func NewSourceConfigRepo(db *sql.DB) *SourceConfigRepo { return &SourceConfigRepo{db: db} }

const sourceConfigColumns = `id, store_id, source_type, tier, config_key, config_json,
	active, etag, last_modified, last_successful_run, failure_count,
	last_seen_item_at, created_at, updated_at`

func scanSourceConfig(row interface{ Scan(...interface{}) error }) (*domain.SourceConfig, error) {
	c := &domain.SourceConfig{}
	var configJSON []byte
	err := row.Scan(
		&c.ID, &c.StoreID, &c.SourceType, &c.Tier, &c.ConfigKey, &configJSON,
		&c.Active, &c.ETag, &c.LastModified, &c.LastSuccessfulRun, &c.FailureCount,
		&c.LastSeenItemAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan source config: %w", err)
	}
	if len(configJSON) > 0 {
		if err := json.Unmarshal(configJSON, &c.Config); err != nil {
			return nil, fmt.Errorf("decode source config json: %w", err)
		}
	}
	return c, nil
}

// ListActiveForStore returns the store's active configs ordered by tier.
func (r *SourceConfigRepo) ListActiveForStore(ctx context.Context, storeID string) ([]domain.SourceConfig, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+sourceConfigColumns+`
		FROM source_configs
		WHERE store_id = $1 AND active
		ORDER BY tier, config_key
	`, storeID)
	if err != nil {
		return nil, fmt.Errorf("list source configs: %w", err)
	}
	defer rows.Close()

	var out []domain.SourceConfig
	for rows.Next() {
		c, err := scanSourceConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// Upsert inserts or updates a config keyed by (store, source type, config key).
func (r *SourceConfigRepo) Upsert(ctx context.Context, c *domain.SourceConfig) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	configJSON, err := json.Marshal(c.Config)
	if err != nil {
		return fmt.Errorf("encode source config json: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO source_configs
			(id, store_id, source_type, tier, config_key, config_json, active,
			 created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		ON CONFLICT (store_id, source_type, config_key) DO UPDATE SET
			tier = EXCLUDED.tier,
			config_json = EXCLUDED.config_json,
			active = EXCLUDED.active,
			updated_at = NOW()
	`, c.ID, c.StoreID, c.SourceType, c.Tier, c.ConfigKey, configJSON, c.Active)
	if err != nil {
		return fmt.Errorf("upsert source config: %w", err)
	}
	return nil
}

// UpdateValidators writes back fresh conditional-request validators. Called
// after every attempt regardless of whether new signals appeared.
func (r *SourceConfigRepo) UpdateValidators(ctx context.Context, id string, etag, lastModified *string, lastSeenItemAt *time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE source_configs
		SET etag = COALESCE($2, etag),
		    last_modified = COALESCE($3, last_modified),
		    last_seen_item_at = COALESCE($4, last_seen_item_at),
		    updated_at = NOW()
		WHERE id = $1
	`, id, etag, lastModified, lastSeenItemAt)
	if err != nil {
		return fmt.Errorf("update validators: %w", err)
	}
	return nil
}

// MarkSuccess zeroes the failure count and records a successful run.
func (r *SourceConfigRepo) MarkSuccess(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE source_configs
		SET failure_count = 0, last_successful_run = NOW(), updated_at = NOW()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("mark source success: %w", err)
	}
	return nil
}

// MarkFailure increments the failure count.
func (r *SourceConfigRepo) MarkFailure(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE source_configs
		SET failure_count = failure_count + 1, updated_at = NOW()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("mark source failure: %w", err)
	}
	return nil
}

// RecordAttempt inserts one adapter attempt audit row.
func (r *SourceConfigRepo) RecordAttempt(ctx context.Context, a *domain.SourceAttempt) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO source_attempts
			(id, store_id, tier, source_type, config_key, status, error_code,
			 message, http_requests, bytes_read, duration_ms, signal_count,
			 new_signals, skipped_signals, sample_urls, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, NOW())
	`, a.ID, a.StoreID, a.Tier, a.SourceType, a.ConfigKey, a.Status, a.ErrorCode,
		a.Message, a.HTTPRequests, a.BytesRead, a.DurationMS, a.SignalCount,
		a.NewSignals, a.SkippedSignals, pq.Array(a.SampleURLs))
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}

// RecentAttempts returns the latest attempts for a store, newest first.
func (r *SourceConfigRepo) RecentAttempts(ctx context.Context, storeID string, limit int) ([]domain.SourceAttempt, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, store_id, tier, source_type, config_key, status, error_code,
		       message, http_requests, bytes_read, duration_ms, signal_count,
		       new_signals, skipped_signals, sample_urls, created_at
		FROM source_attempts
		WHERE store_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, storeID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent attempts: %w", err)
	}
	defer rows.Close()

	var out []domain.SourceAttempt
	for rows.Next() {
		var a domain.SourceAttempt
		if err := rows.Scan(
			&a.ID, &a.StoreID, &a.Tier, &a.SourceType, &a.ConfigKey, &a.Status, &a.ErrorCode,
			&a.Message, &a.HTTPRequests, &a.BytesRead, &a.DurationMS, &a.SignalCount,
			&a.NewSignals, &a.SkippedSignals, pq.Array(&a.SampleURLs), &a.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
