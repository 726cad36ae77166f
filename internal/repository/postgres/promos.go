package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/promowatch/promowatch/internal/domain"
)

// PromoRepo persists canonical promos, their change history, and evidence
// links.
type PromoRepo struct{ db *sql.DB }

// NewPromoRepo creates a Postgres-backed promo repository.
func NewPromoRepo(db *sql.DB) *PromoRepo { return &PromoRepo{db: db} }

const promoColumns = `id, store_id, base_key, headline, summary, discount_text,
	percent_off, amount_off, code, starts_at, ends_at, end_inferred,
	exclusions, landing_url, confidence, first_seen_at, last_seen_at,
	status, last_notified_at`

func scanPromo(row interface{ Scan(...interface{}) error }) (*domain.Promo, error) {
	p := &domain.Promo{}
	err := row.Scan(
		&p.ID, &p.StoreID, &p.BaseKey, &p.Headline, &p.Summary, &p.DiscountText,
		&p.PercentOff, &p.AmountOff, &p.Code, &p.StartsAt, &p.EndsAt, &p.EndInferred,
		&p.Exclusions, &p.LandingURL, &p.Confidence, &p.FirstSeenAt, &p.LastSeenAt,
		&p.Status, &p.LastNotifiedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan promo: %w", err)
	}
	return p, nil
}

// FindMatch looks up a live promo for (store, base key). A promo matches
// when it was seen in the last 30 days, or its end date is no more than two
// days past, or it has no end date.
func (r *PromoRepo) FindMatch(ctx context.Context, storeID, baseKey string) (*domain.Promo, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+promoColumns+`
		FROM promos
		WHERE store_id = $1 AND base_key = $2
		  AND (last_seen_at >= NOW() - INTERVAL '30 days'
		       OR ends_at >= NOW() - INTERVAL '2 days'
		       OR ends_at IS NULL)
		ORDER BY last_seen_at DESC
		LIMIT 1
	`, storeID, baseKey)
	return scanPromo(row)
}

// FindByKey looks up the promo row for (store, base key) with no recency
// window. At most one row exists per pair.
func (r *PromoRepo) FindByKey(ctx context.Context, storeID, baseKey string) (*domain.Promo, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+promoColumns+`
		FROM promos
		WHERE store_id = $1 AND base_key = $2
	`, storeID, baseKey)
	return scanPromo(row)
}

// Insert writes a new promo row.
func (r *PromoRepo) Insert(ctx context.Context, p *domain.Promo) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO promos
			(id, store_id, base_key, headline, summary, discount_text,
			 percent_off, amount_off, code, starts_at, ends_at, end_inferred,
			 exclusions, landing_url, confidence, first_seen_at, last_seen_at,
			 status, last_notified_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
		        $13, $14, $15, $16, $17, $18, $19)
	`, p.ID, p.StoreID, p.BaseKey, p.Headline, p.Summary, p.DiscountText,
		p.PercentOff, p.AmountOff, p.Code, p.StartsAt, p.EndsAt, p.EndInferred,
		p.Exclusions, p.LandingURL, p.Confidence, p.FirstSeenAt, p.LastSeenAt,
		p.Status, p.LastNotifiedAt)
	if err != nil {
		return fmt.Errorf("insert promo: %w", err)
	}
	return nil
}

// Update rewrites the mutable fields of a matched promo and bumps
// last_seen_at.
func (r *PromoRepo) Update(ctx context.Context, p *domain.Promo) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE promos
		SET ends_at = $2, end_inferred = $3, percent_off = $4, amount_off = $5,
		    discount_text = $6, code = $7, status = $8, last_seen_at = NOW()
		WHERE id = $1
	`, p.ID, p.EndsAt, p.EndInferred, p.PercentOff, p.AmountOff,
		p.DiscountText, p.Code, p.Status)
	if err != nil {
		return fmt.Errorf("update promo: %w", err)
	}
	return nil
}

// TouchLastSeen bumps last_seen_at without other changes.
func (r *PromoRepo) TouchLastSeen(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE promos SET last_seen_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("touch promo: %w", err)
	}
	return nil
}

// InsertChange appends a change event. Returns false when the same
// (promo, message, change type) event was already recorded.
func (r *PromoRepo) InsertChange(ctx context.Context, c *domain.PromoChange) (bool, error) {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	result, err := r.db.ExecContext(ctx, `
		INSERT INTO promo_changes (id, promo_id, message_id, change_type, diff_json, changed_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (promo_id, message_id, change_type) DO NOTHING
	`, c.ID, c.PromoID, c.MessageID, c.ChangeType, c.Diff)
	if err != nil {
		return false, fmt.Errorf("insert promo change: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert promo change rows: %w", err)
	}
	return n > 0, nil
}

// EnsureMessageLink records evidence tying a promo to a message.
func (r *PromoRepo) EnsureMessageLink(ctx context.Context, promoID, messageID string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO promo_message_links (id, promo_id, message_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (promo_id, message_id) DO NOTHING
	`, uuid.New().String(), promoID, messageID)
	if err != nil {
		return fmt.Errorf("ensure promo message link: %w", err)
	}
	return nil
}

// MarkNotified stamps last_notified_at on the delivered promos.
func (r *PromoRepo) MarkNotified(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE promos SET last_notified_at = $2 WHERE id = ANY($1)
	`, pq.Array(ids), at)
	if err != nil {
		return fmt.Errorf("mark promos notified: %w", err)
	}
	return nil
}

// PromoWithStore joins a promo with its store identity for digest rendering.
type PromoWithStore struct {
	domain.Promo
	StoreSlug string
	StoreName string
}

func scanPromoWithStore(rows *sql.Rows) (*PromoWithStore, error) {
	p := &PromoWithStore{}
	err := rows.Scan(
		&p.ID, &p.StoreID, &p.BaseKey, &p.Headline, &p.Summary, &p.DiscountText,
		&p.PercentOff, &p.AmountOff, &p.Code, &p.StartsAt, &p.EndsAt, &p.EndInferred,
		&p.Exclusions, &p.LandingURL, &p.Confidence, &p.FirstSeenAt, &p.LastSeenAt,
		&p.Status, &p.LastNotifiedAt, &p.StoreSlug, &p.StoreName,
	)
	if err != nil {
		return nil, fmt.Errorf("scan promo with store: %w", err)
	}
	return p, nil
}

const promoStoreColumns = `p.id, p.store_id, p.base_key, p.headline, p.summary,
	p.discount_text, p.percent_off, p.amount_off, p.code, p.starts_at,
	p.ends_at, p.end_inferred, p.exclusions, p.landing_url, p.confidence,
	p.first_seen_at, p.last_seen_at, p.status, p.last_notified_at,
	s.slug, s.name`

// ListCreatedSince returns active promos whose creation event landed after
// since, for the NEW digest section.
func (r *PromoRepo) ListCreatedSince(ctx context.Context, since time.Time) ([]PromoWithStore, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT `+promoStoreColumns+`
		FROM promos p
		JOIN stores s ON s.id = p.store_id
		JOIN promo_changes c ON c.promo_id = p.id
		WHERE c.change_type = 'created' AND c.changed_at > $1
		  AND p.status = 'active'
		ORDER BY s.slug, p.headline
	`, since)
	if err != nil {
		return nil, fmt.Errorf("list created promos: %w", err)
	}
	return collectPromosWithStore(rows)
}

// ListUpdatedSince returns promos with non-creation changes after since, for
// the UPDATED digest section.
func (r *PromoRepo) ListUpdatedSince(ctx context.Context, since time.Time) ([]PromoWithStore, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT `+promoStoreColumns+`
		FROM promos p
		JOIN stores s ON s.id = p.store_id
		JOIN promo_changes c ON c.promo_id = p.id
		WHERE c.change_type <> 'created' AND c.changed_at > $1
		  AND p.status = 'active'
		ORDER BY s.slug, p.headline
	`, since)
	if err != nil {
		return nil, fmt.Errorf("list updated promos: %w", err)
	}
	return collectPromosWithStore(rows)
}

// ListActiveInCooldown returns still-active promos eligible for the ACTIVE
// digest section: recently seen and not notified within the cooldown.
func (r *PromoRepo) ListActiveInCooldown(ctx context.Context, cooldown time.Duration) ([]PromoWithStore, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+promoStoreColumns+`
		FROM promos p
		JOIN stores s ON s.id = p.store_id
		WHERE p.status = 'active'
		  AND p.last_seen_at >= NOW() - $1 * INTERVAL '1 second'
		  AND (p.last_notified_at IS NULL OR p.last_notified_at < NOW() - $1 * INTERVAL '1 second')
		ORDER BY s.slug, p.headline
	`, int64(cooldown.Seconds()))
	if err != nil {
		return nil, fmt.Errorf("list active promos: %w", err)
	}
	return collectPromosWithStore(rows)
}

func collectPromosWithStore(rows *sql.Rows) ([]PromoWithStore, error) {
	defer rows.Close()
	var out []PromoWithStore
	for rows.Next() {
		p, err := scanPromoWithStore(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// ChangeTypesSince returns the distinct change types recorded for a promo
// after since.
func (r *PromoRepo) ChangeTypesSince(ctx context.Context, promoID string, since time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT change_type
		FROM promo_changes
		WHERE promo_id = $1 AND changed_at > $2
		ORDER BY change_type
	`, promoID, since)
	if err != nil {
		return nil, fmt.Errorf("change types since: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan change type: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// LatestEvidence returns the newest linked message's source id and top links
// for a promo, used to attribute the digest entry.
func (r *PromoRepo) LatestEvidence(ctx context.Context, promoID string) (sourceMessageID string, topLinks []string, err error) {
	err = r.db.QueryRowContext(ctx, `
		SELECT m.source_message_id, m.top_links
		FROM promo_message_links l
		JOIN messages m ON m.id = l.message_id
		WHERE l.promo_id = $1
		ORDER BY m.received_at DESC
		LIMIT 1
	`, promoID).Scan(&sourceMessageID, pq.Array(&topLinks))
	if err == sql.ErrNoRows {
		return "", nil, ErrNotFound
	}
	if err != nil {
		return "", nil, fmt.Errorf("latest evidence: %w", err)
	}
	return sourceMessageID, topLinks, nil
}
