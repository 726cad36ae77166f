package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/promowatch/promowatch/internal/domain"
)

// RunRepo persists pipeline run records.
type RunRepo struct{ db *sql.DB }

// NewRunRepo creates a Postgres-backed run repository.
func NewRunRepo(db *sql.DB) *RunRepo { return &RunRepo{db: db} }

const runColumns = `id, run_type, digest_date, started_at, finished_at, status,
	digest_sent_at, stats_json, error`

func scanRun(row interface{ Scan(...interface{}) error }) (*domain.Run, error) {
	r := &domain.Run{}
	err := row.Scan(
		&r.ID, &r.RunType, &r.DigestDate, &r.StartedAt, &r.FinishedAt, &r.Status,
		&r.DigestSentAt, &r.Stats, &r.Error,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	return r, nil
}

// Create inserts a new run in the running state.
func (r *RunRepo) Create(ctx context.Context, run *domain.Run) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO runs (id, run_type, digest_date, started_at, status)
		VALUES ($1, $2, $3, NOW(), 'running')
	`, run.ID, run.RunType, run.DigestDate)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// Finish records the terminal state of a run.
func (r *RunRepo) Finish(ctx context.Context, id string, status domain.RunStatus, stats []byte, runErr *string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE runs
		SET status = $2, stats_json = $3, error = $4, finished_at = NOW()
		WHERE id = $1
	`, id, status, stats, runErr)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// SetDigestSent stamps the digest delivery time.
func (r *RunRepo) SetDigestSent(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE runs SET digest_sent_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("set digest sent: %w", err)
	}
	return nil
}

// SentForDate reports whether a successful run of this type already sent a
// digest for the given operator-local date.
func (r *RunRepo) SentForDate(ctx context.Context, runType domain.RunType, digestDate string) (bool, error) {
	var sent bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM runs
			WHERE run_type = $1 AND digest_date = $2
			  AND status = 'success' AND digest_sent_at IS NOT NULL
		)
	`, runType, digestDate).Scan(&sent)
	if err != nil {
		return false, fmt.Errorf("sent for date: %w", err)
	}
	return sent, nil
}

// LastSuccessful returns the most recent successful run of the given type.
func (r *RunRepo) LastSuccessful(ctx context.Context, runType domain.RunType) (*domain.Run, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+runColumns+`
		FROM runs
		WHERE run_type = $1 AND status = 'success'
		ORDER BY started_at DESC
		LIMIT 1
	`, runType)
	return scanRun(row)
}

// Recent returns the latest runs of any type, newest first.
func (r *RunRepo) Recent(ctx context.Context, limit int) ([]domain.Run, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+runColumns+`
		FROM runs
		ORDER BY started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent runs: %w", err)
	}
	defer rows.Close()

	var out []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}
