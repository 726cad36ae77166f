package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promowatch/promowatch/internal/domain"
)

func newMockDB(t *testing.T) (sqlmock.Sqlmock, *StoreRepo, *SourceConfigRepo, *RunRepo, *PromoRepo) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return mock, NewStoreRepo(db), NewSourceConfigRepo(db), NewRunRepo(db), NewPromoRepo(db)
}

var storeColumnNames = []string{
	"id", "slug", "name", "website_url", "tos_url", "category", "active",
	"robots_policy", "crawl_delay_seconds", "max_requests_per_run",
	"requires_login", "allow_login", "notes", "created_at", "updated_at",
}

func storeRow(rows *sqlmock.Rows, id, slug, name string) *sqlmock.Rows {
	now := time.Now().UTC()
	return rows.AddRow(id, slug, name, nil, nil, nil, true,
		"enforce", nil, nil, false, false, nil, now, now)
}

func TestListActiveWithAllowlist(t *testing.T) {
	mock, stores, _, _, _ := newMockDB(t)

	mock.ExpectQuery("FROM stores WHERE active AND slug = ANY").
		WillReturnRows(storeRow(sqlmock.NewRows(storeColumnNames), "s1", "acme", "Acme"))

	out, err := stores.ListActive(context.Background(), []string{"acme"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "acme", out[0].Slug)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetBySlugNotFound(t *testing.T) {
	mock, stores, _, _, _ := newMockDB(t)

	mock.ExpectQuery("FROM stores").
		WillReturnRows(sqlmock.NewRows(storeColumnNames))

	_, err := stores.GetBySlug(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreUpsertReturnsID(t *testing.T) {
	mock, stores, _, _, _ := newMockDB(t)

	mock.ExpectQuery("INSERT INTO stores").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("existing-id"))

	id, err := stores.Upsert(context.Background(), &domain.Store{
		Slug: "acme", Name: "Acme", RobotsPolicy: domain.RobotsEnforce, Active: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "existing-id", id)
}

func TestRecordAttemptStoresArrays(t *testing.T) {
	mock, _, configs, _, _ := newMockDB(t)

	mock.ExpectExec("INSERT INTO source_attempts").
		WillReturnResult(sqlmock.NewResult(0, 1))

	errCode := "http_404"
	err := configs.RecordAttempt(context.Background(), &domain.SourceAttempt{
		StoreID:    "s1",
		Tier:       1,
		SourceType: domain.SourceSitemap,
		ConfigKey:  "https://acme.test/sitemap.xml",
		Status:     domain.AttemptFailure,
		ErrorCode:  &errCode,
		SampleURLs: []string{"https://acme.test/sale"},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSentForDate(t *testing.T) {
	mock, _, _, runs, _ := newMockDB(t)

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("daily", "2026-08-24").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	sent, err := runs.SentForDate(context.Background(), domain.RunDaily, "2026-08-24")
	require.NoError(t, err)
	assert.True(t, sent)
}

func TestLastSuccessfulNotFound(t *testing.T) {
	mock, _, _, runs, _ := newMockDB(t)

	mock.ExpectQuery("FROM runs").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "run_type", "digest_date", "started_at", "finished_at",
			"status", "digest_sent_at", "stats_json", "error",
		}))

	_, err := runs.LastSuccessful(context.Background(), domain.RunWeekly)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMarkNotifiedNoIDs(t *testing.T) {
	_, _, _, _, promos := newMockDB(t)

	// No expectation set: an empty id list must not touch the database.
	err := promos.MarkNotified(context.Background(), nil, time.Now())
	assert.NoError(t, err)
}

func TestInsertChangeConflictReportsFalse(t *testing.T) {
	mock, _, _, _, promos := newMockDB(t)

	mock.ExpectExec("INSERT INTO promo_changes").
		WillReturnResult(sqlmock.NewResult(0, 0))

	inserted, err := promos.InsertChange(context.Background(), &domain.PromoChange{
		PromoID:    "p1",
		MessageID:  "m1",
		ChangeType: domain.ChangeCodeAdded,
	})
	require.NoError(t, err)
	assert.False(t, inserted)
}
