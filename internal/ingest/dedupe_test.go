package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promowatch/promowatch/internal/repository/postgres"
)

var pendingColumns = []string{
	"id", "source_message_id", "store_id", "signal_key", "from_address",
	"from_domain", "from_name", "subject", "received_at", "body_text",
	"body_hash", "payload_ref", "payload_sha256", "payload_size_bytes",
	"payload_truncated", "top_links", "extraction_status", "extraction_error",
	"created_at",
}

func pendingRow(rows *sqlmock.Rows, id, storeID, bodyHash, sha string, receivedAt time.Time) {
	var store interface{}
	if storeID != "" {
		store = storeID
	}
	var payloadSHA interface{}
	if sha != "" {
		payloadSHA = sha
	}
	rows.AddRow(
		id, "msg-"+id, store, nil, "crawler@promowatch.local",
		"promowatch.local", nil, "subject", receivedAt, "body",
		bodyHash, nil, payloadSHA, nil,
		false, "{}", "pending", nil,
		receivedAt,
	)
}

func TestDedupePendingMarksOlderDuplicates(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now().UTC()
	rows := sqlmock.NewRows(pendingColumns)
	// Newest first, as ListPending orders them. The two sha-1 messages are
	// duplicates; the older one must be skipped.
	pendingRow(rows, "a", "store-1", "hash-1", "sha-1", now)
	pendingRow(rows, "b", "store-1", "hash-2", "sha-1", now.Add(-time.Hour))
	pendingRow(rows, "c", "store-1", "hash-3", "sha-2", now.Add(-2*time.Hour))

	mock.ExpectQuery("SELECT (.+) FROM messages").WillReturnRows(rows)
	mock.ExpectExec("UPDATE messages").
		WithArgs("b", "skipped_duplicate", nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	skipped, err := DedupePending(context.Background(), postgres.NewMessageRepo(db))
	require.NoError(t, err)
	assert.Equal(t, 1, skipped)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDedupePendingScopesByStore(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now().UTC()
	rows := sqlmock.NewRows(pendingColumns)
	// Same content, different stores: both survive.
	pendingRow(rows, "a", "store-1", "hash-1", "sha-1", now)
	pendingRow(rows, "b", "store-2", "hash-1", "sha-1", now.Add(-time.Hour))

	mock.ExpectQuery("SELECT (.+) FROM messages").WillReturnRows(rows)

	skipped, err := DedupePending(context.Background(), postgres.NewMessageRepo(db))
	require.NoError(t, err)
	assert.Equal(t, 0, skipped)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDedupePendingFallsBackToBodyHash(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now().UTC()
	rows := sqlmock.NewRows(pendingColumns)
	// No payload sha on either; the body hash decides.
	pendingRow(rows, "a", "store-1", "hash-1", "", now)
	pendingRow(rows, "b", "store-1", "hash-1", "", now.Add(-time.Hour))

	mock.ExpectQuery("SELECT (.+) FROM messages").WillReturnRows(rows)
	mock.ExpectExec("UPDATE messages").
		WithArgs("b", "skipped_duplicate", nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	skipped, err := DedupePending(context.Background(), postgres.NewMessageRepo(db))
	require.NoError(t, err)
	assert.Equal(t, 1, skipped)
	assert.NoError(t, mock.ExpectationsWereMet())
}
