package ingest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promowatch/promowatch/internal/repository/postgres"
)

const plainEML = "From: Acme Deals <Deals@Acme.test>\r\n" +
	"To: ops@promowatch.local\r\n" +
	"Subject: =?UTF-8?Q?25=25_off_everything?=\r\n" +
	"Date: Mon, 24 Aug 2026 09:00:00 +0000\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Save 25% storewide with code SAVE25.\r\n"

const htmlEML = "From: news@zulu.test\r\n" +
	"Subject: Weekend sale\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/alternative; boundary=b1\r\n" +
	"\r\n" +
	"--b1\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<html><body><p>Extra 10% off</p><a href=\"https://zulu.test/sale\">Shop</a></body></html>\r\n" +
	"--b1--\r\n"

const quotedPrintableEML = "From: news@zulu.test\r\n" +
	"Subject: Flash sale\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"Content-Transfer-Encoding: quoted-printable\r\n" +
	"\r\n" +
	"Save 25=25 today only.\r\n"

func TestParseEMLPlainText(t *testing.T) {
	parsed, err := ParseEML([]byte(plainEML))
	require.NoError(t, err)

	assert.Equal(t, "25% off everything", parsed.Subject)
	assert.Equal(t, "deals@acme.test", parsed.FromAddress)
	assert.Equal(t, "acme.test", parsed.FromDomain)
	require.NotNil(t, parsed.FromName)
	assert.Equal(t, "Acme Deals", *parsed.FromName)
	assert.Equal(t, time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC), parsed.Date)
	assert.Contains(t, parsed.BodyText, "SAVE25")
	assert.Empty(t, parsed.TopLinks)
}

func TestParseEMLHTMLFallback(t *testing.T) {
	parsed, err := ParseEML([]byte(htmlEML))
	require.NoError(t, err)

	assert.Contains(t, parsed.BodyText, "Extra 10% off")
	assert.NotContains(t, parsed.BodyText, "<p>")
	assert.Contains(t, parsed.TopLinks, "https://zulu.test/sale")
}

func TestParseEMLQuotedPrintable(t *testing.T) {
	parsed, err := ParseEML([]byte(quotedPrintableEML))
	require.NoError(t, err)
	assert.Contains(t, parsed.BodyText, "Save 25% today only.")
}

func TestParseEMLNoSubject(t *testing.T) {
	parsed, err := ParseEML([]byte("From: a@b.test\r\n\r\nbody\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "(no subject)", parsed.Subject)
	assert.Equal(t, "body", parsed.BodyText)
}

func TestInboundMessageIDStable(t *testing.T) {
	first := InboundMessageID([]byte(plainEML))
	assert.True(t, strings.HasPrefix(first, "inbound:"))
	assert.Equal(t, first, InboundMessageID([]byte(plainEML)))
	assert.NotEqual(t, first, InboundMessageID([]byte(htmlEML)))
}

func newTestInbound(t *testing.T, dir string) (*InboundIngester, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewInboundIngester(postgres.NewStoreRepo(db), postgres.NewMessageRepo(db), dir), mock
}

func writeEML(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func matchSourceColumns() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "store_id", "source_type", "pattern", "priority", "active"})
}

func TestInboundRunMatchesStore(t *testing.T) {
	dir := t.TempDir()
	writeEML(t, dir, "0001.eml", plainEML)
	ing, mock := newTestInbound(t, dir)

	mock.ExpectQuery("FROM store_sources").
		WithArgs("deals@acme.test", "acme.test").
		WillReturnRows(matchSourceColumns().
			AddRow("src-1", "store-1", "mail_from_domain", "acme.test", 0, true))
	mock.ExpectExec("INSERT INTO messages").
		WillReturnResult(sqlmock.NewResult(0, 1))

	stats, err := ing.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, InboundStats{Files: 1, New: 1, Matched: 1}, stats)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInboundRunUnmatchedStillIngested(t *testing.T) {
	dir := t.TempDir()
	writeEML(t, dir, "0001.eml", htmlEML)
	ing, mock := newTestInbound(t, dir)

	mock.ExpectQuery("FROM store_sources").
		WithArgs("news@zulu.test", "zulu.test").
		WillReturnRows(matchSourceColumns())
	mock.ExpectExec("INSERT INTO messages").
		WillReturnResult(sqlmock.NewResult(0, 1))

	stats, err := ing.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, InboundStats{Files: 1, New: 1, Unmatched: 1}, stats)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInboundRunSkipsAlreadyIngested(t *testing.T) {
	dir := t.TempDir()
	writeEML(t, dir, "0001.eml", plainEML)
	ing, mock := newTestInbound(t, dir)

	mock.ExpectQuery("FROM store_sources").
		WillReturnRows(matchSourceColumns().
			AddRow("src-1", "store-1", "mail_from_domain", "acme.test", 0, true))
	// Same raw bytes were ingested before, so the insert is a no-op.
	mock.ExpectExec("INSERT INTO messages").
		WillReturnResult(sqlmock.NewResult(0, 0))

	stats, err := ing.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, InboundStats{Files: 1, Skipped: 1}, stats)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInboundRunCountsBadFiles(t *testing.T) {
	dir := t.TempDir()
	writeEML(t, dir, "0001.eml", "not an email at all")
	writeEML(t, dir, "0002.eml", plainEML)
	ing, mock := newTestInbound(t, dir)

	mock.ExpectQuery("FROM store_sources").
		WillReturnRows(matchSourceColumns().
			AddRow("src-1", "store-1", "mail_from_domain", "acme.test", 0, true))
	mock.ExpectExec("INSERT INTO messages").
		WillReturnResult(sqlmock.NewResult(0, 1))

	stats, err := ing.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, InboundStats{Files: 2, New: 1, Matched: 1, Errors: 1}, stats)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInboundRunMissingDirIsEmptyPass(t *testing.T) {
	ing, mock := newTestInbound(t, filepath.Join(t.TempDir(), "nope"))

	stats, err := ing.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, InboundStats{}, stats)
	assert.NoError(t, mock.ExpectationsWereMet())
}
