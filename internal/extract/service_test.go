package extract

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promowatch/promowatch/internal/domain"
	"github.com/promowatch/promowatch/internal/repository/postgres"
	"github.com/promowatch/promowatch/internal/storage"
)

type fakeExtractor struct {
	result *ExtractionResult
	err    error
	inputs []string
}

func (f *fakeExtractor) ModelID() string { return "test-model" }

func (f *fakeExtractor) Extract(ctx context.Context, content string) (*ExtractionResult, error) {
	f.inputs = append(f.inputs, content)
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

var messageColumnNames = []string{
	"id", "source_message_id", "store_id", "signal_key", "from_address",
	"from_domain", "from_name", "subject", "received_at", "body_text",
	"body_hash", "payload_ref", "payload_sha256", "payload_size_bytes",
	"payload_truncated", "top_links", "extraction_status", "extraction_error",
	"created_at",
}

func pendingMessageRows(bodies map[string]string) *sqlmock.Rows {
	rows := sqlmock.NewRows(messageColumnNames)
	now := time.Now().UTC()
	for id, body := range bodies {
		rows.AddRow(
			id, "msg-"+id, "store-1", nil, "crawler@promowatch.local",
			"promowatch.local", "PromoWatch Crawler", "[RSS] Acme: Sale", now, body,
			"hash-"+id, nil, nil, nil,
			false, `{"https://acme.com/sale"}`, "pending", nil,
			now,
		)
	}
	return rows
}

func newTestService(t *testing.T, extractor Extractor) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	messages := postgres.NewMessageRepo(db)
	payloads := storage.NewPayloadStore(t.TempDir(), storage.DefaultInlineCap)
	return NewService(messages, payloads, extractor, FlightPreferences{}, 0), mock
}

func TestServiceRunExtractsPending(t *testing.T) {
	extractor := &fakeExtractor{result: &ExtractionResult{
		IsPromoEmail: true,
		Promos:       []PromoCandidate{{Headline: "25% Off", PercentOff: f64(25), Confidence: 0.9}},
	}}
	svc, mock := newTestService(t, extractor)

	mock.ExpectQuery("FROM messages").
		WillReturnRows(pendingMessageRows(map[string]string{"m1": "Everything 25% off"}))
	mock.ExpectExec("INSERT INTO extractions").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE messages").
		WithArgs("m1", "success", nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	out, stats, err := svc.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Processed)
	assert.Equal(t, 1, stats.Extracted)
	assert.Equal(t, 1, stats.Promos)
	assert.Equal(t, 0, stats.Errors)
	require.Len(t, out, 1)
	assert.Equal(t, "m1", out[0].Message.ID)
	assert.True(t, out[0].Result.IsPromoEmail)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestServiceRunRecordsExtractionError(t *testing.T) {
	extractor := &fakeExtractor{err: errors.New("model unavailable")}
	svc, mock := newTestService(t, extractor)

	mock.ExpectQuery("FROM messages").
		WillReturnRows(pendingMessageRows(map[string]string{"m1": "body"}))
	mock.ExpectExec("INSERT INTO extractions").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE messages").
		WithArgs("m1", "error", "model unavailable").
		WillReturnResult(sqlmock.NewResult(0, 1))

	out, stats, err := svc.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Equal(t, 1, stats.Errors)
	assert.Equal(t, 0, stats.Extracted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFormatMessageTruncatesAndLinks(t *testing.T) {
	svc, _ := newTestService(t, &fakeExtractor{})

	name := "PromoWatch Crawler"
	msg := &domain.Message{
		ID:          "m1",
		FromAddress: "crawler@promowatch.local",
		FromName:    &name,
		Subject:     "[RSS] Acme: Sale",
		ReceivedAt:  time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC),
		BodyText:    strings.Repeat("x", maxBodyChars+100),
		TopLinks: []string{
			"https://a.example/1", "https://a.example/2", "https://a.example/3",
			"https://a.example/4", "https://a.example/5", "https://a.example/6",
		},
	}

	content := svc.formatMessage(msg)
	assert.Contains(t, content, "From: PromoWatch Crawler <crawler@promowatch.local>")
	assert.Contains(t, content, "Subject: [RSS] Acme: Sale")
	assert.Contains(t, content, "Date: 2026-08-20 12:00")
	assert.Contains(t, content, "[TRUNCATED]")
	assert.Contains(t, content, "https://a.example/5")
	assert.NotContains(t, content, "https://a.example/6")
}

func TestFormatMessageLoadsSpilledPayload(t *testing.T) {
	svc, _ := newTestService(t, &fakeExtractor{})

	payload, err := svc.payloads.Prepare(strings.Repeat("full payload text ", 20000))
	require.NoError(t, err)
	require.NotNil(t, payload.Ref)

	msg := &domain.Message{
		ID:          "m1",
		FromAddress: "crawler@promowatch.local",
		Subject:     "subject",
		ReceivedAt:  time.Now().UTC(),
		BodyText:    "inline prefix only",
		PayloadRef:  payload.Ref,
	}

	content := svc.formatMessage(msg)
	assert.Contains(t, content, "full payload text")
	assert.Contains(t, content, "[TRUNCATED]")
}
