package run

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promowatch/promowatch/internal/config"
	"github.com/promowatch/promowatch/internal/digest"
	"github.com/promowatch/promowatch/internal/domain"
	"github.com/promowatch/promowatch/internal/extract"
	"github.com/promowatch/promowatch/internal/ingest"
	"github.com/promowatch/promowatch/internal/notify"
	"github.com/promowatch/promowatch/internal/pkg/distlock"
	"github.com/promowatch/promowatch/internal/promos"
	"github.com/promowatch/promowatch/internal/repository/postgres"
)

type fakeLock struct {
	acquired bool
	released bool
}

func (l *fakeLock) Acquire(ctx context.Context) (bool, error) { return l.acquired, nil }

func (l *fakeLock) Release(ctx context.Context) error {
	l.released = true
	return nil
}

type fakeIngester struct{ stats ingest.IngestStats }

func (f *fakeIngester) Run(ctx context.Context) (ingest.IngestStats, error) { return f.stats, nil }

type fakeInbound struct {
	stats ingest.InboundStats
	runs  int
}

func (f *fakeInbound) Run(ctx context.Context) (ingest.InboundStats, error) {
	f.runs++
	return f.stats, nil
}

type fakeExtractRunner struct {
	extractions []extract.MessageExtraction
	stats       extract.ServiceStats
}

func (f *fakeExtractRunner) Run(ctx context.Context) ([]extract.MessageExtraction, extract.ServiceStats, error) {
	return f.extractions, f.stats, nil
}

type fakeMerger struct{ stats promos.MergeStats }

func (f *fakeMerger) MergeAll(ctx context.Context, extractions []extract.MessageExtraction) promos.MergeStats {
	return f.stats
}

type fakeSelector struct {
	entries []digest.Entry
	err     error
	gotOpts digest.Options
}

func (f *fakeSelector) Select(ctx context.Context, opts digest.Options) ([]digest.Entry, error) {
	f.gotOpts = opts
	return f.entries, f.err
}

type fakeDeliverer struct {
	ok       bool
	channels int
	digests  []*notify.Digest
}

func (f *fakeDeliverer) Deliver(ctx context.Context, d *notify.Digest) bool {
	f.digests = append(f.digests, d)
	return f.ok
}

func (f *fakeDeliverer) ChannelCount() int { return f.channels }

var messageColumnNames = []string{
	"id", "source_message_id", "store_id", "signal_key", "from_address",
	"from_domain", "from_name", "subject", "received_at", "body_text",
	"body_hash", "payload_ref", "payload_sha256", "payload_size_bytes",
	"payload_truncated", "top_links", "extraction_status", "extraction_error",
	"created_at",
}

func sampleEntry(id, slug, name, headline string) digest.Entry {
	p := postgres.PromoWithStore{StoreSlug: slug, StoreName: name}
	p.ID = id
	p.Headline = headline
	p.FirstSeenAt = time.Now().UTC()
	p.LastSeenAt = time.Now().UTC()
	return digest.Entry{Promo: p, Badge: digest.BadgeNew, SourceType: "email"}
}

type testEnv struct {
	orch      *Orchestrator
	mock      sqlmock.Sqlmock
	lock      *fakeLock
	deliverer *fakeDeliverer
	selector  *fakeSelector
	inbound   *fakeInbound
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := &config.Config{}
	cfg.Operator.Timezone = "UTC"
	cfg.Digest.ArchiveDir = t.TempDir()
	cfg.Digest.CooldownHours = 72

	env := &testEnv{
		mock:      mock,
		lock:      &fakeLock{acquired: true},
		deliverer: &fakeDeliverer{ok: true, channels: 1},
		selector:  &fakeSelector{},
		inbound:   &fakeInbound{stats: ingest.InboundStats{Files: 1, New: 1, Matched: 1}},
	}
	env.orch = NewOrchestrator(
		cfg,
		postgres.NewRunRepo(db),
		postgres.NewPromoRepo(db),
		postgres.NewMessageRepo(db),
		nil,
		&fakeIngester{stats: ingest.IngestStats{Stores: 1}},
		env.inbound,
		&fakeExtractRunner{},
		&fakeMerger{},
		env.selector,
		digest.NewRenderer(),
		env.deliverer,
		func(key string, ttl time.Duration) distlock.DistLock { return env.lock },
		nil,
	)
	return env
}

func expectDedupePass(mock sqlmock.Sqlmock) {
	mock.ExpectQuery("FROM messages").
		WillReturnRows(sqlmock.NewRows(messageColumnNames))
}

func TestRunSendsDigest(t *testing.T) {
	env := newTestEnv(t)
	env.selector.entries = []digest.Entry{sampleEntry("p1", "acme", "Acme", "25% off everything")}

	env.mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	env.mock.ExpectExec("INSERT INTO runs").
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectDedupePass(env.mock)
	env.mock.ExpectExec("UPDATE runs SET digest_sent_at").
		WillReturnResult(sqlmock.NewResult(0, 1))
	env.mock.ExpectExec("UPDATE promos SET last_notified_at").
		WillReturnResult(sqlmock.NewResult(0, 1))
	env.mock.ExpectExec("UPDATE runs").
		WillReturnResult(sqlmock.NewResult(0, 1))

	result, err := env.orch.Run(context.Background(), domain.RunDaily, false)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, result.Status)
	assert.Equal(t, 1, result.Stats.Entries)
	assert.Equal(t, 1, env.inbound.runs)
	assert.Equal(t, 1, result.Stats.Inbound.New)
	assert.True(t, env.lock.released)

	require.Len(t, env.deliverer.digests, 1)
	assert.Contains(t, env.deliverer.digests[0].Subject, "Promo digest for")
	assert.Contains(t, env.deliverer.digests[0].Text, "[NEW] Acme: 25% off everything")

	archived, err := os.ReadFile(result.DigestPath)
	require.NoError(t, err)
	assert.Contains(t, string(archived), "25% off everything")
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestRunEmptyDigestSkipsDelivery(t *testing.T) {
	env := newTestEnv(t)

	env.mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	env.mock.ExpectExec("INSERT INTO runs").
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectDedupePass(env.mock)
	env.mock.ExpectExec("UPDATE runs").
		WillReturnResult(sqlmock.NewResult(0, 1))

	result, err := env.orch.Run(context.Background(), domain.RunDaily, false)
	require.NoError(t, err)
	assert.Equal(t, StatusEmpty, result.Status)
	assert.Empty(t, result.DigestPath)
	assert.Empty(t, env.deliverer.digests)
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestRunDeliveryFailure(t *testing.T) {
	env := newTestEnv(t)
	env.selector.entries = []digest.Entry{sampleEntry("p1", "acme", "Acme", "Sale")}
	env.deliverer.ok = false

	env.mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	env.mock.ExpectExec("INSERT INTO runs").
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectDedupePass(env.mock)
	env.mock.ExpectExec("UPDATE runs").
		WillReturnResult(sqlmock.NewResult(0, 1))

	_, err := env.orch.Run(context.Background(), domain.RunDaily, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "delivery_failed")
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestRunArchivesWithoutChannels(t *testing.T) {
	env := newTestEnv(t)
	env.selector.entries = []digest.Entry{sampleEntry("p1", "acme", "Acme", "Sale")}
	env.deliverer.channels = 0

	env.mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	env.mock.ExpectExec("INSERT INTO runs").
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectDedupePass(env.mock)
	env.mock.ExpectExec("UPDATE runs").
		WillReturnResult(sqlmock.NewResult(0, 1))

	result, err := env.orch.Run(context.Background(), domain.RunDaily, false)
	require.NoError(t, err)
	assert.Equal(t, StatusArchived, result.Status)
	assert.NotEmpty(t, result.DigestPath)
	assert.Empty(t, env.deliverer.digests)
}

func TestRunAlreadySent(t *testing.T) {
	env := newTestEnv(t)

	env.mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	result, err := env.orch.Run(context.Background(), domain.RunDaily, false)
	require.NoError(t, err)
	assert.Equal(t, StatusAlreadySent, result.Status)
	assert.True(t, env.lock.released)
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestRunConcurrentLockHeld(t *testing.T) {
	env := newTestEnv(t)
	env.lock.acquired = false

	result, err := env.orch.Run(context.Background(), domain.RunDaily, false)
	require.NoError(t, err)
	assert.Equal(t, StatusConcurrentRun, result.Status)
	assert.False(t, env.lock.released)
}

func TestDryRunWritesPreview(t *testing.T) {
	env := newTestEnv(t)
	env.selector.entries = []digest.Entry{sampleEntry("p1", "acme", "Acme", "Sale")}
	t.Chdir(t.TempDir())

	expectDedupePass(env.mock)

	result, err := env.orch.Run(context.Background(), domain.RunWeekly, true)
	require.NoError(t, err)
	assert.Equal(t, StatusDryRun, result.Status)
	assert.Equal(t, digest.PreviewFilename, result.DigestPath)
	assert.Empty(t, env.deliverer.digests)

	// Weekly runs recap unchanged promos with the week-long cooldown.
	assert.True(t, env.selector.gotOpts.IncludeUnchanged)
	assert.Equal(t, 7*24*time.Hour, env.selector.gotOpts.Cooldown)

	preview, err := os.ReadFile(digest.PreviewFilename)
	require.NoError(t, err)
	assert.Contains(t, string(preview), "Sale")
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestRunSelectorFailureFinishesFailed(t *testing.T) {
	env := newTestEnv(t)
	env.selector.err = errors.New("boom")

	env.mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	env.mock.ExpectExec("INSERT INTO runs").
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectDedupePass(env.mock)
	env.mock.ExpectExec("UPDATE runs").
		WillReturnResult(sqlmock.NewResult(0, 1))

	_, err := env.orch.Run(context.Background(), domain.RunDaily, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "select digest entries")
	assert.NoError(t, env.mock.ExpectationsWereMet())
}
