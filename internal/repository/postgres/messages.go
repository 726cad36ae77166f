package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/promowatch/promowatch/internal/domain"
)

// MessageRepo persists raw signals, payload blob records, messages, and
// extraction audit rows.
type MessageRepo struct{ db *sql.DB }

// NewMessageRepo creates a Postgres-backed message repository.
func NewMessageRepo(db *sql.DB) *MessageRepo { return &MessageRepo{db: db} }

// EnsureBlobRecord records a spilled payload file. Content addressing makes
// this idempotent per sha256.
func (r *MessageRepo) EnsureBlobRecord(ctx context.Context, sha, path string, sizeBytes int) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO payload_blobs (sha256, path, size_bytes, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (sha256) DO NOTHING
	`, sha, path, sizeBytes)
	if err != nil {
		return fmt.Errorf("ensure blob record: %w", err)
	}
	return nil
}

// SignalExists reports whether this store already has a message for the
// signal key with the same body hash or payload sha.
func (r *MessageRepo) SignalExists(ctx context.Context, storeID, signalKey, bodyHash, payloadSHA string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM messages
			WHERE store_id = $1 AND signal_key = $2
			  AND (body_hash = $3 OR payload_sha256 = $4)
		)
	`, storeID, signalKey, bodyHash, payloadSHA).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("signal exists: %w", err)
	}
	return exists, nil
}

// InsertSignalMessage writes the RawSignal row and its Message envelope in
// one transaction. Returns false when a conflicting row already existed and
// nothing was inserted.
func (r *MessageRepo) InsertSignalMessage(ctx context.Context, signal *domain.RawSignal, msg *domain.Message) (bool, error) {
	if signal.ID == "" {
		signal.ID = uuid.New().String()
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	metadataJSON, err := json.Marshal(signal.Metadata)
	if err != nil {
		return false, fmt.Errorf("encode signal metadata: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin signal tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO raw_signals
			(id, store_id, source_type, signal_key, url, observed_at,
			 payload_type, payload_ref, payload_sha256, payload_size_bytes,
			 payload_truncated, metadata_json)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (store_id, signal_key, payload_sha256) DO NOTHING
	`, signal.ID, signal.StoreID, signal.SourceType, signal.SignalKey, signal.URL,
		signal.ObservedAt, signal.PayloadType, signal.PayloadRef, signal.PayloadSHA256,
		signal.PayloadSizeBytes, signal.PayloadTruncated, metadataJSON)
	if err != nil {
		return false, fmt.Errorf("insert raw signal: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO messages
			(id, source_message_id, store_id, signal_key, from_address, from_domain,
			 from_name, subject, received_at, body_text, body_hash, payload_ref,
			 payload_sha256, payload_size_bytes, payload_truncated, top_links,
			 extraction_status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, NOW())
		ON CONFLICT (source_message_id) DO NOTHING
	`, msg.ID, msg.SourceMessageID, msg.StoreID, msg.SignalKey, msg.FromAddress,
		msg.FromDomain, msg.FromName, msg.Subject, msg.ReceivedAt, msg.BodyText,
		msg.BodyHash, msg.PayloadRef, msg.PayloadSHA256, msg.PayloadSizeBytes,
		msg.PayloadTruncated, pq.Array(msg.TopLinks), msg.ExtractionStatus)
	if err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert message rows: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit signal tx: %w", err)
	}
	return inserted > 0, nil
}

// InsertMessage writes a message that has no backing raw signal, such as a
// dropped-in .eml file. Returns false when the source message id was already
// ingested.
func (r *MessageRepo) InsertMessage(ctx context.Context, msg *domain.Message) (bool, error) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	result, err := r.db.ExecContext(ctx, `
		INSERT INTO messages
			(id, source_message_id, store_id, signal_key, from_address, from_domain,
			 from_name, subject, received_at, body_text, body_hash, payload_ref,
			 payload_sha256, payload_size_bytes, payload_truncated, top_links,
			 extraction_status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, NOW())
		ON CONFLICT (source_message_id) DO NOTHING
	`, msg.ID, msg.SourceMessageID, msg.StoreID, msg.SignalKey, msg.FromAddress,
		msg.FromDomain, msg.FromName, msg.Subject, msg.ReceivedAt, msg.BodyText,
		msg.BodyHash, msg.PayloadRef, msg.PayloadSHA256, msg.PayloadSizeBytes,
		msg.PayloadTruncated, pq.Array(msg.TopLinks), msg.ExtractionStatus)
	if err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert message rows: %w", err)
	}
	return inserted > 0, nil
}

const messageColumns = `id, source_message_id, store_id, signal_key, from_address,
	from_domain, from_name, subject, received_at, body_text, body_hash,
	payload_ref, payload_sha256, payload_size_bytes, payload_truncated,
	top_links, extraction_status, extraction_error, created_at`

func scanMessage(row interface{ Scan(...interface{}) error }) (*domain.Message, error) {
	m := &domain.Message{}
	err := row.Scan(
		&m.ID, &m.SourceMessageID, &m.StoreID, &m.SignalKey, &m.FromAddress,
		&m.FromDomain, &m.FromName, &m.Subject, &m.ReceivedAt, &m.BodyText,
		&m.BodyHash, &m.PayloadRef, &m.PayloadSHA256, &m.PayloadSizeBytes,
		&m.PayloadTruncated, pq.Array(&m.TopLinks), &m.ExtractionStatus,
		&m.ExtractionError, &m.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	return m, nil
}

// Get fetches one message by id.
func (r *MessageRepo) Get(ctx context.Context, id string) (*domain.Message, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE id = $1
	`, id)
	return scanMessage(row)
}

// ListPending returns pending messages newest-first. limit <= 0 means no cap.
func (r *MessageRepo) ListPending(ctx context.Context, limit int) ([]domain.Message, error) {
	q := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE extraction_status = 'pending'
		ORDER BY received_at DESC`
	var args []interface{}
	if limit > 0 {
		q += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list pending messages: %w", err)
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// UpdateExtractionStatus transitions a message's extraction state.
func (r *MessageRepo) UpdateExtractionStatus(ctx context.Context, id string, status domain.ExtractionStatus, extractionErr *string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE messages
		SET extraction_status = $2, extraction_error = $3
		WHERE id = $1
	`, id, status, extractionErr)
	if err != nil {
		return fmt.Errorf("update extraction status: %w", err)
	}
	return nil
}

// UpsertExtraction writes the extraction audit row for a message. A message
// has at most one extraction; re-runs overwrite it.
func (r *MessageRepo) UpsertExtraction(ctx context.Context, e *domain.Extraction) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO extractions (id, message_id, model, extracted_json, error, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (message_id) DO UPDATE SET
			model = EXCLUDED.model,
			extracted_json = EXCLUDED.extracted_json,
			error = EXCLUDED.error,
			created_at = NOW()
	`, e.ID, e.MessageID, e.Model, e.Extracted, e.Error)
	if err != nil {
		return fmt.Errorf("upsert extraction: %w", err)
	}
	return nil
}
