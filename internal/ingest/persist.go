package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/promowatch/promowatch/internal/domain"
	"github.com/promowatch/promowatch/internal/pkg/logger"
	"github.com/promowatch/promowatch/internal/repository/postgres"
	"github.com/promowatch/promowatch/internal/storage"
)

// Synthetic sender identity for crawler-originated messages. Mail-originated
// messages keep their real sender.
const (
	crawlerDomain  = "promowatch.local"
	crawlerAddress = "crawler@" + crawlerDomain
	crawlerName    = "PromoWatch Crawler"
)

// PersistStats counts one persister batch.
type PersistStats struct {
	New     int
	Skipped int
}

// SignalPersister turns adapter signals into pending messages, deduplicating
// on (store, signal key, body hash/payload sha).
type SignalPersister struct {
	messages *postgres.MessageRepo
	payloads *storage.PayloadStore
}

// NewSignalPersister creates a persister.
func NewSignalPersister(messages *postgres.MessageRepo, payloads *storage.PayloadStore) *SignalPersister {
	return &SignalPersister{messages: messages, payloads: payloads}
}

// Persist stores one batch of signals for a store. Signals whose content was
// already seen are skipped, not errors.
func (p *SignalPersister) Persist(ctx context.Context, store *domain.Store, signals []domain.RawSignal) (PersistStats, error) {
	var stats PersistStats
	for i := range signals {
		inserted, err := p.persistOne(ctx, store, &signals[i])
		if err != nil {
			return stats, err
		}
		if inserted {
			stats.New++
		} else {
			stats.Skipped++
		}
	}
	logger.Debug("signals persisted", "store", store.Slug, "new", stats.New, "skipped", stats.Skipped)
	return stats, nil
}

func (p *SignalPersister) persistOne(ctx context.Context, store *domain.Store, signal *domain.RawSignal) (bool, error) {
	bodyHash := BodyHash(signal.PayloadText)
	signalKey := SignalKey(signal)
	messageID := SignalMessageID(store.ID, signalKey, bodyHash)

	payload, err := p.payloads.Prepare(signal.PayloadText)
	if err != nil {
		return false, fmt.Errorf("prepare payload: %w", err)
	}
	if payload.Ref != nil {
		if err := p.messages.EnsureBlobRecord(ctx, payload.SHA256, *payload.Ref, payload.SizeBytes); err != nil {
			return false, err
		}
	}

	exists, err := p.messages.SignalExists(ctx, store.ID, signalKey, bodyHash, payload.SHA256)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	signal.SignalKey = signalKey
	signal.PayloadRef = payload.Ref
	signal.PayloadSHA256 = payload.SHA256
	signal.PayloadSizeBytes = payload.SizeBytes
	signal.PayloadTruncated = payload.Truncated
	if signal.ObservedAt.IsZero() {
		signal.ObservedAt = time.Now().UTC()
	}

	title := signal.Title
	if title == "" {
		title = "Signal"
	}
	subject := fmt.Sprintf("[%s] %s: %s", strings.ToUpper(string(signal.SourceType)), store.Name, title)

	// Signal URL leads the evidence links.
	topLinks := metadataLinks(signal.Metadata)
	if signal.URL != "" {
		deduped := []string{signal.URL}
		for _, link := range topLinks {
			if link != signal.URL {
				deduped = append(deduped, link)
			}
		}
		topLinks = deduped
	}

	fromName := crawlerName
	msg := &domain.Message{
		SourceMessageID:  messageID,
		StoreID:          &store.ID,
		SignalKey:        &signalKey,
		FromAddress:      crawlerAddress,
		FromDomain:       crawlerDomain,
		FromName:         &fromName,
		Subject:          subject,
		ReceivedAt:       signal.ObservedAt,
		BodyText:         payload.InlineText,
		BodyHash:         bodyHash,
		PayloadRef:       payload.Ref,
		PayloadSHA256:    &payload.SHA256,
		PayloadSizeBytes: &payload.SizeBytes,
		PayloadTruncated: payload.Truncated,
		TopLinks:         topLinks,
		ExtractionStatus: domain.ExtractionPending,
	}

	return p.messages.InsertSignalMessage(ctx, signal, msg)
}

func metadataLinks(metadata map[string]any) []string {
	if metadata == nil {
		return nil
	}
	switch v := metadata["top_links"].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
