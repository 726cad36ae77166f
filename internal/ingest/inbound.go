package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/promowatch/promowatch/internal/domain"
	"github.com/promowatch/promowatch/internal/pkg/logger"
	"github.com/promowatch/promowatch/internal/repository/postgres"
)

// InboundStats counts one pass over the drop directory.
type InboundStats struct {
	Files     int `json:"files"`
	New       int `json:"new"`
	Matched   int `json:"matched"`
	Unmatched int `json:"unmatched"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}

// InboundIngester ingests .eml files dropped into a local directory,
// attributing each to a store through the mail matching rules. It covers
// senders the crawler tiers never see: the operator saves the mail from
// their client into the drop directory.
type InboundIngester struct {
	stores   *postgres.StoreRepo
	messages *postgres.MessageRepo
	dir      string
}

// NewInboundIngester creates an ingester over dir.
func NewInboundIngester(stores *postgres.StoreRepo, messages *postgres.MessageRepo, dir string) *InboundIngester {
	return &InboundIngester{stores: stores, messages: messages, dir: dir}
}

// InboundMessageID derives the stable source_message_id for a dropped .eml
// file from its raw bytes, so re-dropping the same file never creates a
// second message.
func InboundMessageID(raw []byte) string {
	sum := sha256.Sum256(raw)
	return "inbound:" + hex.EncodeToString(sum[:])[:60]
}

// Run ingests every .eml file in the drop directory, oldest name first.
// Files already ingested are skipped; per-file failures are counted and the
// pass continues. A missing directory is an empty pass, not an error.
func (i *InboundIngester) Run(ctx context.Context) (InboundStats, error) {
	var stats InboundStats

	files, err := filepath.Glob(filepath.Join(i.dir, "*.eml"))
	if err != nil {
		return stats, fmt.Errorf("scan inbound dir: %w", err)
	}
	sort.Strings(files)
	stats.Files = len(files)

	for _, path := range files {
		inserted, matched, err := i.ingestFile(ctx, path)
		if err != nil {
			logger.Error("inbound file failed", "file", path, "error", err)
			stats.Errors++
			continue
		}
		if !inserted {
			stats.Skipped++
			continue
		}
		stats.New++
		if matched {
			stats.Matched++
		} else {
			stats.Unmatched++
		}
	}

	if stats.Files > 0 {
		logger.Info("inbound pass finished",
			"files", stats.Files, "new", stats.New, "matched", stats.Matched,
			"skipped", stats.Skipped, "errors", stats.Errors)
	}
	return stats, nil
}

func (i *InboundIngester) ingestFile(ctx context.Context, path string) (inserted, matched bool, err error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return false, false, err
	}

	parsed, err := ParseEML(raw)
	if err != nil {
		return false, false, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}

	// Unmatched senders are still ingested; extraction handles them and the
	// merge skips candidates with no store.
	var storeID *string
	source, err := i.stores.MatchSource(ctx, parsed.FromAddress, parsed.FromDomain)
	switch {
	case errors.Is(err, postgres.ErrNotFound):
	case err != nil:
		return false, false, err
	default:
		storeID = &source.StoreID
	}

	receivedAt := parsed.Date
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}

	msg := &domain.Message{
		SourceMessageID:  InboundMessageID(raw),
		StoreID:          storeID,
		FromAddress:      parsed.FromAddress,
		FromDomain:       parsed.FromDomain,
		FromName:         parsed.FromName,
		Subject:          parsed.Subject,
		ReceivedAt:       receivedAt,
		BodyText:         parsed.BodyText,
		BodyHash:         BodyHash(parsed.BodyText),
		TopLinks:         parsed.TopLinks,
		ExtractionStatus: domain.ExtractionPending,
	}
	inserted, err = i.messages.InsertMessage(ctx, msg)
	if err != nil {
		return false, false, err
	}
	return inserted, storeID != nil, nil
}
