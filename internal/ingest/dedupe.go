package ingest

import (
	"context"

	"github.com/promowatch/promowatch/internal/domain"
	"github.com/promowatch/promowatch/internal/pkg/logger"
	"github.com/promowatch/promowatch/internal/repository/postgres"
)

// DedupePending walks the pending queue newest-first and marks older
// messages with identical content as skipped duplicates, so the extractor
// only pays for the freshest copy.
func DedupePending(ctx context.Context, messages *postgres.MessageRepo) (int, error) {
	pending, err := messages.ListPending(ctx, 0)
	if err != nil {
		return 0, err
	}

	type dedupeKey struct {
		scope   string
		content string
	}
	seen := make(map[dedupeKey]bool)
	var skipped int

	for i := range pending {
		msg := &pending[i]

		scope := msg.FromDomain
		if msg.StoreID != nil {
			scope = *msg.StoreID
		}
		content := msg.BodyHash
		if msg.PayloadSHA256 != nil && *msg.PayloadSHA256 != "" {
			content = *msg.PayloadSHA256
		}

		key := dedupeKey{scope: scope, content: content}
		if !seen[key] {
			seen[key] = true
			continue
		}
		if err := messages.UpdateExtractionStatus(ctx, msg.ID, domain.ExtractionSkippedDup, nil); err != nil {
			return skipped, err
		}
		skipped++
	}

	if skipped > 0 {
		logger.Info("deduplicated pending messages", "skipped", skipped, "pending", len(pending))
	}
	return skipped, nil
}
