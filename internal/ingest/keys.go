// Package ingest persists adapter signals as messages and routes discovery
// across source tiers.
package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/promowatch/promowatch/internal/domain"
	"github.com/promowatch/promowatch/internal/promos"
)

// SignalKey derives the stable identity of a signal: canonical URL when the
// page declared one, else the observed URL, else a metadata id, finally a
// per-source constant. Two observations of the same page share a key even
// when tracking params differ.
func SignalKey(signal *domain.RawSignal) string {
	candidate := ""
	if signal.Metadata != nil {
		if v, ok := signal.Metadata["canonical_url"].(string); ok {
			candidate = v
		}
	}
	if candidate == "" {
		candidate = signal.URL
	}
	if normalized := promos.NormalizeURL(candidate); normalized != "" {
		return normalized
	}
	if signal.Metadata != nil {
		if id, ok := signal.Metadata["id"].(string); ok && id != "" {
			return "id:" + id
		}
	}
	if signal.URL != "" {
		return signal.URL
	}
	return fmt.Sprintf("%s:%s", signal.SourceType, signal.StoreID)
}

// SignalMessageID builds the globally unique source_message_id for a web
// signal. The store scopes the key hash so two stores observing the same
// URL stay distinct.
func SignalMessageID(storeID, signalKey, bodyHash string) string {
	sum := sha256.Sum256([]byte(storeID + ":" + signalKey))
	return "signal:" + hex.EncodeToString(sum[:])[:16] + ":" + bodyHash[:16]
}

var bodySpaceRegex = regexp.MustCompile(`\s+`)

// BodyHash fingerprints a payload: SHA-256 over the lowercased,
// whitespace-collapsed text, so cosmetic reformatting doesn't produce a new
// message.
func BodyHash(text string) string {
	normalized := bodySpaceRegex.ReplaceAllString(strings.ToLower(strings.TrimSpace(text)), " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
