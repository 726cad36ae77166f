// Package digest selects notable promos and renders the operator digest.
package digest

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/promowatch/promowatch/internal/domain"
	"github.com/promowatch/promowatch/internal/pkg/logger"
	"github.com/promowatch/promowatch/internal/promos"
	"github.com/promowatch/promowatch/internal/repository/postgres"
)

// Badges mark why a promo appears in the digest.
const (
	BadgeNew     = "NEW"
	BadgeUpdated = "UPDATED"
	BadgeActive  = "ACTIVE"
)

// Entry is one digest line item.
type Entry struct {
	Promo      postgres.PromoWithStore
	Badge      string
	Changes    []string
	SourceType string
	SourceURL  string
}

// Options tune one selection pass.
type Options struct {
	RunType          domain.RunType
	IncludeUnchanged bool
	Cooldown         time.Duration
	Allowlist        []string
}

// Selector assembles the digest entry list from recent promo changes.
type Selector struct {
	promos *postgres.PromoRepo
	runs   *postgres.RunRepo
}

// NewSelector creates a selector.
func NewSelector(promoRepo *postgres.PromoRepo, runs *postgres.RunRepo) *Selector {
	return &Selector{promos: promoRepo, runs: runs}
}

// Select returns digest entries in NEW, UPDATED, ACTIVE order, deduplicated
// by promo and by (store, normalized headline).
func (s *Selector) Select(ctx context.Context, opts Options) ([]Entry, error) {
	since, err := s.sinceFor(ctx, opts.RunType)
	if err != nil {
		return nil, err
	}

	allowed := make(map[string]bool)
	for _, slug := range opts.Allowlist {
		allowed[slug] = true
	}

	seenPromos := make(map[string]bool)
	seenHeadlines := make(map[string]bool)
	var entries []Entry

	emit := func(p postgres.PromoWithStore, badge string) {
		if len(allowed) > 0 && !allowed[p.StoreSlug] {
			return
		}
		if seenPromos[p.ID] {
			return
		}
		headlineKey := p.StoreSlug + "\x00" + promos.NormalizeHeadline(p.Headline)
		if seenHeadlines[headlineKey] {
			return
		}
		seenPromos[p.ID] = true
		seenHeadlines[headlineKey] = true

		entry := Entry{Promo: p, Badge: badge}
		if badge != BadgeActive {
			if changes, err := s.promos.ChangeTypesSince(ctx, p.ID, since); err == nil {
				entry.Changes = changes
			}
		}
		entry.SourceType, entry.SourceURL = s.evidenceFor(ctx, p.ID)
		entries = append(entries, entry)
	}

	created, err := s.promos.ListCreatedSince(ctx, since)
	if err != nil {
		return nil, err
	}
	for _, p := range created {
		emit(p, BadgeNew)
	}

	updated, err := s.promos.ListUpdatedSince(ctx, since)
	if err != nil {
		return nil, err
	}
	for _, p := range updated {
		emit(p, BadgeUpdated)
	}

	if opts.IncludeUnchanged {
		active, err := s.promos.ListActiveInCooldown(ctx, opts.Cooldown)
		if err != nil {
			return nil, err
		}
		for _, p := range active {
			emit(p, BadgeActive)
		}
	}

	logger.Info("digest selection finished",
		"run_type", opts.RunType, "since", since.Format(time.RFC3339),
		"entries", len(entries))
	return entries, nil
}

// sinceFor finds the lower change-time bound: the last successful digest
// send of this run type, or a cadence-sized default lookback.
func (s *Selector) sinceFor(ctx context.Context, runType domain.RunType) (time.Time, error) {
	lookback := DefaultLookback(runType)

	last, err := s.runs.LastSuccessful(ctx, runType)
	if errors.Is(err, postgres.ErrNotFound) {
		return time.Now().UTC().Add(-lookback), nil
	}
	if err != nil {
		return time.Time{}, err
	}
	if last.DigestSentAt == nil {
		return time.Now().UTC().Add(-lookback), nil
	}
	return *last.DigestSentAt, nil
}

// evidenceFor attributes an entry to the freshest linked message. Crawler
// signals carry a "signal:" message id; anything else came in by mail.
func (s *Selector) evidenceFor(ctx context.Context, promoID string) (sourceType, sourceURL string) {
	sourceMessageID, topLinks, err := s.promos.LatestEvidence(ctx, promoID)
	if err != nil {
		return "", ""
	}
	if strings.HasPrefix(sourceMessageID, "signal:") {
		sourceType = "web"
	} else {
		sourceType = "email"
	}
	if len(topLinks) > 0 {
		sourceURL = topLinks[0]
	}
	return sourceType, sourceURL
}
