package promos

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/promowatch/promowatch/internal/domain"
	"github.com/promowatch/promowatch/internal/extract"
	"github.com/promowatch/promowatch/internal/pkg/logger"
	"github.com/promowatch/promowatch/internal/repository/postgres"
)

// MergeStats summarizes one merge pass.
type MergeStats struct {
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	Errors    int `json:"errors"`
}

// PromoMerger folds extraction candidates into canonical promos, appending a
// change event for every detected field delta.
type PromoMerger struct {
	promos *postgres.PromoRepo
}

// NewPromoMerger creates a merger.
func NewPromoMerger(promos *postgres.PromoRepo) *PromoMerger {
	return &PromoMerger{promos: promos}
}

// MergeAll merges every candidate from a batch of extractions. Per-candidate
// failures are counted and never abort the pass.
func (m *PromoMerger) MergeAll(ctx context.Context, extractions []extract.MessageExtraction) MergeStats {
	var stats MergeStats
	for _, e := range extractions {
		if e.Result == nil || !e.Result.IsPromoEmail {
			continue
		}
		for i := range e.Result.Promos {
			if err := m.mergeOne(ctx, e.Message, &e.Result.Promos[i], &stats); err != nil {
				logger.Error("merge candidate failed", "message", e.Message.ID, "error", err)
				stats.Errors++
			}
		}
	}
	logger.Info("merge pass finished",
		"created", stats.Created, "updated", stats.Updated,
		"unchanged", stats.Unchanged, "errors", stats.Errors)
	return stats
}

func (m *PromoMerger) mergeOne(ctx context.Context, msg *domain.Message, candidate *extract.PromoCandidate, stats *MergeStats) error {
	if msg.StoreID == nil || *msg.StoreID == "" {
		// Unattributed senders have no store to merge into.
		return nil
	}
	baseKey := ComputeBaseKey(candidate.Code, candidate.LandingURL, candidate.Headline)
	if baseKey == "" {
		return nil
	}
	storeID := *msg.StoreID

	existing, err := m.promos.FindMatch(ctx, storeID, baseKey)
	if errors.Is(err, postgres.ErrNotFound) {
		// Only one row may exist per (store, base key). A promo quiet for
		// longer than the match window revives in place rather than
		// inserting a duplicate.
		existing, err = m.promos.FindByKey(ctx, storeID, baseKey)
	}
	if errors.Is(err, postgres.ErrNotFound) {
		return m.createPromo(ctx, msg, candidate, storeID, baseKey, stats)
	}
	if err != nil {
		return err
	}
	return m.updatePromo(ctx, msg, candidate, existing, stats)
}

func (m *PromoMerger) createPromo(ctx context.Context, msg *domain.Message, candidate *extract.PromoCandidate, storeID, baseKey string, stats *MergeStats) error {
	now := time.Now().UTC()
	promo := &domain.Promo{
		StoreID:      storeID,
		BaseKey:      baseKey,
		Headline:     candidate.Headline,
		Summary:      optString(candidate.Summary),
		DiscountText: optString(candidate.DiscountText),
		PercentOff:   candidate.PercentOff,
		AmountOff:    candidate.AmountOff,
		Code:         optString(candidate.Code),
		StartsAt:     parsePromoTime(candidate.StartsAt),
		EndsAt:       parsePromoTime(candidate.EndsAt),
		EndInferred:  candidate.EndInferred,
		Exclusions:   optString(strings.Join(candidate.Exclusions, "; ")),
		LandingURL:   optString(candidate.LandingURL),
		Confidence:   candidate.Confidence,
		FirstSeenAt:  now,
		LastSeenAt:   now,
		Status:       domain.PromoActive,
	}
	if err := m.promos.Insert(ctx, promo); err != nil {
		return err
	}

	diff, _ := json.Marshal(candidate)
	if _, err := m.promos.InsertChange(ctx, &domain.PromoChange{
		PromoID:    promo.ID,
		MessageID:  msg.ID,
		ChangeType: domain.ChangeCreated,
		Diff:       diff,
	}); err != nil {
		return err
	}
	if err := m.promos.EnsureMessageLink(ctx, promo.ID, msg.ID); err != nil {
		return err
	}
	stats.Created++
	return nil
}

type promoDelta struct {
	changeType domain.ChangeType
	diff       map[string]any
}

func (m *PromoMerger) updatePromo(ctx context.Context, msg *domain.Message, candidate *extract.PromoCandidate, promo *domain.Promo, stats *MergeStats) error {
	deltas := detectDeltas(promo, candidate)

	// Fresh evidence reactivates an expired or unknown promo.
	revived := promo.Status != domain.PromoActive
	if revived {
		promo.Status = domain.PromoActive
	}

	if len(deltas) > 0 || revived {
		if err := m.promos.Update(ctx, promo); err != nil {
			return err
		}
	} else if err := m.promos.TouchLastSeen(ctx, promo.ID); err != nil {
		return err
	}

	for _, delta := range deltas {
		diff, _ := json.Marshal(delta.diff)
		if _, err := m.promos.InsertChange(ctx, &domain.PromoChange{
			PromoID:    promo.ID,
			MessageID:  msg.ID,
			ChangeType: delta.changeType,
			Diff:       diff,
		}); err != nil {
			return err
		}
	}
	if err := m.promos.EnsureMessageLink(ctx, promo.ID, msg.ID); err != nil {
		return err
	}

	if len(deltas) > 0 || revived {
		stats.Updated++
	} else {
		stats.Unchanged++
	}
	return nil
}

// detectDeltas compares a candidate against the matched promo and mutates the
// promo in place for every change it reports. End dates only ever move
// later; an earlier date in a newer message is stale evidence, not a change.
func detectDeltas(promo *domain.Promo, candidate *extract.PromoCandidate) []promoDelta {
	var deltas []promoDelta

	if newEnd := parsePromoTime(candidate.EndsAt); newEnd != nil {
		if promo.EndsAt == nil || newEnd.After(*promo.EndsAt) {
			deltas = append(deltas, promoDelta{
				changeType: domain.ChangeEndExtended,
				diff:       map[string]any{"old": promo.EndsAt, "new": newEnd},
			})
			promo.EndsAt = newEnd
			promo.EndInferred = candidate.EndInferred
		}
	}

	if floatChanged(promo.PercentOff, candidate.PercentOff) || floatChanged(promo.AmountOff, candidate.AmountOff) {
		deltas = append(deltas, promoDelta{
			changeType: domain.ChangeDiscountChanged,
			diff: map[string]any{
				"old_percent": promo.PercentOff, "new_percent": candidate.PercentOff,
				"old_amount": promo.AmountOff, "new_amount": candidate.AmountOff,
			},
		})
		if candidate.PercentOff != nil {
			promo.PercentOff = candidate.PercentOff
		}
		if candidate.AmountOff != nil {
			promo.AmountOff = candidate.AmountOff
		}
		if candidate.DiscountText != "" {
			promo.DiscountText = optString(candidate.DiscountText)
		}
	}

	if candidate.Code != "" {
		oldCode := ""
		if promo.Code != nil {
			oldCode = *promo.Code
		}
		switch {
		case oldCode == "":
			deltas = append(deltas, promoDelta{
				changeType: domain.ChangeCodeAdded,
				diff:       map[string]any{"new": candidate.Code},
			})
			promo.Code = optString(candidate.Code)
		case !strings.EqualFold(oldCode, candidate.Code):
			deltas = append(deltas, promoDelta{
				changeType: domain.ChangeCodeChanged,
				diff:       map[string]any{"old": oldCode, "new": candidate.Code},
			})
			promo.Code = optString(candidate.Code)
		}
	}

	return deltas
}

// floatChanged reports whether the candidate carries a numeric value that
// differs from the stored one. A missing candidate value never counts as a
// change; extraction frequently omits what a message doesn't restate.
func floatChanged(stored, incoming *float64) bool {
	if incoming == nil {
		return false
	}
	return stored == nil || *stored != *incoming
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

var promoTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parsePromoTime parses the loosely ISO-shaped dates the model emits.
// Zone-less values are taken as UTC.
func parsePromoTime(value string) *time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	for _, layout := range promoTimeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
