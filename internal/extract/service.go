package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/promowatch/promowatch/internal/domain"
	"github.com/promowatch/promowatch/internal/pkg/logger"
	"github.com/promowatch/promowatch/internal/repository/postgres"
	"github.com/promowatch/promowatch/internal/storage"
)

// Extraction input limits. Bodies beyond maxBodyChars are cut so one huge
// page cannot blow the model's context window.
const (
	maxBodyChars = 3000
	maxTopLinks  = 5
)

// Extractor turns formatted message content into a structured result.
type Extractor interface {
	ModelID() string
	Extract(ctx context.Context, content string) (*ExtractionResult, error)
}

// MessageExtraction pairs a message with its filtered extraction result, for
// the merge phase.
type MessageExtraction struct {
	Message *domain.Message
	Result  *ExtractionResult
}

// ServiceStats summarizes one extraction pass.
type ServiceStats struct {
	Processed int `json:"processed"`
	Extracted int `json:"extracted"`
	Promos    int `json:"promos"`
	Errors    int `json:"errors"`
}

// Service runs the pending-message extraction loop.
type Service struct {
	messages    *postgres.MessageRepo
	payloads    *storage.PayloadStore
	extractor   Extractor
	prefs       FlightPreferences
	maxMessages int
}

// NewService wires the extraction service. maxMessages <= 0 means no cap.
func NewService(messages *postgres.MessageRepo, payloads *storage.PayloadStore, extractor Extractor, prefs FlightPreferences, maxMessages int) *Service {
	return &Service{
		messages:    messages,
		payloads:    payloads,
		extractor:   extractor,
		prefs:       prefs,
		maxMessages: maxMessages,
	}
}

// Run extracts each pending message newest-first. Callers run the duplicate
// prepass first so the model never pays for the same content twice.
// Per-message failures are recorded and never abort the pass.
func (s *Service) Run(ctx context.Context) ([]MessageExtraction, ServiceStats, error) {
	var stats ServiceStats

	pending, err := s.messages.ListPending(ctx, s.maxMessages)
	if err != nil {
		return nil, stats, fmt.Errorf("list pending: %w", err)
	}

	var out []MessageExtraction
	for i := range pending {
		if err := ctx.Err(); err != nil {
			return out, stats, err
		}
		msg := &pending[i]
		stats.Processed++

		result, err := s.extractOne(ctx, msg)
		if err != nil {
			stats.Errors++
			errMsg := err.Error()
			logger.Error("extraction failed", "message", msg.ID, "error", errMsg)
			s.recordExtraction(ctx, msg.ID, nil, &errMsg)
			if err := s.messages.UpdateExtractionStatus(ctx, msg.ID, domain.ExtractionError, &errMsg); err != nil {
				logger.Error("mark extraction error failed", "message", msg.ID, "error", err)
			}
			continue
		}

		stats.Extracted++
		stats.Promos += len(result.Promos)
		if err := s.messages.UpdateExtractionStatus(ctx, msg.ID, domain.ExtractionSuccess, nil); err != nil {
			logger.Error("mark extraction success failed", "message", msg.ID, "error", err)
		}
		out = append(out, MessageExtraction{Message: msg, Result: result})
	}

	logger.Info("extraction pass finished",
		"processed", stats.Processed, "extracted", stats.Extracted,
		"promos", stats.Promos, "errors", stats.Errors)
	return out, stats, nil
}

func (s *Service) extractOne(ctx context.Context, msg *domain.Message) (*ExtractionResult, error) {
	content := s.formatMessage(msg)

	result, err := s.extractor.Extract(ctx, content)
	if err != nil {
		return nil, err
	}

	filtered := FilterFlightCandidates(*result, s.prefs)
	filtered = FilterNonDiscountCandidates(filtered)

	extracted, err := json.Marshal(filtered)
	if err != nil {
		return nil, fmt.Errorf("encode extraction: %w", err)
	}
	s.recordExtraction(ctx, msg.ID, extracted, nil)
	return &filtered, nil
}

func (s *Service) recordExtraction(ctx context.Context, messageID string, extracted []byte, errMsg *string) {
	e := &domain.Extraction{
		MessageID: messageID,
		Model:     s.extractor.ModelID(),
		Extracted: extracted,
		Error:     errMsg,
	}
	if err := s.messages.UpsertExtraction(ctx, e); err != nil {
		logger.Error("record extraction failed", "message", messageID, "error", err)
	}
}

// formatMessage renders one message for the model: sender envelope, then the
// body capped at maxBodyChars, then the strongest evidence links.
func (s *Service) formatMessage(msg *domain.Message) string {
	var b strings.Builder

	from := msg.FromAddress
	if msg.FromName != nil && *msg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", *msg.FromName, msg.FromAddress)
	}
	fmt.Fprintf(&b, "From: %s\n", from)
	fmt.Fprintf(&b, "Subject: %s\n", msg.Subject)
	fmt.Fprintf(&b, "Date: %s\n\n", msg.ReceivedAt.UTC().Format("2006-01-02 15:04"))

	body := msg.BodyText
	if msg.PayloadRef != nil && *msg.PayloadRef != "" {
		if full, err := s.payloads.Load(*msg.PayloadRef); err == nil {
			body = full
		} else {
			logger.Warn("payload load failed, using inline body", "message", msg.ID, "error", err.Error())
		}
	}
	if len(body) > maxBodyChars {
		body = body[:maxBodyChars] + "\n\n[TRUNCATED]"
	}
	b.WriteString(body)

	if len(msg.TopLinks) > 0 {
		links := msg.TopLinks
		if len(links) > maxTopLinks {
			links = links[:maxTopLinks]
		}
		b.WriteString("\n\nTop Links:\n")
		for _, link := range links {
			fmt.Fprintf(&b, "- %s\n", link)
		}
	}
	return b.String()
}
