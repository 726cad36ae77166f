package domain

import "time"

// PayloadType describes the shape of a raw signal payload.
type PayloadType string

const (
	PayloadText PayloadType = "text"
	PayloadJSON PayloadType = "json"
	PayloadHTML PayloadType = "html"
)

// RawSignal is one observation produced by a source adapter before it is
// wrapped into a Message for extraction. PayloadText carries the body from
// adapter to persister; the persister replaces it with the payload ref and
// hash before the row is written.
type RawSignal struct {
	ID               string         `json:"id" db:"id"`
	PayloadText      string         `json:"-" db:"-"`
	Title            string         `json:"-" db:"-"`
	StoreID          string         `json:"store_id" db:"store_id"`
	SourceType       SourceType     `json:"source_type" db:"source_type"`
	SignalKey        string         `json:"signal_key" db:"signal_key"`
	URL              string         `json:"url" db:"url"`
	ObservedAt       time.Time      `json:"observed_at" db:"observed_at"`
	PayloadType      PayloadType    `json:"payload_type" db:"payload_type"`
	PayloadRef       *string        `json:"payload_ref" db:"payload_ref"`
	PayloadSHA256    string         `json:"payload_sha256" db:"payload_sha256"`
	PayloadSizeBytes int            `json:"payload_size_bytes" db:"payload_size_bytes"`
	PayloadTruncated bool           `json:"payload_truncated" db:"payload_truncated"`
	Metadata         map[string]any `json:"metadata" db:"metadata"`
}

// PayloadBlob is the row describing a content-addressed payload body stored
// outside the database.
type PayloadBlob struct {
	SHA256    string    `json:"sha256" db:"sha256"`
	Path      string    `json:"path" db:"path"`
	SizeBytes int       `json:"size_bytes" db:"size_bytes"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// ExtractionStatus is the processing state of a Message.
type ExtractionStatus string

const (
	ExtractionPending    ExtractionStatus = "pending"
	ExtractionSuccess    ExtractionStatus = "success"
	ExtractionError      ExtractionStatus = "error"
	ExtractionSkippedDup ExtractionStatus = "skipped_duplicate"
)

// Message is the normalized ingest envelope the extractor consumes. Mailbox
// items and web signals both end up here; SourceMessageID is globally unique
// ("mail:<mid>" or "signal:<hash>:<hash>").
type Message struct {
	ID               string           `json:"id" db:"id"`
	SourceMessageID  string           `json:"source_message_id" db:"source_message_id"`
	StoreID          *string          `json:"store_id" db:"store_id"`
	SignalKey        *string          `json:"signal_key" db:"signal_key"`
	FromAddress      string           `json:"from_address" db:"from_address"`
	FromDomain       string           `json:"from_domain" db:"from_domain"`
	FromName         *string          `json:"from_name" db:"from_name"`
	Subject          string           `json:"subject" db:"subject"`
	ReceivedAt       time.Time        `json:"received_at" db:"received_at"`
	BodyText         string           `json:"body_text" db:"body_text"`
	BodyHash         string           `json:"body_hash" db:"body_hash"`
	PayloadRef       *string          `json:"payload_ref" db:"payload_ref"`
	PayloadSHA256    *string          `json:"payload_sha256" db:"payload_sha256"`
	PayloadSizeBytes *int             `json:"payload_size_bytes" db:"payload_size_bytes"`
	PayloadTruncated bool             `json:"payload_truncated" db:"payload_truncated"`
	TopLinks         []string         `json:"top_links" db:"top_links"`
	ExtractionStatus ExtractionStatus `json:"extraction_status" db:"extraction_status"`
	ExtractionError  *string          `json:"extraction_error" db:"extraction_error"`
	CreatedAt        time.Time        `json:"created_at" db:"created_at"`
}

// Extraction is the audit record of one LLM extraction for a Message.
type Extraction struct {
	ID        string    `json:"id" db:"id"`
	MessageID string    `json:"message_id" db:"message_id"`
	Model     string    `json:"model" db:"model"`
	Extracted []byte    `json:"extracted" db:"extracted_json"`
	Error     *string   `json:"error" db:"error"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
