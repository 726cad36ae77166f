package domain

import "time"

// AttemptStatus is the outcome of one adapter attempt.
type AttemptStatus string

const (
	AttemptSuccess AttemptStatus = "success"
	AttemptEmpty   AttemptStatus = "empty"
	AttemptFailure AttemptStatus = "failure"
	AttemptError   AttemptStatus = "error"
)

// SourceAttempt is the audit record for one adapter invocation during
// ingestion. One row per (store, config) per run tier attempt.
type SourceAttempt struct {
	ID             string        `json:"id" db:"id"`
	StoreID        string        `json:"store_id" db:"store_id"`
	Tier           int           `json:"tier" db:"tier"`
	SourceType     SourceType    `json:"source_type" db:"source_type"`
	ConfigKey      string        `json:"config_key" db:"config_key"`
	Status         AttemptStatus `json:"status" db:"status"`
	ErrorCode      *string       `json:"error_code" db:"error_code"`
	Message        *string       `json:"message" db:"message"`
	HTTPRequests   int           `json:"http_requests" db:"http_requests"`
	BytesRead      int64         `json:"bytes_read" db:"bytes_read"`
	DurationMS     int64         `json:"duration_ms" db:"duration_ms"`
	SignalCount    int           `json:"signal_count" db:"signal_count"`
	NewSignals     int           `json:"new_signals" db:"new_signals"`
	SkippedSignals int           `json:"skipped_signals" db:"skipped_signals"`
	SampleURLs     []string      `json:"sample_urls" db:"sample_urls"`
	CreatedAt      time.Time     `json:"created_at" db:"created_at"`
}
