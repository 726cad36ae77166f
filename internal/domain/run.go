package domain

import "time"

// RunType selects the digest cadence.
type RunType string

const (
	RunDaily  RunType = "daily"
	RunWeekly RunType = "weekly"
)

// RunStatus is the terminal state machine for a pipeline run:
// running -> success or running -> failed.
type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
)

// Run records one pipeline invocation. The (run_type, digest_date) uniqueness
// is the send-once-per-day invariant: an existing success row with
// digest_sent_at set blocks re-sends for the same operator-local day.
type Run struct {
	ID           string     `json:"id" db:"id"`
	RunType      RunType    `json:"run_type" db:"run_type"`
	DigestDate   string     `json:"digest_date" db:"digest_date"` // YYYY-MM-DD, operator-local
	StartedAt    time.Time  `json:"started_at" db:"started_at"`
	FinishedAt   *time.Time `json:"finished_at" db:"finished_at"`
	Status       RunStatus  `json:"status" db:"status"`
	DigestSentAt *time.Time `json:"digest_sent_at" db:"digest_sent_at"`
	Stats        []byte     `json:"stats" db:"stats_json"`
	Error        *string    `json:"error" db:"error"`
}
