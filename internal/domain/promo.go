package domain

import "time"

// PromoStatus is the lifecycle state of a canonical promo.
type PromoStatus string

const (
	PromoActive  PromoStatus = "active"
	PromoExpired PromoStatus = "expired"
	PromoUnknown PromoStatus = "unknown"
)

// Promo is a canonical offer, deduplicated per store by BaseKey.
type Promo struct {
	ID             string      `json:"id" db:"id"`
	StoreID        string      `json:"store_id" db:"store_id"`
	BaseKey        string      `json:"base_key" db:"base_key"`
	Headline       string      `json:"headline" db:"headline"`
	Summary        *string     `json:"summary" db:"summary"`
	DiscountText   *string     `json:"discount_text" db:"discount_text"`
	PercentOff     *float64    `json:"percent_off" db:"percent_off"`
	AmountOff      *float64    `json:"amount_off" db:"amount_off"`
	Code           *string     `json:"code" db:"code"`
	StartsAt       *time.Time  `json:"starts_at" db:"starts_at"`
	EndsAt         *time.Time  `json:"ends_at" db:"ends_at"`
	EndInferred    bool        `json:"end_inferred" db:"end_inferred"`
	Exclusions     *string     `json:"exclusions" db:"exclusions"`
	LandingURL     *string     `json:"landing_url" db:"landing_url"`
	Confidence     float64     `json:"confidence" db:"confidence"`
	FirstSeenAt    time.Time   `json:"first_seen_at" db:"first_seen_at"`
	LastSeenAt     time.Time   `json:"last_seen_at" db:"last_seen_at"`
	Status         PromoStatus `json:"status" db:"status"`
	LastNotifiedAt *time.Time  `json:"last_notified_at" db:"last_notified_at"`
}

// ChangeType enumerates the monotonic promo change events that power digest
// badges. Changes are only ever appended, never rewritten.
type ChangeType string

const (
	ChangeCreated         ChangeType = "created"
	ChangeDiscountChanged ChangeType = "discount_changed"
	ChangeEndExtended     ChangeType = "end_extended"
	ChangeCodeAdded       ChangeType = "code_added"
	ChangeCodeChanged     ChangeType = "code_changed"
)

// PromoChange is one change event for a promo, attributed to the message that
// triggered it. Unique per (promo, message, change type).
type PromoChange struct {
	ID         string     `json:"id" db:"id"`
	PromoID    string     `json:"promo_id" db:"promo_id"`
	MessageID  string     `json:"message_id" db:"message_id"`
	ChangeType ChangeType `json:"change_type" db:"change_type"`
	Diff       []byte     `json:"diff" db:"diff_json"`
	ChangedAt  time.Time  `json:"changed_at" db:"changed_at"`
}

// PromoMessageLink is evidence tying a promo to a message that mentioned it.
type PromoMessageLink struct {
	ID        string `json:"id" db:"id"`
	PromoID   string `json:"promo_id" db:"promo_id"`
	MessageID string `json:"message_id" db:"message_id"`
}
