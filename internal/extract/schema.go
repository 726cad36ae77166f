// Package extract turns pending messages into structured promo candidates
// using an LLM, then filters candidates that do not clearly save money.
package extract

// FlightDeal is flight-specific deal information on a candidate.
type FlightDeal struct {
	Origins           []string `json:"origins,omitempty"`
	Destinations      []string `json:"destinations,omitempty"`
	DestinationRegion string   `json:"destination_region,omitempty"`
	PriceUSD          *float64 `json:"price_usd,omitempty"`
	TravelWindow      string   `json:"travel_window,omitempty"`
	BookingURL        string   `json:"booking_url,omitempty"`
}

// PromoCandidate is one promotional offer extracted from a message.
type PromoCandidate struct {
	Headline      string      `json:"headline"`
	Summary       string      `json:"summary,omitempty"`
	DiscountText  string      `json:"discount_text,omitempty"`
	PercentOff    *float64    `json:"percent_off,omitempty"`
	AmountOff     *float64    `json:"amount_off,omitempty"`
	Code          string      `json:"code,omitempty"`
	StartsAt      string      `json:"starts_at,omitempty"` // ISO 8601
	EndsAt        string      `json:"ends_at,omitempty"`   // ISO 8601
	EndInferred   bool        `json:"end_inferred,omitempty"`
	Exclusions    []string    `json:"exclusions,omitempty"`
	LandingURL    string      `json:"landing_url,omitempty"`
	Confidence    float64     `json:"confidence"`
	MissingFields []string    `json:"missing_fields,omitempty"`
	Vertical      string      `json:"vertical,omitempty"` // retail|flight|other
	Flight        *FlightDeal `json:"flight,omitempty"`
}

// ExtractionResult is the structured output for one message.
type ExtractionResult struct {
	IsPromoEmail bool             `json:"is_promo_email"`
	Promos       []PromoCandidate `json:"promos"`
	Notes        []string         `json:"notes,omitempty"`
}
