package extract

import (
	"regexp"
	"strings"

	"github.com/promowatch/promowatch/internal/pkg/logger"
)

// FlightPreferences drive the flight candidate filter. Empty slices and maps
// disable the respective check.
type FlightPreferences struct {
	Origins            []string
	DestinationRegions []string
	MaxPriceUSD        map[string]float64
}

var (
	freeShippingPattern    = regexp.MustCompile(`(?i)\bfree\s+shipping\b`)
	numericDiscountPattern = regexp.MustCompile(`(?i)(\$\s?\d+(?:\.\d+)?|\b\d{1,3}\s?%\s*off\b|\bsave\s+\$?\d+)`)
	regionSpaceRegex       = regexp.MustCompile(`\s+`)
)

var savingsKeywords = []string{
	"sale",
	"clearance",
	"markdown",
	"bogo",
	"buy one get one",
	"2 for 1",
	"half off",
}

// FilterFlightCandidates drops flight candidates that miss a price or fall
// outside the operator's origins, regions, or price caps. Non-flight
// candidates pass through untouched.
func FilterFlightCandidates(result ExtractionResult, prefs FlightPreferences) ExtractionResult {
	preferredOrigins := make(map[string]bool)
	for _, origin := range prefs.Origins {
		if origin = strings.ToUpper(strings.TrimSpace(origin)); origin != "" {
			preferredOrigins[origin] = true
		}
	}
	preferredRegions := make(map[string]bool)
	for _, region := range prefs.DestinationRegions {
		if r := NormalizeRegion(region); r != "" {
			preferredRegions[r] = true
		}
	}
	maxPriceByRegion := make(map[string]float64)
	for region, price := range prefs.MaxPriceUSD {
		maxPriceByRegion[NormalizeRegion(region)] = price
	}

	var filtered []PromoCandidate
	for _, promo := range result.Promos {
		flight := promo.Flight
		if flight == nil {
			filtered = append(filtered, promo)
			continue
		}

		if flight.PriceUSD == nil {
			continue
		}

		if len(preferredOrigins) > 0 && len(flight.Origins) > 0 {
			overlap := false
			for _, origin := range flight.Origins {
				if preferredOrigins[strings.ToUpper(strings.TrimSpace(origin))] {
					overlap = true
					break
				}
			}
			if !overlap {
				continue
			}
		}

		region := ""
		if flight.DestinationRegion != "" {
			region = NormalizeRegion(flight.DestinationRegion)
		}
		if len(preferredRegions) > 0 && region != "" && !preferredRegions[region] {
			continue
		}
		if region != "" {
			if maxPrice, ok := maxPriceByRegion[region]; ok && *flight.PriceUSD > maxPrice {
				continue
			}
		}

		filtered = append(filtered, promo)
	}

	if len(filtered) != len(result.Promos) {
		logger.Info("filtered flight candidates by preferences",
			"before", len(result.Promos), "after", len(filtered))
	}
	result.Promos = filtered
	return result
}

// NormalizeRegion canonicalizes a free-text destination region.
func NormalizeRegion(value string) string {
	if value == "" {
		return ""
	}
	normalized := regionSpaceRegex.ReplaceAllString(strings.ToLower(strings.TrimSpace(value)), " ")
	switch {
	case strings.Contains(normalized, "europe"):
		return "europe"
	case strings.Contains(normalized, "asia"):
		return "asia"
	case strings.Contains(normalized, "north america"):
		return "north america"
	case strings.Contains(normalized, "south america"), strings.Contains(normalized, "latin america"):
		return "south america"
	case strings.Contains(normalized, "middle east"):
		return "middle east"
	case strings.Contains(normalized, "africa"):
		return "africa"
	case strings.Contains(normalized, "oceania"), strings.Contains(normalized, "australia"), strings.Contains(normalized, "new zealand"):
		return "oceania"
	}
	return normalized
}

func hasSavingsSignal(text string) bool {
	if text == "" {
		return false
	}
	if numericDiscountPattern.MatchString(text) {
		return true
	}
	lowered := strings.ToLower(text)
	for _, keyword := range savingsKeywords {
		if strings.Contains(lowered, keyword) {
			return true
		}
	}
	return false
}

// FilterNonDiscountCandidates drops candidates with no clear savings: no
// positive percent or amount off, no code, no priced flight, and no savings
// language. Free shipping alone does not count as savings.
func FilterNonDiscountCandidates(result ExtractionResult) ExtractionResult {
	if len(result.Promos) == 0 {
		result.IsPromoEmail = false
		return result
	}

	var filtered []PromoCandidate
	for _, promo := range result.Promos {
		if promo.Vertical == "flight" && promo.Flight != nil && promo.Flight.PriceUSD != nil {
			filtered = append(filtered, promo)
			continue
		}
		if promo.PercentOff != nil && *promo.PercentOff > 0 {
			filtered = append(filtered, promo)
			continue
		}
		if promo.AmountOff != nil && *promo.AmountOff > 0 {
			filtered = append(filtered, promo)
			continue
		}
		if promo.Code != "" {
			filtered = append(filtered, promo)
			continue
		}

		var parts []string
		for _, text := range []string{promo.DiscountText, promo.Headline, promo.Summary} {
			if text != "" {
				parts = append(parts, text)
			}
		}
		combined := strings.TrimSpace(strings.Join(parts, " "))
		if combined == "" {
			continue
		}
		if freeShippingPattern.MatchString(combined) && !hasSavingsSignal(freeShippingPattern.ReplaceAllString(combined, "")) {
			continue
		}
		if hasSavingsSignal(combined) {
			filtered = append(filtered, promo)
		}
	}

	if len(filtered) == len(result.Promos) {
		return result
	}

	result.Notes = append(result.Notes, "Filtered non-discount promos")
	result.Promos = filtered
	result.IsPromoEmail = result.IsPromoEmail && len(filtered) > 0
	return result
}
