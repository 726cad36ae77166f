package catalog

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/promowatch/promowatch/internal/extract"
)

// Preferences is the parsed preferences.yaml. An empty allowlist means every
// active store is eligible for the digest.
type Preferences struct {
	Allowlist []string
	Flights   extract.FlightPreferences
}

type preferencesFile struct {
	Stores struct {
		Allowlist []string `yaml:"allowlist"`
	} `yaml:"stores"`
	Flights struct {
		Origins            []string           `yaml:"origins"`
		DestinationRegions []string           `yaml:"destination_regions"`
		MaxPriceUSD        map[string]float64 `yaml:"max_price_usd"`
	} `yaml:"flights"`
}

// LoadPreferences reads the preferences file. A missing file is not an
// error; it yields empty preferences so every store and flight passes.
func LoadPreferences(path string) (Preferences, error) {
	var prefs Preferences

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return prefs, nil
	}
	if err != nil {
		return prefs, fmt.Errorf("read preferences: %w", err)
	}

	var file preferencesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return prefs, fmt.Errorf("parse preferences: %w", err)
	}

	prefs.Allowlist = file.Stores.Allowlist
	prefs.Flights = extract.FlightPreferences{
		Origins:            file.Flights.Origins,
		DestinationRegions: file.Flights.DestinationRegions,
		MaxPriceUSD:        file.Flights.MaxPriceUSD,
	}
	return prefs, nil
}
