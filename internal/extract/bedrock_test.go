package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseExtractionJSON(t *testing.T) {
	result, err := parseExtractionJSON(`{"is_promo_email": true, "promos": [{"headline": "25% Off", "percent_off": 25, "confidence": 0.9}]}`)
	require.NoError(t, err)
	assert.True(t, result.IsPromoEmail)
	require.Len(t, result.Promos, 1)
	assert.Equal(t, "25% Off", result.Promos[0].Headline)
	assert.Equal(t, 25.0, *result.Promos[0].PercentOff)
}

func TestParseExtractionJSONFenced(t *testing.T) {
	text := "Here is the result:\n```json\n{\"is_promo_email\": false, \"promos\": []}\n```\nDone."
	result, err := parseExtractionJSON(text)
	require.NoError(t, err)
	assert.False(t, result.IsPromoEmail)
	assert.Empty(t, result.Promos)
}

func TestParseExtractionJSONNoObject(t *testing.T) {
	_, err := parseExtractionJSON("the model refused to answer")
	assert.Error(t, err)
}

func TestParseExtractionJSONMalformed(t *testing.T) {
	_, err := parseExtractionJSON(`{"is_promo_email": `)
	assert.Error(t, err)
}
