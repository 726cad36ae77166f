package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/promowatch/promowatch/internal/domain"
)

// JSONEndpointAdapter GETs a JSON promotions endpoint and emits the whole
// document as one signal. Tier 2.
type JSONEndpointAdapter struct {
	env *Env
}

// NewJSONEndpointAdapter creates a JSON endpoint adapter for one config.
func NewJSONEndpointAdapter(env *Env) *JSONEndpointAdapter {
	return &JSONEndpointAdapter{env: env}
}

func (a *JSONEndpointAdapter) Tier() int                     { return 2 }
func (a *JSONEndpointAdapter) SourceType() domain.SourceType { return domain.SourceJSON }

// HealthCheck verifies the endpoint fetches and parses as JSON.
func (a *JSONEndpointAdapter) HealthCheck(ctx context.Context) (bool, string) {
	result := &SourceResult{}
	fetched, code := a.env.gatedFetch(ctx, a.env.Config.ConfigKey, a.env.MaxBodyBytes, false, result)
	if code != "" {
		return false, fmt.Sprintf("%s: %s", code, result.Message)
	}
	var parsed any
	if err := json.Unmarshal(fetched.Body, &parsed); err != nil {
		return false, fmt.Sprintf("parse_error: %v", err)
	}
	return true, fmt.Sprintf("valid JSON, %d bytes", len(fetched.Body))
}

// Discover fetches the endpoint and packages the normalized JSON as a
// single signal.
func (a *JSONEndpointAdapter) Discover(ctx context.Context) SourceResult {
	start := time.Now()
	result := SourceResult{}
	endpoint := a.env.Config.ConfigKey

	fetched, code := a.env.gatedFetch(ctx, endpoint, a.env.MaxBodyBytes, true, &result)
	if code != "" {
		result.Status = StatusFailure
		result.ErrorCode = code
		result.DurationMS = time.Since(start).Milliseconds()
		return result
	}
	result.ETag = fetched.ETag
	result.LastModified = fetched.LastModified
	if fetched.NotModified {
		result.Status = StatusEmpty
		result.DurationMS = time.Since(start).Milliseconds()
		return result
	}

	var parsed any
	if err := json.Unmarshal(fetched.Body, &parsed); err != nil {
		result.Status = StatusFailure
		result.ErrorCode = ErrCodeParseError
		result.Message = err.Error()
		result.DurationMS = time.Since(start).Milliseconds()
		return result
	}

	// Re-serialize so hashing is stable regardless of upstream formatting.
	normalized, err := json.Marshal(parsed)
	if err != nil {
		result.Status = StatusError
		result.Message = err.Error()
		result.DurationMS = time.Since(start).Milliseconds()
		return result
	}

	result.SampleURLs = []string{endpoint}
	signal := a.env.newSignal(domain.SourceJSON, endpoint, string(normalized), domain.PayloadJSON, map[string]any{})
	result.Signals = append(result.Signals, signal)
	result.Status = StatusSuccess
	result.DurationMS = time.Since(start).Milliseconds()
	return result
}
