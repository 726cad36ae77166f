package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	appconfig "github.com/promowatch/promowatch/internal/config"
	"github.com/promowatch/promowatch/internal/pkg/logger"
)

const systemPrompt = `You are an expert at extracting promotional offers from marketing messages.

Your task is to analyze message content and extract all promotional offers present.

Guidelines:
1. Set is_promo_email=false for:
   - Newsletters with no specific deals
   - Order confirmations/shipping notifications
   - Account updates or password resets
   - Surveys or feedback requests

2. For promotional messages:
   - Extract ALL distinct offers (some messages have multiple)
   - Only extract savings-focused offers (percent off, dollar off, sale/clearance, promo code)
   - Exclude product launches, restocks, content-only announcements, and generic product links
   - Free shipping alone is NOT a deal
   - For flight deals, require an explicit price (e.g., "$299 round-trip")
   - Parse dates carefully (handle "ends Sunday", "this weekend only", "limited time")
   - If end date is not explicit but can be inferred, set end_inferred=true
   - Extract promo codes EXACTLY as shown (case-sensitive)
   - Note ambiguity in the notes[] field

3. Confidence scoring:
   - 0.8+ for clear, explicit promos with dates and codes
   - 0.5-0.8 for promos with some missing details
   - <0.5 for ambiguous or unclear offers

4. Landing URL:
   - Extract the most relevant "shop now" or promo-specific link
   - Prefer clean URLs over tracking-heavy ones when possible

5. Vertical classification:
   - Use vertical="flight" for airfare deals and populate the flight object
   - Use vertical="retail" for typical shopping promos
   - Use vertical="other" for non-retail, non-flight promos

Respond with ONLY a JSON object matching this schema, no prose:
{
  "is_promo_email": bool,
  "promos": [{
    "headline": string,
    "summary": string|null,
    "discount_text": string|null,
    "percent_off": number|null,
    "amount_off": number|null,
    "code": string|null,
    "starts_at": string|null,
    "ends_at": string|null,
    "end_inferred": bool,
    "exclusions": [string],
    "landing_url": string|null,
    "confidence": number,
    "vertical": "retail"|"flight"|"other",
    "flight": {"origins": [string], "destinations": [string], "destination_region": string|null, "price_usd": number|null, "travel_window": string|null, "booking_url": string|null}|null
  }],
  "notes": [string]
}

Be thorough but accurate. It's better to miss an ambiguous promo than to extract false positives.`

// bedrockMessage and friends mirror the Anthropic messages payload accepted
// by the Bedrock InvokeModel API.
type bedrockMessage struct {
	Role    string               `json:"role"`
	Content []bedrockContentItem `json:"content"`
}

type bedrockContentItem struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type bedrockRequest struct {
	AnthropicVersion string           `json:"anthropic_version"`
	MaxTokens        int              `json:"max_tokens"`
	System           string           `json:"system,omitempty"`
	Messages         []bedrockMessage `json:"messages"`
	Temperature      float64          `json:"temperature"`
}

type bedrockResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// BedrockExtractor invokes a Claude model on AWS Bedrock for structured
// promo extraction.
type BedrockExtractor struct {
	client  *bedrockruntime.Client
	modelID string
}

// NewBedrockExtractor creates a Bedrock-backed extractor. When access keys
// are empty, the default AWS credential chain is used.
func NewBedrockExtractor(ctx context.Context, cfg appconfig.ExtractionConfig) (*BedrockExtractor, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	return &BedrockExtractor{
		client:  bedrockruntime.NewFromConfig(awsCfg),
		modelID: cfg.ModelID,
	}, nil
}

// ModelID reports the model this extractor invokes, for audit rows.
func (e *BedrockExtractor) ModelID() string { return e.modelID }

// Extract runs one message's formatted content through the model and parses
// the structured result.
func (e *BedrockExtractor) Extract(ctx context.Context, content string) (*ExtractionResult, error) {
	request := bedrockRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        4000,
		System:           systemPrompt,
		Messages: []bedrockMessage{
			{Role: "user", Content: []bedrockContentItem{{Type: "text", Text: content}}},
		},
		Temperature: 0.1, // low for consistency
	}

	requestBody, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	output, err := e.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(e.modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        requestBody,
	})
	if err != nil {
		return nil, fmt.Errorf("bedrock invoke: %w", err)
	}

	var response bedrockResponse
	if err := json.Unmarshal(output.Body, &response); err != nil {
		return nil, fmt.Errorf("parse bedrock response: %w", err)
	}

	var text string
	for _, item := range response.Content {
		if item.Type == "text" {
			text += item.Text
		}
	}

	result, err := parseExtractionJSON(text)
	if err != nil {
		return nil, err
	}

	logger.Debug("extraction model call complete",
		"model", e.modelID,
		"input_tokens", response.Usage.InputTokens,
		"output_tokens", response.Usage.OutputTokens,
		"promos", len(result.Promos))
	return result, nil
}

// parseExtractionJSON tolerates prose or fencing around the JSON object by
// slicing from the first '{' to the last '}'.
func parseExtractionJSON(text string) (*ExtractionResult, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("model response contained no JSON object")
	}
	var result ExtractionResult
	if err := json.Unmarshal([]byte(text[start:end+1]), &result); err != nil {
		return nil, fmt.Errorf("parse extraction result: %w", err)
	}
	return &result, nil
}
