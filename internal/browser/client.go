// Package browser is a thin client for the external headless render
// service. The service owns the actual browser pool; we only ask it for
// rendered HTML.
package browser

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// RenderResult is the render service's response for one page.
type RenderResult struct {
	HTML            string `json:"html"`
	Title           string `json:"title"`
	CaptchaDetected bool   `json:"captcha_detected"`
	Screenshot      string `json:"screenshot,omitempty"`
	Trace           string `json:"trace,omitempty"`
}

// Renderer renders a URL through a real browser.
type Renderer interface {
	Render(ctx context.Context, url string) (*RenderResult, error)
}

// Client talks to the render service over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a render service client.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// Render asks the service to load the URL and return the rendered page.
func (c *Client) Render(ctx context.Context, url string) (*RenderResult, error) {
	payload, err := json.Marshal(map[string]string{"url": url})
	if err != nil {
		return nil, fmt.Errorf("render request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/render", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("render request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("render service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("render service: status %d: %s", resp.StatusCode, body)
	}

	var result RenderResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("render service: decode: %w", err)
	}
	return &result, nil
}
