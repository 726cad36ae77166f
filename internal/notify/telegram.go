package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	appconfig "github.com/promowatch/promowatch/internal/config"
)

const telegramAPIBase = "https://api.telegram.org"

// telegramMessageLimit is the Bot API hard cap on message text.
const telegramMessageLimit = 4096

// TelegramChannel delivers a plain-text digest summary through a Telegram
// bot. The full HTML digest stays in email and the archive; chat gets the
// short form.
type TelegramChannel struct {
	client  *http.Client
	baseURL string
	token   string
	chatID  string
}

// NewTelegramChannel creates the Telegram channel.
func NewTelegramChannel(cfg appconfig.TelegramConfig) *TelegramChannel {
	return &TelegramChannel{
		client:  &http.Client{Timeout: 30 * time.Second},
		baseURL: telegramAPIBase,
		token:   cfg.BotToken,
		chatID:  cfg.ChatID,
	}
}

func (c *TelegramChannel) Name() string { return "telegram" }

// Send posts the digest text to the configured chat.
func (c *TelegramChannel) Send(ctx context.Context, digest *Digest) error {
	text := digest.Text
	if text == "" {
		text = digest.Subject
	}
	if len(text) > telegramMessageLimit {
		text = text[:telegramMessageLimit-3] + "..."
	}

	payload, err := json.Marshal(map[string]string{
		"chat_id": c.chatID,
		"text":    text,
	})
	if err != nil {
		return fmt.Errorf("encode telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", c.baseURL, c.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("telegram send: status %d: %s", resp.StatusCode, body)
	}
	return nil
}
