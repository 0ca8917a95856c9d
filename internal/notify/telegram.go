package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultTelegramAPI = "https://api.telegram.org"

// TelegramSender posts alerts to a chat through the Bot API.
type TelegramSender struct {
	Token   string
	ChatID  string
	BaseURL string
	Client  *http.Client
}

// NewTelegramSender returns nil when token or chat is missing, matching a
// deployment with Telegram switched off.
func NewTelegramSender(token, chatID string) *TelegramSender {
	if strings.TrimSpace(token) == "" || strings.TrimSpace(chatID) == "" {
		return nil
	}
	return &TelegramSender{
		Token:   strings.TrimSpace(token),
		ChatID:  strings.TrimSpace(chatID),
		BaseURL: defaultTelegramAPI,
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramSender) Name() string { return "telegram" }

func (t *TelegramSender) Send(ctx context.Context, k KeyFound) error {
	body, err := json.Marshal(map[string]any{
		"chat_id":    t.ChatID,
		"text":       k.Message(),
		"parse_mode": "Markdown",
	})
	if err != nil {
		return err
	}
	url := strings.TrimRight(t.BaseURL, "/") + "/bot" + t.Token + "/sendMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram http %d", resp.StatusCode)
	}
	return nil
}
