package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// WebhookSender posts alerts as JSON. With a secret set, the body is signed
// in X-Keypool-Signature as sha256=<hex hmac>.
type WebhookSender struct {
	URL    string
	Secret string
	Client *http.Client
}

// NewWebhookSender returns nil when url is blank.
func NewWebhookSender(url, secret string) *WebhookSender {
	if strings.TrimSpace(url) == "" {
		return nil
	}
	return &WebhookSender{
		URL:    strings.TrimSpace(url),
		Secret: secret,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *WebhookSender) Name() string { return "webhook" }

func (w *WebhookSender) Send(ctx context.Context, k KeyFound) error {
	body, err := json.Marshal(map[string]any{
		"event":   "key_found",
		"data":    k,
		"sent_at": time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Keypool-Event", "key_found")
	if w.Secret != "" {
		req.Header.Set("X-Keypool-Signature", Sign(w.Secret, body))
	}

	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook http %d", resp.StatusCode)
	}
	return nil
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
