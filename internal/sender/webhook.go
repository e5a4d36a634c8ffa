package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"leadez/internal/domain"
)

const defaultWebhookTimeout = 10 * time.Second

// Webhook hands each message to an HTTP endpoint that performs the actual
// email or LinkedIn delivery.
type Webhook struct {
	URL    string
	Secret string
	Client *http.Client
	Now    func() time.Time
}

func NewWebhook(url, secret string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	return &Webhook{URL: url, Secret: secret, Client: &http.Client{Timeout: timeout}}
}

type webhookMessage struct {
	MessageID   string           `json:"message_id"`
	LeadID      string           `json:"lead_id"`
	Channel     domain.Channel   `json:"channel"`
	Variant     domain.Variant   `json:"variant"`
	To          string           `json:"to"`
	Recipient   domain.Recipient `json:"recipient"`
	Subject     string           `json:"subject"`
	Text        string           `json:"text"`
	HTML        string           `json:"html,omitempty"`
	Attempt     int              `json:"attempt"`
	DeliveredAt string           `json:"delivered_at"`
}

func (w *Webhook) Deliver(ctx context.Context, msg domain.Message) error {
	content, err := Render(msg.Content)
	if err != nil {
		return fmt.Errorf("render content: %w", err)
	}
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	body := webhookMessage{
		MessageID:   msg.ID,
		LeadID:      msg.LeadID,
		Channel:     msg.Channel,
		Variant:     msg.Variant,
		To:          msg.Address(),
		Recipient:   msg.Recipient,
		Subject:     content.Subject,
		Text:        content.Text,
		HTML:        content.HTML,
		Attempt:     msg.RetryCount + 1,
		DeliveredAt: now().UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Leadez-Message", msg.ID)
	req.Header.Set("X-Leadez-Channel", string(msg.Channel))
	req.Header.Set("X-Leadez-Attempt", fmt.Sprintf("%d", body.Attempt))
	if strings.TrimSpace(w.Secret) != "" {
		req.Header.Set("X-Leadez-Secret", w.Secret)
	}
	client := w.Client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}
