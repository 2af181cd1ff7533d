/**
 * @description
 * Outbound lead notifications: a chat-style incoming webhook and Resend email.
 */
package leadnotify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/1labs-ai/ai-roadmap-tool/internal/domain"
)

// WebhookNotifier posts a `{"text": ...}` message, the format Slack and Zapier accept.
type WebhookNotifier struct {
	url        string
	httpClient *http.Client
}

func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:        strings.TrimSpace(url),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (n *WebhookNotifier) Name() string { return "webhook" }

func (n *WebhookNotifier) Notify(ctx context.Context, lead domain.Lead) error {
	if n.url == "" {
		return fmt.Errorf("lead webhook URL is not configured")
	}

	body, err := json.Marshal(map[string]string{"text": webhookText(lead)})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}
	return postJSON(ctx, n.httpClient, n.url, "", body)
}

func webhookText(lead domain.Lead) string {
	var b strings.Builder
	b.WriteString("New AI Roadmap Lead!\n\n")
	fmt.Fprintf(&b, "*Name:* %s\n", lead.Contact.Name)
	fmt.Fprintf(&b, "*Email:* %s\n", lead.Contact.Email)
	fmt.Fprintf(&b, "*Company:* %s\n", lead.Contact.Company)
	fmt.Fprintf(&b, "*Role:* %s\n", orNA(lead.Contact.Role))
	if lead.Complete {
		b.WriteString("*Completed:* Yes\n\nThey finished the roadmap - hot lead!")
	} else {
		b.WriteString("*Completed:* Just started")
	}
	return b.String()
}

func orNA(v string) string {
	if strings.TrimSpace(v) == "" {
		return "N/A"
	}
	return v
}

func postJSON(ctx context.Context, client *http.Client, url, bearer string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("upstream returned error status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}
