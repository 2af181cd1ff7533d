package leadnotify

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"strings"
	"time"

	"github.com/1labs-ai/ai-roadmap-tool/internal/domain"
)

const defaultResendBaseURL = "https://api.resend.com"

// ResendNotifier emails each lead through the Resend API.
type ResendNotifier struct {
	baseURL    string
	apiKey     string
	from       string
	to         []string
	httpClient *http.Client
}

type resendEmail struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

// NewResendNotifier creates a notifier. to is a comma separated recipient list.
func NewResendNotifier(apiKey, from, to string) *ResendNotifier {
	var recipients []string
	for _, addr := range strings.Split(to, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			recipients = append(recipients, addr)
		}
	}
	return &ResendNotifier{
		baseURL:    defaultResendBaseURL,
		apiKey:     strings.TrimSpace(apiKey),
		from:       strings.TrimSpace(from),
		to:         recipients,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// WithBaseURL points the notifier at another Resend-compatible endpoint.
func (n *ResendNotifier) WithBaseURL(baseURL string) *ResendNotifier {
	n.baseURL = strings.TrimSuffix(baseURL, "/")
	return n
}

func (n *ResendNotifier) Name() string { return "resend" }

func (n *ResendNotifier) Notify(ctx context.Context, lead domain.Lead) error {
	if n.apiKey == "" || len(n.to) == 0 {
		return fmt.Errorf("resend notifier is not configured")
	}

	email := resendEmail{
		From:    "AI Roadmap Tool <" + n.from + ">",
		To:      n.to,
		Subject: fmt.Sprintf("New Lead: %s from %s", lead.Contact.Name, lead.Contact.Company),
		HTML:    leadHTML(lead),
	}
	body, err := json.Marshal(email)
	if err != nil {
		return fmt.Errorf("failed to marshal resend payload: %w", err)
	}
	return postJSON(ctx, n.httpClient, n.baseURL+"/emails", n.apiKey, body)
}

func leadHTML(lead domain.Lead) string {
	completed := "No (just started)"
	if lead.Complete {
		completed = "Yes"
	}
	var b strings.Builder
	b.WriteString("<h2>New AI Roadmap Lead</h2>")
	fmt.Fprintf(&b, "<p><strong>Name:</strong> %s</p>", html.EscapeString(lead.Contact.Name))
	fmt.Fprintf(&b, "<p><strong>Email:</strong> %s</p>", html.EscapeString(lead.Contact.Email))
	fmt.Fprintf(&b, "<p><strong>Company:</strong> %s</p>", html.EscapeString(lead.Contact.Company))
	fmt.Fprintf(&b, "<p><strong>Role:</strong> %s</p>", html.EscapeString(orNA(lead.Contact.Role)))
	fmt.Fprintf(&b, "<p><strong>Completed Roadmap:</strong> %s</p>", completed)
	return b.String()
}
