package leadnotify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/1labs-ai/ai-roadmap-tool/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLead(complete bool) domain.Lead {
	return domain.Lead{
		ID:       "lead_1",
		Contact:  domain.LeadContact{Name: "Ada <Lovelace>", Email: "ada@example.com", Company: "Engines"},
		Complete: complete,
	}
}

func TestWebhookNotifier_PostsText(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := NewWebhookNotifier(srv.URL).Notify(context.Background(), testLead(true))
	require.NoError(t, err)
	assert.Contains(t, got["text"], "*Email:* ada@example.com")
	assert.Contains(t, got["text"], "*Role:* N/A")
	assert.Contains(t, got["text"], "hot lead")
}

func TestWebhookNotifier_ReportsUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookNotifier(srv.URL).Notify(context.Background(), testLead(false))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestWebhookNotifier_RequiresURL(t *testing.T) {
	require.Error(t, NewWebhookNotifier(" ").Notify(context.Background(), testLead(false)))
}

func TestResendNotifier_SendsEmail(t *testing.T) {
	var got resendEmail
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/emails", r.URL.Path)
		assert.Equal(t, "Bearer re_test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewResendNotifier("re_test", "leads@1labs.ai", "sales@1labs.ai, ops@1labs.ai").WithBaseURL(srv.URL)
	require.NoError(t, n.Notify(context.Background(), testLead(false)))

	assert.Equal(t, "AI Roadmap Tool <leads@1labs.ai>", got.From)
	assert.Equal(t, []string{"sales@1labs.ai", "ops@1labs.ai"}, got.To)
	assert.Equal(t, "New Lead: Ada <Lovelace> from Engines", got.Subject)
	assert.Contains(t, got.HTML, "Ada &lt;Lovelace&gt;")
	assert.Contains(t, got.HTML, "No (just started)")
}

func TestResendNotifier_RequiresConfiguration(t *testing.T) {
	require.Error(t, NewResendNotifier("", "leads@1labs.ai", "sales@1labs.ai").Notify(context.Background(), testLead(true)))
	require.Error(t, NewResendNotifier("re_test", "leads@1labs.ai", "").Notify(context.Background(), testLead(true)))
}
