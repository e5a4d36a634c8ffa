package sender

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadez/internal/config"
	"leadez/internal/delivery"
	"leadez/internal/domain"
)

func message(channel domain.Channel, content string) domain.Message {
	return domain.Message{
		ID: "msg-1", LeadID: "lead-1", Channel: channel, Variant: domain.VariantB,
		Content: content, Status: domain.MessageApproved, RetryCount: 1,
		Recipient: domain.Recipient{Name: "Ada", Email: "ada@example.com", LinkedInURL: "https://linkedin.com/in/ada"},
	}
}

func TestRenderPlainText(t *testing.T) {
	c, err := Render("Subject: Quick question about Acme\n\nHi Ada,\nShort note.")
	require.NoError(t, err)
	assert.Equal(t, "Quick question about Acme", c.Subject)
	assert.Equal(t, "Hi Ada,\nShort note.", c.Text)
	assert.Empty(t, c.HTML)

	c, err = Render("Hi Ada, loved your talk")
	require.NoError(t, err)
	assert.Equal(t, "Hi Ada, loved your talk", c.Subject)
	assert.Equal(t, "Hi Ada, loved your talk", c.Text)
}

func TestRenderCapsSubject(t *testing.T) {
	c, err := Render("SUBJECT: " + strings.Repeat("é", 150))
	require.NoError(t, err)
	assert.Equal(t, 100, len([]rune(c.Subject)))

	c, err = Render("Subject:   \nbody")
	require.NoError(t, err)
	assert.Equal(t, DefaultSubject, c.Subject)
}

func TestRenderHTML(t *testing.T) {
	html := `<html><head><title>Intro from leadez</title><style>p{}</style></head>
<body><p>Hi   Ada,</p><p>We help <b>platform</b> teams.<br>Cheers</p></body></html>`
	c, err := Render(html)
	require.NoError(t, err)
	assert.Equal(t, "Intro from leadez", c.Subject)
	assert.Equal(t, html, c.HTML)
	assert.Contains(t, c.Text, "Hi Ada,")
	assert.Contains(t, c.Text, "We help platform teams.")
	assert.Contains(t, c.Text, "Cheers")
	assert.NotContains(t, c.Text, "p{}")
}

func TestWebhookDeliver(t *testing.T) {
	var got webhookMessage
	var headers http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, "s3cret", time.Second)
	wh.Now = func() time.Time { return time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC) }
	require.NoError(t, wh.Deliver(context.Background(), message(domain.ChannelEmail, "Subject: Hello\n\nBody")))

	assert.Equal(t, "msg-1", got.MessageID)
	assert.Equal(t, "ada@example.com", got.To)
	assert.Equal(t, "Hello", got.Subject)
	assert.Equal(t, "Body", got.Text)
	assert.Equal(t, 2, got.Attempt)
	assert.Equal(t, "2024-02-01T10:00:00Z", got.DeliveredAt)
	assert.Equal(t, "s3cret", headers.Get("X-Leadez-Secret"))
	assert.Equal(t, "email", headers.Get("X-Leadez-Channel"))
	assert.Equal(t, "msg-1", headers.Get("X-Leadez-Message"))
}

func TestWebhookNon2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "mailbox full", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := NewWebhook(srv.URL, "", time.Second).Deliver(context.Background(), message(domain.ChannelEmail, "hi"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 503")
	assert.Contains(t, err.Error(), "mailbox full")
}

func TestRouterSkipsUnroutedChannel(t *testing.T) {
	var delivered []domain.Channel
	r := Router{domain.ChannelEmail: delivery.SenderFunc(func(_ context.Context, m domain.Message) error {
		delivered = append(delivered, m.Channel)
		return nil
	})}
	require.NoError(t, r.Deliver(context.Background(), message(domain.ChannelEmail, "hi")))
	err := r.Deliver(context.Background(), message(domain.ChannelLinkedIn, "hi"))
	assert.True(t, errors.Is(err, delivery.ErrSkip))
	assert.Equal(t, []domain.Channel{domain.ChannelEmail}, delivered)
}

func TestFromConfig(t *testing.T) {
	s, err := FromConfig(config.Sender{Kind: config.SenderLog}, nil)
	require.NoError(t, err)
	assert.IsType(t, Log{}, s)
	require.NoError(t, s.Deliver(context.Background(), message(domain.ChannelEmail, "hi")))

	s, err = FromConfig(config.Sender{Kind: config.SenderRouter, Channels: map[string]string{"linkedin": "http://127.0.0.1:1/li"}}, nil)
	require.NoError(t, err)
	router, ok := s.(Router)
	require.True(t, ok)
	assert.Contains(t, router, domain.ChannelLinkedIn)

	_, err = FromConfig(config.Sender{Kind: "carrier-pigeon"}, nil)
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}
