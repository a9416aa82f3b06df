// Package services – WebhookService
//
// This file implements outbound webhook dispatch for conversation events.
// Organizations can configure up to two destinations in their settings: a
// generic webhook URL receiving the raw event as JSON, and a chat-ops
// (Slack-compatible) webhook URL receiving a compact human-readable summary.
//
// Dispatch is fire and forget from the caller's perspective: destinations are
// posted concurrently, each with its own timeout, and every failure is logged
// and swallowed. There are no retries.
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/loopdesk/go-helpdesk-backend/internal/domain"
)

// chatOpsBodyRunes caps the message excerpt in chat-ops summaries.
const chatOpsBodyRunes = 200

// WebhookEvent is one outbound notification. Data becomes the generic
// webhook's JSON payload; Body, Sender and Channel feed the chat-ops summary.
type WebhookEvent struct {
	Type    string
	Data    map[string]any
	Body    string
	Sender  string
	Channel string
}

// WebhookService delivers conversation events to the destinations configured
// in organization settings.
type WebhookService struct {
	// Client performs the outbound POSTs. Its Timeout is the per-destination
	// delivery ceiling.
	Client *http.Client

	log   zerolog.Logger
	wg    sync.WaitGroup
	title cases.Caser
}

// NewWebhookService constructs a WebhookService with the given
// per-destination timeout.
func NewWebhookService(timeout time.Duration, log zerolog.Logger) *WebhookService {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookService{
		Client: &http.Client{Timeout: timeout},
		log:    log.With().Str("component", "webhooks").Logger(),
		title:  cases.Title(language.English),
	}
}

// Go dispatches the event on a detached goroutine so the calling HTTP
// response never waits on outbound delivery. The goroutine is tracked so
// Close can drain in-flight dispatches on shutdown.
func (s *WebhookService) Go(org *domain.Organization, ev WebhookEvent) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Dispatch(context.Background(), org, ev)
	}()
}

// Dispatch posts the event to every configured destination concurrently and
// waits for all deliveries to settle. Failures are logged, never returned.
func (s *WebhookService) Dispatch(ctx context.Context, org *domain.Organization, ev WebhookEvent) {
	var wg sync.WaitGroup

	if url := strings.TrimSpace(org.Settings.WebhookURL); url != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.post(ctx, org, ev.Type, url, map[string]any{
				"event":          ev.Type,
				"organizationId": org.ID,
				"data":           ev.Data,
			})
		}()
	}

	if url := strings.TrimSpace(org.Settings.SlackWebhookURL); url != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.post(ctx, org, ev.Type, url, map[string]any{
				"text": s.chatOpsText(ev),
			})
		}()
	}

	wg.Wait()
}

// Close waits for outstanding dispatches, giving up when ctx expires.
func (s *WebhookService) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post delivers one JSON payload to one destination.
func (s *WebhookService) post(ctx context.Context, org *domain.Organization, eventType, url string, payload map[string]any) {
	body, err := json.Marshal(payload)
	if err != nil {
		s.log.Error().Err(err).Str("org_id", org.ID).Str("event", eventType).Msg("marshal webhook payload")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		s.log.Warn().Err(err).Str("org_id", org.ID).Str("event", eventType).Msg("build webhook request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		s.log.Warn().Err(err).Str("org_id", org.ID).Str("event", eventType).Msg("webhook delivery failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		s.log.Warn().Int("status", resp.StatusCode).Str("org_id", org.ID).Str("event", eventType).Msg("webhook rejected")
		return
	}
	s.log.Debug().Str("org_id", org.ID).Str("event", eventType).Msg("webhook delivered")
}

// chatOpsText renders the compact summary posted to the chat-ops webhook.
func (s *WebhookService) chatOpsText(ev WebhookEvent) string {
	var b strings.Builder

	switch ev.Type {
	case "conversation.created":
		b.WriteString(":new: New conversation")
	case "message.created":
		b.WriteString(":speech_balloon: New message")
	default:
		b.WriteString(":bell: " + ev.Type)
	}
	if ch := strings.TrimSpace(ev.Channel); ch != "" {
		b.WriteString(" via " + s.title.String(ch))
	}

	if body := clipRunes(strings.TrimSpace(ev.Body), chatOpsBodyRunes); body != "" {
		b.WriteString("\n> " + body)
	}

	sender := strings.TrimSpace(ev.Sender)
	if sender == "" {
		sender = "an anonymous visitor"
	}
	b.WriteString("\nfrom " + sender)

	return b.String()
}

// clipRunes truncates s to at most n runes, appending an ellipsis when cut.
func clipRunes(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "…"
}
