// Package notify posts plain-text messages to Slack and Microsoft Teams
// incoming webhooks. Both accept a JSON body with a single text field.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type Poster struct {
	httpClient *http.Client
}

func NewPoster() *Poster {
	return &Poster{
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type webhookMessage struct {
	Text string `json:"text"`
}

// PostSlack delivers text to a Slack incoming webhook.
func (p *Poster) PostSlack(ctx context.Context, webhookURL string, text string) error {
	return p.post(ctx, webhookURL, text)
}

// PostTeams delivers text to a Microsoft Teams incoming webhook. Teams
// accepts the same {"text": ...} shape for simple messages.
func (p *Poster) PostTeams(ctx context.Context, webhookURL string, text string) error {
	return p.post(ctx, webhookURL, text)
}

func (p *Poster) post(ctx context.Context, webhookURL string, text string) error {
	webhookURL = strings.TrimSpace(webhookURL)
	if err := validateWebhookURL(webhookURL); err != nil {
		return err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return errors.New("notify: empty message")
	}

	body, err := json.Marshal(webhookMessage{Text: text})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("notify: webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	return nil
}

func validateWebhookURL(raw string) error {
	if raw == "" {
		return errors.New("notify: missing webhook url")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "https" || u.Host == "" {
		return errors.New("notify: webhook url must be https")
	}
	return nil
}
