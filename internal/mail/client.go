// Package mail sends transactional email through the Resend REST API.
package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const DefaultBaseURL = "https://api.resend.com"

type Client struct {
	baseURL    string
	apiKey     string
	from       string
	httpClient *http.Client
}

func New(apiKey string, from string) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("mail: missing api key")
	}
	from = strings.TrimSpace(from)
	if from == "" || !strings.Contains(from, "@") {
		return nil, errors.New("mail: invalid from address")
	}
	return &Client{
		baseURL: DefaultBaseURL,
		apiKey:  apiKey,
		from:    from,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}, nil
}

type sendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

type sendResponse struct {
	ID string `json:"id"`
}

// Send delivers one HTML email and returns the provider's message id.
func (c *Client) Send(ctx context.Context, to string, subject string, html string) (string, error) {
	to = strings.TrimSpace(to)
	if to == "" || !strings.Contains(to, "@") {
		return "", errors.New("mail: invalid recipient")
	}
	if strings.TrimSpace(subject) == "" {
		return "", errors.New("mail: missing subject")
	}

	body, err := json.Marshal(sendRequest{
		From:    c.from,
		To:      []string{to},
		Subject: subject,
		HTML:    html,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/emails", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("mail: send returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	var parsed sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("mail: decode send response: %w", err)
	}
	return parsed.ID, nil
}
