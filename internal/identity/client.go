// Package identity is a thin REST client for the hosted auth service that
// owns passwords. The service knows nothing about orgs; callers scope the
// identifier themselves (org_id:email) and cross-check the returned traits.
package identity

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

type Client struct {
	baseURL    string
	httpClient *http.Client
}

type Identity struct {
	ID     string         `json:"id"`
	Traits map[string]any `json:"traits"`
}

type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("identity: http %d: %s", e.StatusCode, msg)
}

func New(baseURL string) (*Client, error) {
	baseURL = strings.TrimSpace(baseURL)
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		return nil, errors.New("identity: missing base url")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.New("identity: invalid base url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.New("identity: invalid base url scheme")
	}
	if u.Host == "" {
		return nil, errors.New("identity: invalid base url host")
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}, nil
}

// LoginPassword authenticates identifier/password and returns the identity
// behind the issued session token.
func (c *Client) LoginPassword(ctx context.Context, identifier string, password string) (Identity, error) {
	token, err := c.submitPassword(ctx, identifier, password)
	if err != nil {
		return Identity{}, err
	}
	return c.Whoami(ctx, token)
}

func (c *Client) Whoami(ctx context.Context, sessionToken string) (Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/sessions/whoami", nil)
	if err != nil {
		return Identity{}, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Session-Token", sessionToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Identity{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return Identity{}, readHTTPError(resp)
	}

	var out struct {
		Identity Identity `json:"identity"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Identity{}, err
	}
	return out.Identity, nil
}

func (c *Client) submitPassword(ctx context.Context, identifier string, password string) (string, error) {
	body, _ := json.Marshal(map[string]any{
		"method":     "password",
		"identifier": identifier,
		"password":   password,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/sessions/password", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return "", readHTTPError(resp)
	}

	var out struct {
		SessionToken string `json:"session_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if out.SessionToken == "" {
		return "", errors.New("identity: missing session token")
	}
	return out.SessionToken, nil
}

func readHTTPError(resp *http.Response) error {
	const maxBody = 4096
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	return &HTTPError{
		StatusCode: resp.StatusCode,
		Message:    string(b),
	}
}
