// Package gcal handles the Google Calendar OAuth dance and all-day event
// inserts. Only the refresh token is persisted; access tokens are fetched
// per call.
package gcal

import (
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

const (
	authEndpoint  = "https://accounts.google.com/o/oauth2/v2/auth"
	tokenEndpoint = "https://oauth2.googleapis.com/token"
	calendarAPI   = "https://www.googleapis.com/calendar/v3"

	scopeCalendarEvents = "https://www.googleapis.com/auth/calendar.events"
)

type Client struct {
	clientID     string
	clientSecret string
	redirectURI  string
	tokenURL     string
	apiURL       string
	httpClient   *http.Client
}

type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

type Event struct {
	Summary     string
	Description string
	Date        string // YYYY-MM-DD, all-day
}

func New(clientID string, clientSecret string, redirectURI string) (*Client, error) {
	if strings.TrimSpace(clientID) == "" || strings.TrimSpace(clientSecret) == "" {
		return nil, errors.New("gcal: missing client credentials")
	}
	if _, err := url.Parse(redirectURI); err != nil || strings.TrimSpace(redirectURI) == "" {
		return nil, errors.New("gcal: invalid redirect uri")
	}
	return &Client{
		clientID:     clientID,
		clientSecret: clientSecret,
		redirectURI:  redirectURI,
		tokenURL:     tokenEndpoint,
		apiURL:       calendarAPI,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}, nil
}

// AuthURL builds the consent URL. The state value is checked by the caller
// on callback.
func (c *Client) AuthURL(state string) string {
	q := url.Values{
		"client_id":     {c.clientID},
		"redirect_uri":  {c.redirectURI},
		"response_type": {"code"},
		"scope":         {scopeCalendarEvents},
		"access_type":   {"offline"},
		"prompt":        {"consent"},
		"state":         {state},
	}
	return authEndpoint + "?" + q.Encode()
}

// Exchange trades an authorization code for tokens.
func (c *Client) Exchange(ctx context.Context, code string) (Tokens, error) {
	return c.token(ctx, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
		"redirect_uri":  {c.redirectURI},
	})
}

// Refresh trades a refresh token for a fresh access token.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (Tokens, error) {
	return c.token(ctx, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
	})
}

func (c *Client) token(ctx context.Context, form url.Values) (Tokens, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Tokens{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Tokens{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return Tokens{}, fmt.Errorf("gcal: token endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	var tokens Tokens
	if err := json.NewDecoder(resp.Body).Decode(&tokens); err != nil {
		return Tokens{}, fmt.Errorf("gcal: decode token response: %w", err)
	}
	if tokens.AccessToken == "" {
		return Tokens{}, errors.New("gcal: empty access token")
	}
	return tokens, nil
}

type eventDate struct {
	Date string `json:"date"`
}

type eventBody struct {
	Summary     string    `json:"summary"`
	Description string    `json:"description,omitempty"`
	Start       eventDate `json:"start"`
	End         eventDate `json:"end"`
}

// InsertEvent creates an all-day event on the calendar ("primary" when
// calendarID is empty).
func (c *Client) InsertEvent(ctx context.Context, accessToken string, calendarID string, ev Event) error {
	if strings.TrimSpace(ev.Summary) == "" {
		return errors.New("gcal: missing event summary")
	}
	day, err := time.Parse("2006-01-02", ev.Date)
	if err != nil {
		return errors.New("gcal: event date must be YYYY-MM-DD")
	}
	if calendarID == "" {
		calendarID = "primary"
	}

	body, err := json.Marshal(eventBody{
		Summary:     ev.Summary,
		Description: ev.Description,
		Start:       eventDate{Date: day.Format("2006-01-02")},
		End:         eventDate{Date: day.AddDate(0, 0, 1).Format("2006-01-02")},
	})
	if err != nil {
		return err
	}

	endpoint := c.apiURL + "/calendars/" + url.PathEscape(calendarID) + "/events"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("gcal: insert event returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	return nil
}
