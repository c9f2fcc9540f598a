// Package grantsgov is a REST client for the grants.gov search2 API, used
// to import opportunities by number and refresh their close dates.
package grantsgov

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

const DefaultBaseURL = "https://api.grants.gov/v1/api"

type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Opportunity is the subset of a search2 hit the tracker cares about.
type Opportunity struct {
	ID        string
	Number    string
	Title     string
	Agency    string
	CloseDate string // YYYY-MM-DD, empty when grants.gov has none
	Status    string
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
	return fmt.Sprintf("grantsgov: http %d: %s", e.StatusCode, msg)
}

func New(baseURL string) (*Client, error) {
	baseURL = strings.TrimSpace(baseURL)
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.New("grantsgov: invalid base url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.New("grantsgov: invalid base url scheme")
	}
	if u.Host == "" {
		return nil, errors.New("grantsgov: invalid base url host")
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}, nil
}

type search2Request struct {
	OppNum  string `json:"oppNum,omitempty"`
	Keyword string `json:"keyword,omitempty"`
	Rows    int    `json:"rows"`
}

type search2Hit struct {
	ID         string `json:"id"`
	Number     string `json:"number"`
	Title      string `json:"title"`
	AgencyName string `json:"agencyName"`
	CloseDate  string `json:"closeDate"`
	OppStatus  string `json:"oppStatus"`
}

type search2Response struct {
	ErrorCode int    `json:"errorcode"`
	Msg       string `json:"msg"`
	Data      struct {
		HitCount int          `json:"hitCount"`
		OppHits  []search2Hit `json:"oppHits"`
	} `json:"data"`
}

// LookupByNumber finds the opportunity with the exact opportunity number.
func (c *Client) LookupByNumber(ctx context.Context, oppNumber string) (Opportunity, bool, error) {
	oppNumber = strings.TrimSpace(oppNumber)
	if oppNumber == "" {
		return Opportunity{}, false, errors.New("grantsgov: missing opportunity number")
	}

	hits, err := c.search(ctx, search2Request{OppNum: oppNumber, Rows: 10})
	if err != nil {
		return Opportunity{}, false, err
	}
	for _, hit := range hits {
		if strings.EqualFold(hit.Number, oppNumber) {
			return opportunityFromHit(hit), true, nil
		}
	}
	return Opportunity{}, false, nil
}

// Search runs a keyword search and returns up to rows hits.
func (c *Client) Search(ctx context.Context, keyword string, rows int) ([]Opportunity, error) {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return nil, errors.New("grantsgov: missing keyword")
	}
	if rows <= 0 || rows > 100 {
		rows = 25
	}

	hits, err := c.search(ctx, search2Request{Keyword: keyword, Rows: rows})
	if err != nil {
		return nil, err
	}
	out := make([]Opportunity, 0, len(hits))
	for _, hit := range hits {
		out = append(out, opportunityFromHit(hit))
	}
	return out, nil
}

func (c *Client) search(ctx context.Context, payload search2Request) ([]search2Hit, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search2", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, readHTTPError(resp)
	}

	var parsed search2Response
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("grantsgov: decode search2 response: %w", err)
	}
	if parsed.ErrorCode != 0 {
		return nil, fmt.Errorf("grantsgov: search2 error %d: %s", parsed.ErrorCode, parsed.Msg)
	}
	return parsed.Data.OppHits, nil
}

func opportunityFromHit(hit search2Hit) Opportunity {
	return Opportunity{
		ID:        hit.ID,
		Number:    hit.Number,
		Title:     hit.Title,
		Agency:    hit.AgencyName,
		CloseDate: normalizeCloseDate(hit.CloseDate),
		Status:    hit.OppStatus,
	}
}

// normalizeCloseDate converts the API's MM/DD/YYYY dates to YYYY-MM-DD.
func normalizeCloseDate(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if t, err := time.Parse("01/02/2006", raw); err == nil {
		return t.Format("2006-01-02")
	}
	if _, err := time.Parse("2006-01-02", raw); err == nil {
		return raw
	}
	return ""
}

func readHTTPError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &HTTPError{
		StatusCode: resp.StatusCode,
		Message:    strings.TrimSpace(string(body)),
	}
}
