package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a net/http-based Processor implementation against a generic
// hosted-checkout API (form-encoded requests, HTTP basic auth with the
// secret key as username; the shape
// shared by every mainstream processor's REST surface).
type Client struct {
	baseURL    string
	secretKey  string
	httpClient *http.Client
}

func NewClient(baseURL, secretKey string) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		secretKey:  secretKey,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

type customerResponse struct {
	ID string `json:"id"`
}

func (c *Client) CreateCustomer(ctx context.Context, params CustomerParams) (string, error) {
	form := url.Values{"email": {params.Email}}
	var out customerResponse
	if err := c.post(ctx, "/v1/customers", form, &out); err != nil {
		return "", fmt.Errorf("processor: create customer: %w", err)
	}
	return out.ID, nil
}

type sessionResponse struct {
	ID         string `json:"id"`
	URL        string `json:"url"`
	Status     string `json:"status"`
	ExpiresAt  int64  `json:"expires_at"`
}

func (c *Client) CreateCheckoutSession(ctx context.Context, params SessionParams) (Session, error) {
	ttl := params.TTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	form := url.Values{
		"customer":             {params.CustomerID},
		"amount":                {strconv.FormatInt(params.AmountCents, 10)},
		"currency":              {strings.ToLower(params.Currency)},
		"success_url":           {params.SuccessURL},
		"cancel_url":            {params.CancelURL},
		"expires_at":            {strconv.FormatInt(time.Now().Add(ttl).Unix(), 10)},
	}
	for k, v := range params.Metadata {
		form.Set("metadata["+k+"]", v)
	}

	var out sessionResponse
	if err := c.post(ctx, "/v1/checkout/sessions", form, &out); err != nil {
		return Session{}, fmt.Errorf("processor: create checkout session: %w", err)
	}
	return Session{
		ID:        out.ID,
		URL:       out.URL,
		Status:    out.Status,
		ExpiresAt: time.Unix(out.ExpiresAt, 0),
	}, nil
}

func (c *Client) GetCheckoutSession(ctx context.Context, sessionID string) (Session, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/checkout/sessions/"+sessionID, nil)
	if err != nil {
		return Session{}, fmt.Errorf("processor: build request: %w", err)
	}
	req.SetBasicAuth(c.secretKey, "")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Session{}, fmt.Errorf("processor: get checkout session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Session{}, fmt.Errorf("processor: get checkout session returned status %d", resp.StatusCode)
	}

	var out sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Session{}, fmt.Errorf("processor: decode session: %w", err)
	}
	return Session{
		ID:        out.ID,
		URL:       out.URL,
		Status:    out.Status,
		ExpiresAt: time.Unix(out.ExpiresAt, 0),
	}, nil
}

func (c *Client) post(ctx context.Context, path string, form url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewBufferString(form.Encode()))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.secretKey, "")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("processor returned status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
