package buzzlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Buzzline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Instance represents a workflow instance.
type Instance struct {
	ID         string  `json:"id"`
	CallSID    string  `json:"call_sid"`
	Generation int64   `json:"generation"`
	Status     string  `json:"status"`
	State      string  `json:"state"`
	Outcome    *string `json:"outcome,omitempty"`
	Deadline   *string `json:"deadline,omitempty"`
	CreatedAt  string  `json:"created_at"`
	UpdatedAt  string  `json:"updated_at"`
}

// Token represents an admission token.
type Token struct {
	ID        string `json:"id"`
	Note      string `json:"note,omitempty"`
	CreatedAt string `json:"created_at"`
	ExpiresAt string `json:"expires_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	CallSID    string `json:"call_sid,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Actor      string `json:"actor"`
	Payload    string `json:"payload_json"`
}

// Status summarizes the live system.
type Status struct {
	Active        *Instance `json:"active,omitempty"`
	PendingSlots  int       `json:"pending_slots"`
	LatestEventID int64     `json:"latest_event_id"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Status returns the live system summary.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodGet, "v0/status", nil, &resp)
	return resp, err
}

// Instances returns recent workflow instances.
func (c *Client) Instances(ctx context.Context, limit int) ([]Instance, error) {
	endpoint := "v0/instances"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Instance
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Instance fetches one workflow instance by id.
func (c *Client) Instance(ctx context.Context, id string) (Instance, error) {
	var resp Instance
	err := c.do(ctx, http.MethodGet, "v0/instances/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// CreateToken pre-approves the next call for ttlMinutes.
func (c *Client) CreateToken(ctx context.Context, ttlMinutes int, note string) (Token, error) {
	body := map[string]any{
		"ttl_minutes": ttlMinutes,
		"note":        note,
	}
	var resp Token
	err := c.do(ctx, http.MethodPost, "v0/tokens", body, &resp)
	return resp, err
}

// Tokens returns live admission tokens.
func (c *Client) Tokens(ctx context.Context) ([]Token, error) {
	var resp []Token
	err := c.do(ctx, http.MethodGet, "v0/tokens", nil, &resp)
	return resp, err
}

// DeleteToken revokes an admission token.
func (c *Client) DeleteToken(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "v0/tokens/"+url.PathEscape(id), nil, nil)
}

// CreateAccessLink mints a single-use guest access link.
func (c *Client) CreateAccessLink(ctx context.Context) (string, error) {
	var resp struct {
		URL string `json:"url"`
	}
	err := c.do(ctx, http.MethodPost, "v0/links", nil, &resp)
	return resp.URL, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-API-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
