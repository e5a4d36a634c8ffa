package leadezsdk

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

// Client is a minimal leadez HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// Snapshot is the aggregate count view decisions are made from.
type Snapshot struct {
	Leads              map[string]int `json:"leads,omitempty"`
	Messages           map[string]int `json:"messages,omitempty"`
	EnrichedQualified  int            `json:"enriched_qualified,omitempty"`
	EnrichedBelow      int            `json:"enriched_below_threshold,omitempty"`
	MinConfidenceScore int            `json:"min_confidence_score,omitempty"`
}

type Decision struct {
	Action     string         `json:"action"`
	Target     string         `json:"target,omitempty"`
	Endpoint   string         `json:"endpoint,omitempty"`
	Reason     string         `json:"reason"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Summary reports one queue run.
type Summary struct {
	Sent          int     `json:"sent"`
	Failed        int     `json:"failed"`
	Skipped       int     `json:"skipped"`
	Remaining     int     `json:"remaining"`
	Retried       int     `json:"retried"`
	Dequeued      int     `json:"dequeued"`
	DryRun        bool    `json:"dry_run"`
	ElapsedMS     int64   `json:"elapsed_ms"`
	RatePerMinute float64 `json:"rate_per_minute"`
}

type QueueStatus struct {
	Stats struct {
		TotalFetched int  `json:"total_fetched"`
		TotalSent    int  `json:"total_sent"`
		TotalFailed  int  `json:"total_failed"`
		BatchCount   int  `json:"batch_count"`
		QueueSize    int  `json:"queue_size"`
		Processing   bool `json:"processing"`
	} `json:"stats"`
	Queue struct {
		IDs []string `json:"ids"`
	} `json:"queue"`
	NextSlot time.Time `json:"next_available_slot"`
}

type Stats struct {
	Snapshot  Snapshot    `json:"snapshot"`
	Inventory int         `json:"inventory"`
	Queue     QueueStatus `json:"queue"`
}

// Lead represents the API lead model (partial).
type Lead struct {
	ID              string `json:"id"`
	FullName        string `json:"full_name"`
	CompanyName     string `json:"company_name"`
	Status          string `json:"status"`
	ConfidenceScore *int   `json:"confidence_score,omitempty"`
	Priority        int    `json:"priority"`
}

type LeadPage struct {
	Items []Lead `json:"items"`
	Total int    `json:"total"`
}

// Message represents the API message model (partial).
type Message struct {
	ID         string `json:"id"`
	LeadID     string `json:"lead_id"`
	Channel    string `json:"channel"`
	Status     string `json:"status"`
	RetryCount int    `json:"retry_count"`
}

// Outcome describes one orchestration cycle.
type Outcome struct {
	RunID    string   `json:"run_id"`
	Action   string   `json:"action"`
	Status   string   `json:"status"`
	Decision Decision `json:"decision"`
	Summary  *Summary `json:"summary,omitempty"`
	Error    string   `json:"error,omitempty"`
}

type Run struct {
	ID     string `json:"id"`
	Action string `json:"action"`
	Status string `json:"status"`
	Sent   int    `json:"messages_sent"`
	Failed int    `json:"messages_failed"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// SendOptions are per-call overrides; zero values keep the server configuration.
type SendOptions struct {
	Channel      string `json:"channel,omitempty"`
	Limit        int    `json:"limit,omitempty"`
	BatchSize    int    `json:"batch_size,omitempty"`
	MaxPerMinute int    `json:"max_per_minute,omitempty"`
	MinThreshold int    `json:"min_threshold,omitempty"`
	MaxRetries   int    `json:"max_retries,omitempty"`
	DryRun       *bool  `json:"dry_run,omitempty"`
}

func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var resp Stats
	err := c.do(ctx, http.MethodGet, "stats", nil, &resp)
	return resp, err
}

// Leads lists leads in status (all when empty).
func (c *Client) Leads(ctx context.Context, status string, limit, offset int) (LeadPage, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if offset > 0 {
		q.Set("offset", fmt.Sprint(offset))
	}
	var resp LeadPage
	err := c.do(ctx, http.MethodGet, withQuery("leads", q), nil, &resp)
	return resp, err
}

func (c *Client) ReviewMessage(ctx context.Context, id, status string) (Message, error) {
	var resp Message
	err := c.do(ctx, http.MethodPatch, "messages/"+url.PathEscape(id), map[string]string{"status": status}, &resp)
	return resp, err
}

// Decide asks for the next action on the server's current store.
func (c *Client) Decide(ctx context.Context) (Decision, error) {
	var resp struct {
		Decision Decision `json:"decision"`
	}
	err := c.do(ctx, http.MethodPost, "agent/decide", map[string]any{}, &resp)
	return resp.Decision, err
}

// DecideSnapshots evaluates each snapshot independently.
func (c *Client) DecideSnapshots(ctx context.Context, snaps []Snapshot) ([]Decision, error) {
	var resp struct {
		Decisions []Decision `json:"decisions"`
	}
	err := c.do(ctx, http.MethodPost, "agent/decide/batch", map[string]any{"snapshots": snaps}, &resp)
	return resp.Decisions, err
}

func (c *Client) SendMessages(ctx context.Context, opts SendOptions) (Summary, error) {
	var resp struct {
		Success bool    `json:"success"`
		Summary Summary `json:"summary"`
	}
	err := c.do(ctx, http.MethodPost, "tools/send_messages", opts, &resp)
	return resp.Summary, err
}

func (c *Client) Cycle(ctx context.Context, dryRun bool) (Outcome, error) {
	var resp Outcome
	err := c.do(ctx, http.MethodPost, "agent/cycle", map[string]any{"dry_run": dryRun}, &resp)
	return resp, err
}

func (c *Client) Runs(ctx context.Context, action string, limit int) ([]Run, error) {
	q := url.Values{}
	if action != "" {
		q.Set("action", action)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	var resp struct {
		Items []Run `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("runs", q), nil, &resp)
	return resp.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery("events", q), nil, &resp)
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
		req.Header.Set("X-Api-Key", c.APIKey)
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

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
