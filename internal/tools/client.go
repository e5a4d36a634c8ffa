// Package tools calls the collaborator services that generate, enrich and review
// leads and messages. Each action is a POST to {base}/tools/<action>.
package tools

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

	"leadez/internal/domain"
)

var ErrToolFailed = errors.New("tool reported failure")

// Client is a minimal tool-server client.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Timeout    time.Duration
}

func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{BaseURL: baseURL, Timeout: timeout}
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tool error: status=%d body=%s", e.StatusCode, e.Body)
}

// Execute runs the decision's action with its parameters as the JSON body and
// returns the decoded response.
func (c *Client) Execute(ctx context.Context, d domain.Decision) (map[string]any, error) {
	endpoint := d.Endpoint
	if endpoint == "" {
		endpoint = d.Action.Endpoint()
	}
	if endpoint == "" {
		return nil, fmt.Errorf("action %q has no tool endpoint", d.Action)
	}
	body := d.Parameters
	if body == nil {
		body = map[string]any{}
	}
	var out map[string]any
	if err := c.do(ctx, http.MethodPost, endpoint, body, &out); err != nil {
		return nil, err
	}
	if ok, present := out["success"].(bool); present && !ok {
		msg, _ := out["error"].(string)
		return out, fmt.Errorf("%w: %s", ErrToolFailed, msg)
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
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
	if c.APIKey != "" {
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
