// Package client wraps HTTP interactions with a running bridge daemon; the
// CLI uses it for every subcommand that talks to the API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/unity-mcp/bridge/internal/discovery"
	"github.com/unity-mcp/bridge/internal/response"
)

const (
	defaultHTTPTimeout = 10 * time.Second
	maxErrorBody       = 8 << 10
)

// Client wraps HTTP interactions with the daemon.
type Client struct {
	client  *http.Client
	baseURL string
}

// New builds a client for the daemon at baseURL with an optional custom
// transport.
func New(baseURL string, transport http.RoundTripper) *Client {
	httpClient := &http.Client{Timeout: defaultHTTPTimeout}
	if transport != nil {
		httpClient.Transport = transport
	}
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	return &Client{
		client:  httpClient,
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// BaseURL returns the base HTTP URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Health reports whether a daemon answers on the configured address.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.getJSON(ctx, "/health", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Instances lists the instances the daemon can currently reach.
func (c *Client) Instances(ctx context.Context, refresh bool) ([]discovery.Instance, error) {
	path := "/api/instances"
	if refresh {
		path += "?refresh=true"
	}
	var out struct {
		Instances []discovery.Instance `json:"instances"`
	}
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.Instances, nil
}

// Execute runs one command through the daemon. The returned map is the
// command-result envelope; non-2xx statuses for bridge-side failures are
// folded into it.
func (c *Client) Execute(ctx context.Context, clientID, instance, cmdType string, params map[string]any, timeout time.Duration) (map[string]any, error) {
	body := map[string]any{
		"client_id": clientID,
		"instance":  instance,
		"type":      cmdType,
		"params":    params,
	}
	if timeout > 0 {
		body["timeout"] = int(timeout / time.Second)
	}

	httpTimeout := defaultHTTPTimeout
	if timeout > 0 {
		httpTimeout = timeout + 15*time.Second
	}

	var out map[string]any
	if err := c.doJSON(ctx, http.MethodPost, "/api/command", body, &out, httpTimeout); err != nil {
		return nil, err
	}
	return out, nil
}

// IsRetryHint reports whether an Execute envelope is the structured busy
// signal rather than a final result.
func IsRetryHint(envelope map[string]any) bool {
	hint, _ := envelope["hint"].(string)
	return hint == "retry"
}

// RetryReason extracts the busy reason from an Execute envelope.
func RetryReason(envelope map[string]any) response.BusyReason {
	data, _ := envelope["data"].(map[string]any)
	reason, _ := data["reason"].(string)
	return response.BusyReason(reason)
}

// Active returns the caller's active instance id, empty when unset.
func (c *Client) Active(ctx context.Context, clientID string) (string, error) {
	var out struct {
		Active string `json:"active"`
	}
	if err := c.getJSON(ctx, "/api/active?client_id="+clientID, &out); err != nil {
		return "", err
	}
	return out.Active, nil
}

// SetActive selects the active instance for the caller.
func (c *Client) SetActive(ctx context.Context, clientID, instance string) (string, error) {
	body := map[string]any{"client_id": clientID, "instance": instance}
	var out struct {
		Active string `json:"active"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/active", body, &out, defaultHTTPTimeout); err != nil {
		return "", err
	}
	return out.Active, nil
}

// ClearActive forgets the caller's selection.
func (c *Client) ClearActive(ctx context.Context, clientID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/api/active?client_id="+clientID, http.NoBody)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("client: clear active: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return readAPIError(resp)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	return c.doJSON(ctx, http.MethodGet, path, nil, out, defaultHTTPTimeout)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any, timeout time.Duration) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("client: encode %s body: %w", path, err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	httpClient := c.client
	if timeout != httpClient.Timeout {
		clone := *httpClient
		clone.Timeout = timeout
		httpClient = &clone
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	// Command envelopes ride on error statuses too; decode whatever came.
	if out != nil && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(out); err != nil {
			return fmt.Errorf("client: decode %s response: %w", path, err)
		}
		if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusBadRequest {
			return fmt.Errorf("client: %s %s: status %d", method, path, resp.StatusCode)
		}
		return nil
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return readAPIError(resp)
	}
	return nil
}

func readAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var apiErr struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
		return fmt.Errorf("client: daemon returned %d: %s", resp.StatusCode, apiErr.Error)
	}
	return fmt.Errorf("client: daemon returned %d", resp.StatusCode)
}
