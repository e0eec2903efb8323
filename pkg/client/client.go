package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/apexhq/apex/pkg/daemon"
)

const defaultTimeout = 2 * time.Second

// Client talks to a running daemon over its local HTTP surface. All methods
// fail fast when no daemon is listening; callers fall back to reading the
// store directly.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the daemon listening on addr (host:port).
func New(addr string) *Client {
	return &Client{
		baseURL: "http://" + addr,
		http:    &http.Client{Timeout: defaultTimeout},
	}
}

// Status fetches the daemon's aggregated status.
func (c *Client) Status(ctx context.Context) (*daemon.Status, error) {
	var st daemon.Status
	if err := c.getJSON(ctx, "/status", &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Healthy reports whether the daemon answers its health endpoint.
func (c *Client) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon not reachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("daemon returned %s for %s", resp.Status, path)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("malformed response from daemon: %w", err)
	}
	return nil
}
