// Package snapshot provides the client for the upstream snapshot fetch:
// the full stop/route/schedule state as of one point in time.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetview/fleetview/internal/feed"
	"github.com/fleetview/fleetview/internal/resilience"
)

const (
	// clientName identifies this client for breaker naming.
	clientName = "fleet-upstream"

	// DefaultPath is the upstream snapshot endpoint.
	DefaultPath = "/static"

	// DefaultTimeout is the default request timeout.
	DefaultTimeout = 10 * time.Second
)

// HTTPDoer executes HTTP requests.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// ClientConfig holds configuration for the snapshot client.
type ClientConfig struct {
	// BaseURL of the upstream server (required).
	BaseURL string

	// Path of the snapshot endpoint. Default: /static.
	Path string

	// HTTPClient to use. Nil uses a resilient client with defaults.
	HTTPClient HTTPDoer

	// Timeout for the fetch. Default: 10 seconds.
	Timeout time.Duration

	// Logger for fetch operations.
	Logger zerolog.Logger
}

// Client fetches snapshots from the upstream. It implements
// feed.SnapshotSource.
type Client struct {
	url        string
	httpClient HTTPDoer
	logger     zerolog.Logger
}

// NewClient creates a snapshot client.
func NewClient(cfg ClientConfig) *Client {
	path := cfg.Path
	if path == "" {
		path = DefaultPath
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		rc := resilience.DefaultClientConfig(clientName)
		if cfg.Timeout != 0 {
			rc.Timeout = cfg.Timeout
		}
		httpClient = resilience.NewClient(rc)
	}

	return &Client{
		url:        strings.TrimSuffix(cfg.BaseURL, "/") + path,
		httpClient: httpClient,
		logger:     cfg.Logger,
	}
}

// Fetch retrieves the full static network state. Safe to call
// repeatedly; the upstream call has no side effects.
func (c *Client) Fetch(ctx context.Context) (*feed.Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("creating snapshot request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching snapshot: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("snapshot fetch returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading snapshot body: %w", err)
	}

	var snap feed.Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}

	c.logger.Debug().
		Int("stops", len(snap.Stops)).
		Int("routes", len(snap.Routes)).
		Int("schedule", len(snap.Schedule)).
		Msg("snapshot fetched")

	return &snap, nil
}
