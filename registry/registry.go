// Package registry is the HTTP client for the platform registry: key
// validation, package schema and secret lookups, and telemetry ingestion.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/sigyl-dev/mcp-gateway/secrets"
)

var _ secrets.Registry = (*Client)(nil)

// Config for the registry client. Defaults can be loaded via envdecode.
type Config struct {
	// BaseURL of the registry API. ENV: SIGYL_REGISTRY_URL
	BaseURL string `env:"SIGYL_REGISTRY_URL,default=https://api.sigyl.dev"`
	// MasterKey authenticates telemetry ingestion. ENV: SIGYL_MASTER_KEY
	MasterKey string `env:"SIGYL_MASTER_KEY"`
	// Timeout bounds every registry call. ENV: SIGYL_REGISTRY_TIMEOUT
	Timeout time.Duration `env:"SIGYL_REGISTRY_TIMEOUT,default=10s"`
}

// Client talks to the registry. It is safe for concurrent use.
type Client struct {
	baseURL   string
	masterKey string
	hc        *http.Client
	log       *slog.Logger
}

// Option configures the Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.hc = hc }
}

// WithLogger sets the slog logger used by the client. If not provided, logs
// are discarded.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("registry base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid registry base URL %q: %w", cfg.BaseURL, err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &Client{
		baseURL:   cfg.BaseURL,
		masterKey: cfg.MasterKey,
		hc:        &http.Client{Timeout: timeout},
		log:       slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// envelope is the registry's standard response wrapper.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
}

// ValidateKey checks an API key against the registry and reports validity
// and whether the key carries master privileges.
func (c *Client) ValidateKey(ctx context.Context, apiKey string) (valid bool, master bool, err error) {
	body, err := json.Marshal(map[string]string{"apiKey": apiKey})
	if err != nil {
		return false, false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/keys/validate", bytes.NewReader(body))
	if err != nil {
		return false, false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return false, false, fmt.Errorf("key validation request: %w", err)
	}
	defer drain(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return false, false, fmt.Errorf("key validation: unexpected status %d", resp.StatusCode)
	}

	var out struct {
		Valid    bool `json:"valid"`
		IsMaster bool `json:"isMaster"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, false, fmt.Errorf("key validation response: %w", err)
	}
	return out.Valid, out.IsMaster, nil
}

// ResolveSlug maps a deployed service name to its package slug. Returns an
// empty slug without error when the registry has no mapping.
func (c *Client) ResolveSlug(ctx context.Context, serviceName string) (string, error) {
	if serviceName == "" {
		return "", nil
	}
	u := c.baseURL + "/api/v1/packages/service/" + url.PathEscape(serviceName)
	raw, err := c.getJSON(ctx, u, "")
	if err != nil {
		return "", err
	}
	var out struct {
		Slug string `json:"slug"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("slug response: %w", err)
	}
	return out.Slug, nil
}

// FetchSchema returns the package's declared secret schema.
func (c *Client) FetchSchema(ctx context.Context, slug string) (secrets.Schema, error) {
	u := c.baseURL + "/api/v1/packages/" + url.PathEscape(slug)
	raw, err := c.getJSON(ctx, u, "")
	if err != nil {
		return secrets.Schema{}, err
	}
	var out secrets.Schema
	if err := json.Unmarshal(raw, &out); err != nil {
		return secrets.Schema{}, fmt.Errorf("package schema response: %w", err)
	}
	return out, nil
}

// FetchSecrets returns the caller's stored secret values for the package,
// authenticated with the caller's own API key (not a service credential).
func (c *Client) FetchSecrets(ctx context.Context, slug string, apiKey string) (map[string]any, error) {
	u := c.baseURL + "/api/v1/secrets/package/" + url.PathEscape(slug)
	raw, err := c.getJSON(ctx, u, apiKey)
	if err != nil {
		return nil, err
	}
	var items []struct {
		Key   string `json:"key"`
		Value any    `json:"value"`
	}
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("secrets response: %w", err)
	}
	out := make(map[string]any, len(items))
	for _, it := range items {
		if it.Key == "" || it.Value == nil {
			continue
		}
		out[it.Key] = it.Value
	}
	return out, nil
}

// PublishEvent delivers one telemetry event to the registry's ingestion
// endpoint, authenticated with the master key. One attempt, no retries.
func (c *Client) PublishEvent(ctx context.Context, event any) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/session-analytics/events", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.masterKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.masterKey)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("telemetry request: %w", err)
	}
	defer drain(resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("telemetry: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// getJSON performs a GET expecting the registry's {success, data} envelope
// and returns the raw data payload.
func (c *Client) getJSON(ctx context.Context, u string, bearer string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer drain(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: unexpected status %d", u, resp.StatusCode)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("GET %s: %w", u, err)
	}
	if !env.Success {
		return nil, fmt.Errorf("GET %s: registry reported failure", u)
	}
	return env.Data, nil
}

func drain(rc io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, 1<<20))
	_ = rc.Close()
}
