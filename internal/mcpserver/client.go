package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Config holds the configuration for connecting to the clinicgate API.
type Config struct {
	APIURL   string // Base URL, e.g. "http://localhost:8080"
	APIKey   string // API key, e.g. "sk_..."
	TenantID string // Tenant the key belongs to, e.g. "ten_..."
}

// Client is a pure HTTP client for the clinicgate API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new client for the clinicgate API.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the API and returns the response body.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// GetEntitlement returns the tenant's full entitlement snapshot.
func (c *Client) GetEntitlement(ctx context.Context) (json.RawMessage, error) {
	path := "/v1/tenants/" + c.cfg.TenantID + "/entitlement"
	return c.doRequest(ctx, http.MethodGet, path, nil, nil)
}

// CheckEntitlement asks whether the tenant may perform the given action.
func (c *Client) CheckEntitlement(ctx context.Context, action string) (json.RawMessage, error) {
	path := "/v1/tenants/" + c.cfg.TenantID + "/entitlement/check"
	q := url.Values{}
	q.Set("action", action)
	return c.doRequest(ctx, http.MethodGet, path, q, nil)
}

// ReserveConsult atomically reserves one consult against the tenant's quota.
func (c *Client) ReserveConsult(ctx context.Context) (json.RawMessage, error) {
	path := "/v1/tenants/" + c.cfg.TenantID + "/consults/reserve"
	return c.doRequest(ctx, http.MethodPost, path, nil, nil)
}

// ListDevices lists the tenant's device sessions.
func (c *Client) ListDevices(ctx context.Context) (json.RawMessage, error) {
	path := "/v1/tenants/" + c.cfg.TenantID + "/devices"
	return c.doRequest(ctx, http.MethodGet, path, nil, nil)
}
