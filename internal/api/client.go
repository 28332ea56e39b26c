// Package api is the HTTP client for the remote template service. It maps
// status classes onto the shared error taxonomy so the transport layer can
// decide what is worth retrying.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"textbridge/internal/identity"
	"textbridge/internal/logging"
	"textbridge/internal/protocol"
)

// Client talks to the template service backend.
type Client struct {
	baseURL  string
	client   *http.Client
	provider identity.Provider
}

// NewClient creates a backend client. provider supplies bearer tokens; a
// nil provider sends unauthenticated requests.
func NewClient(baseURL string, timeout time.Duration, provider identity.Provider) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: timeout,
		},
		provider: provider,
	}
}

// FetchResult is the outcome of a conditional GET.
type FetchResult struct {
	Body        json.RawMessage
	Etag        string
	NotModified bool
}

// Get performs a conditional GET of path. When etag is non-empty it is sent
// as If-None-Match; a 304 comes back as NotModified with no body.
func (c *Client) Get(ctx context.Context, path, etag string) (*FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	if err := c.authorize(ctx, req); err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		logging.APIDebug("GET %s: not modified", path)
		return &FetchResult{NotModified: true, Etag: etag}, nil
	}
	if resp.StatusCode >= 400 {
		return nil, upstreamError(resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	logging.APIDebug("GET %s: %d bytes, etag=%q", path, len(body), resp.Header.Get("ETag"))
	return &FetchResult{Body: body, Etag: resp.Header.Get("ETag")}, nil
}

// Format posts a format request and returns the reformatted text.
func (c *Client) Format(ctx context.Context, freq protocol.FormatRequest) (*protocol.FormatResult, error) {
	timer := logging.StartTimer(logging.CategoryAPI, "Format")
	defer timer.StopWithThreshold(2 * time.Second)

	body, err := json.Marshal(freq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal format request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/format", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.authorize(ctx, req); err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, upstreamError(resp)
	}

	var result protocol.FormatResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode format response: %w", err)
	}
	return &result, nil
}

// authorize attaches the bearer token when a provider is configured.
// A missing session is surfaced as-is so callers can trigger re-auth
// instead of retrying.
func (c *Client) authorize(ctx context.Context, req *http.Request) error {
	if c.provider == nil {
		return nil
	}
	token, err := c.provider.AccessToken(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func upstreamError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err := &protocol.UpstreamError{Status: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
	logging.APIWarn("Upstream error: %v", err)
	return err
}
