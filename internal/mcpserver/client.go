package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Config holds the configuration for reaching the QRGuard gateway.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
}

// Client is a pure HTTP client for the gateway API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new client for the gateway.
func NewClient(cfg Config) *Client {
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			// One batch can wait for a cold model start plus the remote budget.
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the gateway.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the gateway and returns the response body.
func (c *Client) doRequest(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.APIURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d %s): %s", resp.StatusCode, apiErr.Error, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// Scan assesses one payload.
func (c *Client) Scan(ctx context.Context, text string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/scan", map[string]string{"text": text})
}

// ScanBatch assesses several payloads in one call.
func (c *Client) ScanBatch(ctx context.Context, texts []string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/scan/batch", map[string]any{"texts": texts})
}

// Feedback reports whether a payload was a scam.
func (c *Client) Feedback(ctx context.Context, text string, isScam bool, reason string) (json.RawMessage, error) {
	body := map[string]any{
		"text":    text,
		"is_scam": isScam,
	}
	if reason != "" {
		body["reason"] = reason
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/feedback", body)
}

// InferenceStatus returns the model service lifecycle snapshot.
func (c *Client) InferenceStatus(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/inference/status", nil)
}
