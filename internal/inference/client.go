// Package inference is the HTTP client for the external ML scoring service.
//
// The service exposes three endpoints: GET / (health), POST /predict and
// POST /feedback. The client does not impose its own timeouts; every call
// is bounded by the caller's context.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/mbd888/qrguard/internal/traces"
)

const maxResponseSize = 1 << 20 // 1MB

// ErrMalformedResponse is returned when /predict answers 2xx with a body
// that is not a JSON object carrying a numeric risk_score in [0, 100].
var ErrMalformedResponse = errors.New("inference: malformed response")

// StatusError is returned for non-2xx answers.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("inference %s: HTTP %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("inference %s: HTTP %d: %s", e.Op, e.StatusCode, e.Body)
}

// Prediction is a validated /predict answer.
type Prediction struct {
	RiskScore        float64
	Features         map[string]float64
	DetectedPatterns []string
}

// FeedbackRequest is the label relayed to /feedback.
type FeedbackRequest struct {
	Text   string
	IsScam bool
	Reason string
}

// Client talks to one inference service instance.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option configures the Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a client for the service at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the service root.
func (c *Client) BaseURL() string { return c.baseURL }

// Probe performs the health check: GET / answering 2xx means ready.
func (c *Client) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return fmt.Errorf("create probe request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("probe failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseSize))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Op: "probe", StatusCode: resp.StatusCode}
	}
	return nil
}

type predictBody struct {
	RiskScore        *float64        `json:"risk_score"`
	Features         json.RawMessage `json:"features"`
	DetectedPatterns json.RawMessage `json:"detected_patterns"`
	Reasons          json.RawMessage `json:"reasons"`
}

// Predict asks the service to score text.
func (c *Client) Predict(ctx context.Context, text string) (*Prediction, error) {
	ctx, span := traces.StartSpan(ctx, "inference.Predict", traces.PayloadLength(len(text)))
	defer span.End()

	raw, err := c.post(ctx, "predict", "/predict", nil, map[string]any{"qr_text": text})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	var body predictBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if body.RiskScore == nil {
		return nil, fmt.Errorf("%w: missing risk_score", ErrMalformedResponse)
	}
	score := *body.RiskScore
	if score < 0 || score > 100 {
		return nil, fmt.Errorf("%w: risk_score %v out of range", ErrMalformedResponse, score)
	}

	patterns := decodeStrings(body.DetectedPatterns)
	if patterns == nil {
		patterns = decodeStrings(body.Reasons)
	}

	return &Prediction{
		RiskScore:        score,
		Features:         decodeNumeric(body.Features),
		DetectedPatterns: patterns,
	}, nil
}

// Feedback relays a user label. The label is sent both as a JSON body and
// as query parameters; some service variants only read the latter.
func (c *Client) Feedback(ctx context.Context, fb FeedbackRequest) error {
	q := url.Values{}
	q.Set("qr_text", fb.Text)
	q.Set("is_scam", strconv.FormatBool(fb.IsScam))

	body := map[string]any{"qr_text": fb.Text, "is_scam": fb.IsScam}
	if fb.Reason != "" {
		body["reason"] = fb.Reason
	}
	_, err := c.post(ctx, "feedback", "/feedback", q, body)
	return err
}

func (c *Client) post(ctx context.Context, op, path string, query url.Values, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s body: %w", op, err)
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Op: op, StatusCode: resp.StatusCode, Body: truncate(string(respBody), 200)}
	}
	return respBody, nil
}

// decodeNumeric keeps the numeric and boolean members of a JSON object.
func decodeNumeric(raw json.RawMessage) map[string]float64 {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		switch x := v.(type) {
		case float64:
			out[k] = x
		case bool:
			if x {
				out[k] = 1
			} else {
				out[k] = 0
			}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func decodeStrings(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var s []string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
