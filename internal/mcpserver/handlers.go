package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleAssessQR scores a single payload.
func (h *Handlers) HandleAssessQR(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text := req.GetString("text", "")
	if strings.TrimSpace(text) == "" {
		return mcp.NewToolResultError("text is required"), nil
	}

	raw, err := h.client.Scan(ctx, text)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to assess QR code: %v", err)), nil
	}

	out, err := formatVerdict(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse verdict: %v", err)), nil
	}
	return mcp.NewToolResultText(out), nil
}

// HandleAssessQRBatch scores several payloads.
func (h *Handlers) HandleAssessQRBatch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rawTexts, ok := req.GetArguments()["texts"].([]any)
	if !ok || len(rawTexts) == 0 {
		return mcp.NewToolResultError("texts must be a non-empty array of strings"), nil
	}
	texts := make([]string, 0, len(rawTexts))
	for i, v := range rawTexts {
		s, ok := v.(string)
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("texts[%d] must be a string", i)), nil
		}
		texts = append(texts, s)
	}

	raw, err := h.client.ScanBatch(ctx, texts)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to assess QR codes: %v", err)), nil
	}

	out, err := formatBatch(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse verdicts: %v", err)), nil
	}
	return mcp.NewToolResultText(out), nil
}

// HandleReportQR forwards a scam label.
func (h *Handlers) HandleReportQR(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text := req.GetString("text", "")
	if strings.TrimSpace(text) == "" {
		return mcp.NewToolResultError("text is required"), nil
	}
	if _, ok := req.GetArguments()["is_scam"]; !ok {
		return mcp.NewToolResultError("is_scam is required"), nil
	}
	isScam := req.GetBool("is_scam", false)
	reason := req.GetString("reason", "")

	raw, err := h.client.Feedback(ctx, text, isScam, reason)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to report QR code: %v", err)), nil
	}

	var res struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse response: %v", err)), nil
	}

	switch res.Status {
	case "ok":
		return mcp.NewToolResultText(fmt.Sprintf("Thanks, the report was recorded (reference %s).", res.ID)), nil
	case "unavailable":
		return mcp.NewToolResultText("The scoring model is unreachable right now, so the report was not recorded. Try again later."), nil
	default:
		return mcp.NewToolResultText("The scoring model rejected the report."), nil
	}
}

// HandleInferenceStatus shows the model service state.
func (h *Handlers) HandleInferenceStatus(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.InferenceStatus(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get inference status: %v", err)), nil
	}
	return mcp.NewToolResultText(formatJSON(raw)), nil
}

// ============================================================
// Formatting
// ============================================================

type verdictView struct {
	RiskScore        float64  `json:"risk_score"`
	RiskLevel        string   `json:"risk_level"`
	Recommendation   string   `json:"recommendation"`
	Source           string   `json:"source"`
	LatencyMs        int64    `json:"latency_ms"`
	DetectedPatterns []string `json:"detected_patterns"`
	Cached           bool     `json:"cached"`
}

var advice = map[string]string{
	"Allow":  "Looks safe to pay.",
	"Verify": "Confirm the payee name and amount with the merchant before paying.",
	"Block":  "Do not pay.",
}

func formatVerdict(raw json.RawMessage) (string, error) {
	var v verdictView
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", err
	}
	if v.RiskLevel == "" {
		return "", fmt.Errorf("unexpected verdict format")
	}

	var sb strings.Builder
	writeVerdict(&sb, v, "")
	return sb.String(), nil
}

func writeVerdict(sb *strings.Builder, v verdictView, indent string) {
	fmt.Fprintf(sb, "%sRisk: %s (%.1f/100)\n", indent, v.RiskLevel, v.RiskScore)
	fmt.Fprintf(sb, "%sRecommendation: %s. %s\n", indent, v.Recommendation, advice[v.Recommendation])

	patterns := "none"
	if len(v.DetectedPatterns) > 0 {
		patterns = strings.Join(v.DetectedPatterns, ", ")
	}
	fmt.Fprintf(sb, "%sPatterns: %s\n", indent, patterns)

	source := "scoring model"
	if v.Source == "Fallback" {
		source = "built-in rules (model unavailable)"
	}
	if v.Cached {
		source += ", cached"
	}
	fmt.Fprintf(sb, "%sScored by: %s in %dms\n", indent, source, v.LatencyMs)
}

func formatBatch(raw json.RawMessage) (string, error) {
	var resp struct {
		Results []struct {
			Verdict *verdictView `json:"verdict"`
			Error   *apiError    `json:"error"`
		} `json:"results"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Assessed %d payload(s):\n", len(resp.Results))
	for i, r := range resp.Results {
		fmt.Fprintf(&sb, "\n%d.\n", i+1)
		switch {
		case r.Verdict != nil:
			writeVerdict(&sb, *r.Verdict, "   ")
		case r.Error != nil:
			fmt.Fprintf(&sb, "   Error: %s\n", r.Error.Message)
		}
	}
	return sb.String(), nil
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}
