package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the QRGuard MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolAssessQR = mcp.NewTool("assess_qr",
	mcp.WithDescription(
		"Assess the fraud risk of a scanned QR code payload before paying. "+
			"Returns a 0-100 risk score, a level (Low/Medium/High), a recommendation "+
			"(Allow/Verify/Block) and the patterns that raised or lowered the score. "+
			"Pass the decoded QR text exactly as scanned, e.g. a upi:// payment link."),
	mcp.WithString("text",
		mcp.Required(),
		mcp.Description("Decoded QR code content, e.g. 'upi://pay?pa=shop@bank&pn=Shop&am=250'")),
)

var ToolAssessQRBatch = mcp.NewTool("assess_qr_batch",
	mcp.WithDescription(
		"Assess up to 32 scanned QR payloads in one call. "+
			"Results come back in input order; an invalid entry gets an error instead of a verdict."),
	mcp.WithArray("texts",
		mcp.Required(),
		mcp.Description("Decoded QR code contents"),
		mcp.Items(map[string]any{"type": "string"})),
)

var ToolReportQR = mcp.NewTool("report_qr",
	mcp.WithDescription(
		"Report whether a scanned QR payload turned out to be a scam. "+
			"The label is forwarded to the scoring model to improve future verdicts."),
	mcp.WithString("text",
		mcp.Required(),
		mcp.Description("The QR payload being labelled, exactly as assessed")),
	mcp.WithBoolean("is_scam",
		mcp.Required(),
		mcp.Description("true if the payload was fraudulent, false if it was legitimate")),
	mcp.WithString("reason",
		mcp.Description("Optional short explanation, e.g. 'merchant name did not match'")),
)

var ToolInferenceStatus = mcp.NewTool("inference_status",
	mcp.WithDescription(
		"Show whether the ML scoring model is up. When it is down, verdicts come from "+
			"the built-in rule-based scorer and carry source 'Fallback'."),
)
