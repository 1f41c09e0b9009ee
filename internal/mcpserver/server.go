package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all QRGuard tools registered.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("qrguard", version)
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolAssessQR, h.HandleAssessQR)
	s.AddTool(ToolAssessQRBatch, h.HandleAssessQRBatch)
	s.AddTool(ToolReportQR, h.HandleReportQR)
	s.AddTool(ToolInferenceStatus, h.HandleInferenceStatus)

	return s
}
