package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all churn tools registered.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("churnrisk", version)
	h := NewHandlers(NewClient(cfg), cfg.CompanyID)

	s.AddTool(ToolCalculateChurnRisk, h.HandleCalculateChurnRisk)
	s.AddTool(ToolGetCustomerIntent, h.HandleGetCustomerIntent)
	s.AddTool(ToolBatchCalculateChurnRisk, h.HandleBatchCalculateChurnRisk)
	s.AddTool(ToolGetHighRiskCustomers, h.HandleGetHighRiskCustomers)

	return s
}
