package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all Saturn tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("saturn", "1.0.0")
	client := NewSaturnClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolListServices, h.HandleListServices)
	s.AddTool(ToolCallService, h.HandleCallService)
	s.AddTool(ToolCallCapability, h.HandleCallCapability)
	s.AddTool(ToolCheckBalance, h.HandleCheckBalance)
	s.AddTool(ToolFundWallet, h.HandleFundWallet)
	s.AddTool(ToolListTransactions, h.HandleListTransactions)

	return s
}
