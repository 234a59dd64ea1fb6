package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all agora tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("agora", "1.0.0")
	client := NewAgoraClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolSearchServices, h.HandleSearchServices)
	s.AddTool(ToolGetBalance, h.HandleGetBalance)
	s.AddTool(ToolHireService, h.HandleHireService)
	s.AddTool(ToolJobStatus, h.HandleJobStatus)
	s.AddTool(ToolDeliverWork, h.HandleDeliverWork)
	s.AddTool(ToolCompleteJob, h.HandleCompleteJob)
	s.AddTool(ToolStartNegotiation, h.HandleStartNegotiation)
	s.AddTool(ToolRespondNegotiation, h.HandleRespondNegotiation)
	s.AddTool(ToolVerifyPayment, h.HandleVerifyPayment)

	return s
}
