package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all clinicgate tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("clinicgate", "1.0.0")
	client := NewClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolCheckEntitlement, h.HandleCheckEntitlement)
	s.AddTool(ToolGetUsage, h.HandleGetUsage)
	s.AddTool(ToolReserveConsult, h.HandleReserveConsult)
	s.AddTool(ToolListDevices, h.HandleListDevices)

	return s
}
