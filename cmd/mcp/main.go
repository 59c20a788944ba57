// ClinicGate MCP Server - Exposes entitlement checks as MCP tools for LLMs
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbaier/clinicgate/internal/mcpserver"
)

func main() {
	cfg := mcpserver.Config{
		APIURL:   envOrDefault("CLINICGATE_API_URL", "http://localhost:8080"),
		APIKey:   os.Getenv("CLINICGATE_API_KEY"),
		TenantID: os.Getenv("CLINICGATE_TENANT_ID"),
	}

	if cfg.APIKey == "" {
		fmt.Fprintln(os.Stderr, "CLINICGATE_API_KEY is required")
		os.Exit(1)
	}
	if cfg.TenantID == "" {
		fmt.Fprintln(os.Stderr, "CLINICGATE_TENANT_ID is required")
		os.Exit(1)
	}

	s := mcpserver.NewMCPServer(cfg)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
