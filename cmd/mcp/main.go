// churnrisk MCP server - exposes churn risk scoring as MCP tools for LLMs
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/churnrisk/internal/mcpserver"
)

var version = "dev"

func main() {
	cfg := mcpserver.Config{
		APIURL:    envOrDefault("CHURNRISK_API_URL", "http://localhost:8080"),
		APIKey:    os.Getenv("CHURNRISK_API_KEY"),
		CompanyID: os.Getenv("CHURNRISK_COMPANY_ID"),
	}

	s := mcpserver.NewMCPServer(cfg, version)
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
