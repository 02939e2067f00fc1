// Saturn MCP server - exposes the metered API gateway as MCP tools for LLMs.
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/saturn/internal/mcpserver"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	apiKey := os.Getenv("SATURN_API_KEY")
	if apiKey == "" {
		return fmt.Errorf("SATURN_API_KEY is required")
	}

	apiURL := os.Getenv("SATURN_API_URL")
	if apiURL == "" {
		apiURL = "http://localhost:8080"
	}

	s := mcpserver.NewMCPServer(mcpserver.Config{APIURL: apiURL, APIKey: apiKey})
	if err := server.ServeStdio(s); err != nil {
		return fmt.Errorf("mcp server: %w", err)
	}
	return nil
}
