// Perpsim MCP server.
// Exposes simulator status tools over MCP stdio transport.
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	mcptools "github.com/gateway-fm/perpsim/internal/mcp"
)

func main() {
	apiURL := os.Getenv("PERPSIM_URL")
	if apiURL == "" {
		apiURL = "http://localhost:13002"
	}

	s := server.NewMCPServer(
		"perpsim",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	mcptools.RegisterTools(s, mcptools.NewClient(apiURL))

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}
