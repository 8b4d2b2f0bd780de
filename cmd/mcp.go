package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/codeloop-ai/codeloop/internal/config"
	"github.com/codeloop-ai/codeloop/internal/mcp"
	"github.com/codeloop-ai/codeloop/internal/tools"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Inspect configured MCP servers",
}

var mcpListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured MCP servers and their discovered tools",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if len(cfg.MCPServers) == 0 {
			fmt.Println("No MCP servers configured.")
			return nil
		}

		manager := mcp.NewManager(cfg.MCPServers, config.MCPTokenDir())
		registry := tools.NewRegistry()
		manager.Discover(cmd.Context(), registry)
		defer manager.Shutdown()

		for _, name := range manager.ServerNames() {
			status := manager.Status(name)
			fmt.Printf("%s  [%s]", name, status)
			if manager.RequiresOAuth(name) {
				fmt.Print("  (requires OAuth)")
			}
			fmt.Println()
			if client, ok := manager.Client(name); ok {
				for _, tool := range client.Tools() {
					fmt.Printf("    %s__%s — %s\n", name, tool.Name, tool.Description)
				}
				for _, prompt := range client.Prompts() {
					fmt.Printf("    prompt: %s — %s\n", prompt.Name, prompt.Description)
				}
			}
		}
		return nil
	},
}

func init() {
	mcpCmd.AddCommand(mcpListCmd)
	rootCmd.AddCommand(mcpCmd)
}
