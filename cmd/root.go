// Package cmd implements the codeloop command-line surface.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	modelFlag  string
	authFlag   string
	promptFlag string
	debugFlag  bool
)

var rootCmd = &cobra.Command{
	Use:   "codeloop",
	Short: "Terminal coding assistant with a streaming, tool-using agent loop",
	Long: `codeloop drives a remote model through a streaming agent loop:
it executes the tools the model requests against your workspace and
feeds the results back until the model answers.

Run with no arguments for an interactive session, or with -p for a
single non-interactive prompt.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if promptFlag != "" {
			return runNonInteractive(cmd.Context(), promptFlag)
		}
		return runInteractive(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&modelFlag, "model", "m", "", "Model to use (overrides config)")
	rootCmd.PersistentFlags().StringVar(&authFlag, "auth", "", "Auth type: gemini-api-key, vertex-ai, oauth-personal, openrouter, anthropic")
	rootCmd.PersistentFlags().BoolVarP(&debugFlag, "debug", "d", false, "Verbose logging to stderr")
	rootCmd.Flags().StringVarP(&promptFlag, "prompt", "p", "", "Run a single prompt non-interactively and exit")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
