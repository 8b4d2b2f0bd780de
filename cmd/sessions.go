package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/codeloop-ai/codeloop/internal/config"
	"github.com/codeloop-ai/codeloop/internal/session"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List recent sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := session.OpenSQLite(config.SessionDBPath())
		if err != nil {
			return err
		}
		defer store.Close()

		summaries, err := store.List(cmd.Context(), 20)
		if err != nil {
			return err
		}
		if len(summaries) == 0 {
			fmt.Println("No stored sessions.")
			return nil
		}
		for _, s := range summaries {
			first := s.FirstPrompt
			if len(first) > 60 {
				first = first[:57] + "..."
			}
			fmt.Printf("%s  %s  %2d prompt(s)  %s\n",
				s.UpdatedAt.Format("2006-01-02 15:04"), s.ID[:8], s.PromptCount, first)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
}
