package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/stagesync/internal/services/sync"
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Recover from an error mode",
	Long: `Reset clears a non-recoverable or internal error mode. Local scope
discards all pending and in-flight batches; server scope asks the
server to discard its staged operation state.`,
	Example: `  stagesync reset --local --server
  stagesync reset --server`,
	RunE: runReset,
}

var (
	resetLocal  bool
	resetServer bool
)

func init() {
	rootCmd.AddCommand(resetCmd)

	resetCmd.Flags().BoolVar(&resetLocal, "local", false,
		"Discard local queues (data loss)")
	resetCmd.Flags().BoolVar(&resetServer, "server", false,
		"Discard server-side staged state")
}

func runReset(cmd *cobra.Command, args []string) error {
	var scope sync.ResetScope
	if resetLocal {
		scope |= sync.ResetLocal
	}
	if resetServer {
		scope |= sync.ResetServer
	}

	if err := apiClient.ResetFromError(context.Background(), scope); err != nil {
		return err
	}

	if jsonOutput {
		printJSON(map[string]interface{}{"success": true})
		return nil
	}
	printSuccess("Reset complete")
	return nil
}
