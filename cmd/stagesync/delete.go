package main

import (
	"github.com/spf13/cobra"
)

var deleteCmd = &cobra.Command{
	Use:   "delete <uuid>",
	Short: "Stage a file deletion",
	Long: `Delete stages a server-side deletion of the file. The deletion
reaches the server with the next committed batch.`,
	Args: cobra.ExactArgs(1),
	RunE: runDelete,
}

var deleteCommit bool

func init() {
	rootCmd.AddCommand(deleteCmd)

	deleteCmd.Flags().BoolVar(&deleteCommit, "commit", false,
		"Commit the batch after staging")
}

func runDelete(cmd *cobra.Command, args []string) error {
	target := args[0]

	if err := apiClient.EnqueueDeletion(target); err != nil {
		return err
	}

	if deleteCommit {
		if _, err := apiClient.Commit(); err != nil {
			return err
		}
	}

	if jsonOutput {
		printJSON(map[string]interface{}{
			"success":   true,
			"uuid":      target,
			"committed": deleteCommit,
		})
		return nil
	}
	printSuccess("Staged deletion of %s", target)
	return nil
}

var commitCmd = &cobra.Command{
	Use:   "commit",
	Short: "Commit staged changes",
	Long: `Commit seals the staged uploads and deletions into a batch eligible
for the next sync cycle. Later staged changes go into a fresh batch.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		committed, err := apiClient.Commit()
		if err != nil {
			return err
		}

		if jsonOutput {
			printJSON(map[string]interface{}{"committed": committed})
			return nil
		}
		if !committed {
			printInfo("Nothing staged to commit")
			return nil
		}
		printSuccess("Batch committed")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(commitCmd)
}
