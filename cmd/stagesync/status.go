package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/stagesync/internal/models"
)

var statusCmd = &cobra.Command{
	Use:   "status [uuid]",
	Short: "Show sync mode and known files",
	Long: `Status prints the engine's persisted sync mode and the local
metadata of every known file, or of one file when a uuid is given.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	mode, err := apiClient.Mode()
	if err != nil {
		return err
	}

	var files []models.LocalFile
	if len(args) == 1 {
		f, err := apiClient.LocalFileStatus(args[0])
		if err != nil {
			return err
		}
		if f == nil {
			return models.ErrUnknownFile
		}
		files = []models.LocalFile{*f}
	} else {
		files, err = apiClient.LocalFiles()
		if err != nil {
			return err
		}
	}

	if jsonOutput {
		printJSON(map[string]interface{}{
			"mode":  mode.String(),
			"files": files,
		})
		return nil
	}

	printInfo("Mode: %s", mode)

	if len(files) == 0 {
		printInfo("No files known")
		return nil
	}

	for _, f := range files {
		state := string(f.SyncState)
		if f.DeletedOnServer {
			state = "deleted"
		}
		version := "-"
		if f.LocalVersion != nil {
			version = fmt.Sprintf("v%d", *f.LocalVersion)
		}
		printInfo("%-36s  %-4s  %-18s  %s", f.UUID, version, state, f.RemoteName)
	}
	return nil
}
