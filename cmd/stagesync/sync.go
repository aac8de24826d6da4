package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/stagesync/internal/models"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync cycle",
	Long: `Sync exchanges committed changes with the server: pending download
rounds and upload batches are finished first, then the server index is
checked for new changes, then committed uploads are sent.`,
	Example: `  stagesync sync
  stagesync sync --commit`,
	RunE: runSyncCmd,
}

var syncCommitFirst bool

func init() {
	rootCmd.AddCommand(syncCmd)

	syncCmd.Flags().BoolVar(&syncCommitFirst, "commit", false,
		"Commit prepared changes before syncing")
}

func runSyncCmd(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	go func() {
		<-sigChan
		printWarning("\nSync interrupted, cancelling...")
		cancel()
	}()

	apiClient.SetDelegate(&cliDelegate{})

	if syncCommitFirst {
		committed, err := apiClient.Commit()
		if err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		if !committed {
			printInfo("Nothing staged to commit")
		}
	}

	if err := apiClient.Sync(ctx); err != nil {
		return err
	}

	mode, err := apiClient.Mode()
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(map[string]interface{}{
			"success": !mode.IsError(),
			"mode":    mode.String(),
		})
		if mode.IsError() {
			return fmt.Errorf("sync ended in mode %s", mode)
		}
		return nil
	}

	if mode.IsError() {
		printError("Sync failed: %s", mode)
		return fmt.Errorf("sync ended in mode %s", mode)
	}
	printSuccess("Sync completed")
	return nil
}

// cliDelegate accepts every download, prints progress, and resolves
// conflicts in the server's favor.
type cliDelegate struct{}

func (d *cliDelegate) ShouldSaveDownloads(files []models.DownloadedFile, ack func()) {
	for _, f := range files {
		printInfo("Downloaded %s -> %s", f.Attributes.RemoteName, f.Path)
	}
	ack()
}

func (d *cliDelegate) ShouldResolveDownloadConflicts(conflicts []models.DownloadConflict) {
	for i := range conflicts {
		printWarning("Conflict on %s (local %s pending); taking server version",
			conflicts[i].Attributes.RemoteName, conflicts[i].Conflict.Type)
		conflicts[i].Conflict.Resolve(models.DeleteConflictingClientOperations)
	}
}

func (d *cliDelegate) ShouldDeleteFiles(files []models.SyncAttributes, ack func()) {
	for _, f := range files {
		printInfo("Deleted on server: %s", f.RemoteName)
	}
	ack()
}

func (d *cliDelegate) ShouldResolveDeletionConflicts(conflicts []models.DeletionConflict) {
	for i := range conflicts {
		printWarning("Deletion conflict on %s; accepting server deletion",
			conflicts[i].Attributes.RemoteName)
		conflicts[i].Conflict.Resolve(models.DeleteConflictingClientOperations)
	}
}

func (d *cliDelegate) ModeChanged(mode models.SyncMode) {
	if verbose {
		printInfo("Mode: %s", mode)
	}
}

func (d *cliDelegate) EventOccurred(event models.Event) {
	if verbose {
		printInfo("Event: %s", event.Type)
	}
}
