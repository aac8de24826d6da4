package main

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/TheMichaelB/stagesync/internal/models"
)

var uploadCmd = &cobra.Command{
	Use:   "upload <path>",
	Short: "Stage a file for upload",
	Long: `Upload stages a local file's content for the next committed batch.
Nothing reaches the server until the batch is committed and synced.`,
	Example: `  stagesync upload notes.txt --name notes.txt
  stagesync upload photo.jpg --uuid 8f14e45f-... --name photo.jpg`,
	Args: cobra.ExactArgs(1),
	RunE: runUpload,
}

var (
	uploadUUID     string
	uploadName     string
	uploadMime     string
	uploadMetadata string
	uploadCommit   bool
)

func init() {
	rootCmd.AddCommand(uploadCmd)

	uploadCmd.Flags().StringVar(&uploadUUID, "uuid", "",
		"File identity (generated for a new file if omitted)")
	uploadCmd.Flags().StringVarP(&uploadName, "name", "n", "",
		"Remote file name (defaults to the local base name)")
	uploadCmd.Flags().StringVar(&uploadMime, "mime", "",
		"MIME type (sniffed from content if omitted)")
	uploadCmd.Flags().StringVar(&uploadMetadata, "metadata", "",
		"App metadata as a JSON value")
	uploadCmd.Flags().BoolVar(&uploadCommit, "commit", false,
		"Commit the batch after staging")
}

func runUpload(cmd *cobra.Command, args []string) error {
	path, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}

	if uploadUUID == "" {
		uploadUUID = uuid.NewString()
	}
	if uploadName == "" {
		uploadName = filepath.Base(path)
	}

	attrs := models.SyncAttributes{
		UUID:       uploadUUID,
		RemoteName: uploadName,
		MimeType:   uploadMime,
	}
	if uploadMetadata != "" {
		if !json.Valid([]byte(uploadMetadata)) {
			return fmt.Errorf("metadata is not valid JSON")
		}
		attrs.AppMetadata = json.RawMessage(uploadMetadata)
	}

	if err := apiClient.EnqueueUpload(path, attrs); err != nil {
		return err
	}

	if uploadCommit {
		if _, err := apiClient.Commit(); err != nil {
			return err
		}
	}

	if jsonOutput {
		printJSON(map[string]interface{}{
			"success":   true,
			"uuid":      uploadUUID,
			"name":      uploadName,
			"committed": uploadCommit,
		})
		return nil
	}
	printSuccess("Staged %s as %s", path, uploadUUID)
	return nil
}
