package sync

import (
	"context"
	"fmt"
	"os"

	"github.com/TheMichaelB/stagesync/internal/models"
	"github.com/TheMichaelB/stagesync/internal/queue"
)

// runUploads drives the in-flight upload queue through its lifecycle:
// deletions, then file uploads, then the wrapup (outbound transfer, poll,
// operation-id removal). Each stage persists before advancing, so an
// interrupted batch resumes exactly where it stopped.
func (c *Controller) runUploads(ctx context.Context) error {
	for {
		ops, err := c.store.UploadsInFlight()
		if err != nil {
			return err
		}
		if len(ops) == 0 {
			return nil
		}

		// Deletion validation and upload version checks both need the
		// current server index.
		var index []models.ServerFile
		if anyAtServerUpload(ops) {
			index, err = c.fetchIndex(ctx)
			if err != nil {
				return err
			}
		}

		deletions := filterUploads(ops, queue.UploadDeletion, queue.StageServerUpload)
		if len(deletions) > 0 {
			if err := c.sendDeletions(ctx, deletions, index); err != nil {
				return err
			}
			continue
		}

		files := filterUploads(ops, queue.UploadFile, queue.StageServerUpload)
		if len(files) > 0 {
			if err := c.sendUploads(ctx, files, index); err != nil {
				return err
			}
			continue
		}

		wrapup, err := c.store.Wrapup()
		if err != nil {
			return err
		}
		if wrapup == nil {
			// Every op was silently dropped (deletions the server already
			// agreed on); nothing was staged, so there is nothing to commit.
			return nil
		}
		return c.runWrapup(ctx, wrapup)
	}
}

func anyAtServerUpload(ops []queue.UploadOp) bool {
	for _, op := range ops {
		if op.Kind != queue.UploadWrapup && op.Stage == queue.StageServerUpload {
			return true
		}
	}
	return false
}

func filterUploads(ops []queue.UploadOp, kind queue.UploadKind, stage queue.UploadStage) []queue.UploadOp {
	var out []queue.UploadOp
	for _, op := range ops {
		if op.Kind == kind && op.Stage == stage {
			out = append(out, op)
		}
	}
	return out
}

// sendDeletions validates and sends the batch's pending deletions as one
// group. A deletion the server already performed (and the local metadata
// knows about) is dropped silently; any other divergence is corrupted
// local state, not a transient fault.
func (c *Controller) sendDeletions(ctx context.Context, deletions []queue.UploadOp, index []models.ServerFile) error {
	var batch []models.ServerFile
	var send []queue.UploadOp
	var uuids []string

	for _, op := range deletions {
		local, err := c.store.LocalFile(op.FileUUID)
		if err != nil {
			return err
		}
		if local == nil {
			return models.Inconsistencyf("deletion for unknown file %s", op.FileUUID)
		}

		server := models.FindServerFile(index, op.FileUUID)
		if server == nil {
			return models.Inconsistencyf("deleting %s which is not on the server", op.FileUUID)
		}
		if server.Deleted {
			if local.DeletedOnServer {
				c.logger.WithField("uuid", op.FileUUID).Debug("Deletion already applied on server; dropping")
				if err := c.store.RemoveUploadOp(op.ID); err != nil {
					return err
				}
				continue
			}
			return models.Inconsistencyf("deleting %s already deleted on server", op.FileUUID)
		}
		if server.Version != local.Version() {
			return models.Inconsistencyf("deleting %s at server version %d, local %d",
				op.FileUUID, server.Version, local.Version())
		}

		batch = append(batch, models.ServerFile{UUID: op.FileUUID, Version: local.Version()})
		send = append(send, op)
		uuids = append(uuids, op.FileUUID)
	}

	if len(batch) > 0 {
		if err := c.retry(ctx, "DeleteFiles", func() error {
			return c.transport.DeleteFiles(ctx, batch)
		}); err != nil {
			return err
		}
	}

	for _, op := range send {
		if err := c.store.SetUploadStage(op.ID, queue.StageCloudStorage); err != nil {
			return err
		}
	}

	if len(uuids) > 0 {
		c.notifier.Report(models.Event{Type: models.EventDeletionsSent, UUIDs: uuids})
	}
	return nil
}

// sendUploads sends pending file uploads strictly sequentially. The first
// failure aborts the remainder; the batch resumes from the failed file.
func (c *Controller) sendUploads(ctx context.Context, files []queue.UploadOp, index []models.ServerFile) error {
	for _, op := range files {
		local, err := c.store.LocalFile(op.FileUUID)
		if err != nil {
			return err
		}
		if local == nil {
			return models.Inconsistencyf("upload for unknown file %s", op.FileUUID)
		}

		version, err := uploadVersion(local, models.FindServerFile(index, op.FileUUID), op.Undelete)
		if err != nil {
			return err
		}

		sf := &models.ServerFile{
			UUID:        local.UUID,
			RemoteName:  local.RemoteName,
			MimeType:    local.MimeType,
			AppMetadata: local.AppMetadata,
			Version:     version,
			LocalPath:   op.FileURL,
			Undelete:    op.Undelete,
		}

		if err := c.retry(ctx, "UploadFile", func() error {
			return c.transport.UploadFile(ctx, sf)
		}); err != nil {
			return err
		}

		if err := c.store.SetUploadStage(op.ID, queue.StageCloudStorage); err != nil {
			return err
		}
		c.notifier.Report(models.Event{Type: models.EventSingleUploadComplete, UUID: op.FileUUID})
	}
	return nil
}

// uploadVersion computes the version to send: 0 for a never-synced file,
// otherwise local+1 requiring the server to still be at the local version.
func uploadVersion(local *models.LocalFile, server *models.ServerFile, undelete bool) (int, error) {
	if local.Version() < 0 {
		return 0, nil
	}
	if server == nil {
		return 0, models.Inconsistencyf("file %s at version %d missing from server index",
			local.UUID, local.Version())
	}
	if server.Deleted && !undelete {
		return 0, models.Inconsistencyf("uploading %s which is deleted on the server", local.UUID)
	}
	if server.Version != local.Version() {
		return 0, models.Inconsistencyf("uploading %s at server version %d, local %d",
			local.UUID, server.Version, local.Version())
	}
	return local.Version() + 1, nil
}

// runWrapup commits the staged batch: start the outbound transfer, poll
// it, remove the operation id. The removal is the commit point; only then
// is local metadata updated and the queue discarded.
func (c *Controller) runWrapup(ctx context.Context, wrapup *queue.UploadOp) error {
	transferAttempts := 0

	for {
		switch wrapup.WrapupStage {
		case queue.WrapupOutboundTransfer:
			opID, err := c.store.OperationID(queue.Upload)
			if err != nil {
				return err
			}
			if opID == "" {
				err = c.retry(ctx, "StartOutboundTransfer", func() error {
					var err error
					opID, err = c.transport.StartOutboundTransfer(ctx)
					return err
				})
				if err != nil {
					return err
				}
				if err := c.store.SetOperationID(queue.Upload, opID); err != nil {
					return err
				}
			}
			if err := c.advanceWrapup(wrapup, queue.WrapupOutboundTransferWait); err != nil {
				return err
			}

		case queue.WrapupOutboundTransferWait:
			opID, err := c.store.OperationID(queue.Upload)
			if err != nil {
				return err
			}
			if opID == "" {
				// Crashed between stage advance and id persistence.
				if err := c.advanceWrapup(wrapup, queue.WrapupOutboundTransfer); err != nil {
					return err
				}
				continue
			}

			status, err := c.pollOperation(ctx, opID)
			if err != nil {
				return err
			}
			if !status.Succeeded() {
				transferAttempts++
				if transferAttempts >= c.maxRetries {
					return fmt.Errorf("outbound transfer failed after %d attempts: %s",
						transferAttempts, status.ErrorDetail)
				}
				c.logger.WithFields(map[string]interface{}{
					"status": status.Status,
					"detail": status.ErrorDetail,
				}).Warn("Outbound transfer failed; restarting")
				if err := c.store.SetOperationID(queue.Upload, ""); err != nil {
					return err
				}
				if err := c.advanceWrapup(wrapup, queue.WrapupOutboundTransfer); err != nil {
					return err
				}
				continue
			}

			if err := c.store.SetOperationCount(status.Count); err != nil {
				return err
			}
			if err := c.advanceWrapup(wrapup, queue.WrapupRemoveOperationID); err != nil {
				return err
			}

		case queue.WrapupRemoveOperationID:
			opID, err := c.store.OperationID(queue.Upload)
			if err != nil {
				return err
			}
			if opID != "" {
				if err := c.retry(ctx, "RemoveOperationId", func() error {
					return c.transport.RemoveOperationID(ctx, opID)
				}); err != nil {
					return err
				}
			}
			return c.commitUploadBatch(wrapup)

		default:
			return models.Inconsistencyf("unknown wrapup stage %q", wrapup.WrapupStage)
		}
	}
}

func (c *Controller) advanceWrapup(wrapup *queue.UploadOp, stage queue.WrapupStage) error {
	if err := c.store.SetWrapupStage(wrapup.ID, stage); err != nil {
		return err
	}
	wrapup.WrapupStage = stage
	return nil
}

// commitUploadBatch applies the batch to local metadata after the server
// acknowledged completion, then discards the queue.
func (c *Controller) commitUploadBatch(wrapup *queue.UploadOp) error {
	ops, err := c.store.UploadsInFlight()
	if err != nil {
		return err
	}

	for _, op := range ops {
		if op.Kind == queue.UploadWrapup {
			continue
		}

		local, err := c.store.LocalFile(op.FileUUID)
		if err != nil {
			return err
		}
		if local == nil {
			return models.Inconsistencyf("committing %s with no local metadata", op.FileUUID)
		}

		switch op.Kind {
		case queue.UploadFile:
			if local.Version() < 0 {
				local.SetVersion(0)
			} else {
				local.SetVersion(local.Version() + 1)
			}
			if local.SyncState == models.SyncStateInitialUpload {
				local.SyncState = models.SyncStateAfterInitialSync
			}
			if op.Undelete {
				local.DeletedOnServer = false
			}
			if err := c.store.SaveLocalFile(local); err != nil {
				return err
			}
			if op.DeleteAfterUpload {
				if err := os.Remove(op.FileURL); err != nil && !os.IsNotExist(err) {
					c.logger.WithError(err).Warn("Failed to remove uploaded temp file")
				}
			}

		case queue.UploadDeletion:
			local.DeletedOnServer = true
			if err := c.store.SaveLocalFile(local); err != nil {
				return err
			}
		}

		if err := c.store.RemoveUploadOp(op.ID); err != nil {
			return err
		}
	}

	// Dropping the last file operation cascades the wrapup away with its
	// queue; this is a no-op then.
	if err := c.store.RemoveUploadOp(wrapup.ID); err != nil {
		return err
	}
	if err := c.store.SetOperationID(queue.Upload, ""); err != nil {
		return err
	}

	count, err := c.store.OperationCount()
	if err != nil {
		return err
	}
	c.notifier.Report(models.Event{Type: models.EventAllUploadsComplete, Count: count})
	c.notifier.Report(models.Event{Type: models.EventMetadataUpdated})
	return nil
}
