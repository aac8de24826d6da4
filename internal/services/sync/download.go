package sync

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/TheMichaelB/stagesync/internal/models"
	"github.com/TheMichaelB/stagesync/internal/queue"
)

// runDownloads drives the in-flight download round: inbound transfer
// setup, poll, operation-id removal, sequential per-file downloads, then
// caller callbacks. A round holding no file downloads (only deletions and
// deletion conflicts) skips the transfer stages entirely.
func (c *Controller) runDownloads(ctx context.Context) error {
	for {
		startup, err := c.store.Startup()
		if err != nil {
			return err
		}
		if startup != nil {
			if err := c.runDownloadStartup(ctx, startup); err != nil {
				return err
			}
			continue
		}

		ops, err := c.store.BeingDownloaded()
		if err != nil {
			return err
		}
		if len(ops) == 0 {
			return nil
		}

		pending := filterDownloads(ops, queue.DownloadFile, queue.DownloadStageServerDownload)
		if len(pending) > 0 {
			if err := c.downloadFiles(ctx, pending); err != nil {
				return err
			}
			continue
		}

		return c.downloadCallbacks(ops)
	}
}

func filterDownloads(ops []queue.DownloadOp, kind queue.DownloadKind, stage queue.DownloadStage) []queue.DownloadOp {
	var out []queue.DownloadOp
	for _, op := range ops {
		if op.Kind == kind && op.Stage == stage {
			out = append(out, op)
		}
	}
	return out
}

// runDownloadStartup drives the round's startup operation to removal.
func (c *Controller) runDownloadStartup(ctx context.Context, startup *queue.DownloadOp) error {
	transferAttempts := 0

	for {
		switch startup.StartupStage {
		case queue.StartupNoFileDownloads:
			// Nothing on the cloud side needs pulling; go straight to the
			// callbacks.
			return c.store.RemoveDownloadOp(startup.ID)

		case queue.StartupStartInboundTransfer:
			files, err := c.store.DownloadChanges(queue.DownloadFile, queue.DownloadStageCloudStorage)
			if err != nil {
				return err
			}
			setup := make([]models.ServerFile, 0, len(files))
			for _, op := range files {
				setup = append(setup, models.ServerFile{UUID: op.FileUUID, Version: op.ServerVersion})
			}

			opID, err := c.store.OperationID(queue.Download)
			if err != nil {
				return err
			}
			if opID == "" {
				if err := c.retry(ctx, "SetupInboundTransfer", func() error {
					return c.transport.SetupInboundTransfer(ctx, setup)
				}); err != nil {
					return err
				}
				err = c.retry(ctx, "StartInboundTransfer", func() error {
					var err error
					opID, err = c.transport.StartInboundTransfer(ctx)
					return err
				})
				if err != nil {
					return err
				}
				if err := c.store.SetOperationID(queue.Download, opID); err != nil {
					return err
				}
			}
			if err := c.advanceStartup(startup, queue.StartupInboundTransferWait); err != nil {
				return err
			}

		case queue.StartupInboundTransferWait:
			opID, err := c.store.OperationID(queue.Download)
			if err != nil {
				return err
			}
			if opID == "" {
				if err := c.advanceStartup(startup, queue.StartupStartInboundTransfer); err != nil {
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
					return fmt.Errorf("inbound transfer failed after %d attempts: %s",
						transferAttempts, status.ErrorDetail)
				}
				c.logger.WithFields(map[string]interface{}{
					"status": status.Status,
					"detail": status.ErrorDetail,
				}).Warn("Inbound transfer failed; restarting")
				if err := c.store.SetOperationID(queue.Download, ""); err != nil {
					return err
				}
				if err := c.advanceStartup(startup, queue.StartupStartInboundTransfer); err != nil {
					return err
				}
				continue
			}

			c.notifier.Report(models.Event{Type: models.EventInboundTransferComplete, Count: status.Count})
			if err := c.advanceStartup(startup, queue.StartupRemoveOperationID); err != nil {
				return err
			}

		case queue.StartupRemoveOperationID:
			opID, err := c.store.OperationID(queue.Download)
			if err != nil {
				return err
			}
			if opID != "" {
				if err := c.retry(ctx, "RemoveOperationId", func() error {
					return c.transport.RemoveOperationID(ctx, opID)
				}); err != nil {
					return err
				}
				if err := c.store.SetOperationID(queue.Download, ""); err != nil {
					return err
				}
			}

			// Staged on the server now; release the files for download.
			files, err := c.store.DownloadChanges(queue.DownloadFile, queue.DownloadStageCloudStorage)
			if err != nil {
				return err
			}
			for _, op := range files {
				if err := c.store.SetDownloadStage(op.ID, queue.DownloadStageServerDownload); err != nil {
					return err
				}
			}
			return c.store.RemoveDownloadOp(startup.ID)

		default:
			return models.Inconsistencyf("unknown startup stage %q", startup.StartupStage)
		}
	}
}

func (c *Controller) advanceStartup(startup *queue.DownloadOp, stage queue.StartupStage) error {
	if err := c.store.SetStartupStage(startup.ID, stage); err != nil {
		return err
	}
	startup.StartupStage = stage
	return nil
}

// downloadFiles pulls staged files sequentially. Each successful download
// immediately removes the server's temporary copy before the next file
// starts; the first failure aborts the remainder for retry.
func (c *Controller) downloadFiles(ctx context.Context, ops []queue.DownloadOp) error {
	for _, op := range ops {
		dest := filepath.Join(c.downloadDir, op.FileUUID)

		if err := c.retry(ctx, "DownloadFile", func() error {
			return c.transport.DownloadFile(ctx, op.FileUUID, dest)
		}); err != nil {
			return err
		}
		if err := c.retry(ctx, "RemoveDownloadFile", func() error {
			return c.transport.RemoveDownloadFile(ctx, op.FileUUID)
		}); err != nil {
			return err
		}

		if err := c.store.SetDownloadFileURL(op.ID, dest); err != nil {
			return err
		}
		if err := c.store.SetDownloadStage(op.ID, queue.DownloadStageAppCallback); err != nil {
			return err
		}
		c.notifier.Report(models.Event{
			Type: models.EventSingleDownloadComplete,
			UUID: op.FileUUID,
			Path: dest,
		})
	}
	return nil
}

// downloadCallbacks hands the consumed round to the caller and commits
// local metadata. Plain downloads are delivered before download
// conflicts, and plain deletions before deletion conflicts; accepted
// conflict-deletions get their own deletion callback after resolution.
// The round is never cleared while any conflict is unresolved.
func (c *Controller) downloadCallbacks(ops []queue.DownloadOp) error {
	var (
		plainFiles    []queue.DownloadOp
		conflictFiles []queue.DownloadOp
		plainDels     []queue.DownloadOp
		conflictDels  []queue.DownloadOp
	)
	for _, op := range ops {
		switch {
		case op.Kind == queue.DownloadFile && op.ConflictType == "":
			plainFiles = append(plainFiles, op)
		case op.Kind == queue.DownloadFile:
			conflictFiles = append(conflictFiles, op)
		case op.Kind == queue.DownloadDeletion && op.ConflictType == "":
			plainDels = append(plainDels, op)
		case op.Kind == queue.DownloadDeletion:
			conflictDels = append(conflictDels, op)
		}
	}

	if err := c.applyDownloads(plainFiles); err != nil {
		return err
	}
	if err := c.resolveDownloadConflicts(conflictFiles); err != nil {
		return err
	}
	if err := c.applyDeletions(plainDels); err != nil {
		return err
	}
	accepted, err := c.resolveDeletionConflicts(conflictDels)
	if err != nil {
		return err
	}
	if len(accepted) > 0 {
		c.notifier.DeleteFiles(accepted)
	}

	if err := c.store.ClearDownloadRound(); err != nil {
		return err
	}
	c.notifier.Report(models.Event{Type: models.EventDownloadsFinished})
	return nil
}

// applyDeletions marks the files deleted locally, then delivers the
// deletion callback and discards the operations. The local marker is
// written before the callback so a delegate enqueueing work during it
// cannot re-delete the same file.
func (c *Controller) applyDeletions(ops []queue.DownloadOp) error {
	var attrs []models.SyncAttributes
	for _, op := range ops {
		local, err := c.store.LocalFile(op.FileUUID)
		if err != nil {
			return err
		}
		if local == nil {
			return models.Inconsistencyf("download-deletion for unknown file %s", op.FileUUID)
		}
		local.DeletedOnServer = true
		if err := c.store.SaveLocalFile(local); err != nil {
			return err
		}
		attrs = append(attrs, local.Attributes())
	}

	if len(attrs) > 0 {
		c.notifier.DeleteFiles(attrs)
	}

	for _, op := range ops {
		if err := c.store.RemoveDownloadOp(op.ID); err != nil {
			return err
		}
	}
	return nil
}

// applyDownloads delivers downloaded files and commits their metadata
// once the delegate acknowledges.
func (c *Controller) applyDownloads(ops []queue.DownloadOp) error {
	if len(ops) == 0 {
		return nil
	}

	downloads := make([]models.DownloadedFile, 0, len(ops))
	for _, op := range ops {
		local, err := c.store.LocalFile(op.FileUUID)
		if err != nil {
			return err
		}
		if local == nil {
			return models.Inconsistencyf("download for unknown file %s", op.FileUUID)
		}
		downloads = append(downloads, models.DownloadedFile{
			Path:       op.FileURL,
			Attributes: local.Attributes(),
		})
	}

	c.notifier.SaveDownloads(downloads)

	for _, op := range ops {
		if err := c.commitDownload(op); err != nil {
			return err
		}
		if err := c.store.RemoveDownloadOp(op.ID); err != nil {
			return err
		}
	}
	return nil
}

// commitDownload applies one accepted download to local metadata.
func (c *Controller) commitDownload(op queue.DownloadOp) error {
	local, err := c.store.LocalFile(op.FileUUID)
	if err != nil {
		return err
	}
	if local == nil {
		return models.Inconsistencyf("committing download for unknown file %s", op.FileUUID)
	}

	local.SetVersion(op.ServerVersion)
	local.SyncState = models.SyncStateAfterInitialSync
	local.DeletedOnServer = false
	return c.store.SaveLocalFile(local)
}
