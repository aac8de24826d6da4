package sync

import (
	"context"
	"os"

	"github.com/TheMichaelB/stagesync/internal/models"
	"github.com/TheMichaelB/stagesync/internal/queue"
)

// checkServerForDownloads fetches the server file index, diffs it against
// local metadata, and records a download round for every divergence.
// Returns true when a round was produced.
func (c *Controller) checkServerForDownloads(ctx context.Context) (bool, error) {
	index, err := c.fetchIndex(ctx)
	if err != nil {
		return false, err
	}

	var ops []queue.DownloadOp
	sizes := make(map[string]int64)

	for i := range index {
		sf := &index[i]

		local, err := c.store.LocalFile(sf.UUID)
		if err != nil {
			return false, err
		}

		if local == nil {
			if sf.Deleted {
				continue
			}
			// First sighting of a server-originated file.
			local = &models.LocalFile{
				UUID:        sf.UUID,
				RemoteName:  sf.RemoteName,
				MimeType:    sf.MimeType,
				AppMetadata: sf.AppMetadata,
				SyncState:   models.SyncStateInitialDownload,
			}
			if err := c.store.SaveLocalFile(local); err != nil {
				return false, err
			}
			ops = append(ops, queue.NewDownloadFileOp(sf.UUID, sf.Version))
			sizes[sf.UUID] = sf.SizeBytes
			continue
		}

		if sf.Deleted {
			op, err := c.checkServerDeletion(sf, local)
			if err != nil {
				return false, err
			}
			if op != nil {
				ops = append(ops, *op)
			}
			continue
		}

		// Attribute changes apply immediately; version and deletion state
		// only move at batch commit.
		local.RemoteName = sf.RemoteName
		local.MimeType = sf.MimeType
		local.AppMetadata = sf.AppMetadata
		if err := c.store.SaveLocalFile(local); err != nil {
			return false, err
		}

		switch {
		case local.Version() < 0 || sf.Version > local.Version():
			op := queue.NewDownloadFileOp(sf.UUID, sf.Version)
			conflict, err := c.downloadConflictType(sf.UUID)
			if err != nil {
				return false, err
			}
			op.ConflictType = conflict
			ops = append(ops, op)
			sizes[sf.UUID] = sf.SizeBytes

		case sf.Version == local.Version():
			// Already in sync.

		default:
			return false, models.Inconsistencyf(
				"server has %s at version %d behind local version %d",
				sf.UUID, sf.Version, local.Version())
		}
	}

	if len(ops) == 0 {
		return false, nil
	}
	if err := c.store.SetBeingDownloaded(ops, sizes); err != nil {
		return false, err
	}
	c.logger.WithField("operations", len(ops)).Info("Server changes detected")
	return true, nil
}

// checkServerDeletion handles an index entry the server marks deleted but
// local metadata does not yet.
func (c *Controller) checkServerDeletion(sf *models.ServerFile, local *models.LocalFile) (*queue.DownloadOp, error) {
	if local.DeletedOnServer {
		return nil, nil
	}

	// A pending upload-deletion already agrees with the server; drop it
	// silently and mark the file deleted. No conflict, no callback.
	pendingDel, err := c.store.PendingUploadDeletion(sf.UUID)
	if err != nil {
		return nil, err
	}
	if pendingDel != nil {
		c.logger.WithField("uuid", sf.UUID).Debug("Server already deleted; dropping pending deletion")
		if err := c.store.RemoveUploadOp(pendingDel.ID); err != nil {
			return nil, err
		}
		local.DeletedOnServer = true
		if err := c.store.SaveLocalFile(local); err != nil {
			return nil, err
		}
		return nil, nil
	}

	op := queue.NewDownloadDeletionOp(sf.UUID, sf.Version)

	pendingUploads, err := c.store.PendingUploadFiles(sf.UUID)
	if err != nil {
		return nil, err
	}
	if len(pendingUploads) > 0 {
		op.ConflictType = models.ConflictFileUpload
	}
	return &op, nil
}

// downloadConflictType inspects pending local operations for a uuid the
// server has a newer version of. A pending deletion takes priority over a
// pending upload.
func (c *Controller) downloadConflictType(uuid string) (models.ClientOperation, error) {
	pendingDel, err := c.store.PendingUploadDeletion(uuid)
	if err != nil {
		return "", err
	}
	if pendingDel != nil {
		return models.ConflictUploadDeletion, nil
	}

	pendingUploads, err := c.store.PendingUploadFiles(uuid)
	if err != nil {
		return "", err
	}
	if len(pendingUploads) > 0 {
		return models.ConflictFileUpload, nil
	}
	return "", nil
}

// resolveDownloadConflicts delivers the round's conflicted file downloads
// to the caller and applies every resolution.
func (c *Controller) resolveDownloadConflicts(files []queue.DownloadOp) error {
	if len(files) == 0 {
		return nil
	}

	choices := make(map[string]models.Resolution, len(files))
	conflicts := make([]models.DownloadConflict, 0, len(files))
	for _, op := range files {
		local, err := c.store.LocalFile(op.FileUUID)
		if err != nil {
			return err
		}
		if local == nil {
			return models.Inconsistencyf("conflict for unknown file %s", op.FileUUID)
		}
		opID := op.ID
		conflicts = append(conflicts, models.DownloadConflict{
			Path:       op.FileURL,
			Attributes: local.Attributes(),
			Conflict: models.NewConflict(op.FileUUID, op.ConflictType, func(r models.Resolution) {
				choices[opID] = r
			}),
		})
	}

	c.notifier.ResolveDownloadConflicts(conflicts)
	for _, dc := range conflicts {
		if !dc.Conflict.Resolved() {
			return models.Inconsistencyf("download conflict for %s left unresolved", dc.Conflict.UUID)
		}
	}

	for _, op := range files {
		if err := c.applyDownloadResolution(op, choices[op.ID]); err != nil {
			return err
		}
	}
	return nil
}

// resolveDeletionConflicts delivers the round's conflicted deletions to
// the caller and applies every resolution. Returns the attribute records
// of deletions the caller accepted, for the follow-up deletion callback.
func (c *Controller) resolveDeletionConflicts(deletions []queue.DownloadOp) ([]models.SyncAttributes, error) {
	if len(deletions) == 0 {
		return nil, nil
	}

	choices := make(map[string]models.Resolution, len(deletions))
	conflicts := make([]models.DeletionConflict, 0, len(deletions))
	for _, op := range deletions {
		local, err := c.store.LocalFile(op.FileUUID)
		if err != nil {
			return nil, err
		}
		if local == nil {
			return nil, models.Inconsistencyf("conflict for unknown file %s", op.FileUUID)
		}
		opID := op.ID
		conflicts = append(conflicts, models.DeletionConflict{
			Attributes: local.Attributes(),
			Conflict: models.NewConflict(op.FileUUID, op.ConflictType, func(r models.Resolution) {
				choices[opID] = r
			}),
		})
	}

	c.notifier.ResolveDeletionConflicts(conflicts)
	for _, dc := range conflicts {
		if !dc.Conflict.Resolved() {
			return nil, models.Inconsistencyf("deletion conflict for %s left unresolved", dc.Conflict.UUID)
		}
	}

	var accepted []models.SyncAttributes
	for _, op := range deletions {
		attrs, err := c.applyDeletionResolution(op, choices[op.ID])
		if err != nil {
			return nil, err
		}
		if attrs != nil {
			accepted = append(accepted, *attrs)
		}
	}
	return accepted, nil
}

// applyDownloadResolution settles one conflicted file download.
//
// Accepting the server's version discards the pending local operations
// and commits the downloaded version (the caller received its content
// with the conflict). Keeping the local operations discards the download
// but adopts the server's version number, so the kept upload or deletion
// passes the server's version check on its turn.
func (c *Controller) applyDownloadResolution(op queue.DownloadOp, r models.Resolution) error {
	switch r {
	case models.DeleteConflictingClientOperations:
		if err := c.dropPendingOperations(op.FileUUID); err != nil {
			return err
		}
		if err := c.commitDownload(op); err != nil {
			return err
		}

	case models.KeepConflictingClientOperations:
		local, err := c.store.LocalFile(op.FileUUID)
		if err != nil {
			return err
		}
		if local == nil {
			return models.Inconsistencyf("resolving conflict for unknown file %s", op.FileUUID)
		}
		local.SetVersion(op.ServerVersion)
		if err := c.store.SaveLocalFile(local); err != nil {
			return err
		}
		if op.FileURL != "" {
			if err := os.Remove(op.FileURL); err != nil && !os.IsNotExist(err) {
				c.logger.WithError(err).Warn("Failed to remove discarded download")
			}
		}
	}

	return c.store.RemoveDownloadOp(op.ID)
}

// applyDeletionResolution settles one conflicted download-deletion.
// Accepting the deletion returns the file's attributes for the deletion
// callback; keeping the pending upload flags it to undelete the server
// file on its next attempt.
func (c *Controller) applyDeletionResolution(op queue.DownloadOp, r models.Resolution) (*models.SyncAttributes, error) {
	var accepted *models.SyncAttributes

	switch r {
	case models.DeleteConflictingClientOperations:
		if err := c.dropPendingOperations(op.FileUUID); err != nil {
			return nil, err
		}
		local, err := c.store.LocalFile(op.FileUUID)
		if err != nil {
			return nil, err
		}
		if local == nil {
			return nil, models.Inconsistencyf("resolving conflict for unknown file %s", op.FileUUID)
		}
		local.DeletedOnServer = true
		if err := c.store.SaveLocalFile(local); err != nil {
			return nil, err
		}
		attrs := local.Attributes()
		accepted = &attrs

	case models.KeepConflictingClientOperations:
		if err := c.store.SetUndeleteFirstPending(op.FileUUID); err != nil {
			return nil, err
		}
	}

	if err := c.store.RemoveDownloadOp(op.ID); err != nil {
		return nil, err
	}
	return accepted, nil
}

// dropPendingOperations discards every queued upload and upload-deletion
// for a uuid.
func (c *Controller) dropPendingOperations(uuid string) error {
	uploads, err := c.store.PendingUploadFiles(uuid)
	if err != nil {
		return err
	}
	for _, up := range uploads {
		if err := c.store.RemoveUploadOp(up.ID); err != nil {
			return err
		}
	}

	deletion, err := c.store.PendingUploadDeletion(uuid)
	if err != nil {
		return err
	}
	if deletion != nil {
		return c.store.RemoveUploadOp(deletion.ID)
	}
	return nil
}
