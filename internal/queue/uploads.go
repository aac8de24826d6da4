package queue

import (
	"database/sql"
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/TheMichaelB/stagesync/internal/models"
)

// UploadKind discriminates the upload operation variants.
type UploadKind string

const (
	UploadFile     UploadKind = "file"
	UploadDeletion UploadKind = "deletion"
	UploadWrapup   UploadKind = "wrapup"
)

// UploadStage is the server-side progress of a file or deletion operation.
type UploadStage string

const (
	StageServerUpload UploadStage = "server_upload"
	StageCloudStorage UploadStage = "cloud_storage"
)

// WrapupStage is the progress of the batch's wrapup operation.
type WrapupStage string

const (
	WrapupOutboundTransfer     WrapupStage = "outbound_transfer"
	WrapupOutboundTransferWait WrapupStage = "outbound_transfer_wait"
	WrapupRemoveOperationID    WrapupStage = "remove_operation_id"
)

// UploadOp is one pending change to push to the server.
type UploadOp struct {
	ID       string
	QueueID  string
	Seq      int
	Kind     UploadKind
	FileUUID string

	Stage       UploadStage // file and deletion kinds
	WrapupStage WrapupStage // wrapup kind only

	FileURL           string
	DeleteAfterUpload bool
	Undelete          bool
}

// NewUploadFileOp builds an unqueued file-upload operation.
func NewUploadFileOp(fileUUID, fileURL string, deleteAfter bool) UploadOp {
	return UploadOp{
		ID:                uuid.NewString(),
		Kind:              UploadFile,
		FileUUID:          fileUUID,
		Stage:             StageServerUpload,
		FileURL:           fileURL,
		DeleteAfterUpload: deleteAfter,
	}
}

// NewUploadDeletionOp builds an unqueued upload-deletion operation.
func NewUploadDeletionOp(fileUUID string) UploadOp {
	return UploadOp{
		ID:       uuid.NewString(),
		Kind:     UploadDeletion,
		FileUUID: fileUUID,
		Stage:    StageServerUpload,
	}
}

// AddUpload appends op to the uploads-being-prepared queue.
//
// A new upload or upload-deletion replaces any prior uncommitted upload for
// the same uuid; committed queues are never modified. Returns
// models.ErrFileAlreadyDeleted if the file is server-deleted or already has
// a pending upload-deletion.
func (s *Store) AddUpload(op UploadOp) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if op.Kind != UploadWrapup {
		file, err := s.localFileTx(tx, op.FileUUID)
		if err != nil {
			return err
		}
		if file == nil {
			return models.Inconsistencyf("no local file for upload %s", op.FileUUID)
		}
		if file.DeletedOnServer {
			return models.ErrFileAlreadyDeleted
		}

		pendingDeletion, err := s.pendingDeletionTx(tx, op.FileUUID, op.ID)
		if err != nil {
			return err
		}
		if pendingDeletion {
			return models.ErrFileAlreadyDeleted
		}
	}

	queueID, err := s.preparingQueueTx(tx)
	if err != nil {
		return err
	}

	// Replace rule: drop prior uncommitted file-uploads for the same uuid.
	if op.Kind != UploadWrapup {
		_, err = tx.Exec(`
            DELETE FROM upload_ops
            WHERE queue_id = ? AND file_uuid = ? AND kind = ?
        `, queueID, op.FileUUID, string(UploadFile))
		if err != nil {
			return fmt.Errorf("replace prior upload: %w", err)
		}
	}

	if err := insertUploadOpTx(tx, queueID, op); err != nil {
		return err
	}
	return tx.Commit()
}

func insertUploadOpTx(tx *sql.Tx, queueID string, op UploadOp) error {
	var seq int
	err := tx.QueryRow(
		"SELECT COALESCE(MAX(seq), 0) + 1 FROM upload_ops WHERE queue_id = ?",
		queueID).Scan(&seq)
	if err != nil {
		return fmt.Errorf("next op seq: %w", err)
	}

	_, err = tx.Exec(`
        INSERT INTO upload_ops
            (id, queue_id, seq, kind, file_uuid, stage, wrapup_stage,
             file_url, delete_after_upload, undelete)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `, op.ID, queueID, seq, string(op.Kind), op.FileUUID, string(op.Stage),
		string(op.WrapupStage), op.FileURL, boolInt(op.DeleteAfterUpload),
		boolInt(op.Undelete))
	if err != nil {
		return fmt.Errorf("insert upload op: %w", err)
	}
	return nil
}

// preparingQueueTx returns the id of the being-prepared queue, creating it
// if needed.
func (s *Store) preparingQueueTx(tx *sql.Tx) (string, error) {
	var id string
	err := tx.QueryRow(
		"SELECT id FROM upload_queues WHERE role = ?", RolePreparing).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("query preparing queue: %w", err)
	}

	id = uuid.NewString()
	var seq int
	if err := tx.QueryRow("SELECT COALESCE(MAX(seq), 0) + 1 FROM upload_queues").Scan(&seq); err != nil {
		return "", fmt.Errorf("next queue seq: %w", err)
	}
	if _, err := tx.Exec(
		"INSERT INTO upload_queues (id, role, seq) VALUES (?, ?, ?)",
		id, RolePreparing, seq); err != nil {
		return "", fmt.Errorf("create preparing queue: %w", err)
	}
	return id, nil
}

func (s *Store) localFileTx(tx *sql.Tx, fileUUID string) (*models.LocalFile, error) {
	var (
		f       models.LocalFile
		version sql.NullInt64
		meta    []byte
		deleted int
	)
	err := tx.QueryRow(`
        SELECT uuid, remote_name, mime_type, app_metadata, local_version,
               sync_state, deleted_on_server
        FROM local_files WHERE uuid = ?
    `, fileUUID).Scan(&f.UUID, &f.RemoteName, &f.MimeType, &meta, &version,
		&f.SyncState, &deleted)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query local file %s: %w", fileUUID, err)
	}
	if version.Valid {
		f.SetVersion(int(version.Int64))
	}
	f.AppMetadata = meta
	f.DeletedOnServer = deleted != 0
	return &f, nil
}

// pendingDeletionTx reports whether any queue holds an upload-deletion for
// fileUUID, ignoring the operation with id excepting.
func (s *Store) pendingDeletionTx(tx *sql.Tx, fileUUID, excepting string) (bool, error) {
	var n int
	err := tx.QueryRow(`
        SELECT COUNT(*) FROM upload_ops
        WHERE file_uuid = ? AND kind = ? AND id != ?
    `, fileUUID, string(UploadDeletion), excepting).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query pending deletion: %w", err)
	}
	return n > 0, nil
}

// Commit moves the being-prepared queue to the committed list, appending
// the batch's wrapup operation. Returns false if nothing was queued.
func (s *Store) Commit() (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var queueID string
	var count int
	err = tx.QueryRow(`
        SELECT q.id, COUNT(o.id) FROM upload_queues q
        LEFT JOIN upload_ops o ON o.queue_id = q.id
        WHERE q.role = ? GROUP BY q.id
    `, RolePreparing).Scan(&queueID, &count)
	if err == sql.ErrNoRows || (err == nil && count == 0) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query preparing queue: %w", err)
	}

	wrapup := UploadOp{
		ID:          uuid.NewString(),
		Kind:        UploadWrapup,
		WrapupStage: WrapupOutboundTransfer,
	}
	if err := insertUploadOpTx(tx, queueID, wrapup); err != nil {
		return false, err
	}

	if _, err := tx.Exec(
		"UPDATE upload_queues SET role = ? WHERE id = ?",
		RoleCommitted, queueID); err != nil {
		return false, fmt.Errorf("commit queue: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}

	s.logger.WithFields(map[string]interface{}{
		"queue_id":   queueID,
		"operations": count,
	}).Debug("Committed upload queue")
	return true, nil
}

// HasCommitted reports whether any committed queue is waiting to start.
func (s *Store) HasCommitted() (bool, error) {
	var n int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM upload_queues WHERE role = ?", RoleCommitted).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query committed queues: %w", err)
	}
	return n > 0, nil
}

// PromoteOldestCommitted moves the oldest committed queue to being-uploaded
// and materializes upload blocks for its file operations. The previous
// (exhausted) being-uploaded queue, if any, is discarded.
func (s *Store) PromoteOldestCommitted() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var leftover int
	err = tx.QueryRow(`
        SELECT COUNT(o.id) FROM upload_queues q
        JOIN upload_ops o ON o.queue_id = q.id
        WHERE q.role = ?
    `, RoleUploading).Scan(&leftover)
	if err != nil {
		return fmt.Errorf("query in-flight queue: %w", err)
	}
	if leftover > 0 {
		return models.Inconsistencyf("promote requested while a queue is being uploaded")
	}
	if _, err := tx.Exec(
		"DELETE FROM upload_queues WHERE role = ?", RoleUploading); err != nil {
		return fmt.Errorf("discard exhausted queue: %w", err)
	}

	var queueID string
	err = tx.QueryRow(`
        SELECT id FROM upload_queues WHERE role = ? ORDER BY seq LIMIT 1
    `, RoleCommitted).Scan(&queueID)
	if err == sql.ErrNoRows {
		return models.Inconsistencyf("no committed queues to promote")
	}
	if err != nil {
		return fmt.Errorf("query oldest committed: %w", err)
	}

	if _, err := tx.Exec(
		"UPDATE upload_queues SET role = ? WHERE id = ?",
		RoleUploading, queueID); err != nil {
		return fmt.Errorf("promote queue: %w", err)
	}

	rows, err := tx.Query(`
        SELECT id, file_url FROM upload_ops
        WHERE queue_id = ? AND kind = ? ORDER BY seq
    `, queueID, string(UploadFile))
	if err != nil {
		return fmt.Errorf("query file ops: %w", err)
	}
	type fileOp struct{ id, url string }
	var fileOps []fileOp
	for rows.Next() {
		var op fileOp
		if err := rows.Scan(&op.id, &op.url); err != nil {
			rows.Close()
			return fmt.Errorf("scan file op: %w", err)
		}
		fileOps = append(fileOps, op)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate file ops: %w", err)
	}

	for _, op := range fileOps {
		size := int64(0)
		if info, err := os.Stat(op.url); err == nil {
			size = info.Size()
		}
		if err := materializeBlocksTx(tx, "upload_blocks", op.id, size); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	s.logger.WithField("queue_id", queueID).Debug("Promoted committed queue")
	return nil
}

// materializeBlocksTx partitions size bytes into fixed-size block rows for
// one operation. Zero-byte files get a single empty block.
func materializeBlocksTx(tx *sql.Tx, table, opID string, size int64) error {
	if _, err := tx.Exec(
		"DELETE FROM "+table+" WHERE op_id = ?", opID); err != nil {
		return fmt.Errorf("clear blocks: %w", err)
	}
	offset := int64(0)
	for {
		length := size - offset
		if length > UploadBlockSize {
			length = UploadBlockSize
		}
		if _, err := tx.Exec(
			"INSERT INTO "+table+" (id, op_id, offset, length) VALUES (?, ?, ?, ?)",
			uuid.NewString(), opID, offset, length); err != nil {
			return fmt.Errorf("insert block: %w", err)
		}
		offset += length
		if offset >= size {
			return nil
		}
	}
}

// Blocks returns the block ranges for an operation, ordered by offset.
func (s *Store) Blocks(d Direction, opID string) ([][2]int64, error) {
	table := "upload_blocks"
	if d == Download {
		table = "download_blocks"
	}
	rows, err := s.db.Query(
		"SELECT offset, length FROM "+table+" WHERE op_id = ? ORDER BY offset", opID)
	if err != nil {
		return nil, fmt.Errorf("query blocks: %w", err)
	}
	defer rows.Close()

	var blocks [][2]int64
	for rows.Next() {
		var b [2]int64
		if err := rows.Scan(&b[0], &b[1]); err != nil {
			return nil, fmt.Errorf("scan block: %w", err)
		}
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}

// UploadsInFlight returns the ordered operations of the being-uploaded
// queue. Empty when no queue is in flight.
func (s *Store) UploadsInFlight() ([]UploadOp, error) {
	return s.queryUploadOps(`
        SELECT o.id, o.queue_id, o.seq, o.kind, o.file_uuid, o.stage,
               o.wrapup_stage, o.file_url, o.delete_after_upload, o.undelete
        FROM upload_ops o JOIN upload_queues q ON q.id = o.queue_id
        WHERE q.role = ? ORDER BY o.seq
    `, RoleUploading)
}

// UploadChanges returns in-flight operations of one kind, optionally
// filtered to a stage (pass "" for any).
func (s *Store) UploadChanges(kind UploadKind, stage UploadStage) ([]UploadOp, error) {
	if stage == "" {
		return s.queryUploadOps(`
            SELECT o.id, o.queue_id, o.seq, o.kind, o.file_uuid, o.stage,
                   o.wrapup_stage, o.file_url, o.delete_after_upload, o.undelete
            FROM upload_ops o JOIN upload_queues q ON q.id = o.queue_id
            WHERE q.role = ? AND o.kind = ? ORDER BY o.seq
        `, RoleUploading, string(kind))
	}
	return s.queryUploadOps(`
        SELECT o.id, o.queue_id, o.seq, o.kind, o.file_uuid, o.stage,
               o.wrapup_stage, o.file_url, o.delete_after_upload, o.undelete
        FROM upload_ops o JOIN upload_queues q ON q.id = o.queue_id
        WHERE q.role = ? AND o.kind = ? AND o.stage = ? ORDER BY o.seq
    `, RoleUploading, string(kind), string(stage))
}

// Wrapup returns the in-flight queue's wrapup operation, or nil.
func (s *Store) Wrapup() (*UploadOp, error) {
	ops, err := s.UploadChanges(UploadWrapup, "")
	if err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return nil, nil
	}
	if len(ops) > 1 {
		return nil, models.Inconsistencyf("not exactly one wrapup operation")
	}
	return &ops[0], nil
}

// SetUploadStage advances one operation's server-side stage.
func (s *Store) SetUploadStage(opID string, stage UploadStage) error {
	if _, err := s.db.Exec(
		"UPDATE upload_ops SET stage = ? WHERE id = ?",
		string(stage), opID); err != nil {
		return fmt.Errorf("set upload stage: %w", err)
	}
	return nil
}

// SetWrapupStage advances the wrapup operation's stage.
func (s *Store) SetWrapupStage(opID string, stage WrapupStage) error {
	if _, err := s.db.Exec(
		"UPDATE upload_ops SET wrapup_stage = ? WHERE id = ?",
		string(stage), opID); err != nil {
		return fmt.Errorf("set wrapup stage: %w", err)
	}
	return nil
}

// RemoveUploadChanges deletes all in-flight operations of one kind.
func (s *Store) RemoveUploadChanges(kind UploadKind) error {
	_, err := s.db.Exec(`
        DELETE FROM upload_ops WHERE kind = ? AND queue_id IN
            (SELECT id FROM upload_queues WHERE role = ?)
    `, string(kind), RoleUploading)
	if err != nil {
		return fmt.Errorf("remove upload changes: %w", err)
	}
	return nil
}

// UploadChangeForFile returns the in-flight file or deletion operation for
// uuid, or nil.
func (s *Store) UploadChangeForFile(fileUUID string) (*UploadOp, error) {
	ops, err := s.queryUploadOps(`
        SELECT o.id, o.queue_id, o.seq, o.kind, o.file_uuid, o.stage,
               o.wrapup_stage, o.file_url, o.delete_after_upload, o.undelete
        FROM upload_ops o JOIN upload_queues q ON q.id = o.queue_id
        WHERE q.role = ? AND o.file_uuid = ? AND o.kind != ? ORDER BY o.seq
    `, RoleUploading, fileUUID, string(UploadWrapup))
	if err != nil || len(ops) == 0 {
		return nil, err
	}
	return &ops[0], nil
}

// PendingUploadFiles returns all queued (any role) file-uploads for uuid.
func (s *Store) PendingUploadFiles(fileUUID string) ([]UploadOp, error) {
	return s.queryUploadOps(`
        SELECT o.id, o.queue_id, o.seq, o.kind, o.file_uuid, o.stage,
               o.wrapup_stage, o.file_url, o.delete_after_upload, o.undelete
        FROM upload_ops o JOIN upload_queues q ON q.id = o.queue_id
        WHERE o.file_uuid = ? AND o.kind = ?
        ORDER BY q.seq, o.seq
    `, fileUUID, string(UploadFile))
}

// PendingUploadDeletion returns the queued upload-deletion for uuid, or
// nil. At most one can exist at any time.
func (s *Store) PendingUploadDeletion(fileUUID string) (*UploadOp, error) {
	ops, err := s.queryUploadOps(`
        SELECT o.id, o.queue_id, o.seq, o.kind, o.file_uuid, o.stage,
               o.wrapup_stage, o.file_url, o.delete_after_upload, o.undelete
        FROM upload_ops o JOIN upload_queues q ON q.id = o.queue_id
        WHERE o.file_uuid = ? AND o.kind = ?
    `, fileUUID, string(UploadDeletion))
	if err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return nil, nil
	}
	if len(ops) > 1 {
		return nil, models.Inconsistencyf("multiple pending deletions for %s", fileUUID)
	}
	return &ops[0], nil
}

// RemoveUploadOp deletes one operation, discarding its queue if no file
// operations remain in it.
func (s *Store) RemoveUploadOp(opID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var queueID string
	err = tx.QueryRow(
		"SELECT queue_id FROM upload_ops WHERE id = ?", opID).Scan(&queueID)
	if err == sql.ErrNoRows {
		return tx.Commit()
	}
	if err != nil {
		return fmt.Errorf("query op queue: %w", err)
	}

	if _, err := tx.Exec("DELETE FROM upload_ops WHERE id = ?", opID); err != nil {
		return fmt.Errorf("delete op: %w", err)
	}

	// Drop the queue once only the wrapup remains (or nothing at all),
	// unless it is the being-prepared queue which always sticks around.
	var remaining int
	err = tx.QueryRow(`
        SELECT COUNT(*) FROM upload_ops WHERE queue_id = ? AND kind != ?
    `, queueID, string(UploadWrapup)).Scan(&remaining)
	if err != nil {
		return fmt.Errorf("count remaining ops: %w", err)
	}
	if remaining == 0 {
		if _, err := tx.Exec(
			"DELETE FROM upload_queues WHERE id = ? AND role != ?",
			queueID, RolePreparing); err != nil {
			return fmt.Errorf("drop empty queue: %w", err)
		}
	}
	return tx.Commit()
}

// SetUndeleteFirstPending flags the earliest queued upload for uuid to
// force a server-side undelete on its next attempt.
func (s *Store) SetUndeleteFirstPending(fileUUID string) error {
	ops, err := s.PendingUploadFiles(fileUUID)
	if err != nil {
		return err
	}
	if len(ops) == 0 {
		return models.Inconsistencyf("no pending uploads to undelete for %s", fileUUID)
	}
	if _, err := s.db.Exec(
		"UPDATE upload_ops SET undelete = 1 WHERE id = ?", ops[0].ID); err != nil {
		return fmt.Errorf("set undelete: %w", err)
	}
	return nil
}

func (s *Store) queryUploadOps(query string, args ...interface{}) ([]UploadOp, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query upload ops: %w", err)
	}
	defer rows.Close()

	var ops []UploadOp
	for rows.Next() {
		var (
			op                  UploadOp
			kind, stage, wstage string
			deleteAfter, undel  int
		)
		if err := rows.Scan(&op.ID, &op.QueueID, &op.Seq, &kind, &op.FileUUID,
			&stage, &wstage, &op.FileURL, &deleteAfter, &undel); err != nil {
			return nil, fmt.Errorf("scan upload op: %w", err)
		}
		op.Kind = UploadKind(kind)
		op.Stage = UploadStage(stage)
		op.WrapupStage = WrapupStage(wstage)
		op.DeleteAfterUpload = deleteAfter != 0
		op.Undelete = undel != 0
		ops = append(ops, op)
	}
	return ops, rows.Err()
}
