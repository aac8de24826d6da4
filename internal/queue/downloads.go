package queue

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/TheMichaelB/stagesync/internal/models"
)

// DownloadKind discriminates the download operation variants.
type DownloadKind string

const (
	DownloadFile     DownloadKind = "file"
	DownloadDeletion DownloadKind = "deletion"
	DownloadStartup  DownloadKind = "startup"
)

// DownloadStage is the per-file progress of a download operation.
type DownloadStage string

const (
	DownloadStageCloudStorage   DownloadStage = "cloud_storage"
	DownloadStageServerDownload DownloadStage = "server_download"
	DownloadStageAppCallback    DownloadStage = "app_callback"
)

// StartupStage is the progress of the round's startup operation.
type StartupStage string

const (
	StartupStartInboundTransfer StartupStage = "start_inbound_transfer"
	StartupInboundTransferWait  StartupStage = "inbound_transfer_wait"
	StartupRemoveOperationID    StartupStage = "remove_operation_id"

	// StartupNoFileDownloads skips the transfer stages when the round holds
	// only download-deletions or conflict placeholders.
	StartupNoFileDownloads StartupStage = "no_file_downloads"
)

// DownloadOp is one server change to pull down, or the round's startup
// operation.
type DownloadOp struct {
	ID       string
	Seq      int
	Kind     DownloadKind
	FileUUID string

	Stage        DownloadStage // file and deletion kinds
	StartupStage StartupStage  // startup kind only

	// ServerVersion is the index version being downloaded.
	ServerVersion int

	// ConflictType is set when this change collides with a pending local
	// operation; empty otherwise.
	ConflictType models.ClientOperation

	FileURL string
}

// NewDownloadFileOp builds a file-download operation for one index entry.
func NewDownloadFileOp(fileUUID string, serverVersion int) DownloadOp {
	return DownloadOp{
		ID:            uuid.NewString(),
		Kind:          DownloadFile,
		FileUUID:      fileUUID,
		Stage:         DownloadStageCloudStorage,
		ServerVersion: serverVersion,
	}
}

// NewDownloadDeletionOp builds a download-deletion operation.
func NewDownloadDeletionOp(fileUUID string, serverVersion int) DownloadOp {
	return DownloadOp{
		ID:            uuid.NewString(),
		Kind:          DownloadDeletion,
		FileUUID:      fileUUID,
		Stage:         DownloadStageAppCallback,
		ServerVersion: serverVersion,
	}
}

// SetBeingDownloaded replaces the download round with ops plus a fresh
// startup operation, materializing blocks for file downloads from sizes
// (bytes, keyed by file uuid).
func (s *Store) SetBeingDownloaded(ops []DownloadOp, sizes map[string]int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range []string{
		"DELETE FROM download_blocks",
		"DELETE FROM download_ops",
	} {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("clear download round: %w", err)
		}
	}

	startupStage := StartupNoFileDownloads
	for _, op := range ops {
		if op.Kind == DownloadFile {
			startupStage = StartupStartInboundTransfer
			break
		}
	}

	startup := DownloadOp{
		ID:           uuid.NewString(),
		Kind:         DownloadStartup,
		StartupStage: startupStage,
	}

	seq := 1
	for _, op := range append([]DownloadOp{startup}, ops...) {
		if _, err := tx.Exec(`
            INSERT INTO download_ops
                (id, seq, kind, file_uuid, stage, startup_stage,
                 server_version, conflict_type, file_url)
            VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
        `, op.ID, seq, string(op.Kind), op.FileUUID, string(op.Stage),
			string(op.StartupStage), op.ServerVersion,
			string(op.ConflictType), op.FileURL); err != nil {
			return fmt.Errorf("insert download op: %w", err)
		}
		seq++

		if op.Kind == DownloadFile {
			if err := materializeBlocksTx(tx, "download_blocks", op.ID,
				sizes[op.FileUUID]); err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	s.logger.WithField("operations", len(ops)).Debug("Recorded download round")
	return nil
}

// BeingDownloaded returns the round's file and deletion operations in
// order. Empty when no round is active.
func (s *Store) BeingDownloaded() ([]DownloadOp, error) {
	return s.queryDownloadOps(`
        SELECT id, seq, kind, file_uuid, stage, startup_stage,
               server_version, conflict_type, file_url
        FROM download_ops WHERE kind != ? ORDER BY seq
    `, string(DownloadStartup))
}

// DownloadChanges returns round operations of one kind, optionally
// filtered to a stage (pass "" for any). Conflicted changes are included;
// the conflict only matters at the callback stage.
func (s *Store) DownloadChanges(kind DownloadKind, stage DownloadStage) ([]DownloadOp, error) {
	if stage == "" {
		return s.queryDownloadOps(`
            SELECT id, seq, kind, file_uuid, stage, startup_stage,
                   server_version, conflict_type, file_url
            FROM download_ops
            WHERE kind = ? ORDER BY seq
        `, string(kind))
	}
	return s.queryDownloadOps(`
        SELECT id, seq, kind, file_uuid, stage, startup_stage,
               server_version, conflict_type, file_url
        FROM download_ops
        WHERE kind = ? AND stage = ? ORDER BY seq
    `, string(kind), string(stage))
}

// Startup returns the round's startup operation, or nil when no round is
// active.
func (s *Store) Startup() (*DownloadOp, error) {
	ops, err := s.queryDownloadOps(`
        SELECT id, seq, kind, file_uuid, stage, startup_stage,
               server_version, conflict_type, file_url
        FROM download_ops WHERE kind = ? ORDER BY seq
    `, string(DownloadStartup))
	if err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return nil, nil
	}
	if len(ops) > 1 {
		return nil, models.Inconsistencyf("not exactly one download startup operation")
	}
	return &ops[0], nil
}

// DownloadChangeForFile returns the round's operation for uuid, conflicted
// or not, or nil.
func (s *Store) DownloadChangeForFile(fileUUID string) (*DownloadOp, error) {
	ops, err := s.queryDownloadOps(`
        SELECT id, seq, kind, file_uuid, stage, startup_stage,
               server_version, conflict_type, file_url
        FROM download_ops WHERE file_uuid = ? AND kind != ?
    `, fileUUID, string(DownloadStartup))
	if err != nil || len(ops) == 0 {
		return nil, err
	}
	return &ops[0], nil
}

// SetDownloadStage advances one operation's stage.
func (s *Store) SetDownloadStage(opID string, stage DownloadStage) error {
	if _, err := s.db.Exec(
		"UPDATE download_ops SET stage = ? WHERE id = ?",
		string(stage), opID); err != nil {
		return fmt.Errorf("set download stage: %w", err)
	}
	return nil
}

// SetStartupStage advances the startup operation's stage.
func (s *Store) SetStartupStage(opID string, stage StartupStage) error {
	if _, err := s.db.Exec(
		"UPDATE download_ops SET startup_stage = ? WHERE id = ?",
		string(stage), opID); err != nil {
		return fmt.Errorf("set startup stage: %w", err)
	}
	return nil
}

// SetDownloadFileURL records the locally staged content path for one
// operation.
func (s *Store) SetDownloadFileURL(opID, fileURL string) error {
	if _, err := s.db.Exec(
		"UPDATE download_ops SET file_url = ? WHERE id = ?",
		fileURL, opID); err != nil {
		return fmt.Errorf("set download file url: %w", err)
	}
	return nil
}

// RemoveDownloadOp deletes one operation from the round.
func (s *Store) RemoveDownloadOp(opID string) error {
	if _, err := s.db.Exec(
		"DELETE FROM download_ops WHERE id = ?", opID); err != nil {
		return fmt.Errorf("remove download op: %w", err)
	}
	return nil
}

// ClearDownloadRound deletes the whole round including its startup
// operation.
func (s *Store) ClearDownloadRound() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range []string{
		"DELETE FROM download_blocks",
		"DELETE FROM download_ops",
	} {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("clear download round: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) queryDownloadOps(query string, args ...interface{}) ([]DownloadOp, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query download ops: %w", err)
	}
	defer rows.Close()

	var ops []DownloadOp
	for rows.Next() {
		var (
			op                  DownloadOp
			kind, stage, sstage string
			conflict            string
			fileUUID, fileURL   sql.NullString
		)
		if err := rows.Scan(&op.ID, &op.Seq, &kind, &fileUUID, &stage,
			&sstage, &op.ServerVersion, &conflict, &fileURL); err != nil {
			return nil, fmt.Errorf("scan download op: %w", err)
		}
		op.Kind = DownloadKind(kind)
		op.FileUUID = fileUUID.String
		op.Stage = DownloadStage(stage)
		op.StartupStage = StartupStage(sstage)
		op.ConflictType = models.ClientOperation(conflict)
		op.FileURL = fileURL.String
		ops = append(ops, op)
	}
	return ops, rows.Err()
}
