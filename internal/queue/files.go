package queue

import (
	"database/sql"
	"fmt"

	"github.com/TheMichaelB/stagesync/internal/models"
)

// LocalFile returns the metadata record for uuid, or nil if unknown.
func (s *Store) LocalFile(uuid string) (*models.LocalFile, error) {
	var (
		f       models.LocalFile
		version sql.NullInt64
		meta    []byte
		deleted int
	)
	err := s.db.QueryRow(`
        SELECT uuid, remote_name, mime_type, app_metadata, local_version,
               sync_state, deleted_on_server
        FROM local_files WHERE uuid = ?
    `, uuid).Scan(&f.UUID, &f.RemoteName, &f.MimeType, &meta, &version,
		&f.SyncState, &deleted)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query local file %s: %w", uuid, err)
	}

	if version.Valid {
		f.SetVersion(int(version.Int64))
	}
	f.AppMetadata = meta
	f.DeletedOnServer = deleted != 0
	return &f, nil
}

// SaveLocalFile inserts or updates a metadata record.
func (s *Store) SaveLocalFile(f *models.LocalFile) error {
	var version interface{}
	if f.LocalVersion != nil {
		version = *f.LocalVersion
	}

	_, err := s.db.Exec(`
        INSERT INTO local_files
            (uuid, remote_name, mime_type, app_metadata, local_version,
             sync_state, deleted_on_server)
        VALUES (?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(uuid) DO UPDATE SET
            remote_name = excluded.remote_name,
            mime_type = excluded.mime_type,
            app_metadata = excluded.app_metadata,
            local_version = excluded.local_version,
            sync_state = excluded.sync_state,
            deleted_on_server = excluded.deleted_on_server
    `, f.UUID, f.RemoteName, f.MimeType, []byte(f.AppMetadata), version,
		string(f.SyncState), boolInt(f.DeletedOnServer))
	if err != nil {
		return fmt.Errorf("save local file %s: %w", f.UUID, err)
	}
	return nil
}

// DeleteLocalFile removes the metadata record for uuid.
func (s *Store) DeleteLocalFile(uuid string) error {
	if _, err := s.db.Exec("DELETE FROM local_files WHERE uuid = ?", uuid); err != nil {
		return fmt.Errorf("delete local file %s: %w", uuid, err)
	}
	return nil
}

// AllLocalFiles returns every metadata record, ordered by uuid.
func (s *Store) AllLocalFiles() ([]models.LocalFile, error) {
	rows, err := s.db.Query(`
        SELECT uuid, remote_name, mime_type, app_metadata, local_version,
               sync_state, deleted_on_server
        FROM local_files ORDER BY uuid
    `)
	if err != nil {
		return nil, fmt.Errorf("query local files: %w", err)
	}
	defer rows.Close()

	var files []models.LocalFile
	for rows.Next() {
		var (
			f       models.LocalFile
			version sql.NullInt64
			meta    []byte
			deleted int
		)
		if err := rows.Scan(&f.UUID, &f.RemoteName, &f.MimeType, &meta,
			&version, &f.SyncState, &deleted); err != nil {
			return nil, fmt.Errorf("scan local file: %w", err)
		}
		if version.Valid {
			f.SetVersion(int(version.Int64))
		}
		f.AppMetadata = meta
		f.DeletedOnServer = deleted != 0
		files = append(files, f)
	}
	return files, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
