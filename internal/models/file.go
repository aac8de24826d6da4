package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FileSyncState tracks where a file is in its first-sync lifecycle.
type FileSyncState string

const (
	// SyncStateInitialUpload marks a file created locally that has never
	// completed an upload.
	SyncStateInitialUpload FileSyncState = "initial_upload"

	// SyncStateInitialDownload marks a file discovered in the server index
	// that has never completed a download.
	SyncStateInitialDownload FileSyncState = "initial_download"

	// SyncStateAfterInitialSync marks a file that has completed at least one
	// full sync in either direction.
	SyncStateAfterInitialSync FileSyncState = "after_initial_sync"
)

// LocalFile is the identity record for a file known to the sync engine.
// There is at most one LocalFile per UUID.
type LocalFile struct {
	UUID        string          `json:"uuid"`
	RemoteName  string          `json:"remote_name"`
	MimeType    string          `json:"mime_type"`
	AppMetadata json.RawMessage `json:"app_metadata,omitempty"`

	// LocalVersion is nil for server-originated files until their first
	// download completes. It increases by exactly 1 per successful upload
	// or download of a changed version.
	LocalVersion *int `json:"local_version,omitempty"`

	SyncState       FileSyncState `json:"sync_state"`
	DeletedOnServer bool          `json:"deleted_on_server"`
}

// Version returns the local version, or -1 if the file has never synced.
func (f *LocalFile) Version() int {
	if f.LocalVersion == nil {
		return -1
	}
	return *f.LocalVersion
}

// SetVersion assigns the local version.
func (f *LocalFile) SetVersion(v int) {
	f.LocalVersion = &v
}

// Validate checks required identity fields.
func (f *LocalFile) Validate() error {
	if strings.TrimSpace(f.UUID) == "" {
		return fmt.Errorf("file uuid is required")
	}
	if strings.TrimSpace(f.RemoteName) == "" {
		return fmt.Errorf("remote name is required for %s", f.UUID)
	}
	if strings.TrimSpace(f.MimeType) == "" {
		return fmt.Errorf("mime type is required for %s", f.UUID)
	}
	return nil
}

// Attributes returns the caller-facing attribute view of the file.
func (f *LocalFile) Attributes() SyncAttributes {
	return SyncAttributes{
		UUID:        f.UUID,
		RemoteName:  f.RemoteName,
		MimeType:    f.MimeType,
		AppMetadata: f.AppMetadata,
		Deleted:     f.DeletedOnServer,
	}
}

// SyncAttributes describes a synced item in caller-facing callbacks and
// enqueue calls.
type SyncAttributes struct {
	UUID        string          `json:"uuid"`
	RemoteName  string          `json:"remote_name,omitempty"`
	MimeType    string          `json:"mime_type,omitempty"`
	AppMetadata json.RawMessage `json:"app_metadata,omitempty"`
	Deleted     bool            `json:"deleted,omitempty"`
}

// DownloadedFile pairs staged downloaded content with its attributes for
// the save-downloads callback.
type DownloadedFile struct {
	Path       string         `json:"path"`
	Attributes SyncAttributes `json:"attributes"`
}

// ServerFile is one entry of the authoritative server file index.
type ServerFile struct {
	UUID        string          `json:"uuid"`
	RemoteName  string          `json:"remote_name"`
	MimeType    string          `json:"mime_type"`
	AppMetadata json.RawMessage `json:"app_metadata,omitempty"`
	Version     int             `json:"version"`
	SizeBytes   int64           `json:"size_bytes"`
	Deleted     bool            `json:"deleted"`

	// LocalPath carries the content location on upload requests and the
	// destination on download responses. Not part of the index payload.
	LocalPath string `json:"-"`

	// Undelete asks the server to resurrect a server-deleted file on upload.
	Undelete bool `json:"undelete,omitempty"`
}

// FindServerFile returns the index entry for uuid, or nil.
func FindServerFile(index []ServerFile, uuid string) *ServerFile {
	for i := range index {
		if index[i].UUID == uuid {
			return &index[i]
		}
	}
	return nil
}
