package models

import "time"

// EventType defines discrete sync events reported to the caller.
type EventType string

const (
	// EventDeletionsSent: pending deletions were sent to the server as a
	// group. Cloud-storage removal has not happened yet.
	EventDeletionsSent EventType = "deletions_sent"

	// EventSingleUploadComplete: one file reached the server staging area.
	EventSingleUploadComplete EventType = "single_upload_complete"

	// EventAllUploadsComplete: the server finished the outbound transfer and
	// the batch's commit point passed. Count is the server's heuristic
	// operation count.
	EventAllUploadsComplete EventType = "all_uploads_complete"

	// EventInboundTransferComplete: cloud-to-server staging finished.
	EventInboundTransferComplete EventType = "inbound_transfer_complete"

	// EventSingleDownloadComplete: one file arrived locally. Diagnostic;
	// the atomic result is delivered via the save-downloads callback.
	EventSingleDownloadComplete EventType = "single_download_complete"

	// EventDownloadsFinished: a download round (or an empty check) ended.
	EventDownloadsFinished EventType = "downloads_finished"

	// EventNoFilesToUpload: commit was called with nothing queued.
	EventNoFilesToUpload EventType = "no_files_to_upload"

	// EventLockAlreadyHeld: a sync cycle was requested while one was running.
	EventLockAlreadyHeld EventType = "lock_already_held"

	// EventRecovery: an internal retry/recovery step is running.
	EventRecovery EventType = "recovery"

	// EventMetadataUpdated: local metadata was committed after an upload
	// batch. Mostly useful for tests.
	EventMetadataUpdated EventType = "metadata_updated"
)

// Event is one discrete occurrence in the mode/event reporting stream.
type Event struct {
	Type      EventType
	Timestamp time.Time

	// UUIDs for deletion groups, UUID/Path for single-file events.
	UUIDs []string
	UUID  string
	Path  string

	// Count is the server-reported operation count where applicable.
	Count int
}
