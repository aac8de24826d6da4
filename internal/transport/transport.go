// Package transport is the wire surface to the sync server. The server
// API is a set of JSON-over-POST operations plus raw content transfer for
// uploads and downloads.
package transport

import (
	"context"

	"github.com/TheMichaelB/stagesync/internal/models"
)

// OperationStatus is the server's report on an asynchronous cloud
// transfer operation.
type OperationStatus struct {
	// Status is one of the models.RCOperationStatus* codes.
	Status int

	// ErrorDetail describes a failed operation.
	ErrorDetail string

	// Count is the server's heuristic count of completed sub-operations.
	Count int
}

// InProgress reports whether the server is still working.
func (s *OperationStatus) InProgress() bool {
	return s.Status == models.RCOperationStatusNotStarted ||
		s.Status == models.RCOperationStatusInProgress
}

// Succeeded reports whether the operation completed fully.
func (s *OperationStatus) Succeeded() bool {
	return s.Status == models.RCOperationStatusSuccessfulCompletion
}

// FailedBeforeTransfer reports whether the failure left cloud storage
// untouched, making a plain retry safe.
func (s *OperationStatus) FailedBeforeTransfer() bool {
	return s.Status == models.RCOperationStatusFailedBeforeTransfer
}

// Transport executes server operations. Implementations attach the
// current user credentials to every call.
type Transport interface {
	// CreateNewUser registers the credentials as a new user.
	CreateNewUser(ctx context.Context) error

	// CheckForExistingUser reports whether the credentials match a
	// registered user.
	CheckForExistingUser(ctx context.Context) (bool, error)

	// GetFileIndex fetches the authoritative server file index.
	GetFileIndex(ctx context.Context) ([]models.ServerFile, error)

	// UploadFile stages one file version on the server. The file's
	// LocalPath names the content; Undelete resurrects a server-deleted
	// file.
	UploadFile(ctx context.Context, file *models.ServerFile) error

	// DeleteFiles marks the given uuid/version pairs deleted on the server.
	DeleteFiles(ctx context.Context, files []models.ServerFile) error

	// StartOutboundTransfer commits staged changes to cloud storage. The
	// returned operation id tracks the asynchronous transfer.
	StartOutboundTransfer(ctx context.Context) (string, error)

	// SetupInboundTransfer declares the files the client wants to download.
	SetupInboundTransfer(ctx context.Context, files []models.ServerFile) error

	// StartInboundTransfer begins staging declared files from cloud
	// storage to the server.
	StartInboundTransfer(ctx context.Context) (string, error)

	// CheckOperationStatus polls an asynchronous transfer operation.
	CheckOperationStatus(ctx context.Context, operationID string) (*OperationStatus, error)

	// RemoveOperationID discards a finished operation id. For uploads this
	// is the batch commit point.
	RemoveOperationID(ctx context.Context, operationID string) error

	// DownloadFile fetches one staged file's content into destPath.
	DownloadFile(ctx context.Context, fileUUID, destPath string) error

	// RemoveDownloadFile discards one staged download on the server.
	RemoveDownloadFile(ctx context.Context, fileUUID string) error

	// Cleanup discards all staged server state for this user. Used by the
	// server-scope error reset.
	Cleanup(ctx context.Context) error

	// Connected reports current network reachability of the server.
	Connected() bool
}
