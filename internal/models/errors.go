package models

import (
	"errors"
	"fmt"
)

// Server return codes carried on RPC responses.
const (
	RCOperationSucceeded = 0
	RCStaleCredentials   = 3
	RCServerAPIError     = 4

	RCOperationStatusNotStarted           = 200
	RCOperationStatusInProgress           = 201
	RCOperationStatusFailedBeforeTransfer = 202
	RCOperationStatusFailedDuringTransfer = 203
	RCOperationStatusFailedAfterTransfer  = 204
	RCOperationStatusSuccessfulCompletion = 210
)

// Sentinel errors for the caller-facing enqueue surface.
var (
	ErrFileAlreadyDeleted  = errors.New("file was already deleted")
	ErrUnknownFile         = errors.New("deleting unknown file")
	ErrMissingMimeType     = errors.New("mime type not given")
	ErrMissingRemoteName   = errors.New("remote file name not given")
	ErrRemoteNameMismatch  = errors.New("different remote file name than on server")
	ErrFileBeingDownloaded = errors.New("file is being downloaded")
	ErrNotSignedIn         = errors.New("user not signed in")
	ErrNotInErrorMode      = errors.New("not in an error mode")
	ErrEmptyResetScope     = errors.New("empty error reset scope")
)

// ErrNetworkNotConnected marks failures caused by missing connectivity.
var ErrNetworkNotConnected = errors.New("network not connected")

// APIError is a structured failure from the remote service.
type APIError struct {
	Code       int    `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"status_code"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server error %d (rc %d): %s", e.StatusCode, e.Code, e.Message)
}

// IsAPIMisuse reports whether the server flagged the request as a client
// API-usage error. These are never retried.
func IsAPIMisuse(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == RCServerAPIError
}

// IsStaleCredentials reports whether the server rejected the supplied user
// credentials as stale.
func IsStaleCredentials(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == RCStaleCredentials
}

// InternalInconsistency marks corrupted local state (a logic bug, not a
// transient fault). Never retried.
type InternalInconsistency struct {
	Reason string
}

func (e *InternalInconsistency) Error() string {
	return "internal inconsistency: " + e.Reason
}

// Inconsistencyf builds an InternalInconsistency.
func Inconsistencyf(format string, args ...interface{}) error {
	return &InternalInconsistency{Reason: fmt.Sprintf(format, args...)}
}

// IsInternalInconsistency reports whether err is a local invariant violation.
func IsInternalInconsistency(err error) bool {
	var inc *InternalInconsistency
	return errors.As(err, &inc)
}
