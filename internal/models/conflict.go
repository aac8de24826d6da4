package models

import (
	"fmt"
	"sync"
)

// ClientOperation identifies the kind of pending local operation a server
// change collides with. Downloads take priority over uploads, so conflicts
// always originate from a server-side download or download-deletion.
type ClientOperation string

const (
	ConflictFileUpload     ClientOperation = "file_upload"
	ConflictUploadDeletion ClientOperation = "upload_deletion"
)

// Resolution is the caller's choice for one conflict.
type Resolution int

const (
	// DeleteConflictingClientOperations discards the local pending
	// operation(s) and accepts the server's version.
	DeleteConflictingClientOperations Resolution = iota

	// KeepConflictingClientOperations keeps the local pending operation(s);
	// for an upload racing a server deletion the next upload is forced to
	// undelete the server file.
	KeepConflictingClientOperations
)

// Conflict is a detected collision between a server change and a pending
// local change for the same file. The caller must resolve it exactly
// once, from any goroutine.
type Conflict struct {
	UUID string
	Type ClientOperation

	mu       sync.Mutex
	resolved bool
	apply    func(Resolution)
}

// NewConflict builds a conflict whose resolution invokes apply.
func NewConflict(uuid string, typ ClientOperation, apply func(Resolution)) *Conflict {
	return &Conflict{UUID: uuid, Type: typ, apply: apply}
}

// Resolved reports whether Resolve has been called.
func (c *Conflict) Resolved() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resolved
}

// Resolve applies the caller's choice. Resolving a conflict twice is a
// contract violation and panics. The choice is applied before Resolved
// reports true, so an observer seeing the conflict resolved also sees
// its effect.
func (c *Conflict) Resolve(r Resolution) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resolved {
		panic(fmt.Sprintf("conflict for %s already resolved", c.UUID))
	}
	c.resolved = true
	c.apply(r)
}

// DownloadConflict pairs a downloaded file with its conflict for the
// caller-facing resolution callback.
type DownloadConflict struct {
	Path       string
	Attributes SyncAttributes
	Conflict   *Conflict
}

// DeletionConflict pairs a download-deletion with its conflict.
type DeletionConflict struct {
	Attributes SyncAttributes
	Conflict   *Conflict
}
