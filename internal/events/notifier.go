package events

import (
	"sync"
	"time"

	"github.com/TheMichaelB/stagesync/internal/models"
)

// Delegate receives sync lifecycle callbacks. Downloads and
// download-deletions are reported before local metadata is updated; the
// delegate acknowledges once it has atomically applied them on its side.
// All callbacks are delivered one at a time, never concurrently.
type Delegate interface {
	// ShouldSaveDownloads hands over a completed batch of downloaded files.
	// The delegate must call ack after persisting them.
	ShouldSaveDownloads(downloads []models.DownloadedFile, ack func())

	// ShouldResolveDownloadConflicts reports downloads that collide with
	// pending local uploads. Every conflict must be resolved exactly once.
	ShouldResolveDownloadConflicts(conflicts []models.DownloadConflict)

	// ShouldDeleteFiles hands over server-side deletions. The delegate must
	// call ack after removing its local content.
	ShouldDeleteFiles(deletions []models.SyncAttributes, ack func())

	// ShouldResolveDeletionConflicts reports server deletions that collide
	// with pending local uploads.
	ShouldResolveDeletionConflicts(conflicts []models.DeletionConflict)

	// ModeChanged reports every persisted mode transition.
	ModeChanged(mode models.SyncMode)

	// EventOccurred reports discrete progress events.
	EventOccurred(event models.Event)
}

// Notifier serializes delegate callbacks. With no delegate set, downloads
// and deletions are auto-acknowledged and conflicts resolve in the
// server's favor so the engine never stalls.
type Notifier struct {
	mu       sync.Mutex
	delegate Delegate
	logger   *Logger
}

// NewNotifier creates a notifier with no delegate.
func NewNotifier(logger *Logger) *Notifier {
	return &Notifier{logger: logger.WithField("component", "notifier")}
}

// SetDelegate installs (or, with nil, removes) the delegate.
func (n *Notifier) SetDelegate(d Delegate) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.delegate = d
}

func (n *Notifier) get() Delegate {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.delegate
}

// SaveDownloads delivers downloaded files and blocks until acknowledged.
func (n *Notifier) SaveDownloads(downloads []models.DownloadedFile) {
	d := n.get()
	if d == nil {
		n.logger.WithField("count", len(downloads)).Warn("No delegate; downloads auto-acknowledged")
		return
	}

	done := make(chan struct{})
	d.ShouldSaveDownloads(downloads, func() { close(done) })
	<-done
}

// ResolveDownloadConflicts delivers conflicts and blocks until every one
// is resolved.
func (n *Notifier) ResolveDownloadConflicts(conflicts []models.DownloadConflict) {
	d := n.get()
	if d == nil {
		for _, c := range conflicts {
			c.Conflict.Resolve(models.DeleteConflictingClientOperations)
		}
		return
	}
	d.ShouldResolveDownloadConflicts(conflicts)
}

// DeleteFiles delivers server deletions and blocks until acknowledged.
func (n *Notifier) DeleteFiles(deletions []models.SyncAttributes) {
	d := n.get()
	if d == nil {
		n.logger.WithField("count", len(deletions)).Warn("No delegate; deletions auto-acknowledged")
		return
	}

	done := make(chan struct{})
	d.ShouldDeleteFiles(deletions, func() { close(done) })
	<-done
}

// ResolveDeletionConflicts delivers deletion conflicts.
func (n *Notifier) ResolveDeletionConflicts(conflicts []models.DeletionConflict) {
	d := n.get()
	if d == nil {
		for _, c := range conflicts {
			c.Conflict.Resolve(models.DeleteConflictingClientOperations)
		}
		return
	}
	d.ShouldResolveDeletionConflicts(conflicts)
}

// ModeChanged reports a mode transition.
func (n *Notifier) ModeChanged(mode models.SyncMode) {
	if d := n.get(); d != nil {
		d.ModeChanged(mode)
	}
}

// Report delivers a progress event, stamping its time.
func (n *Notifier) Report(event models.Event) {
	event.Timestamp = time.Now()
	n.logger.WithField("event", string(event.Type)).Debug("Reporting event")
	if d := n.get(); d != nil {
		d.EventOccurred(event)
	}
}
