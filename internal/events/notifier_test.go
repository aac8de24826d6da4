package events

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/stagesync/internal/models"
)

type recordingDelegate struct {
	saves     [][]models.DownloadedFile
	deletes   [][]models.SyncAttributes
	conflicts []models.DownloadConflict
	modes     []models.SyncMode
	events    []models.Event
}

func (d *recordingDelegate) ShouldSaveDownloads(downloads []models.DownloadedFile, ack func()) {
	d.saves = append(d.saves, downloads)
	ack()
}

func (d *recordingDelegate) ShouldResolveDownloadConflicts(conflicts []models.DownloadConflict) {
	d.conflicts = append(d.conflicts, conflicts...)
	for _, c := range conflicts {
		c.Conflict.Resolve(models.KeepConflictingClientOperations)
	}
}

func (d *recordingDelegate) ShouldDeleteFiles(deletions []models.SyncAttributes, ack func()) {
	d.deletes = append(d.deletes, deletions)
	ack()
}

func (d *recordingDelegate) ShouldResolveDeletionConflicts(conflicts []models.DeletionConflict) {
	for _, c := range conflicts {
		c.Conflict.Resolve(models.KeepConflictingClientOperations)
	}
}

func (d *recordingDelegate) ModeChanged(mode models.SyncMode) { d.modes = append(d.modes, mode) }
func (d *recordingDelegate) EventOccurred(event models.Event) { d.events = append(d.events, event) }

func newTestNotifier() *Notifier {
	return NewNotifier(NewTestLogger(ErrorLevel, "text", io.Discard))
}

func TestNotifierWithoutDelegate(t *testing.T) {
	n := newTestNotifier()

	// Must not block waiting for an acknowledgement that will never come.
	n.SaveDownloads([]models.DownloadedFile{{Path: "/tmp/f"}})
	n.DeleteFiles([]models.SyncAttributes{{UUID: "u1"}})
	n.ModeChanged(models.Idle())
	n.Report(models.Event{Type: models.EventSingleUploadComplete})
}

func TestNotifierWithoutDelegateResolvesConflicts(t *testing.T) {
	n := newTestNotifier()

	var choice models.Resolution = -1
	conflict := models.NewConflict("u1", models.ConflictFileUpload, func(r models.Resolution) {
		choice = r
	})

	n.ResolveDownloadConflicts([]models.DownloadConflict{{Conflict: conflict}})
	assert.True(t, conflict.Resolved())
	assert.Equal(t, models.DeleteConflictingClientOperations, choice)

	choice = -1
	deletion := models.NewConflict("u2", models.ConflictUploadDeletion, func(r models.Resolution) {
		choice = r
	})
	n.ResolveDeletionConflicts([]models.DeletionConflict{{Conflict: deletion}})
	assert.Equal(t, models.DeleteConflictingClientOperations, choice)
}

func TestNotifierDeliversToDelegate(t *testing.T) {
	n := newTestNotifier()
	d := &recordingDelegate{}
	n.SetDelegate(d)

	n.SaveDownloads([]models.DownloadedFile{{Path: "/tmp/f", Attributes: models.SyncAttributes{UUID: "u1"}}})
	require.Len(t, d.saves, 1)
	assert.Equal(t, "u1", d.saves[0][0].Attributes.UUID)

	n.DeleteFiles([]models.SyncAttributes{{UUID: "u2"}})
	require.Len(t, d.deletes, 1)

	var choice models.Resolution = -1
	conflict := models.NewConflict("u3", models.ConflictFileUpload, func(r models.Resolution) {
		choice = r
	})
	n.ResolveDownloadConflicts([]models.DownloadConflict{{Conflict: conflict}})
	assert.Equal(t, models.KeepConflictingClientOperations, choice)

	n.ModeChanged(models.Synchronizing())
	require.Len(t, d.modes, 1)
	assert.Equal(t, models.ModeSynchronizing, d.modes[0].Kind)
}

func TestReportStampsTimestamp(t *testing.T) {
	n := newTestNotifier()
	d := &recordingDelegate{}
	n.SetDelegate(d)

	n.Report(models.Event{Type: models.EventAllUploadsComplete, Count: 3})

	require.Len(t, d.events, 1)
	assert.Equal(t, models.EventAllUploadsComplete, d.events[0].Type)
	assert.Equal(t, 3, d.events[0].Count)
	assert.False(t, d.events[0].Timestamp.IsZero())
}

func TestSetDelegateNilRestoresAutoAck(t *testing.T) {
	n := newTestNotifier()
	n.SetDelegate(&recordingDelegate{})
	n.SetDelegate(nil)

	n.SaveDownloads([]models.DownloadedFile{{Path: "/tmp/f"}})
}
