package queue

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/stagesync/internal/events"
	"github.com/TheMichaelB/stagesync/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger := events.NewTestLogger(events.ErrorLevel, "text", io.Discard)
	store, err := Open(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func saveTestFile(t *testing.T, s *Store, uuid string, version int) *models.LocalFile {
	t.Helper()
	f := &models.LocalFile{
		UUID:       uuid,
		RemoteName: uuid + ".txt",
		MimeType:   "text/plain",
		SyncState:  models.SyncStateAfterInitialSync,
	}
	if version >= 0 {
		f.SetVersion(version)
	} else {
		f.SyncState = models.SyncStateInitialUpload
	}
	require.NoError(t, s.SaveLocalFile(f))
	return f
}

func TestModePersistence(t *testing.T) {
	store := newTestStore(t)

	mode, err := store.Mode()
	require.NoError(t, err)
	assert.Equal(t, models.Idle(), mode)

	want := models.NonRecoverable(errors.New("outbound transfer failed"))
	require.NoError(t, store.SetMode(want))

	mode, err = store.Mode()
	require.NoError(t, err)
	assert.Equal(t, want, mode)
}

func TestOperationIDSlots(t *testing.T) {
	store := newTestStore(t)

	id, err := store.OperationID(Upload)
	require.NoError(t, err)
	assert.Empty(t, id)

	require.NoError(t, store.SetOperationID(Upload, "op-up"))
	require.NoError(t, store.SetOperationID(Download, "op-down"))

	id, err = store.OperationID(Upload)
	require.NoError(t, err)
	assert.Equal(t, "op-up", id)

	id, err = store.OperationID(Download)
	require.NoError(t, err)
	assert.Equal(t, "op-down", id)

	require.NoError(t, store.SetOperationID(Upload, ""))
	id, err = store.OperationID(Upload)
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestOperationCount(t *testing.T) {
	store := newTestStore(t)

	count, err := store.OperationCount()
	require.NoError(t, err)
	assert.Zero(t, count)

	require.NoError(t, store.SetOperationCount(7))
	count, err = store.OperationCount()
	require.NoError(t, err)
	assert.Equal(t, 7, count)
}

func TestLocalFileRoundtrip(t *testing.T) {
	store := newTestStore(t)

	f := &models.LocalFile{
		UUID:        "file-1",
		RemoteName:  "notes.txt",
		MimeType:    "text/plain",
		AppMetadata: []byte(`{"tag":"work"}`),
		SyncState:   models.SyncStateInitialUpload,
	}
	require.NoError(t, store.SaveLocalFile(f))

	got, err := store.LocalFile("file-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "notes.txt", got.RemoteName)
	assert.Equal(t, -1, got.Version())
	assert.JSONEq(t, `{"tag":"work"}`, string(got.AppMetadata))

	got.SetVersion(3)
	got.DeletedOnServer = true
	require.NoError(t, store.SaveLocalFile(got))

	got, err = store.LocalFile("file-1")
	require.NoError(t, err)
	assert.Equal(t, 3, got.Version())
	assert.True(t, got.DeletedOnServer)

	missing, err := store.LocalFile("nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestAllLocalFiles(t *testing.T) {
	store := newTestStore(t)
	saveTestFile(t, store, "b-file", 1)
	saveTestFile(t, store, "a-file", 0)

	files, err := store.AllLocalFiles()
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "a-file", files[0].UUID)
	assert.Equal(t, "b-file", files[1].UUID)

	require.NoError(t, store.DeleteLocalFile("a-file"))
	files, err = store.AllLocalFiles()
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestFlushKeepsMetadataAndMode(t *testing.T) {
	store := newTestStore(t)
	saveTestFile(t, store, "file-1", 0)

	require.NoError(t, store.AddUpload(NewUploadFileOp("file-1", "/tmp/f1", false)))
	committed, err := store.Commit()
	require.NoError(t, err)
	require.True(t, committed)

	require.NoError(t, store.SetMode(models.Internal(errors.New("boom"))))
	require.NoError(t, store.SetOperationID(Upload, "op-1"))

	require.NoError(t, store.Flush())

	has, err := store.HasCommitted()
	require.NoError(t, err)
	assert.False(t, has)

	id, err := store.OperationID(Upload)
	require.NoError(t, err)
	assert.Empty(t, id)

	mode, err := store.Mode()
	require.NoError(t, err)
	assert.Equal(t, models.ModeInternalError, mode.Kind)

	f, err := store.LocalFile("file-1")
	require.NoError(t, err)
	assert.NotNil(t, f)
}
