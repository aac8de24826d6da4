package client

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/stagesync/internal/config"
	"github.com/TheMichaelB/stagesync/internal/events"
	"github.com/TheMichaelB/stagesync/internal/models"
	"github.com/TheMichaelB/stagesync/internal/queue"
	"github.com/TheMichaelB/stagesync/internal/transport"
)

func newTestClient(t *testing.T) (*Client, *transport.MockTransport) {
	t.Helper()

	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Storage.DataDir = dir
	cfg.Storage.QueueDB = filepath.Join(dir, "queue.db")
	cfg.Storage.DownloadDir = filepath.Join(dir, "downloads")
	cfg.Auth.CredentialsFile = filepath.Join(dir, "credentials.json")

	mock := transport.NewMockTransport()
	logger := events.NewTestLogger(events.ErrorLevel, "text", os.Stderr)

	c, err := NewWithTransport(cfg, mock, clockwork.NewRealClock(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, mock
}

func writeContent(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0600))
	return path
}

func TestEnqueueUploadValidation(t *testing.T) {
	c, _ := newTestClient(t)
	path := writeContent(t, "f.txt", []byte("content"))

	t.Run("missing remote name", func(t *testing.T) {
		err := c.EnqueueUpload(path, models.SyncAttributes{UUID: "u1"})
		assert.ErrorIs(t, err, models.ErrMissingRemoteName)
	})

	t.Run("unreadable content with no mime type", func(t *testing.T) {
		err := c.EnqueueUpload("/does/not/exist", models.SyncAttributes{
			UUID: "u1", RemoteName: "f.txt",
		})
		assert.ErrorIs(t, err, models.ErrMissingMimeType)
	})

	t.Run("remote name mismatch", func(t *testing.T) {
		require.NoError(t, c.EnqueueUpload(path, models.SyncAttributes{
			UUID: "u1", RemoteName: "f.txt", MimeType: "text/plain",
		}))
		err := c.EnqueueUpload(path, models.SyncAttributes{
			UUID: "u1", RemoteName: "other.txt", MimeType: "text/plain",
		})
		assert.ErrorIs(t, err, models.ErrRemoteNameMismatch)
	})
}

func TestEnqueueUploadSniffsMimeType(t *testing.T) {
	c, _ := newTestClient(t)
	path := writeContent(t, "page.html", []byte("<!DOCTYPE html><html></html>"))

	require.NoError(t, c.EnqueueUpload(path, models.SyncAttributes{
		UUID: "u1", RemoteName: "page.html",
	}))

	local, err := c.LocalFileStatus("u1")
	require.NoError(t, err)
	require.NotNil(t, local)
	assert.Contains(t, local.MimeType, "text/html")
}

func TestEnqueueUploadCreatesMetadata(t *testing.T) {
	c, _ := newTestClient(t)
	path := writeContent(t, "f.txt", []byte("content"))

	require.NoError(t, c.EnqueueUpload(path, models.SyncAttributes{
		UUID: "u1", RemoteName: "f.txt", MimeType: "text/plain",
		AppMetadata: []byte(`{"k":1}`),
	}))

	local, err := c.LocalFileStatus("u1")
	require.NoError(t, err)
	require.NotNil(t, local)
	assert.Equal(t, models.SyncStateInitialUpload, local.SyncState)
	assert.Equal(t, -1, local.Version())
	assert.JSONEq(t, `{"k":1}`, string(local.AppMetadata))
}

func TestEnqueueDataSpoolsTempFile(t *testing.T) {
	c, _ := newTestClient(t)

	require.NoError(t, c.EnqueueData([]byte("raw bytes"), models.SyncAttributes{
		UUID: "u1", RemoteName: "raw.bin", MimeType: "application/octet-stream",
	}))

	local, err := c.LocalFileStatus("u1")
	require.NoError(t, err)
	require.NotNil(t, local)

	op, err := c.store.UploadChangeForFile("u1")
	require.NoError(t, err)
	assert.Nil(t, op) // not yet committed or promoted

	pending, err := c.store.PendingUploadFiles("u1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.True(t, pending[0].DeleteAfterUpload)

	data, err := os.ReadFile(pending[0].FileURL)
	require.NoError(t, err)
	assert.Equal(t, []byte("raw bytes"), data)
}

func TestEnqueueDeletion(t *testing.T) {
	c, _ := newTestClient(t)

	t.Run("unknown file", func(t *testing.T) {
		assert.ErrorIs(t, c.EnqueueDeletion("ghost"), models.ErrUnknownFile)
	})

	t.Run("synced file queues a server deletion", func(t *testing.T) {
		f := &models.LocalFile{
			UUID: "synced", RemoteName: "s.txt", MimeType: "text/plain",
			SyncState: models.SyncStateAfterInitialSync,
		}
		f.SetVersion(1)
		require.NoError(t, c.store.SaveLocalFile(f))

		require.NoError(t, c.EnqueueDeletion("synced"))

		pending, err := c.store.PendingUploadDeletion("synced")
		require.NoError(t, err)
		assert.NotNil(t, pending)

		// Queued once; again is an error.
		assert.ErrorIs(t, c.EnqueueDeletion("synced"), models.ErrFileAlreadyDeleted)
	})

	t.Run("never-uploaded file deletes locally only", func(t *testing.T) {
		path := writeContent(t, "n.txt", []byte("never synced"))
		require.NoError(t, c.EnqueueUpload(path, models.SyncAttributes{
			UUID: "fresh", RemoteName: "n.txt", MimeType: "text/plain",
		}))

		require.NoError(t, c.EnqueueDeletion("fresh"))

		pending, err := c.store.PendingUploadDeletion("fresh")
		require.NoError(t, err)
		assert.Nil(t, pending)

		uploads, err := c.store.PendingUploadFiles("fresh")
		require.NoError(t, err)
		assert.Empty(t, uploads)

		local, err := c.LocalFileStatus("fresh")
		require.NoError(t, err)
		assert.True(t, local.DeletedOnServer)
	})
}

func TestCommitAndSync(t *testing.T) {
	c, mock := newTestClient(t)

	committed, err := c.Commit()
	require.NoError(t, err)
	assert.False(t, committed)

	path := writeContent(t, "f.txt", []byte("content"))
	require.NoError(t, c.EnqueueUpload(path, models.SyncAttributes{
		UUID: "u1", RemoteName: "f.txt", MimeType: "text/plain",
	}))

	committed, err = c.Commit()
	require.NoError(t, err)
	assert.True(t, committed)

	require.NoError(t, c.Sync(context.Background()))

	mode, err := c.Mode()
	require.NoError(t, err)
	assert.Equal(t, models.ModeIdle, mode.Kind)

	require.Len(t, mock.Uploaded, 1)
	assert.Equal(t, "u1", mock.Uploaded[0].UUID)
	assert.Equal(t, 0, mock.Uploaded[0].Version)
}

func TestResetMetaData(t *testing.T) {
	c, _ := newTestClient(t)

	f := &models.LocalFile{
		UUID: "u1", RemoteName: "f.txt", MimeType: "text/plain",
		SyncState: models.SyncStateAfterInitialSync,
	}
	require.NoError(t, c.store.SaveLocalFile(f))

	require.NoError(t, c.store.SetMode(models.Synchronizing()))
	assert.Error(t, c.ResetMetaData())

	require.NoError(t, c.store.SetMode(models.Idle()))
	require.NoError(t, c.ResetMetaData())

	files, err := c.LocalFiles()
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestEnqueueBlockedDuringDownload(t *testing.T) {
	c, _ := newTestClient(t)
	path := writeContent(t, "f.txt", []byte("content"))

	f := &models.LocalFile{
		UUID: "u1", RemoteName: "f.txt", MimeType: "text/plain",
		SyncState: models.SyncStateAfterInitialSync,
	}
	f.SetVersion(1)
	require.NoError(t, c.store.SaveLocalFile(f))

	require.NoError(t, c.store.SetBeingDownloaded(
		[]queue.DownloadOp{queue.NewDownloadFileOp("u1", 2)},
		map[string]int64{"u1": 8}))

	err := c.EnqueueUpload(path, models.SyncAttributes{
		UUID: "u1", RemoteName: "f.txt", MimeType: "text/plain",
	})
	assert.ErrorIs(t, err, models.ErrFileBeingDownloaded)
	assert.ErrorIs(t, c.EnqueueDeletion("u1"), models.ErrFileBeingDownloaded)
}
