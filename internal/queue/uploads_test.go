package queue

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/stagesync/internal/models"
)

func writeTestContent(t *testing.T, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "content.dat")
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0600))
	return path
}

func TestAddUploadValidation(t *testing.T) {
	store := newTestStore(t)

	t.Run("unknown file", func(t *testing.T) {
		err := store.AddUpload(NewUploadFileOp("ghost", "/tmp/x", false))
		assert.True(t, models.IsInternalInconsistency(err))
	})

	t.Run("server-deleted file", func(t *testing.T) {
		f := saveTestFile(t, store, "gone", 2)
		f.DeletedOnServer = true
		require.NoError(t, store.SaveLocalFile(f))

		err := store.AddUpload(NewUploadFileOp("gone", "/tmp/x", false))
		assert.ErrorIs(t, err, models.ErrFileAlreadyDeleted)
	})

	t.Run("pending deletion blocks upload", func(t *testing.T) {
		saveTestFile(t, store, "doomed", 1)
		require.NoError(t, store.AddUpload(NewUploadDeletionOp("doomed")))

		err := store.AddUpload(NewUploadFileOp("doomed", "/tmp/x", false))
		assert.ErrorIs(t, err, models.ErrFileAlreadyDeleted)

		err = store.AddUpload(NewUploadDeletionOp("doomed"))
		assert.ErrorIs(t, err, models.ErrFileAlreadyDeleted)
	})
}

func TestAddUploadReplacesUncommitted(t *testing.T) {
	store := newTestStore(t)
	saveTestFile(t, store, "file-1", -1)

	require.NoError(t, store.AddUpload(NewUploadFileOp("file-1", "/tmp/v1", false)))
	require.NoError(t, store.AddUpload(NewUploadFileOp("file-1", "/tmp/v2", false)))

	ops, err := store.PendingUploadFiles("file-1")
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "/tmp/v2", ops[0].FileURL)
}

func TestAddUploadDoesNotReplaceCommitted(t *testing.T) {
	store := newTestStore(t)
	saveTestFile(t, store, "file-1", -1)

	require.NoError(t, store.AddUpload(NewUploadFileOp("file-1", "/tmp/v1", false)))
	committed, err := store.Commit()
	require.NoError(t, err)
	require.True(t, committed)

	require.NoError(t, store.AddUpload(NewUploadFileOp("file-1", "/tmp/v2", false)))

	ops, err := store.PendingUploadFiles("file-1")
	require.NoError(t, err)
	assert.Len(t, ops, 2)
}

func TestCommit(t *testing.T) {
	store := newTestStore(t)

	t.Run("empty", func(t *testing.T) {
		committed, err := store.Commit()
		require.NoError(t, err)
		assert.False(t, committed)
	})

	t.Run("seals queue with wrapup", func(t *testing.T) {
		saveTestFile(t, store, "file-1", -1)
		require.NoError(t, store.AddUpload(NewUploadFileOp("file-1", "/tmp/f", false)))

		committed, err := store.Commit()
		require.NoError(t, err)
		assert.True(t, committed)

		has, err := store.HasCommitted()
		require.NoError(t, err)
		assert.True(t, has)

		// Nothing staged since; a second commit finds an empty prepare queue.
		committed, err = store.Commit()
		require.NoError(t, err)
		assert.False(t, committed)
	})
}

func TestPromoteOldestCommitted(t *testing.T) {
	store := newTestStore(t)
	saveTestFile(t, store, "file-1", -1)

	path := writeTestContent(t, 250*1024)
	require.NoError(t, store.AddUpload(NewUploadFileOp("file-1", path, false)))
	_, err := store.Commit()
	require.NoError(t, err)

	require.NoError(t, store.PromoteOldestCommitted())

	ops, err := store.UploadsInFlight()
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, UploadFile, ops[0].Kind)
	assert.Equal(t, UploadWrapup, ops[1].Kind)
	assert.Equal(t, WrapupOutboundTransfer, ops[1].WrapupStage)

	blocks, err := store.Blocks(Upload, ops[0].ID)
	require.NoError(t, err)
	require.Len(t, blocks, 3)
	assert.Equal(t, [2]int64{0, 100 * 1024}, blocks[0])
	assert.Equal(t, [2]int64{100 * 1024, 100 * 1024}, blocks[1])
	assert.Equal(t, [2]int64{200 * 1024, 50 * 1024}, blocks[2])

	has, err := store.HasCommitted()
	require.NoError(t, err)
	assert.False(t, has)
}

func TestPromoteZeroByteFile(t *testing.T) {
	store := newTestStore(t)
	saveTestFile(t, store, "empty", -1)

	path := writeTestContent(t, 0)
	require.NoError(t, store.AddUpload(NewUploadFileOp("empty", path, false)))
	_, err := store.Commit()
	require.NoError(t, err)
	require.NoError(t, store.PromoteOldestCommitted())

	ops, err := store.UploadChanges(UploadFile, "")
	require.NoError(t, err)
	require.Len(t, ops, 1)

	blocks, err := store.Blocks(Upload, ops[0].ID)
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, [2]int64{0, 0}, blocks[0])
}

func TestPromoteWhileInFlight(t *testing.T) {
	store := newTestStore(t)
	saveTestFile(t, store, "file-1", -1)
	saveTestFile(t, store, "file-2", -1)

	require.NoError(t, store.AddUpload(NewUploadFileOp("file-1", "/tmp/f1", false)))
	_, err := store.Commit()
	require.NoError(t, err)
	require.NoError(t, store.PromoteOldestCommitted())

	require.NoError(t, store.AddUpload(NewUploadFileOp("file-2", "/tmp/f2", false)))
	_, err = store.Commit()
	require.NoError(t, err)

	err = store.PromoteOldestCommitted()
	assert.True(t, models.IsInternalInconsistency(err))
}

func TestRemoveUploadOpDropsExhaustedQueue(t *testing.T) {
	store := newTestStore(t)
	saveTestFile(t, store, "file-1", -1)

	require.NoError(t, store.AddUpload(NewUploadFileOp("file-1", "/tmp/f1", false)))
	_, err := store.Commit()
	require.NoError(t, err)
	require.NoError(t, store.PromoteOldestCommitted())

	ops, err := store.UploadChanges(UploadFile, "")
	require.NoError(t, err)
	require.Len(t, ops, 1)

	// Removing the only file op discards the queue, cascading the wrapup
	// and blocks away with it.
	require.NoError(t, store.RemoveUploadOp(ops[0].ID))

	inFlight, err := store.UploadsInFlight()
	require.NoError(t, err)
	assert.Empty(t, inFlight)

	wrapup, err := store.Wrapup()
	require.NoError(t, err)
	assert.Nil(t, wrapup)
}

func TestRemoveUploadOpKeepsPreparingQueue(t *testing.T) {
	store := newTestStore(t)
	saveTestFile(t, store, "file-1", -1)
	saveTestFile(t, store, "file-2", -1)

	require.NoError(t, store.AddUpload(NewUploadFileOp("file-1", "/tmp/f1", false)))
	ops, err := store.PendingUploadFiles("file-1")
	require.NoError(t, err)
	require.Len(t, ops, 1)
	require.NoError(t, store.RemoveUploadOp(ops[0].ID))

	// The prepare queue survives empty; a later enqueue reuses it.
	require.NoError(t, store.AddUpload(NewUploadFileOp("file-2", "/tmp/f2", false)))
	committed, err := store.Commit()
	require.NoError(t, err)
	assert.True(t, committed)
}

func TestSetUndeleteFirstPending(t *testing.T) {
	store := newTestStore(t)
	saveTestFile(t, store, "file-1", 2)

	require.NoError(t, store.AddUpload(NewUploadFileOp("file-1", "/tmp/f1", false)))
	require.NoError(t, store.SetUndeleteFirstPending("file-1"))

	ops, err := store.PendingUploadFiles("file-1")
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.True(t, ops[0].Undelete)

	err = store.SetUndeleteFirstPending("nothing-queued")
	assert.True(t, models.IsInternalInconsistency(err))
}

func TestUploadChangeForFile(t *testing.T) {
	store := newTestStore(t)
	saveTestFile(t, store, "file-1", -1)

	op, err := store.UploadChangeForFile("file-1")
	require.NoError(t, err)
	assert.Nil(t, op)

	require.NoError(t, store.AddUpload(NewUploadFileOp("file-1", "/tmp/f1", false)))
	_, err = store.Commit()
	require.NoError(t, err)
	require.NoError(t, store.PromoteOldestCommitted())

	op, err = store.UploadChangeForFile("file-1")
	require.NoError(t, err)
	require.NotNil(t, op)
	assert.Equal(t, UploadFile, op.Kind)
	assert.Equal(t, StageServerUpload, op.Stage)
}
