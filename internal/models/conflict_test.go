package models

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConflictResolveOnce(t *testing.T) {
	var got Resolution
	applied := false

	c := NewConflict("uuid-1", ConflictFileUpload, func(r Resolution) {
		applied = true
		got = r
	})
	assert.False(t, c.Resolved())

	c.Resolve(KeepConflictingClientOperations)

	assert.True(t, c.Resolved())
	assert.True(t, applied)
	assert.Equal(t, KeepConflictingClientOperations, got)
}

func TestConflictResolveFromAnotherGoroutine(t *testing.T) {
	var got Resolution
	c := NewConflict("uuid-1", ConflictFileUpload, func(r Resolution) {
		got = r
	})

	// The engine polls Resolved while a delegate resolves elsewhere.
	go c.Resolve(KeepConflictingClientOperations)
	for !c.Resolved() {
		runtime.Gosched()
	}

	assert.Equal(t, KeepConflictingClientOperations, got)
}

func TestConflictDoubleResolvePanics(t *testing.T) {
	c := NewConflict("uuid-1", ConflictUploadDeletion, func(Resolution) {})
	c.Resolve(DeleteConflictingClientOperations)

	assert.Panics(t, func() {
		c.Resolve(DeleteConflictingClientOperations)
	})
}
