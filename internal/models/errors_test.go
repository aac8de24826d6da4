package models

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsAPIMisuse(t *testing.T) {
	misuse := &APIError{Code: RCServerAPIError, Message: "bad request", StatusCode: 200}
	assert.True(t, IsAPIMisuse(misuse))
	assert.True(t, IsAPIMisuse(fmt.Errorf("send: %w", misuse)))

	other := &APIError{Code: 1, Message: "boom", StatusCode: 500}
	assert.False(t, IsAPIMisuse(other))
	assert.False(t, IsAPIMisuse(errors.New("plain")))
}

func TestIsStaleCredentials(t *testing.T) {
	stale := &APIError{Code: RCStaleCredentials, StatusCode: 200}
	assert.True(t, IsStaleCredentials(stale))
	assert.False(t, IsStaleCredentials(&APIError{Code: RCServerAPIError}))
}

func TestInternalInconsistency(t *testing.T) {
	err := Inconsistencyf("version %d behind %d", 1, 3)
	assert.True(t, IsInternalInconsistency(err))
	assert.True(t, IsInternalInconsistency(fmt.Errorf("cycle: %w", err)))
	assert.Contains(t, err.Error(), "version 1 behind 3")

	assert.False(t, IsInternalInconsistency(errors.New("transient")))
}
