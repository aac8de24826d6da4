package models

import (
	"encoding/json"
	"fmt"
)

// ModeKind enumerates the persisted sync-server modes.
type ModeKind string

const (
	ModeIdle                ModeKind = "idle"
	ModeSynchronizing       ModeKind = "synchronizing"
	ModeResettingFromError  ModeKind = "resetting_from_error"
	ModeNetworkNotConnected ModeKind = "network_not_connected"
	ModeNonRecoverableError ModeKind = "non_recoverable_error"
	ModeInternalError       ModeKind = "internal_error"
)

// SyncMode is the process-wide persisted mode. Detail carries the error
// message for the two error kinds and is empty otherwise.
type SyncMode struct {
	Kind   ModeKind `json:"kind"`
	Detail string   `json:"detail,omitempty"`
}

// Idle returns the idle mode.
func Idle() SyncMode { return SyncMode{Kind: ModeIdle} }

// Synchronizing returns the synchronizing mode.
func Synchronizing() SyncMode { return SyncMode{Kind: ModeSynchronizing} }

// ResettingFromError returns the resetting mode.
func ResettingFromError() SyncMode { return SyncMode{Kind: ModeResettingFromError} }

// NetworkNotConnected returns the no-connectivity mode.
func NetworkNotConnected() SyncMode { return SyncMode{Kind: ModeNetworkNotConnected} }

// NonRecoverable builds a non-recoverable error mode from err.
func NonRecoverable(err error) SyncMode {
	return SyncMode{Kind: ModeNonRecoverableError, Detail: errDetail(err)}
}

// Internal builds an internal error mode from err.
func Internal(err error) SyncMode {
	return SyncMode{Kind: ModeInternalError, Detail: errDetail(err)}
}

func errDetail(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// IsError reports whether the mode is one of the terminal error modes.
func (m SyncMode) IsError() bool {
	return m.Kind == ModeNonRecoverableError || m.Kind == ModeInternalError
}

// IsOperating reports whether a sync or reset cycle owns the engine.
func (m SyncMode) IsOperating() bool {
	return m.Kind == ModeSynchronizing || m.Kind == ModeResettingFromError
}

// Equal compares mode kinds, ignoring error detail.
func (m SyncMode) Equal(other SyncMode) bool {
	return m.Kind == other.Kind
}

func (m SyncMode) String() string {
	if m.Detail != "" {
		return fmt.Sprintf("%s: %s", m.Kind, m.Detail)
	}
	return string(m.Kind)
}

// Encode serializes the mode for the durable store.
func (m SyncMode) Encode() (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode mode: %w", err)
	}
	return string(data), nil
}

// DecodeMode parses a mode persisted with Encode. An empty value decodes to
// Idle so a fresh store starts cleanly.
func DecodeMode(value string) (SyncMode, error) {
	if value == "" {
		return Idle(), nil
	}
	var m SyncMode
	if err := json.Unmarshal([]byte(value), &m); err != nil {
		return SyncMode{}, fmt.Errorf("decode mode %q: %w", value, err)
	}
	switch m.Kind {
	case ModeIdle, ModeSynchronizing, ModeResettingFromError,
		ModeNetworkNotConnected, ModeNonRecoverableError, ModeInternalError:
		return m, nil
	default:
		return SyncMode{}, fmt.Errorf("decode mode: unknown kind %q", m.Kind)
	}
}
