package core

import (
	"errors"
	"fmt"
)

// Wire error codes shared by the socket and HTTP boundaries.
const (
	CodeInvalidParams      = "invalid-params"
	CodeForbidden          = "forbidden"
	CodeSessionNotFound    = "session-not-found"
	CodeMachineNotFound    = "machine-not-found"
	CodeAccountNotFound    = "account-not-found"
	CodeVersionMismatch    = "version-mismatch"
	CodeCursorGone         = "cursor-gone"
	CodeMethodNotAvailable = "method-not-available"
	CodeInternal           = "internal"
)

var (
	ErrInvalidParams      = errors.New(CodeInvalidParams)
	ErrForbidden          = errors.New(CodeForbidden)
	ErrSessionNotFound    = errors.New(CodeSessionNotFound)
	ErrMachineNotFound    = errors.New(CodeMachineNotFound)
	ErrAccountNotFound    = errors.New(CodeAccountNotFound)
	ErrMethodNotAvailable = errors.New(CodeMethodNotAvailable)
)

// VersionMismatchError carries the current lane state so the caller can
// recompute its mutation and retry without another round trip.
type VersionMismatchError struct {
	Version int64
	Value   *string
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("%s: current version %d", CodeVersionMismatch, e.Version)
}

// PatchMismatchError describes whichever lane(s) of a combined patch failed.
// A nil lane means that lane was not part of the patch.
type PatchMismatchError struct {
	Metadata   *VersionMismatchError
	AgentState *VersionMismatchError
}

func (e *PatchMismatchError) Error() string {
	return CodeVersionMismatch
}

// CursorGoneError signals that the requested change-log cursor is outside the
// retention window (behind the floor or in the future); the client must take
// a full snapshot and resume from CurrentCursor.
type CursorGoneError struct {
	CurrentCursor int64
}

func (e *CursorGoneError) Error() string {
	return fmt.Sprintf("%s: current cursor %d", CodeCursorGone, e.CurrentCursor)
}

// ErrorCode maps an error to its wire code.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidParams):
		return CodeInvalidParams
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	case errors.Is(err, ErrSessionNotFound):
		return CodeSessionNotFound
	case errors.Is(err, ErrMachineNotFound):
		return CodeMachineNotFound
	case errors.Is(err, ErrAccountNotFound):
		return CodeAccountNotFound
	case errors.Is(err, ErrMethodNotAvailable):
		return CodeMethodNotAvailable
	}
	var vm *VersionMismatchError
	if errors.As(err, &vm) {
		return CodeVersionMismatch
	}
	var pm *PatchMismatchError
	if errors.As(err, &pm) {
		return CodeVersionMismatch
	}
	var cg *CursorGoneError
	if errors.As(err, &cg) {
		return CodeCursorGone
	}
	return CodeInternal
}
