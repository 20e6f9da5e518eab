package driftsync

import (
	"errors"
	"fmt"
)

// Common sentinel errors for the driftsync package.
var (
	// ErrClosed is returned when operations are attempted on a closed
	// engine or store.
	ErrClosed = errors.New("sync core is closed")

	// ErrNotFound is returned when a document does not exist in the remote
	// store.
	ErrNotFound = errors.New("document not found")

	// ErrConflict is returned when a transaction's conflict retries are
	// exhausted.
	ErrConflict = errors.New("transaction conflict")

	// ErrInsufficientBalance aborts a ledger transaction when the governed
	// balance cannot cover the requested spend.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInvalidPath is returned for malformed field paths.
	ErrInvalidPath = errors.New("invalid field path")
)

// StoreErrorType categorizes local buffer store errors.
type StoreErrorType int

const (
	// StoreErrorTypeUnknown is an unclassified store error.
	StoreErrorTypeUnknown StoreErrorType = iota
	// StoreErrorTypeRead indicates a read failure.
	StoreErrorTypeRead
	// StoreErrorTypeWrite indicates a write failure.
	StoreErrorTypeWrite
	// StoreErrorTypeCorruption indicates the persisted state could not be
	// decoded.
	StoreErrorTypeCorruption
)

// StoreError provides detailed information about local storage failures.
// Staging never raises these to the caller; they are routed to the engine's
// event sink and the operation degrades to an in-memory-only update.
type StoreError struct {
	Type    StoreErrorType
	Message string
	Path    string
	Cause   error
}

func (e *StoreError) Error() string {
	if e.Path != "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s [%s]: %v", e.Message, e.Path, e.Cause)
		}
		return fmt.Sprintf("%s [%s]", e.Message, e.Path)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *StoreError) Unwrap() error {
	return e.Cause
}

// newStoreError creates a new StoreError.
func newStoreError(errType StoreErrorType, message, path string, cause error) *StoreError {
	return &StoreError{
		Type:    errType,
		Message: message,
		Path:    path,
		Cause:   cause,
	}
}

// RemoteErrorType categorizes remote store errors.
type RemoteErrorType int

const (
	// RemoteErrorTypeUnknown is an unclassified remote error.
	RemoteErrorTypeUnknown RemoteErrorType = iota
	// RemoteErrorTypeTransient indicates a retryable I/O failure.
	RemoteErrorTypeTransient
	// RemoteErrorTypeConflict indicates a serialization conflict.
	RemoteErrorTypeConflict
	// RemoteErrorTypeNotFound indicates a missing document.
	RemoteErrorTypeNotFound
)

// RemoteError provides detailed information about remote store failures.
type RemoteError struct {
	Type    RemoteErrorType
	Message string
	DocID   string
	Cause   error
}

func (e *RemoteError) Error() string {
	if e.DocID != "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s [%s]: %v", e.Message, e.DocID, e.Cause)
		}
		return fmt.Sprintf("%s [%s]", e.Message, e.DocID)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *RemoteError) Unwrap() error {
	return e.Cause
}

// Is implements error matching for RemoteError.
func (e *RemoteError) Is(target error) bool {
	switch e.Type {
	case RemoteErrorTypeConflict:
		return target == ErrConflict
	case RemoteErrorTypeNotFound:
		return target == ErrNotFound
	}
	return false
}

// newRemoteError creates a new RemoteError.
func newRemoteError(errType RemoteErrorType, message, docID string, cause error) *RemoteError {
	return &RemoteError{
		Type:    errType,
		Message: message,
		DocID:   docID,
		Cause:   cause,
	}
}
