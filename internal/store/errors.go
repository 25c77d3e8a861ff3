package store

import (
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/aml/internal/record"
)

// Sentinel errors for store operations.
var (
	// ErrStorage marks every failure of the underlying document store.
	// Match it with errors.Is; the concrete type is *StorageError.
	ErrStorage = errors.New("storage failure")

	// ErrCorruptState indicates a persisted document could not be decoded.
	// Reads treat it as an empty record set.
	ErrCorruptState = errors.New("corrupt record document")

	// ErrDocumentNotFound is returned by DocumentStore.Load when the owner has no document.
	ErrDocumentNotFound = errors.New("document not found")

	// ErrInvalidOwner is returned for owner names unusable as storage keys.
	ErrInvalidOwner = record.ErrInvalidOwner

	// ErrHandleReleased is returned when a released Writer is used.
	ErrHandleReleased = errors.New("write handle already released")
)

// StorageError describes a failed store operation for one owner.
type StorageError struct {
	Op    string
	Owner string
	Err   error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("store %s for owner %q: %v", e.Op, e.Owner, e.Err)
}

// Unwrap exposes both ErrStorage and the cause to errors.Is and errors.As.
func (e *StorageError) Unwrap() []error {
	return []error{ErrStorage, e.Err}
}

func storageErr(op, owner string, err error) error {
	return &StorageError{Op: op, Owner: owner, Err: err}
}
